package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// MessageHandler processes one consumed message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// ConsumerGroup runs handlers keyed by topic inside one sarama consumer group. Messages that
// fail to decode or apply are logged and committed; replaying them would not change the outcome.
type ConsumerGroup struct {
	group    sarama.ConsumerGroup
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewConsumerGroup connects a consumer group for the topics in handlers.
func NewConsumerGroup(brokers []string, groupID string, handlers map[string]MessageHandler, logger *zap.Logger) (*ConsumerGroup, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return newConsumerGroup(group, handlers, logger), nil
}

func newConsumerGroup(group sarama.ConsumerGroup, handlers map[string]MessageHandler, logger *zap.Logger) *ConsumerGroup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsumerGroup{group: group, handlers: handlers, logger: logger}
}

// Topics lists the subscribed topics in a stable order.
func (g *ConsumerGroup) Topics() []string {
	topics := make([]string, 0, len(g.handlers))
	for topic := range g.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Run consumes until ctx is cancelled, rejoining the group after every rebalance.
func (g *ConsumerGroup) Run(ctx context.Context) error {
	go func() {
		for err := range g.group.Errors() {
			g.logger.Warn("kafka consumer group error", zap.Error(err))
		}
	}()

	topics := g.Topics()
	g.logger.Info("kafka consumer group started", zap.Strings("topics", topics))
	for {
		if err := g.group.Consume(ctx, topics, g); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			g.logger.Error("kafka consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (g *ConsumerGroup) Close() error {
	if err := g.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	return nil
}

func (g *ConsumerGroup) Setup(sarama.ConsumerGroupSession) error { return nil }

func (g *ConsumerGroup) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *ConsumerGroup) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			g.dispatch(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (g *ConsumerGroup) dispatch(ctx context.Context, msg *sarama.ConsumerMessage) {
	handler, ok := g.handlers[msg.Topic]
	if !ok {
		g.logger.Warn("no handler for topic", zap.String("topic", msg.Topic))
		return
	}
	if err := handler.HandleMessage(ctx, msg); err != nil {
		g.logger.Warn("kafka message skipped",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}
