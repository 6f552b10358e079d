package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Used when Kafka is disabled.
type StubPublisher struct {
	logger *zap.Logger
}

func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, key string, at time.Time, fields ...zap.Field) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p.logger.Info("stub event published",
		append([]zap.Field{
			zap.String("event_type", eventType),
			zap.String("key", key),
			zap.Time("timestamp", at.UTC()),
		}, fields...)...,
	)
}

func (p *StubPublisher) PublishEscrowUpdated(_ context.Context, event domain.EscrowUpdatedEvent) error {
	p.logEvent(EventEscrowUpdated, event.ContractID, event.OccurredAt,
		zap.String("action", event.Action),
		zap.String("status", string(event.Status)),
		zap.String("actor_id", event.ActorID),
		zap.String("milestone_id", event.MilestoneID),
	)
	return nil
}

func (p *StubPublisher) PublishPaymentUpdated(_ context.Context, event domain.PaymentUpdatedEvent) error {
	p.logEvent(EventPaymentUpdated, event.ContractID, event.OccurredAt,
		zap.String("kind", string(event.Kind)),
		zap.Int64("amount", event.Amount),
		zap.String("currency", event.Currency),
		zap.String("status", string(event.Status)),
	)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
