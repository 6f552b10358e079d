package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// RowChangeSink receives decoded row changes.
type RowChangeSink interface {
	ApplyServerEvent(ctx context.Context, event domain.RowChangeEvent) error
}

type rowChangePayload struct {
	Table           string         `json:"table"`
	Op              string         `json:"op"`
	RecordID        string         `json:"id"`
	Record          map[string]any `json:"record"`
	Version         int64          `json:"version"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
}

// RowChangeConsumer forwards committed row changes from the change feed topic to the sync layer.
type RowChangeConsumer struct {
	sink   RowChangeSink
	logger *zap.Logger
}

func NewRowChangeConsumer(sink RowChangeSink, logger *zap.Logger) *RowChangeConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RowChangeConsumer{sink: sink, logger: logger}
}

// HandleMessage decodes the envelope and its row change payload.
func (c *RowChangeConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("decode row change envelope: %w", err)
	}
	var payload rowChangePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("decode row change payload: %w", err)
	}

	op, err := domain.ParseMutationOp(payload.Op)
	if err != nil {
		return fmt.Errorf("decode row change: %w", err)
	}
	committed := payload.CommitTimestamp
	if committed.IsZero() {
		committed = envelope.Timestamp
	}

	return c.HandleEvent(ctx, domain.RowChangeEvent{
		EventID:         envelope.EventID,
		Table:           payload.Table,
		Op:              op,
		RecordID:        payload.RecordID,
		Fields:          payload.Record,
		Version:         payload.Version,
		CommitTimestamp: committed,
	})
}

func (c *RowChangeConsumer) HandleEvent(ctx context.Context, event domain.RowChangeEvent) error {
	if c.sink == nil {
		return nil
	}
	if err := c.sink.ApplyServerEvent(ctx, event); err != nil {
		return fmt.Errorf("apply row change %s: %w", event.Key(), err)
	}
	c.logger.Debug("row change applied",
		zap.String("table", event.Table),
		zap.String("record_id", event.RecordID),
		zap.Int64("version", event.Version),
	)
	return nil
}

var _ interface {
	HandleMessage(context.Context, *sarama.ConsumerMessage) error
	HandleEvent(context.Context, domain.RowChangeEvent) error
} = (*RowChangeConsumer)(nil)
