package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/infra/config"
)

const schemaVersion = "1.0"

const (
	EventEscrowUpdated  = "escrow_updates"
	EventPaymentUpdated = "payment_updates"
)

// EventPublisher implements port.EventPublisher using Kafka. Messages are keyed by contract id
// so updates of one contract stay ordered within a partition.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   json.RawMessage  `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, key, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			metadata["trace_id"] = sc.TraceID().String()
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	bytes, err := json.Marshal(eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   body,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishEscrowUpdated publishes contract and milestone transitions on escrow_updates.
func (p *EventPublisher) PublishEscrowUpdated(ctx context.Context, event domain.EscrowUpdatedEvent) error {
	payload := struct {
		ContractID     string                 `json:"contract_id"`
		Status         domain.ContractStatus  `json:"status"`
		Action         string                 `json:"action"`
		MilestoneID    string                 `json:"milestone_id,omitempty"`
		MilestoneState domain.MilestoneStatus `json:"milestone_status,omitempty"`
		OccurredAt     time.Time              `json:"occurred_at"`
		Metadata       map[string]any         `json:"metadata,omitempty"`
	}{
		ContractID:     event.ContractID,
		Status:         event.Status,
		Action:         event.Action,
		MilestoneID:    event.MilestoneID,
		MilestoneState: event.MilestoneState,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventEscrowUpdated, event.ContractID, event.ActorID, event.OccurredAt, payload)
}

// PublishPaymentUpdated publishes confirmed processor operations on payment_updates.
func (p *EventPublisher) PublishPaymentUpdated(ctx context.Context, event domain.PaymentUpdatedEvent) error {
	payload := struct {
		ContractID   string                   `json:"contract_id"`
		MilestoneID  string                   `json:"milestone_id,omitempty"`
		Kind         domain.TransactionKind   `json:"kind"`
		Amount       int64                    `json:"amount"`
		Currency     string                   `json:"currency"`
		ProcessorRef string                   `json:"processor_ref"`
		Status       domain.TransactionStatus `json:"status"`
		OccurredAt   time.Time                `json:"occurred_at"`
	}{
		ContractID:   event.ContractID,
		MilestoneID:  event.MilestoneID,
		Kind:         event.Kind,
		Amount:       event.Amount,
		Currency:     event.Currency,
		ProcessorRef: event.ProcessorRef,
		Status:       event.Status,
		OccurredAt:   event.OccurredAt.UTC(),
	}

	return p.publish(ctx, event.EventID, EventPaymentUpdated, event.ContractID, "", event.OccurredAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
