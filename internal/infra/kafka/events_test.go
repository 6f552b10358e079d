package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newTestPublisher(t *testing.T) (*EventPublisher, *fakeAsyncProducer) {
	t.Helper()
	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, config.KafkaSettings{TopicPrefix: "auditmarket"}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = producer.Close() })

	publisher := NewEventPublisher(producer, config.AppSettings{Name: "auditmarket-core", Env: "test"}, zaptest.NewLogger(t))
	return publisher, asyncProducer
}

func receiveEnvelope(t *testing.T, producer *fakeAsyncProducer) (*sarama.ProducerMessage, map[string]any) {
	t.Helper()
	select {
	case msg := <-producer.input:
		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}
		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}
		return msg, envelope
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
	}
	return nil, nil
}

func TestPublishEscrowUpdated(t *testing.T) {
	publisher, producer := newTestPublisher(t)

	occurredAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	event := domain.EscrowUpdatedEvent{
		EventID:        "event-1",
		ContractID:     "contract-1",
		ActorID:        "client-1",
		Status:         domain.ContractInProgress,
		MilestoneID:    "milestone-1",
		MilestoneState: domain.MilestoneReleased,
		Action:         "milestone_released",
		OccurredAt:     occurredAt,
	}

	if err := publisher.PublishEscrowUpdated(context.Background(), event); err != nil {
		t.Fatalf("PublishEscrowUpdated returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, producer)
	if msg.Topic != "auditmarket.escrow_updates" {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "contract-1" {
		t.Fatalf("expected contract id as message key, got %q", key)
	}
	if envelope["event_id"] != "event-1" || envelope["event_type"] != EventEscrowUpdated {
		t.Fatalf("unexpected envelope header: %v", envelope)
	}
	if envelope["user_id"] != "client-1" || envelope["version"] != schemaVersion {
		t.Fatalf("unexpected envelope actor or version: %v", envelope)
	}
	if envelope["timestamp"] != occurredAt.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp: %v", envelope["timestamp"])
	}

	payload, ok := envelope["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload not a map: %T", envelope["payload"])
	}
	if payload["status"] != "in_progress" || payload["milestone_status"] != "released" || payload["action"] != "milestone_released" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	metadata, ok := envelope["metadata"].(map[string]any)
	if !ok || metadata["service"] != "auditmarket-core" || metadata["environment"] != "test" {
		t.Fatalf("unexpected envelope metadata: %v", envelope["metadata"])
	}
}

func TestPublishPaymentUpdated(t *testing.T) {
	publisher, producer := newTestPublisher(t)

	event := domain.PaymentUpdatedEvent{
		ContractID:   "contract-2",
		MilestoneID:  "milestone-9",
		Kind:         domain.TransactionRelease,
		Amount:       30000,
		Currency:     "USD",
		ProcessorRef: "tr_123",
		Status:       domain.TransactionSucceeded,
		OccurredAt:   time.Now(),
	}

	if err := publisher.PublishPaymentUpdated(context.Background(), event); err != nil {
		t.Fatalf("PublishPaymentUpdated returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, producer)
	if msg.Topic != "auditmarket.payment_updates" {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	if id, _ := envelope["event_id"].(string); id == "" {
		t.Fatalf("expected generated event id")
	}
	payload := envelope["payload"].(map[string]any)
	if payload["kind"] != "release" || payload["amount"].(float64) != 30000 || payload["processor_ref"] != "tr_123" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestPublishHonoursContextCancellation(t *testing.T) {
	publisher, producer := newTestPublisher(t)
	producer.input <- &sarama.ProducerMessage{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.PublishEscrowUpdated(ctx, domain.EscrowUpdatedEvent{ContractID: "c"})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled with a full input channel, got %v", err)
	}
}

func TestTopicName(t *testing.T) {
	p := &Producer{cfg: config.KafkaSettings{TopicPrefix: "auditmarket"}}
	if got := p.TopicName("escrow_updates"); got != "auditmarket.escrow_updates" {
		t.Fatalf("unexpected topic: %s", got)
	}
	if got := p.TopicName("auditmarket.row_changes"); got != "auditmarket.row_changes" {
		t.Fatalf("expected prefixed topic to be kept, got %s", got)
	}
	p.cfg.TopicPrefix = ""
	if got := p.TopicName("payment_updates"); got != "payment_updates" {
		t.Fatalf("unexpected topic without prefix: %s", got)
	}
}

func TestStubPublisherAcceptsEvents(t *testing.T) {
	stub := NewStubPublisher(zaptest.NewLogger(t))
	if err := stub.PublishEscrowUpdated(context.Background(), domain.EscrowUpdatedEvent{ContractID: "c-1"}); err != nil {
		t.Fatalf("PublishEscrowUpdated returned error: %v", err)
	}
	if err := stub.PublishPaymentUpdated(context.Background(), domain.PaymentUpdatedEvent{ContractID: "c-1"}); err != nil {
		t.Fatalf("PublishPaymentUpdated returned error: %v", err)
	}
}
