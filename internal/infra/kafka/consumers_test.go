package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

type rowChangeSinkStub struct {
	events []domain.RowChangeEvent
	err    error
}

func (s *rowChangeSinkStub) ApplyServerEvent(_ context.Context, event domain.RowChangeEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type grantRefresherStub struct {
	refreshed   []string
	invalidated []string
	err         error
}

func (s *grantRefresherStub) Refresh(_ context.Context, principalID string) ([]domain.RoleGrant, error) {
	s.refreshed = append(s.refreshed, principalID)
	return nil, s.err
}

func (s *grantRefresherStub) Invalidate(principalID string) {
	s.invalidated = append(s.invalidated, principalID)
}

func TestRowChangeConsumerHandleMessage(t *testing.T) {
	sink := &rowChangeSinkStub{}
	consumer := NewRowChangeConsumer(sink, zaptest.NewLogger(t))

	msg := &sarama.ConsumerMessage{Value: []byte(`{
		"event_id": "evt-1",
		"event_type": "row_change",
		"timestamp": "2024-06-01T12:00:00Z",
		"version": "1.0",
		"payload": {
			"table": "audit_requests",
			"op": "update",
			"id": "req-1",
			"record": {"title": "vault", "budget": 5000},
			"version": 7,
			"commit_timestamp": "2024-06-01T11:59:59Z"
		}
	}`)}

	if err := consumer.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}

	got := sink.events[0]
	if got.EventID != "evt-1" || got.Op != domain.MutationUpdate || got.Version != 7 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Key() != (domain.ResourceKey{Table: "audit_requests", ID: "req-1"}) {
		t.Fatalf("unexpected key: %v", got.Key())
	}
	if got.Fields["title"] != "vault" {
		t.Fatalf("unexpected fields: %v", got.Fields)
	}
	if !got.CommitTimestamp.Equal(time.Date(2024, 6, 1, 11, 59, 59, 0, time.UTC)) {
		t.Fatalf("unexpected commit timestamp: %v", got.CommitTimestamp)
	}
}

func TestRowChangeConsumerRejectsMalformedMessages(t *testing.T) {
	sink := &rowChangeSinkStub{}
	consumer := NewRowChangeConsumer(sink, nil)

	cases := map[string]*sarama.ConsumerMessage{
		"nil":        nil,
		"not json":   {Value: []byte(`{`)},
		"unknown op": {Value: []byte(`{"payload":{"table":"audit_requests","op":"truncate","id":"x","version":1}}`)},
	}
	for name, msg := range cases {
		if err := consumer.HandleMessage(context.Background(), msg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no events to reach the sink, got %d", len(sink.events))
	}
}

func TestRowChangeConsumerPropagatesSinkError(t *testing.T) {
	sink := &rowChangeSinkStub{err: errors.New("invalid target")}
	consumer := NewRowChangeConsumer(sink, nil)

	err := consumer.HandleEvent(context.Background(), domain.RowChangeEvent{Table: "audit_requests", RecordID: "x"})
	if !errors.Is(err, sink.err) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestRoleGrantConsumerRefreshesPrincipal(t *testing.T) {
	engine := &grantRefresherStub{}
	consumer := NewRoleGrantConsumer(engine, zaptest.NewLogger(t))

	msg := &sarama.ConsumerMessage{Value: []byte(`{
		"event_id": "evt-2",
		"event_type": "role_change",
		"version": "1.0",
		"payload": {"user_id": "auditor-1", "role": "auditor", "op": "DELETE"}
	}`)}

	if err := consumer.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(engine.refreshed) != 1 || engine.refreshed[0] != "auditor-1" {
		t.Fatalf("expected refresh for auditor-1, got %v", engine.refreshed)
	}
	if len(engine.invalidated) != 0 {
		t.Fatalf("expected no invalidation on successful refresh")
	}
}

func TestRoleGrantConsumerInvalidatesOnRefreshFailure(t *testing.T) {
	engine := &grantRefresherStub{err: errors.New("db down")}
	consumer := NewRoleGrantConsumer(engine, nil)

	err := consumer.HandleEvent(context.Background(), domain.RoleGrantChangedEvent{PrincipalID: "client-1", Role: "client", Op: domain.MutationDelete})
	if err == nil {
		t.Fatalf("expected refresh error to propagate")
	}
	if len(engine.invalidated) != 1 || engine.invalidated[0] != "client-1" {
		t.Fatalf("expected cached grants to be dropped, got %v", engine.invalidated)
	}
}

func TestRoleGrantConsumerFallsBackToEnvelopeUser(t *testing.T) {
	engine := &grantRefresherStub{}
	consumer := NewRoleGrantConsumer(engine, nil)

	msg := &sarama.ConsumerMessage{Value: []byte(`{"user_id":"mod-1","payload":{"role":"moderator","op":"INSERT"}}`)}
	if err := consumer.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(engine.refreshed) != 1 || engine.refreshed[0] != "mod-1" {
		t.Fatalf("expected refresh for mod-1, got %v", engine.refreshed)
	}
}
