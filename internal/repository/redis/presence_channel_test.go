package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

func nextPresenceEvent(t *testing.T, events <-chan domain.PresenceEvent) domain.PresenceEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for presence event")
	}
	return domain.PresenceEvent{}
}

func TestPresenceChannel_SnapshotFirst(t *testing.T) {
	client, _ := newTestRedis(t)
	channel := NewPresenceChannel(client, "presence", time.Minute, nil)
	ctx := context.Background()

	first, err := channel.Subscribe(ctx, "req-1")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer first.Close()
	nextPresenceEvent(t, first.Events())

	alice := domain.PresenceRecord{PrincipalID: "auditor-1", DisplayName: "Alice", Status: domain.PresenceOnline, LastSeen: time.Now()}
	if err := first.Track(ctx, alice); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}

	second, err := channel.Subscribe(ctx, "req-1")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer second.Close()

	snap := nextPresenceEvent(t, second.Events())
	if snap.Type != domain.PresenceSync {
		t.Fatalf("expected sync event first, got %s", snap.Type)
	}
	if len(snap.Records) != 1 || snap.Records[0].PrincipalID != "auditor-1" {
		t.Fatalf("expected snapshot with auditor-1, got %+v", snap.Records)
	}
}

func TestPresenceChannel_JoinAndLeaveBroadcast(t *testing.T) {
	client, _ := newTestRedis(t)
	channel := NewPresenceChannel(client, "presence", time.Minute, nil)
	ctx := context.Background()

	watcher, err := channel.Subscribe(ctx, "req-2")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer watcher.Close()
	nextPresenceEvent(t, watcher.Events())

	member, err := channel.Subscribe(ctx, "req-2")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer member.Close()

	bob := domain.PresenceRecord{PrincipalID: "client-1", DisplayName: "Bob", Status: domain.PresenceAway, LastSeen: time.Now()}
	if err := member.Track(ctx, bob); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}

	join := nextPresenceEvent(t, watcher.Events())
	if join.Type != domain.PresenceJoin || join.Records[0].Status != domain.PresenceAway {
		t.Fatalf("unexpected join event: %+v", join)
	}

	if err := member.Untrack(ctx, "client-1"); err != nil {
		t.Fatalf("Untrack returned error: %v", err)
	}
	leave := nextPresenceEvent(t, watcher.Events())
	if leave.Type != domain.PresenceLeave || leave.Records[0].PrincipalID != "client-1" {
		t.Fatalf("unexpected leave event: %+v", leave)
	}

	members, err := channel.members(ctx, "req-2")
	if err != nil {
		t.Fatalf("members returned error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty room after leave, got %+v", members)
	}
}

func TestPresenceChannel_SkipsStaleMembers(t *testing.T) {
	client, _ := newTestRedis(t)
	channel := NewPresenceChannel(client, "presence", time.Minute, nil)
	ctx := context.Background()

	sub, err := channel.Subscribe(ctx, "req-3")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	stale := domain.PresenceRecord{PrincipalID: "ghost", Status: domain.PresenceOnline, LastSeen: time.Now().Add(-time.Hour)}
	if err := sub.Track(ctx, stale); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}

	members, err := channel.members(ctx, "req-3")
	if err != nil {
		t.Fatalf("members returned error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected stale member to be skipped, got %+v", members)
	}
}

func TestPresenceChannel_CloseEndsEvents(t *testing.T) {
	client, _ := newTestRedis(t)
	channel := NewPresenceChannel(client, "presence", time.Minute, nil)

	sub, err := channel.Subscribe(context.Background(), "req-4")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	nextPresenceEvent(t, sub.Events())

	if err := sub.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed events channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after Close")
	}
	if sub.Err() != nil {
		t.Fatalf("expected nil Err after explicit Close, got %v", sub.Err())
	}
	if err := sub.Track(context.Background(), domain.PresenceRecord{PrincipalID: "x"}); err == nil {
		t.Fatalf("expected Track after Close to fail")
	}
}

func TestPresenceChannel_SlowReaderIsDegraded(t *testing.T) {
	client, _ := newTestRedis(t)
	channel := NewPresenceChannel(client, "presence", time.Minute, nil)
	ctx := context.Background()

	slow, err := channel.Subscribe(ctx, "req-5")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer slow.Close()

	member, err := channel.Subscribe(ctx, "req-5")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer member.Close()

	for i := 0; i < presenceEventsBuffer+8; i++ {
		if err := member.Untrack(ctx, fmt.Sprintf("client-%d", i)); err != nil {
			t.Fatalf("Untrack returned error: %v", err)
		}
	}

	received := 0
	deadline := time.After(3 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-slow.Events():
			if ok {
				received++
			}
			open = ok
		case <-deadline:
			t.Fatalf("events channel not closed after overflow, received %d", received)
		}
	}
	if received > presenceEventsBuffer {
		t.Fatalf("expected at most %d buffered events, got %d", presenceEventsBuffer, received)
	}
	if !errors.Is(slow.Err(), ErrSubscriptionOverflow) {
		t.Fatalf("expected ErrSubscriptionOverflow, got %v", slow.Err())
	}
}
