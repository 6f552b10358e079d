package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/repository/memory"
)

const testRoom = "audit-42"

type presenceMetricsStub struct {
	mu       sync.Mutex
	counts   map[string]int
	failures int
}

func (m *presenceMetricsStub) SetParticipants(room string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[room] = count
}

func (m *presenceMetricsStub) IncSubscriptionFailure(string) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func newTracker(t *testing.T, hub *memory.PresenceHub, heartbeat time.Duration) *PresenceTracker {
	t.Helper()
	tr := NewPresenceTracker(hub, heartbeat, nil)
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func participantIDs(records []domain.PresenceRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.PrincipalID)
	}
	return ids
}

func findParticipant(records []domain.PresenceRecord, id string) (domain.PresenceRecord, bool) {
	for _, r := range records {
		if r.PrincipalID == id {
			return r, true
		}
	}
	return domain.PresenceRecord{}, false
}

func TestPresenceTracker_JoinSeesOtherParticipants(t *testing.T) {
	hub := memory.NewPresenceHub()
	alice := newTracker(t, hub, time.Hour)
	bob := newTracker(t, hub, time.Hour)
	ctx := context.Background()

	if err := alice.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice", DisplayName: "Alice", Role: domain.RoleClient}); err != nil {
		t.Fatalf("alice Join returned error: %v", err)
	}
	if err := bob.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "bob", DisplayName: "Bob", Role: domain.RoleAuditor}); err != nil {
		t.Fatalf("bob Join returned error: %v", err)
	}

	for name, tr := range map[string]*PresenceTracker{"alice": alice, "bob": bob} {
		tr := tr
		waitFor(t, name+" sees both participants", func() bool {
			list, err := tr.Participants(testRoom)
			return err == nil && len(list) == 2
		})
	}

	list, _ := alice.Participants(testRoom)
	if ids := participantIDs(list); ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("expected participants ordered by id, got %v", ids)
	}
	if state := alice.ConnectionState(testRoom); state != domain.ConnectionConnected {
		t.Fatalf("expected connected, got %s", state)
	}
	if rec, _ := findParticipant(list, "alice"); rec.Status != domain.PresenceOnline {
		t.Fatalf("expected default status online, got %q", rec.Status)
	}
}

func TestPresenceTracker_UpdateBroadcastsFullRecord(t *testing.T) {
	hub := memory.NewPresenceHub()
	alice := newTracker(t, hub, time.Hour)
	bob := newTracker(t, hub, time.Hour)
	ctx := context.Background()

	_ = alice.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice", DisplayName: "Alice"})
	_ = bob.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "bob", DisplayName: "Bob", Location: "/audits/42"})

	busy := domain.PresenceBusy
	activity := "reviewing findings"
	if err := bob.UpdatePresence(ctx, domain.PresenceUpdate{Status: &busy, Activity: &activity}); err != nil {
		t.Fatalf("UpdatePresence returned error: %v", err)
	}

	waitFor(t, "bob's update to reach alice", func() bool {
		list, _ := alice.Participants(testRoom)
		rec, ok := findParticipant(list, "bob")
		return ok && rec.Status == domain.PresenceBusy
	})
	list, _ := alice.Participants(testRoom)
	rec, _ := findParticipant(list, "bob")
	if rec.Activity != activity || rec.DisplayName != "Bob" || rec.Location != "/audits/42" {
		t.Fatalf("expected full record replacement, got %+v", rec)
	}
}

func TestPresenceTracker_UpdateRejectsUnknownStatus(t *testing.T) {
	tr := newTracker(t, memory.NewPresenceHub(), time.Hour)
	ctx := context.Background()

	status := domain.PresenceStatus("invisible")
	if err := tr.UpdatePresence(ctx, domain.PresenceUpdate{Status: &status}); !errors.Is(err, ErrInvalidPresence) {
		t.Fatalf("expected ErrInvalidPresence, got %v", err)
	}
	online := domain.PresenceOnline
	if err := tr.UpdatePresence(ctx, domain.PresenceUpdate{Status: &online}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined before join, got %v", err)
	}
}

func TestPresenceTracker_JoinValidation(t *testing.T) {
	tr := newTracker(t, memory.NewPresenceHub(), time.Hour)
	ctx := context.Background()

	if err := tr.Join(ctx, " ", domain.PresenceRecord{PrincipalID: "alice"}); !errors.Is(err, ErrInvalidPresence) {
		t.Fatalf("expected ErrInvalidPresence for empty room, got %v", err)
	}
	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{}); !errors.Is(err, ErrInvalidPresence) {
		t.Fatalf("expected ErrInvalidPresence for missing principal, got %v", err)
	}
	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice", Status: "sleeping"}); !errors.Is(err, ErrInvalidPresence) {
		t.Fatalf("expected ErrInvalidPresence for unknown status, got %v", err)
	}
	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice"}); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice"}); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	if err := tr.Join(ctx, "other-room", domain.PresenceRecord{PrincipalID: "mallory"}); !errors.Is(err, ErrInvalidPresence) {
		t.Fatalf("expected ErrInvalidPresence for second principal, got %v", err)
	}
}

func TestPresenceTracker_LeaveStopsUpdates(t *testing.T) {
	hub := memory.NewPresenceHub()
	alice := newTracker(t, hub, time.Hour)
	bob := newTracker(t, hub, time.Hour)
	ctx := context.Background()

	_ = alice.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice"})
	_ = bob.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "bob"})
	waitFor(t, "bob sees alice", func() bool {
		list, _ := bob.Participants(testRoom)
		return len(list) == 2
	})

	if err := alice.Leave(ctx, testRoom); err != nil {
		t.Fatalf("Leave returned error: %v", err)
	}
	waitFor(t, "alice removed from bob's list", func() bool {
		list, _ := bob.Participants(testRoom)
		_, ok := findParticipant(list, "alice")
		return !ok
	})

	if _, err := alice.Participants(testRoom); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined after leave, got %v", err)
	}
	if err := alice.Leave(ctx, testRoom); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined on second leave, got %v", err)
	}
	if state := alice.ConnectionState(testRoom); state != domain.ConnectionDisconnected {
		t.Fatalf("expected disconnected, got %s", state)
	}
}

func TestPresenceTracker_ChannelFailureDegradesWithoutRetry(t *testing.T) {
	hub := memory.NewPresenceHub()
	metrics := &presenceMetricsStub{}
	tr := NewPresenceTracker(hub, 10*time.Millisecond, nil).WithMetrics(metrics)
	t.Cleanup(func() { tr.Close(context.Background()) })
	ctx := context.Background()

	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice"}); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	waitFor(t, "connected", func() bool { return tr.ConnectionState(testRoom) == domain.ConnectionConnected })

	hub.Fail(testRoom)
	waitFor(t, "degraded", func() bool { return tr.ConnectionState(testRoom) == domain.ConnectionDegraded })

	time.Sleep(50 * time.Millisecond)
	if state := tr.ConnectionState(testRoom); state != domain.ConnectionDegraded {
		t.Fatalf("expected room to stay degraded without reconnect, got %s", state)
	}
	metrics.mu.Lock()
	failures := metrics.failures
	metrics.mu.Unlock()
	if failures != 1 {
		t.Fatalf("expected one subscription failure, got %d", failures)
	}

	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice"}); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected Join on degraded room to require Reconnect, got %v", err)
	}
	if err := tr.Reconnect(ctx, testRoom); err != nil {
		t.Fatalf("Reconnect returned error: %v", err)
	}
	waitFor(t, "reconnected", func() bool { return tr.ConnectionState(testRoom) == domain.ConnectionConnected })
}

func TestPresenceTracker_HeartbeatRefreshesLastSeen(t *testing.T) {
	hub := memory.NewPresenceHub()
	var mu sync.Mutex
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
	tr := NewPresenceTracker(hub, 10*time.Millisecond, nil).WithClock(clock)
	t.Cleanup(func() { tr.Close(context.Background()) })

	if err := tr.Join(context.Background(), testRoom, domain.PresenceRecord{PrincipalID: "alice"}); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	records := hub.Records(testRoom)
	if len(records) != 1 {
		t.Fatalf("expected one tracked record, got %d", len(records))
	}
	joined := records[0].LastSeen

	waitFor(t, "heartbeat", func() bool {
		recs := hub.Records(testRoom)
		return len(recs) == 1 && recs[0].LastSeen.After(joined)
	})
}

func TestPresenceTracker_SetVisibilityRestoresStatus(t *testing.T) {
	hub := memory.NewPresenceHub()
	tr := newTracker(t, hub, time.Hour)
	ctx := context.Background()

	if err := tr.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice", Status: domain.PresenceInCall}); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if err := tr.SetVisibility(ctx, false); err != nil {
		t.Fatalf("SetVisibility(false) returned error: %v", err)
	}
	if self, _ := tr.Self(); self.Status != domain.PresenceAway {
		t.Fatalf("expected away while hidden, got %s", self.Status)
	}
	if recs := hub.Records(testRoom); recs[0].Status != domain.PresenceAway {
		t.Fatalf("expected away to be broadcast, got %s", recs[0].Status)
	}
	if err := tr.SetVisibility(ctx, true); err != nil {
		t.Fatalf("SetVisibility(true) returned error: %v", err)
	}
	if self, _ := tr.Self(); self.Status != domain.PresenceInCall {
		t.Fatalf("expected previous status restored, got %s", self.Status)
	}
}

func TestPresenceTracker_WatchStreamsParticipantLists(t *testing.T) {
	hub := memory.NewPresenceHub()
	alice := newTracker(t, hub, time.Hour)
	bob := newTracker(t, hub, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = alice.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "alice"})
	lists, err := alice.Watch(ctx, testRoom)
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	_ = bob.Join(ctx, testRoom, domain.PresenceRecord{PrincipalID: "bob"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case list := <-lists:
			if _, ok := findParticipant(list, "bob"); ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for bob in watched list")
		}
	}
}
