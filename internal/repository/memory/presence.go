package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

const presenceBuffer = 64

var (
	// ErrHubClosed is reported by subscriptions terminated with Fail.
	ErrHubClosed = errors.New("presence hub: channel closed")
	// ErrSubscriberLagging is reported by subscriptions whose buffer overflowed.
	ErrSubscriberLagging = errors.New("presence hub: subscriber fell behind")
)

// PresenceHub is an in-process presence channel provider. It fans events out to every
// subscriber of a room and ends subscriptions that do not keep up.
type PresenceHub struct {
	mu    sync.Mutex
	rooms map[string]*hubRoom
}

type hubRoom struct {
	records map[string]domain.PresenceRecord
	subs    map[int]*hubSubscription
	next    int
}

var _ port.PresenceChannel = (*PresenceHub)(nil)

// NewPresenceHub creates an empty hub.
func NewPresenceHub() *PresenceHub {
	return &PresenceHub{rooms: make(map[string]*hubRoom)}
}

// Subscribe registers a subscriber and queues the room snapshot as its first event.
func (h *PresenceHub) Subscribe(ctx context.Context, room string) (port.PresenceSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.roomLocked(room)
	sub := &hubSubscription{
		hub:    h,
		room:   room,
		id:     r.next,
		events: make(chan domain.PresenceEvent, presenceBuffer),
	}
	r.next++
	r.subs[sub.id] = sub
	sub.events <- domain.PresenceEvent{Type: domain.PresenceSync, Room: room, Records: snapshot(r)}
	return sub, nil
}

// Fail terminates every subscription of room with ErrHubClosed.
func (h *PresenceHub) Fail(room string) {
	h.mu.Lock()
	r, ok := h.rooms[room]
	var subs []*hubSubscription
	if ok {
		for id, sub := range r.subs {
			subs = append(subs, sub)
			delete(r.subs, id)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.terminate(ErrHubClosed)
	}
}

// Records returns the tracked records of room.
func (h *PresenceHub) Records(room string) []domain.PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	return snapshot(r)
}

func (h *PresenceHub) roomLocked(room string) *hubRoom {
	r, ok := h.rooms[room]
	if !ok {
		r = &hubRoom{
			records: make(map[string]domain.PresenceRecord),
			subs:    make(map[int]*hubSubscription),
		}
		h.rooms[room] = r
	}
	return r
}

func (h *PresenceHub) publishLocked(r *hubRoom, ev domain.PresenceEvent) {
	for _, sub := range r.subs {
		sub.deliver(ev)
	}
}

func snapshot(r *hubRoom) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

type hubSubscription struct {
	hub    *PresenceHub
	room   string
	id     int
	events chan domain.PresenceEvent

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *hubSubscription) Events() <-chan domain.PresenceEvent {
	return s.events
}

func (s *hubSubscription) Track(ctx context.Context, record domain.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrHubClosed
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	r := s.hub.roomLocked(s.room)
	r.records[record.PrincipalID] = record
	s.hub.publishLocked(r, domain.PresenceEvent{Type: domain.PresenceJoin, Room: s.room, Records: []domain.PresenceRecord{record}})
	return nil
}

func (s *hubSubscription) Untrack(ctx context.Context, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	r := s.hub.roomLocked(s.room)
	rec, ok := r.records[principalID]
	if !ok {
		return nil
	}
	delete(r.records, principalID)
	s.hub.publishLocked(r, domain.PresenceEvent{Type: domain.PresenceLeave, Room: s.room, Records: []domain.PresenceRecord{rec}})
	return nil
}

func (s *hubSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	if r, ok := s.hub.rooms[s.room]; ok {
		delete(r.subs, s.id)
	}
	s.hub.mu.Unlock()
	s.terminate(nil)
	return nil
}

func (s *hubSubscription) deliver(ev domain.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.closed = true
		s.err = ErrSubscriberLagging
		close(s.events)
	}
}

func (s *hubSubscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

func (s *hubSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
