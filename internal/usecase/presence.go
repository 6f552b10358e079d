package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	trackTimeout             = 5 * time.Second
)

type presenceSelf struct {
	PrincipalID string                `validate:"required"`
	DisplayName string                `validate:"max=120"`
	Status      domain.PresenceStatus `validate:"presence_status"`
	Location    string                `validate:"max=512"`
	Activity    string                `validate:"max=256"`
}

// PresenceTracker maintains one session's view of who is present in the rooms it joined.
type PresenceTracker struct {
	channel   port.PresenceChannel
	metrics   port.PresenceMetrics
	logger    *zap.Logger
	now       func() time.Time
	heartbeat time.Duration

	mu           sync.Mutex
	self         domain.PresenceRecord
	hasSelf      bool
	hiddenStatus *domain.PresenceStatus
	rooms        map[string]*presenceRoom
}

// NewPresenceTracker constructs a tracker. A non-positive heartbeat selects the 30s default.
func NewPresenceTracker(channel port.PresenceChannel, heartbeat time.Duration, logger *zap.Logger) *PresenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &PresenceTracker{
		channel:   channel,
		logger:    logger,
		now:       time.Now,
		heartbeat: heartbeat,
		rooms:     make(map[string]*presenceRoom),
	}
}

// WithMetrics attaches a metrics recorder.
func (t *PresenceTracker) WithMetrics(metrics port.PresenceMetrics) *PresenceTracker {
	t.metrics = metrics
	return t
}

// WithClock overrides the tracker clock.
func (t *PresenceTracker) WithClock(now func() time.Time) *PresenceTracker {
	if now != nil {
		t.now = now
	}
	return t
}

// Join subscribes to room, seeds participants from the room snapshot and broadcasts self.
func (t *PresenceTracker) Join(ctx context.Context, room string, self domain.PresenceRecord) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidPresence)
	}
	if self.Status == "" {
		self.Status = domain.PresenceOnline
	}
	if err := validateInput(ErrInvalidPresence, presenceSelf{
		PrincipalID: self.PrincipalID,
		DisplayName: self.DisplayName,
		Status:      self.Status,
		Location:    self.Location,
		Activity:    self.Activity,
	}); err != nil {
		return err
	}

	t.mu.Lock()
	if existing, ok := t.rooms[room]; ok {
		t.mu.Unlock()
		if existing.connectionState() == domain.ConnectionConnected || existing.connectionState() == domain.ConnectionConnecting {
			return fmt.Errorf("%w: %s", ErrAlreadyJoined, room)
		}
		return fmt.Errorf("%w: %s is %s, use Reconnect", ErrAlreadyJoined, room, existing.connectionState())
	}
	if t.hasSelf && t.self.PrincipalID != self.PrincipalID {
		t.mu.Unlock()
		return fmt.Errorf("%w: session already tracks principal %s", ErrInvalidPresence, t.self.PrincipalID)
	}
	self.LastSeen = t.now().UTC()
	t.self = self
	t.hasSelf = true
	t.mu.Unlock()

	return t.connect(ctx, room)
}

// Reconnect tears down a degraded or disconnected room subscription and joins again.
func (t *PresenceTracker) Reconnect(ctx context.Context, room string) error {
	t.mu.Lock()
	r, ok := t.rooms[room]
	if ok {
		delete(t.rooms, room)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, room)
	}
	r.shutdown()
	return t.connect(ctx, room)
}

func (t *PresenceTracker) connect(ctx context.Context, room string) error {
	sub, err := t.channel.Subscribe(ctx, room)
	if err != nil {
		if t.metrics != nil {
			t.metrics.IncSubscriptionFailure("subscribe")
		}
		return fmt.Errorf("subscribe to %s: %w", domain.PresenceChannelName(room), err)
	}

	r := newPresenceRoom(t, room, sub)

	t.mu.Lock()
	if _, ok := t.rooms[room]; ok {
		t.mu.Unlock()
		_ = sub.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, room)
	}
	t.rooms[room] = r
	self := t.self
	t.mu.Unlock()

	r.start()

	trackCtx, cancel := context.WithTimeout(ctx, trackTimeout)
	defer cancel()
	if err := sub.Track(trackCtx, self); err != nil {
		r.fail(fmt.Errorf("track: %w", err))
		return fmt.Errorf("broadcast presence in %s: %w", room, err)
	}
	return nil
}

// UpdatePresence merges update into the session's record and re-broadcasts the full record
// in every connected room.
func (t *PresenceTracker) UpdatePresence(ctx context.Context, update domain.PresenceUpdate) error {
	if update.Status != nil {
		if _, err := domain.ParsePresenceStatus(string(*update.Status)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPresence, err)
		}
	}

	t.mu.Lock()
	if !t.hasSelf {
		t.mu.Unlock()
		return ErrNotJoined
	}
	t.self = update.Apply(t.self)
	t.self.LastSeen = t.now().UTC()
	self := t.self
	rooms := t.roomListLocked()
	t.mu.Unlock()

	return t.broadcast(ctx, rooms, self)
}

// SetVisibility reflects tab or window visibility: hidden becomes away, visible restores the
// status held before hiding (online if none).
func (t *PresenceTracker) SetVisibility(ctx context.Context, visible bool) error {
	t.mu.Lock()
	if !t.hasSelf {
		t.mu.Unlock()
		return ErrNotJoined
	}
	var status domain.PresenceStatus
	if visible {
		status = domain.PresenceOnline
		if t.hiddenStatus != nil {
			status = *t.hiddenStatus
			t.hiddenStatus = nil
		}
	} else {
		if t.self.Status == domain.PresenceAway {
			t.mu.Unlock()
			return nil
		}
		prev := t.self.Status
		t.hiddenStatus = &prev
		status = domain.PresenceAway
	}
	t.mu.Unlock()

	return t.UpdatePresence(ctx, domain.PresenceUpdate{Status: &status})
}

// Leave untracks self from room and tears the subscription down. No events for the room are
// processed after Leave returns.
func (t *PresenceTracker) Leave(ctx context.Context, room string) error {
	t.mu.Lock()
	r, ok := t.rooms[room]
	if ok {
		delete(t.rooms, room)
	}
	principalID := t.self.PrincipalID
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, room)
	}

	var untrackErr error
	if r.connectionState() == domain.ConnectionConnected {
		untrackCtx, cancel := context.WithTimeout(ctx, trackTimeout)
		untrackErr = r.sub.Untrack(untrackCtx, principalID)
		cancel()
	}
	r.shutdown()

	if t.metrics != nil {
		t.metrics.SetParticipants(room, 0)
	}
	if untrackErr != nil {
		t.logger.Warn("presence untrack failed", zap.String("room", room), zap.Error(untrackErr))
	}
	return nil
}

// Close leaves every joined room.
func (t *PresenceTracker) Close(ctx context.Context) {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.rooms))
	for name := range t.rooms {
		rooms = append(rooms, name)
	}
	t.mu.Unlock()
	for _, name := range rooms {
		_ = t.Leave(ctx, name)
	}
}

// Participants returns the current participant list of room, ordered by principal id.
func (t *PresenceTracker) Participants(room string) ([]domain.PresenceRecord, error) {
	r, err := t.room(room)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// ConnectionState reports the subscription state of room.
func (t *PresenceTracker) ConnectionState(room string) domain.ConnectionState {
	r, err := t.room(room)
	if err != nil {
		return domain.ConnectionDisconnected
	}
	return r.connectionState()
}

// Watch streams the full participant list of room after every change.
func (t *PresenceTracker) Watch(ctx context.Context, room string) (<-chan []domain.PresenceRecord, error) {
	r, err := t.room(room)
	if err != nil {
		return nil, err
	}
	return r.watch(ctx), nil
}

// Self returns the session's own record.
func (t *PresenceTracker) Self() (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self, t.hasSelf
}

// Rooms lists joined rooms.
func (t *PresenceTracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.rooms))
	for name := range t.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *PresenceTracker) room(name string) (*presenceRoom, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	return r, nil
}

func (t *PresenceTracker) roomListLocked() []*presenceRoom {
	out := make([]*presenceRoom, 0, len(t.rooms))
	for _, r := range t.rooms {
		out = append(out, r)
	}
	return out
}

func (t *PresenceTracker) broadcast(ctx context.Context, rooms []*presenceRoom, self domain.PresenceRecord) error {
	var errs []error
	for _, r := range rooms {
		if r.connectionState() != domain.ConnectionConnected && r.connectionState() != domain.ConnectionConnecting {
			continue
		}
		trackCtx, cancel := context.WithTimeout(ctx, trackTimeout)
		err := r.sub.Track(trackCtx, self)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *PresenceTracker) heartbeatRecord() (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasSelf {
		return domain.PresenceRecord{}, false
	}
	t.self.LastSeen = t.now().UTC()
	return t.self, true
}

type presenceRoom struct {
	tracker *PresenceTracker
	name    string
	sub     port.PresenceSubscription
	ctx     context.Context
	cancel  context.CancelFunc
	closed  chan struct{}
	wg      sync.WaitGroup

	mu           sync.RWMutex
	state        domain.ConnectionState
	participants map[string]domain.PresenceRecord
	watchers     map[chan []domain.PresenceRecord]struct{}
	lastErr      error
}

func newPresenceRoom(t *PresenceTracker, name string, sub port.PresenceSubscription) *presenceRoom {
	ctx, cancel := context.WithCancel(context.Background())
	return &presenceRoom{
		tracker:      t,
		name:         name,
		sub:          sub,
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
		state:        domain.ConnectionConnecting,
		participants: make(map[string]domain.PresenceRecord),
		watchers:     make(map[chan []domain.PresenceRecord]struct{}),
	}
}

func (r *presenceRoom) start() {
	r.wg.Add(2)
	go r.listen()
	go r.beat()
}

func (r *presenceRoom) listen() {
	defer r.wg.Done()
	events := r.sub.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if r.ctx.Err() == nil {
					r.fail(r.sub.Err())
				}
				return
			}
			if r.ctx.Err() != nil {
				return
			}
			r.apply(ev)
		}
	}
}

func (r *presenceRoom) beat() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.tracker.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.connectionState() != domain.ConnectionConnected {
				continue
			}
			self, ok := r.tracker.heartbeatRecord()
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(r.ctx, trackTimeout)
			err := r.sub.Track(ctx, self)
			cancel()
			if err != nil && r.ctx.Err() == nil {
				r.tracker.logger.Warn("presence heartbeat failed", zap.String("room", r.name), zap.Error(err))
				r.fail(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (r *presenceRoom) apply(ev domain.PresenceEvent) {
	r.mu.Lock()
	switch ev.Type {
	case domain.PresenceSync:
		r.participants = make(map[string]domain.PresenceRecord, len(ev.Records))
		for _, rec := range ev.Records {
			if rec.PrincipalID != "" {
				r.participants[rec.PrincipalID] = rec
			}
		}
		if r.state == domain.ConnectionConnecting {
			r.state = domain.ConnectionConnected
		}
	case domain.PresenceJoin:
		for _, rec := range ev.Records {
			if rec.PrincipalID != "" {
				r.participants[rec.PrincipalID] = rec
			}
		}
	case domain.PresenceLeave:
		for _, rec := range ev.Records {
			delete(r.participants, rec.PrincipalID)
		}
	default:
		r.mu.Unlock()
		r.tracker.logger.Debug("ignoring unknown presence event", zap.String("room", r.name), zap.String("type", string(ev.Type)))
		return
	}
	count := len(r.participants)
	r.notifyLocked()
	r.mu.Unlock()

	if r.tracker.metrics != nil {
		r.tracker.metrics.SetParticipants(r.name, count)
	}
}

func (r *presenceRoom) fail(err error) {
	r.mu.Lock()
	if r.state == domain.ConnectionDegraded || r.state == domain.ConnectionDisconnected {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.state = domain.ConnectionDegraded
	} else {
		r.state = domain.ConnectionDisconnected
	}
	r.lastErr = err
	r.mu.Unlock()

	// Stops the heartbeat; reconnection is an explicit Reconnect call.
	r.cancel()

	if r.tracker.metrics != nil {
		r.tracker.metrics.IncSubscriptionFailure("channel")
	}
	r.tracker.logger.Warn("presence subscription lost", zap.String("room", r.name), zap.Error(err))
}

func (r *presenceRoom) shutdown() {
	r.cancel()
	if err := r.sub.Close(); err != nil {
		r.tracker.logger.Debug("presence subscription close", zap.String("room", r.name), zap.Error(err))
	}
	r.wg.Wait()
	close(r.closed)

	r.mu.Lock()
	r.state = domain.ConnectionDisconnected
	for ch := range r.watchers {
		delete(r.watchers, ch)
		close(ch)
	}
	r.mu.Unlock()
}

func (r *presenceRoom) connectionState() domain.ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *presenceRoom) snapshotLocked() []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(r.participants))
	for _, rec := range r.participants {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

func (r *presenceRoom) snapshot() []domain.PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *presenceRoom) notifyLocked() {
	if len(r.watchers) == 0 {
		return
	}
	list := r.snapshotLocked()
	for ch := range r.watchers {
		select {
		case ch <- list:
		default:
		}
	}
}

func (r *presenceRoom) watch(ctx context.Context) <-chan []domain.PresenceRecord {
	ch := make(chan []domain.PresenceRecord, watchBuffer)
	r.mu.Lock()
	if r.state == domain.ConnectionDisconnected {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.watchers[ch] = struct{}{}
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.closed:
		}
		r.mu.Lock()
		if _, ok := r.watchers[ch]; ok {
			delete(r.watchers, ch)
			close(ch)
		}
		r.mu.Unlock()
	}()
	return ch
}
