package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/port"
)

// PresenceRegistry holds one PresenceTracker per authenticated principal for server-side
// sessions driven over HTTP.
type PresenceRegistry struct {
	channel   port.PresenceChannel
	heartbeat time.Duration
	metrics   port.PresenceMetrics
	logger    *zap.Logger

	mu       sync.Mutex
	trackers map[string]*PresenceTracker
}

func NewPresenceRegistry(channel port.PresenceChannel, heartbeat time.Duration, logger *zap.Logger) *PresenceRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceRegistry{
		channel:   channel,
		heartbeat: heartbeat,
		logger:    logger,
		trackers:  make(map[string]*PresenceTracker),
	}
}

// WithMetrics attaches a metrics recorder passed to every tracker created afterwards.
func (r *PresenceRegistry) WithMetrics(metrics port.PresenceMetrics) *PresenceRegistry {
	r.metrics = metrics
	return r
}

// Session returns the principal's tracker, creating it on first use.
func (r *PresenceRegistry) Session(principalID string) *PresenceTracker {
	principalID = strings.TrimSpace(principalID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[principalID]; ok {
		return t
	}
	t := NewPresenceTracker(r.channel, r.heartbeat, r.logger.With(zap.String("principal_id", principalID)))
	if r.metrics != nil {
		t.WithMetrics(r.metrics)
	}
	r.trackers[principalID] = t
	return t
}

// Lookup returns the principal's tracker without creating one.
func (r *PresenceRegistry) Lookup(principalID string) (*PresenceTracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[strings.TrimSpace(principalID)]
	return t, ok
}

// Release leaves every room of the principal and forgets the tracker.
func (r *PresenceRegistry) Release(ctx context.Context, principalID string) {
	r.mu.Lock()
	t, ok := r.trackers[principalID]
	delete(r.trackers, principalID)
	r.mu.Unlock()
	if ok {
		t.Close(ctx)
	}
}

// ReleaseIfIdle drops the principal's tracker once it has no joined rooms.
func (r *PresenceRegistry) ReleaseIfIdle(principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[principalID]; ok && len(t.Rooms()) == 0 {
		delete(r.trackers, principalID)
	}
}

// Close leaves every room of every tracked principal.
func (r *PresenceRegistry) Close(ctx context.Context) {
	r.mu.Lock()
	trackers := make([]*PresenceTracker, 0, len(r.trackers))
	for id, t := range r.trackers {
		trackers = append(trackers, t)
		delete(r.trackers, id)
	}
	r.mu.Unlock()

	for _, t := range trackers {
		t.Close(ctx)
	}
}

// Len reports how many principals hold a tracker.
func (r *PresenceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}
