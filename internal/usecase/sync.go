package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

const (
	defaultSyncInterval   = 30 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	maxConflictRounds     = 5
	watchBuffer           = 8
)

var errConflictStorm = errors.New("sync: conflict limit reached for this pass")

// SyncConfig tunes reconciliation timing.
type SyncConfig struct {
	DefaultInterval time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = defaultSyncInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}

// SyncManager keeps optimistic local copies of rows consistent with the relational store.
// Each active target owns one reconciliation goroutine.
type SyncManager struct {
	store   port.RecordStore
	cache   port.SnapshotCache
	metrics port.SyncMetrics
	policy  domain.DegradationPolicy
	logger  *zap.Logger
	now     func() time.Time
	cfg     SyncConfig

	mu      sync.Mutex
	workers map[domain.ResourceKey]*syncWorker
	closed  bool
}

// NewSyncManager constructs a SyncManager.
func NewSyncManager(store port.RecordStore, cfg SyncConfig, logger *zap.Logger) *SyncManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncManager{
		store:   store,
		policy:  domain.NewDegradationPolicy(domain.DegradationPolicyModeLenient),
		logger:  logger,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		workers: make(map[domain.ResourceKey]*syncWorker),
	}
}

// WithSnapshotCache installs a read-through cache in front of the store.
func (m *SyncManager) WithSnapshotCache(cache port.SnapshotCache, policy domain.DegradationPolicy) *SyncManager {
	m.cache = cache
	m.policy = policy
	return m
}

// WithMetrics attaches a metrics recorder.
func (m *SyncManager) WithMetrics(metrics port.SyncMetrics) *SyncManager {
	m.metrics = metrics
	return m
}

// WithClock overrides the manager clock.
func (m *SyncManager) WithClock(now func() time.Time) *SyncManager {
	if now != nil {
		m.now = now
	}
	return m
}

// InitSync starts reconciliation for target. It fails with ErrTargetActive if the key is already synchronized.
func (m *SyncManager) InitSync(target domain.SyncTarget) error {
	_, err := m.start(target, false)
	return err
}

// EnsureSync starts reconciliation for target unless it is already running.
func (m *SyncManager) EnsureSync(target domain.SyncTarget) error {
	_, err := m.start(target, true)
	return err
}

func (m *SyncManager) start(target domain.SyncTarget, reuse bool) (*syncWorker, error) {
	target.Key.Table = strings.TrimSpace(target.Key.Table)
	target.Key.ID = strings.TrimSpace(target.Key.ID)
	if !target.Key.Valid() {
		return nil, fmt.Errorf("%w: table and id are required", ErrInvalidTarget)
	}
	if target.Policy == "" {
		target.Policy = domain.ConflictServerWins
	}
	if !target.Policy.Valid() {
		return nil, fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidTarget, target.Policy)
	}
	if target.Interval <= 0 {
		target.Interval = m.cfg.DefaultInterval
	}
	if target.Merge == nil {
		target.Merge = fieldMerge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: sync manager closed", ErrInvalidTarget)
	}
	if w, ok := m.workers[target.Key]; ok {
		if reuse {
			return w, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTargetActive, target.Key)
	}

	w := newSyncWorker(m, target)
	m.workers[target.Key] = w
	go w.run()

	m.logger.Debug("sync target started",
		zap.String("key", target.Key.String()),
		zap.String("policy", string(target.Policy)),
		zap.Duration("interval", target.Interval),
	)
	return w, nil
}

// StopSync cancels the target's task, waits for it to exit and discards unacknowledged mutations.
func (m *SyncManager) StopSync(key domain.ResourceKey) error {
	m.mu.Lock()
	w, ok := m.workers[key]
	if ok {
		delete(m.workers, key)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, key)
	}

	w.stop()
	if discarded := w.discard(); discarded > 0 {
		m.logger.Info("discarded unacknowledged mutations",
			zap.String("key", key.String()),
			zap.Int("count", discarded),
		)
	}
	return nil
}

// StopIfIdle stops the target only when it holds no unacknowledged mutations. It reports
// whether the target was stopped.
func (m *SyncManager) StopIfIdle(key domain.ResourceKey) bool {
	m.mu.Lock()
	w, ok := m.workers[key]
	if !ok || !w.detachIfDrained(false) {
		m.mu.Unlock()
		return false
	}
	delete(m.workers, key)
	m.mu.Unlock()

	w.stop()
	w.discard()
	return true
}

// ReleaseWhenIdle lets the target stop itself after its queue has been acknowledged by the
// store. Later calls for the key start a fresh target.
func (m *SyncManager) ReleaseWhenIdle(key domain.ResourceKey) error {
	w, err := m.worker(key)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.release = true
	w.mu.Unlock()
	w.kick()
	return nil
}

// retire removes w from the manager once its queue is drained. It runs on the worker goroutine.
func (m *SyncManager) retire(w *syncWorker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[w.target.Key] != w || !w.detachIfDrained(true) {
		return false
	}
	delete(m.workers, w.target.Key)
	m.logger.Debug("sync target released", zap.String("key", w.target.Key.String()))
	return true
}

// Close stops every target.
func (m *SyncManager) Close() {
	m.mu.Lock()
	m.closed = true
	workers := make([]*syncWorker, 0, len(m.workers))
	for key, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, key)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
		w.discard()
	}
}

// QueueLocalChange records a local mutation, applies it to the local view and nudges reconciliation.
// It never blocks on I/O.
func (m *SyncManager) QueueLocalChange(key domain.ResourceKey, op domain.MutationOp, payload map[string]any) (domain.Mutation, error) {
	w, err := m.worker(key)
	if err != nil {
		return domain.Mutation{}, err
	}

	switch op {
	case domain.MutationInsert, domain.MutationUpdate:
		if len(payload) == 0 {
			return domain.Mutation{}, fmt.Errorf("%w: %s requires a payload", ErrInvalidMutation, op)
		}
	case domain.MutationDelete:
	default:
		return domain.Mutation{}, fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, op)
	}

	mutation := domain.Mutation{
		Op:               op,
		Payload:          domain.CloneFields(payload),
		OriginAt:         m.now().UTC(),
		IdempotencyToken: ulid.Make().String(),
	}
	if !w.enqueue(mutation) {
		return domain.Mutation{}, fmt.Errorf("%w: %s", ErrTargetNotFound, key)
	}
	return mutation, nil
}

// GetSyncStatus returns the current status of the target.
func (m *SyncManager) GetSyncStatus(key domain.ResourceKey) (domain.SyncStatus, error) {
	w, err := m.worker(key)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	return w.status(), nil
}

// Invalidate makes the next read of key bypass the snapshot cache.
func (m *SyncManager) Invalidate(key domain.ResourceKey) {
	if w, err := m.worker(key); err == nil {
		w.invalidate()
	}
}

// SyncNow asks the target to reconcile immediately, unless it is backing off.
func (m *SyncManager) SyncNow(key domain.ResourceKey) error {
	w, err := m.worker(key)
	if err != nil {
		return err
	}
	w.kick()
	return nil
}

// Get returns the local view, pulling from the server first if the target has never loaded.
func (m *SyncManager) Get(ctx context.Context, key domain.ResourceKey) (domain.LocalView, error) {
	w, err := m.worker(key)
	if err != nil {
		return domain.LocalView{}, err
	}
	if !w.isLoaded() {
		if err := w.pull(ctx); err != nil {
			return domain.LocalView{}, fmt.Errorf("load %s: %w", key, err)
		}
	}
	return w.view(), nil
}

// Watch streams the local view of key after every change. The channel closes when ctx ends
// or the target is stopped. Slow readers miss intermediate views.
func (m *SyncManager) Watch(ctx context.Context, key domain.ResourceKey) (<-chan domain.LocalView, error) {
	w, err := m.worker(key)
	if err != nil {
		return nil, err
	}
	return w.watch(ctx), nil
}

// ApplyServerEvent folds a pushed row change into the matching target. Events older than the
// version already held are ignored.
func (m *SyncManager) ApplyServerEvent(ctx context.Context, event domain.RowChangeEvent) error {
	key := event.Key()
	if !key.Valid() {
		return fmt.Errorf("%w: row change without table or id", ErrInvalidTarget)
	}

	record := domain.Record{
		Key:       key,
		Fields:    domain.CloneFields(event.Fields),
		Version:   event.Version,
		Deleted:   event.Op == domain.MutationDelete,
		UpdatedAt: event.CommitTimestamp,
	}

	if m.cache != nil {
		var err error
		if record.Deleted {
			err = m.cache.Delete(ctx, key)
		} else {
			err = m.cache.Set(ctx, record)
		}
		if err != nil {
			m.logger.Warn("snapshot cache update from server event failed", zap.String("key", key.String()), zap.Error(err))
		}
	}

	w, err := m.worker(key)
	if err != nil {
		return nil
	}
	if w.applySnapshot(&record) && w.pendingCount() > 0 {
		w.kick()
	}
	return nil
}

// Active lists the keys currently synchronized.
func (m *SyncManager) Active() []domain.ResourceKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.ResourceKey, 0, len(m.workers))
	for key := range m.workers {
		keys = append(keys, key)
	}
	return keys
}

func (m *SyncManager) worker(key domain.ResourceKey) (*syncWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, key)
	}
	return w, nil
}

func fieldMerge(local, server map[string]any) map[string]any {
	return domain.OverlayFields(domain.CloneFields(server), local)
}

type syncWorker struct {
	m      *SyncManager
	target domain.SyncTarget
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nudge  chan struct{}

	mu             sync.Mutex
	state          domain.SyncState
	base           map[string]any
	exists         bool
	loaded         bool
	serverVersion  int64
	queue          []domain.Mutation
	lastSyncAt     *time.Time
	lastError      string
	transientError bool
	failures       int
	nextAttempt    *time.Time
	bypassCache    bool
	release        bool
	detached       bool
	watchers       map[chan domain.LocalView]struct{}
}

func newSyncWorker(m *SyncManager, target domain.SyncTarget) *syncWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &syncWorker{
		m:        m,
		target:   target,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		nudge:    make(chan struct{}, 1),
		state:    domain.SyncIdle,
		watchers: make(map[chan domain.LocalView]struct{}),
	}
}

func (w *syncWorker) run() {
	defer close(w.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.m.cfg.BackoffInitial
	bo.MaxInterval = w.m.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	backingOff := false

	for {
		nudge := w.nudge
		if backingOff {
			nudge = nil
		}
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
		case <-nudge:
		}

		w.setState(domain.SyncSyncing)
		started := time.Now()
		err := w.reconcile(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if w.m.metrics != nil {
			w.m.metrics.ObserveReconcile(w.target.Key.Table, time.Since(started), err)
		}

		var delay time.Duration
		if err != nil {
			delay = bo.NextBackOff()
			backingOff = true
			w.recordFailure(err, delay)
			w.m.logger.Warn("sync pass failed",
				zap.String("key", w.target.Key.String()),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		} else {
			bo.Reset()
			backingOff = false
			delay = w.target.Interval
			w.recordSuccess(delay)
			if w.m.retire(w) {
				w.cancel()
				w.discard()
				return
			}
		}
		timer.Reset(delay)
	}
}

func (w *syncWorker) reconcile(ctx context.Context) error {
	if !w.isLoaded() {
		if err := w.pull(ctx); err != nil {
			return err
		}
	}

	conflicts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, version, ok := w.head()
		if !ok {
			break
		}

		record, err := w.m.store.Apply(ctx, w.target.Key, head, port.ApplyOptions{ExpectedVersion: version})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			w.acknowledge(ctx, head, record)
			continue
		}

		var conflict *repository.ConflictError
		switch {
		case errors.As(err, &conflict):
			conflicts++
			if conflicts > maxConflictRounds {
				return errConflictStorm
			}
			if err := w.resolveConflict(ctx, head, conflict.Current); err != nil {
				return err
			}
		case isValidationError(err):
			w.reject(head, err)
		default:
			return err
		}
	}

	return w.pull(ctx)
}

func (w *syncWorker) resolveConflict(ctx context.Context, head domain.Mutation, current *domain.Record) error {
	if w.m.metrics != nil {
		w.m.metrics.IncConflict(w.target.Key.Table, string(w.target.Policy))
	}
	w.m.logger.Debug("sync conflict",
		zap.String("key", w.target.Key.String()),
		zap.String("policy", string(w.target.Policy)),
		zap.String("token", head.IdempotencyToken),
	)

	switch w.target.Policy {
	case domain.ConflictClientWins:
		record, err := w.m.store.Apply(ctx, w.target.Key, head, port.ApplyOptions{Force: true})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if isValidationError(err) {
				w.reject(head, err)
				return nil
			}
			return err
		}
		w.acknowledge(ctx, head, record)
		return nil

	case domain.ConflictMerge:
		if current == nil || current.Deleted || head.Op == domain.MutationDelete {
			if head.Op == domain.MutationDelete && current != nil && !current.Deleted {
				w.rebase(head, head, current)
				return nil
			}
			w.supersede(head, current)
			return nil
		}
		merged := head
		merged.Op = domain.MutationUpdate
		merged.Payload = w.target.Merge(domain.CloneFields(head.Payload), domain.CloneFields(current.Fields))
		w.rebase(head, merged, current)
		return nil

	default:
		w.supersede(head, current)
		return nil
	}
}

func (w *syncWorker) pull(ctx context.Context) error {
	record, err := w.fetch(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		w.applySnapshot(&domain.Record{Key: w.target.Key, Deleted: true})
		return nil
	case err != nil:
		return err
	}
	w.applySnapshot(record)
	return nil
}

func (w *syncWorker) fetch(ctx context.Context) (*domain.Record, error) {
	cache := w.m.cache
	bypass := w.takeBypass()

	if cache != nil && !bypass {
		record, err := cache.Get(ctx, w.target.Key)
		switch {
		case err == nil:
			return record, nil
		case errors.Is(err, repository.ErrNotFound):
		case errors.Is(err, repository.ErrCacheCorrupt):
			if !w.m.policy.AllowsFallback(domain.DegradationReasonCacheCorrupt) {
				return nil, fmt.Errorf("snapshot cache: %w", err)
			}
			w.m.logger.Warn("corrupt snapshot in cache, reading store", zap.String("key", w.target.Key.String()), zap.Error(err))
		default:
			if !w.m.policy.AllowsFallback(domain.DegradationReasonCacheUnavailable) {
				return nil, fmt.Errorf("snapshot cache: %w", err)
			}
			w.m.logger.Debug("snapshot cache unavailable, reading store", zap.String("key", w.target.Key.String()), zap.Error(err))
		}
	}

	record, err := w.m.store.Fetch(ctx, w.target.Key)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.Set(ctx, *record); err != nil {
			w.m.logger.Debug("snapshot cache write failed", zap.String("key", w.target.Key.String()), zap.Error(err))
		}
	}
	return record, nil
}

func (w *syncWorker) stop() {
	w.cancel()
	<-w.done
}

func (w *syncWorker) discard() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	w.queue = nil
	w.state = domain.SyncStopped
	for ch := range w.watchers {
		delete(w.watchers, ch)
		close(ch)
	}
	w.reportPendingLocked()
	return n
}

func (w *syncWorker) kick() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (w *syncWorker) enqueue(m domain.Mutation) bool {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, m)
	w.reportPendingLocked()
	w.notifyLocked()
	w.mu.Unlock()
	w.kick()
	return true
}

// detachIfDrained marks the worker as leaving the manager when its queue is empty. With
// requested set, it only does so after ReleaseWhenIdle. Callers hold the manager lock.
func (w *syncWorker) detachIfDrained(requested bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 || (requested && !w.release) {
		return false
	}
	w.detached = true
	return true
}

func (w *syncWorker) head() (domain.Mutation, int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return domain.Mutation{}, 0, false
	}
	return w.queue[0], w.serverVersion, true
}

// popLocked removes head from the queue if it is still the first entry.
func (w *syncWorker) popLocked(head domain.Mutation) {
	if len(w.queue) > 0 && w.queue[0].IdempotencyToken == head.IdempotencyToken {
		w.queue = w.queue[1:]
	}
}

func (w *syncWorker) acknowledge(ctx context.Context, head domain.Mutation, record *domain.Record) {
	w.mu.Lock()
	w.popLocked(head)
	if record != nil && record.Version >= w.serverVersion {
		w.setBaseLocked(record)
	}
	w.reportPendingLocked()
	w.notifyLocked()
	w.mu.Unlock()

	if record != nil && w.m.cache != nil {
		if err := w.m.cache.Set(ctx, *record); err != nil {
			w.m.logger.Debug("snapshot cache write failed", zap.String("key", w.target.Key.String()), zap.Error(err))
		}
	}
}

// supersede drops head in favour of the server's row.
func (w *syncWorker) supersede(head domain.Mutation, current *domain.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.popLocked(head)
	if current != nil {
		w.setBaseLocked(current)
	}
	w.reportPendingLocked()
	w.notifyLocked()
}

// rebase replaces head with next, to be pushed against current's version.
func (w *syncWorker) rebase(head, next domain.Mutation, current *domain.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 && w.queue[0].IdempotencyToken == head.IdempotencyToken {
		w.queue[0] = next
	}
	w.setBaseLocked(current)
	w.notifyLocked()
}

func (w *syncWorker) reject(head domain.Mutation, err error) {
	w.mu.Lock()
	w.popLocked(head)
	w.lastError = err.Error()
	w.transientError = false
	w.reportPendingLocked()
	w.notifyLocked()
	w.mu.Unlock()

	if w.m.metrics != nil {
		w.m.metrics.IncDropped(w.target.Key.Table, "validation")
	}
	w.m.logger.Warn("local mutation rejected by server",
		zap.String("key", w.target.Key.String()),
		zap.String("op", string(head.Op)),
		zap.String("token", head.IdempotencyToken),
		zap.Error(err),
	)
}

// applySnapshot installs record as the confirmed server state unless it is older than what is held.
// Conflict snapshots are authoritative and go through setBaseLocked directly.
func (w *syncWorker) applySnapshot(record *domain.Record) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded && record.Version < w.serverVersion {
		return false
	}
	w.setBaseLocked(record)
	w.notifyLocked()
	return true
}

func (w *syncWorker) setBaseLocked(record *domain.Record) {
	w.loaded = true
	if record.Deleted {
		w.base = nil
		w.exists = false
	} else {
		w.base = domain.CloneFields(record.Fields)
		w.exists = true
	}
	w.serverVersion = record.Version
}

func (w *syncWorker) viewLocked() domain.LocalView {
	fields := domain.CloneFields(w.base)
	exists := w.exists
	for _, m := range w.queue {
		switch m.Op {
		case domain.MutationInsert:
			fields = domain.CloneFields(m.Payload)
			exists = true
		case domain.MutationUpdate:
			fields = domain.OverlayFields(fields, m.Payload)
			exists = true
		case domain.MutationDelete:
			fields = nil
			exists = false
		}
	}
	return domain.LocalView{
		Key:           w.target.Key,
		Fields:        fields,
		Exists:        exists,
		ServerVersion: w.serverVersion,
		PendingCount:  len(w.queue),
	}
}

func (w *syncWorker) view() domain.LocalView {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewLocked()
}

func (w *syncWorker) notifyLocked() {
	if len(w.watchers) == 0 {
		return
	}
	v := w.viewLocked()
	for ch := range w.watchers {
		select {
		case ch <- v:
		default:
		}
	}
}

func (w *syncWorker) watch(ctx context.Context) <-chan domain.LocalView {
	ch := make(chan domain.LocalView, watchBuffer)
	w.mu.Lock()
	if w.state == domain.SyncStopped {
		w.mu.Unlock()
		close(ch)
		return ch
	}
	w.watchers[ch] = struct{}{}
	if w.loaded {
		ch <- w.viewLocked()
	}
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.ctx.Done():
		}
		w.mu.Lock()
		if _, ok := w.watchers[ch]; ok {
			delete(w.watchers, ch)
			close(ch)
		}
		w.mu.Unlock()
	}()
	return ch
}

func (w *syncWorker) reportPendingLocked() {
	if w.m.metrics != nil {
		w.m.metrics.SetPending(w.target.Key.Table, len(w.queue))
	}
}

func (w *syncWorker) setState(state domain.SyncState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *syncWorker) recordSuccess(next time.Duration) {
	now := w.m.now().UTC()
	at := now.Add(next)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.SyncIdle
	w.lastSyncAt = &now
	w.failures = 0
	w.nextAttempt = &at
	if w.transientError {
		w.lastError = ""
		w.transientError = false
	}
}

func (w *syncWorker) recordFailure(err error, next time.Duration) {
	at := w.m.now().UTC().Add(next)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.SyncError
	w.failures++
	w.lastError = err.Error()
	w.transientError = true
	w.nextAttempt = &at
}

func (w *syncWorker) status() domain.SyncStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.SyncStatus{
		Key:                 w.target.Key,
		State:               w.state,
		Policy:              string(w.target.Policy),
		LastSyncAt:          w.lastSyncAt,
		PendingCount:        len(w.queue),
		LastError:           w.lastError,
		ConsecutiveFailures: w.failures,
		NextAttemptAt:       w.nextAttempt,
		ServerVersion:       w.serverVersion,
		Stale:               w.failures > 0 || !w.loaded,
	}
}

func (w *syncWorker) invalidate() {
	w.mu.Lock()
	w.bypassCache = true
	w.mu.Unlock()
}

func (w *syncWorker) takeBypass() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.bypassCache
	w.bypassCache = false
	return b
}

func (w *syncWorker) isLoaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

func (w *syncWorker) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func isValidationError(err error) bool {
	return errors.Is(err, repository.ErrInvalidPayload) || errors.Is(err, repository.ErrNotFound)
}
