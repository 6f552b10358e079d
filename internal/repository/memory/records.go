package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

// RecordStore implements port.RecordStore with in-process concurrency safety.
// It backs development runs without PostgreSQL and the usecase tests.
type RecordStore struct {
	mu     sync.RWMutex
	rows   map[domain.ResourceKey]domain.Record
	tokens map[string]domain.ResourceKey
	now    func() time.Time
}

var _ port.RecordStore = (*RecordStore)(nil)

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		rows:   make(map[domain.ResourceKey]domain.Record),
		tokens: make(map[string]domain.ResourceKey),
		now:    time.Now,
	}
}

// Fetch returns the row or repository.ErrNotFound.
func (s *RecordStore) Fetch(ctx context.Context, key domain.ResourceKey) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

// Apply performs the mutation under optimistic concurrency.
func (s *RecordStore) Apply(ctx context.Context, key domain.ResourceKey, m domain.Mutation, opts port.ApplyOptions) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.rows[key]

	if m.IdempotencyToken != "" {
		if _, seen := s.tokens[m.IdempotencyToken]; seen {
			out := current.Clone()
			return &out, nil
		}
	}

	if !opts.Force && current.Version != opts.ExpectedVersion {
		snapshot := current.Clone()
		if !exists {
			snapshot = domain.Record{Key: key, Deleted: true}
		}
		return nil, &repository.ConflictError{Current: &snapshot}
	}

	next := domain.Record{Key: key, Version: current.Version + 1, UpdatedAt: s.now().UTC()}
	switch m.Op {
	case domain.MutationInsert:
		if exists && !current.Deleted && !opts.Force {
			snapshot := current.Clone()
			return nil, &repository.ConflictError{Current: &snapshot}
		}
		next.Fields = domain.CloneFields(m.Payload)
	case domain.MutationUpdate:
		if !exists || current.Deleted {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, key)
		}
		next.Fields = domain.OverlayFields(domain.CloneFields(current.Fields), m.Payload)
	case domain.MutationDelete:
		if !exists {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, key)
		}
		next.Deleted = true
	default:
		return nil, fmt.Errorf("%w: unknown op %q", repository.ErrInvalidPayload, m.Op)
	}

	s.rows[key] = next
	if m.IdempotencyToken != "" {
		s.tokens[m.IdempotencyToken] = key
	}
	out := next.Clone()
	return &out, nil
}

// Put overwrites a row as another writer would, bumping its version.
func (s *RecordStore) Put(key domain.ResourceKey, fields map[string]any) domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.rows[key]
	next := domain.Record{
		Key:       key,
		Fields:    domain.CloneFields(fields),
		Version:   current.Version + 1,
		UpdatedAt: s.now().UTC(),
	}
	s.rows[key] = next
	return next.Clone()
}
