package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

const syncMutationsTable = "sync_mutations"

// DefaultSyncedTables are the tables the record store serves unless configured otherwise.
var DefaultSyncedTables = []string{"audit_requests", "escrow_contracts"}

// RecordStore implements port.RecordStore over versioned rows shaped as
// (id, payload jsonb, version, deleted_at, created_at, updated_at).
// Applied idempotency tokens are logged in sync_mutations inside the same transaction.
type RecordStore struct {
	db      pgBeginner
	builder squirrel.StatementBuilderType
	tables  map[string]struct{}
	now     func() time.Time
}

var _ port.RecordStore = (*RecordStore)(nil)

// NewRecordStore constructs a store serving the given tables, or DefaultSyncedTables if none.
func NewRecordStore(db pgBeginner, tables ...string) *RecordStore {
	if len(tables) == 0 {
		tables = DefaultSyncedTables
	}
	allowed := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		allowed[t] = struct{}{}
	}
	return &RecordStore{db: db, builder: newBuilder(), tables: allowed, now: time.Now}
}

// WithClock overrides the timestamp source.
func (s *RecordStore) WithClock(now func() time.Time) *RecordStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Fetch returns the row, including soft-deleted rows flagged Deleted.
func (s *RecordStore) Fetch(ctx context.Context, key domain.ResourceKey) (*domain.Record, error) {
	if err := s.checkTable(key.Table); err != nil {
		return nil, err
	}
	return s.fetch(ctx, s.db, key, false)
}

// Apply performs the mutation in a single transaction guarded by the row lock and version check.
func (s *RecordStore) Apply(ctx context.Context, key domain.ResourceKey, m domain.Mutation, opts port.ApplyOptions) (*domain.Record, error) {
	if err := s.checkTable(key.Table); err != nil {
		return nil, err
	}

	var payload []byte
	if m.Op != domain.MutationDelete {
		var err error
		if payload, err = json.Marshal(m.Payload); err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", repository.ErrInvalidPayload, err)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin apply: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.now().UTC()

	if m.IdempotencyToken != "" {
		fresh, err := s.claimToken(ctx, tx, key, m.IdempotencyToken, now)
		if err != nil {
			return nil, err
		}
		if !fresh {
			current, err := s.fetch(ctx, tx, key, false)
			if errors.Is(err, repository.ErrNotFound) {
				return &domain.Record{Key: key, Deleted: true}, nil
			}
			return current, err
		}
	}

	current, err := s.fetch(ctx, tx, key, true)
	exists := true
	switch {
	case errors.Is(err, repository.ErrNotFound):
		exists = false
		current = &domain.Record{Key: key, Deleted: true}
	case err != nil:
		return nil, err
	}

	if !opts.Force && current.Version != opts.ExpectedVersion {
		return nil, &repository.ConflictError{Current: current}
	}

	next := domain.Record{Key: key, Version: current.Version + 1, UpdatedAt: now}
	switch m.Op {
	case domain.MutationInsert:
		if exists && !current.Deleted && !opts.Force {
			return nil, &repository.ConflictError{Current: current}
		}
		next.Fields = domain.CloneFields(m.Payload)
	case domain.MutationUpdate:
		if !exists || current.Deleted {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, key)
		}
		next.Fields = domain.OverlayFields(domain.CloneFields(current.Fields), m.Payload)
		if payload, err = json.Marshal(next.Fields); err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", repository.ErrInvalidPayload, err)
		}
	case domain.MutationDelete:
		if !exists {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, key)
		}
		next.Deleted = true
		next.Fields = current.Fields
		if payload, err = json.Marshal(current.Fields); err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", repository.ErrInvalidPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %q", repository.ErrInvalidPayload, m.Op)
	}

	if exists {
		err = s.update(ctx, tx, next, payload)
	} else {
		err = s.insert(ctx, tx, next, payload)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit apply: %w", err)
	}
	committed = true
	return &next, nil
}

func (s *RecordStore) claimToken(ctx context.Context, exec pgExecutor, key domain.ResourceKey, token string, now time.Time) (bool, error) {
	stmt, args, err := s.builder.Insert(syncMutationsTable).
		Columns("token", "table_name", "record_id", "applied_at").
		Values(token, key.Table, key.ID, now).
		Suffix("ON CONFLICT (token) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build claim token sql: %w", err)
	}
	res, err := exec.Exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("claim mutation token: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

func (s *RecordStore) fetch(ctx context.Context, exec pgExecutor, key domain.ResourceKey, lock bool) (*domain.Record, error) {
	query := s.builder.Select("payload", "version", "deleted_at", "updated_at").
		From(key.Table).
		Where(squirrel.Eq{"id": key.ID})
	if lock {
		query = query.Suffix("FOR UPDATE")
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select record sql: %w", err)
	}

	var (
		payload   []byte
		deletedAt *time.Time
		rec       = domain.Record{Key: key}
	)
	if err := exec.QueryRow(ctx, stmt, args...).Scan(&payload, &rec.Version, &deletedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan record %s: %w", key, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
	}
	rec.Deleted = deletedAt != nil
	return &rec, nil
}

func (s *RecordStore) insert(ctx context.Context, exec pgExecutor, rec domain.Record, payload []byte) error {
	stmt, args, err := s.builder.Insert(rec.Key.Table).
		Columns("id", "payload", "version", "created_at", "updated_at").
		Values(rec.Key.ID, payload, rec.Version, rec.UpdatedAt, rec.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert record sql: %w", err)
	}
	if _, err := exec.Exec(ctx, stmt, args...); err != nil {
		return classifyError("insert record", err)
	}
	return nil
}

func (s *RecordStore) update(ctx context.Context, exec pgExecutor, rec domain.Record, payload []byte) error {
	var deletedAt any
	if rec.Deleted {
		deletedAt = rec.UpdatedAt
	}
	stmt, args, err := s.builder.Update(rec.Key.Table).
		Set("payload", payload).
		Set("version", rec.Version).
		Set("deleted_at", deletedAt).
		Set("updated_at", rec.UpdatedAt).
		Where(squirrel.Eq{"id": rec.Key.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update record sql: %w", err)
	}
	if _, err := exec.Exec(ctx, stmt, args...); err != nil {
		return classifyError("update record", err)
	}
	return nil
}

func (s *RecordStore) checkTable(table string) error {
	if _, ok := s.tables[table]; !ok {
		return fmt.Errorf("%w: table %q is not synchronized", repository.ErrInvalidPayload, table)
	}
	return nil
}
