package port

import (
	"context"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// SnapshotCache is the read-through cache in front of the relational store.
// Get returns repository.ErrNotFound on a miss.
type SnapshotCache interface {
	Get(ctx context.Context, key domain.ResourceKey) (*domain.Record, error)
	Set(ctx context.Context, record domain.Record) error
	Delete(ctx context.Context, key domain.ResourceKey) error
}
