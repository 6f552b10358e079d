package port

import (
	"context"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// ApplyOptions controls optimistic concurrency for a push.
type ApplyOptions struct {
	// ExpectedVersion is the server version the mutation was based on. Zero means the row must not exist yet.
	ExpectedVersion int64
	// Force overwrites the server row regardless of version.
	Force bool
}

// RecordStore is the server of record for synchronized rows.
//
// Apply returns *repository.ConflictError (wrapping repository.ErrConflict) when the version check fails
// and repository.ErrInvalidPayload when the store rejects the payload. A mutation whose idempotency
// token was already applied returns the current row without error.
type RecordStore interface {
	Fetch(ctx context.Context, key domain.ResourceKey) (*domain.Record, error)
	Apply(ctx context.Context, key domain.ResourceKey, mutation domain.Mutation, opts ApplyOptions) (*domain.Record, error)
}

// RoleGrantRepository reads and writes rows of user_roles.
type RoleGrantRepository interface {
	ListByPrincipal(ctx context.Context, principalID string) ([]domain.RoleGrant, error)
	Grant(ctx context.Context, grant domain.RoleGrant) error
	Revoke(ctx context.Context, principalID, role string) error
}

// TransactionLedger stores processor outcomes keyed by idempotency key.
type TransactionLedger interface {
	Get(ctx context.Context, idempotencyKey string) (*domain.Transaction, error)
	// Record inserts tx; an existing row with the same idempotency key is left untouched.
	Record(ctx context.Context, tx domain.Transaction) error
	ListByContract(ctx context.Context, contractID string) ([]domain.Transaction, error)
}

// ContractStore loads and saves escrow contracts.
type ContractStore interface {
	Create(ctx context.Context, contract domain.EscrowContract) error
	Load(ctx context.Context, contractID string) (*domain.EscrowContract, error)
	Save(ctx context.Context, contract domain.EscrowContract) error
}
