package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

// TransactionLedger keeps processor outcomes in memory, keyed by idempotency key.
type TransactionLedger struct {
	mu   sync.RWMutex
	idem map[string]domain.Transaction
}

var _ port.TransactionLedger = (*TransactionLedger)(nil)

// NewTransactionLedger creates an empty ledger.
func NewTransactionLedger() *TransactionLedger {
	return &TransactionLedger{idem: make(map[string]domain.Transaction)}
}

// Get returns the transaction recorded for key.
func (l *TransactionLedger) Get(_ context.Context, key string) (*domain.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.idem[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tx, nil
}

// Record stores tx unless its idempotency key is already present.
func (l *TransactionLedger) Record(_ context.Context, tx domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.idem[tx.IdempotencyKey]; ok {
		return nil
	}
	l.idem[tx.IdempotencyKey] = tx
	return nil
}

// ListByContract returns the contract's transactions, oldest first.
func (l *TransactionLedger) ListByContract(_ context.Context, contractID string) ([]domain.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range l.idem {
		if tx.ContractID == contractID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
