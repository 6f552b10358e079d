package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

const transactionsTable = "transactions"

var transactionColumns = []string{
	"id", "idempotency_key", "kind", "contract_id", "milestone_id",
	"amount", "currency", "processor_ref", "status", "created_at",
}

// TransactionLedger implements port.TransactionLedger on the transactions table.
type TransactionLedger struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

var _ port.TransactionLedger = (*TransactionLedger)(nil)

// NewTransactionLedger constructs a ledger backed by exec.
func NewTransactionLedger(exec pgExecutor) *TransactionLedger {
	return &TransactionLedger{exec: exec, builder: newBuilder()}
}

// Get returns the transaction stored under idempotencyKey.
func (l *TransactionLedger) Get(ctx context.Context, idempotencyKey string) (*domain.Transaction, error) {
	stmt, args, err := l.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(squirrel.Eq{"idempotency_key": idempotencyKey}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select transaction sql: %w", err)
	}

	tx, err := scanTransaction(l.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return tx, nil
}

// Record inserts tx. A row with the same idempotency key wins and is left untouched.
func (l *TransactionLedger) Record(ctx context.Context, tx domain.Transaction) error {
	var milestoneID any
	if tx.MilestoneID != "" {
		milestoneID = tx.MilestoneID
	}
	stmt, args, err := l.builder.Insert(transactionsTable).
		Columns(transactionColumns...).
		Values(tx.ID, tx.IdempotencyKey, string(tx.Kind), tx.ContractID, milestoneID,
			tx.Amount, tx.Currency, tx.ProcessorRef, string(tx.Status), tx.CreatedAt).
		Suffix("ON CONFLICT (idempotency_key) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert transaction sql: %w", err)
	}

	if _, err := l.exec.Exec(ctx, stmt, args...); err != nil {
		return classifyError("insert transaction", err)
	}
	return nil
}

// ListByContract returns every ledger entry of contractID, oldest first.
func (l *TransactionLedger) ListByContract(ctx context.Context, contractID string) ([]domain.Transaction, error) {
	stmt, args, err := l.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(squirrel.Eq{"contract_id": contractID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list transactions sql: %w", err)
	}

	rows, err := l.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx          domain.Transaction
		kind        string
		status      string
		milestoneID sql.NullString
	)
	if err := row.Scan(&tx.ID, &tx.IdempotencyKey, &kind, &tx.ContractID, &milestoneID,
		&tx.Amount, &tx.Currency, &tx.ProcessorRef, &status, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	if milestoneID.Valid {
		tx.MilestoneID = milestoneID.String
	}
	return &tx, nil
}
