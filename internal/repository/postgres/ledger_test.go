package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/repository"
)

func TestTransactionLedger_RecordIgnoresDuplicateKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	ledger := NewTransactionLedger(mock)
	createdAt := time.Now().UTC()
	tx := domain.Transaction{
		ID:             "tx-1",
		IdempotencyKey: domain.ReleaseKey("m-1"),
		Kind:           domain.TransactionRelease,
		ContractID:     "c-1",
		MilestoneID:    "m-1",
		Amount:         30000,
		Currency:       "USD",
		ProcessorRef:   "tr_1",
		Status:         domain.TransactionSucceeded,
		CreatedAt:      createdAt,
	}

	mock.ExpectExec(`INSERT INTO transactions .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WithArgs("tx-1", "milestone-release:m-1", "release", "c-1", "m-1", int64(30000), "USD", "tr_1", "succeeded", createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	if err := ledger.Record(context.Background(), tx); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactionLedger_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	ledger := NewTransactionLedger(mock)
	createdAt := time.Now().UTC()

	rows := pgxmock.NewRows(transactionColumns).
		AddRow("tx-1", "contract-fund:c-1", "funding", "c-1", nil, int64(105000), "USD", "pi_1", "succeeded", createdAt)
	mock.ExpectQuery(`SELECT .* FROM transactions WHERE idempotency_key = \$1 LIMIT 1`).
		WithArgs("contract-fund:c-1").
		WillReturnRows(rows)

	tx, err := ledger.Get(context.Background(), "contract-fund:c-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if tx.Kind != domain.TransactionFunding || tx.MilestoneID != "" || tx.Amount != 105000 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	mock.ExpectQuery(`FROM transactions`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	if _, err := ledger.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactionLedger_ListByContract(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	ledger := NewTransactionLedger(mock)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(transactionColumns).
		AddRow("tx-1", "contract-fund:c-1", "funding", "c-1", nil, int64(105000), "USD", "pi_1", "succeeded", now).
		AddRow("tx-2", "milestone-release:m-1", "release", "c-1", "m-1", int64(30000), "USD", "tr_1", "succeeded", now.Add(time.Hour))
	mock.ExpectQuery(`SELECT .* FROM transactions WHERE contract_id = \$1 ORDER BY created_at ASC`).
		WithArgs("c-1").
		WillReturnRows(rows)

	txs, err := ledger.ListByContract(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("ListByContract returned error: %v", err)
	}
	if len(txs) != 2 || txs[1].MilestoneID != "m-1" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
