package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Grants  *RoleGrantRepository
	Records *RecordStore
	Ledger  *TransactionLedger
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool, syncedTables ...string) *Repositories {
	return &Repositories{
		Grants:  NewRoleGrantRepository(pool),
		Records: NewRecordStore(pool, syncedTables...),
		Ledger:  NewTransactionLedger(pool),
	}
}
