package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/internal/infra/persistence"
)

// Store bundles the PostgreSQL-backed repositories behind one pool.
type Store struct {
	*persistence.Store

	Accounts *AccountStore
	Commands *CommandStore
	Orders   *OrderStore
	Ledger   *LedgerStore
	Recon    *ReconStore
	Outbox   *OutboxStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		Accounts: NewAccountStore(pool),
		Commands: NewCommandStore(pool),
		Orders:   NewOrderStore(pool),
		Ledger:   NewLedgerStore(pool),
		Recon:    NewReconStore(pool),
		Outbox:   NewOutboxStore(pool),
	}
}
