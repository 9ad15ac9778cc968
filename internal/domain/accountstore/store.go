// Package accountstore defines persistence contracts for gateway accounts.
package accountstore

import (
	"context"

	"github.com/tradeforge/omsgate/internal/schema"
)

// RiskFlags captures the mutable risk-state toggles of an account.
type RiskFlags struct {
	AllowNewPositions bool `json:"allowNewPositions"`
	Active            bool `json:"active"`
}

// Store defines the contract for account persistence. Accounts are never
// deleted, only deactivated.
type Store interface {
	Create(ctx context.Context, account schema.Account) (schema.Account, error)
	Get(ctx context.Context, id int64) (schema.Account, error)
	GetByExchangeAccount(ctx context.Context, exchangeAccount string) (schema.Account, error)
	ListActive(ctx context.Context) ([]schema.Account, error)

	// SetWorkerHint persists the dispatcher's worker assignment for warm
	// restarts. Called by the dispatcher, not by operators.
	SetWorkerHint(ctx context.Context, id int64, hint int) error

	SetRiskFlags(ctx context.Context, id int64, flags RiskFlags) error
	SetReconPolicy(ctx context.Context, id int64, policy schema.ReconPolicy) error
}
