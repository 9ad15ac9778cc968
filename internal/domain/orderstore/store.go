// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/internal/schema"
)

// Update captures a state transition for an existing order. ExpectedStatus
// enables compare-and-swap semantics: the update applies only while the order
// still holds that status. Nil pointer fields leave the column untouched.
type Update struct {
	ID             int64
	ExpectedStatus *schema.OrderStatus
	Status         *schema.OrderStatus

	ExchangeOrderID *string
	FilledQty       *decimal.Decimal
	AvgFillPrice    *decimal.Decimal
	PositionID      *int64
	StrategyID      *int64
	Reconciled      *bool

	Qty      *decimal.Decimal
	Price    *decimal.Decimal
	StopLoss *decimal.Decimal
	StopGain *decimal.Decimal

	EditReplaceState         *schema.EditReplaceState
	EditReplaceOrphanOrderID *string
	EditReplaceOriginOrderID *int64
	PreviousPositionID       *int64
}

// Query scopes order listings.
type Query struct {
	AccountID  int64
	Symbol     string
	StrategyID *int64
	Statuses   []schema.OrderStatus
	Reconciled *bool
	Limit      int
}

// Store defines the contract for order persistence. Orders are never
// physically deleted; their lifecycle ends in a terminal status.
type Store interface {
	Create(ctx context.Context, order schema.Order) (schema.Order, error)
	Get(ctx context.Context, id int64) (schema.Order, error)

	// Apply performs the conditional update and reports whether a row
	// matched. A false return with a set ExpectedStatus signals a stale
	// update, surfaced to callers as a conflict.
	Apply(ctx context.Context, update Update) (bool, error)

	// Correlation lookups in priority order: exchange order id, then
	// client order id, then the audited fingerprint fallback.
	FindByExchangeOrderID(ctx context.Context, accountID int64, exchangeOrderID string) (schema.Order, bool, error)
	FindByClientOrderID(ctx context.Context, accountID int64, clientOrderID string) (schema.Order, bool, error)
	FindByFingerprint(ctx context.Context, accountID int64, fingerprint string) (schema.Order, bool, error)

	// FindByOrphanOrderID locates the surviving order of a cancel+replace
	// whose recorded orphan exchange order id matches. Fills reported
	// against the pre-replace id fold back through this lookup.
	FindByOrphanOrderID(ctx context.Context, accountID int64, exchangeOrderID string) (schema.Order, bool, error)

	List(ctx context.Context, query Query) ([]schema.Order, error)
}
