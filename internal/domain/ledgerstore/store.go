// Package ledgerstore defines persistence contracts for deals, positions, and
// close locks. Deals are append-only and are the sole source for position
// re-derivation.
package ledgerstore

import (
	"context"
	"time"

	"github.com/tradeforge/omsgate/internal/schema"
)

// Projection groups the writes produced by folding one deal into position
// state. Implementations apply the whole projection in a single transaction:
// the deal insert, every touched position, and the order linkage patch.
type Projection struct {
	Deal schema.Deal
	// Positions carries every position the deal touched, with final state.
	// A netting reversal therefore carries two entries: the closed old
	// position and the newly opened remainder.
	Positions []schema.Position
	// OrderPatch optionally refreshes fill figures on the linked order.
	OrderPatch *OrderPatch
}

// OrderPatch refreshes the denormalized fill columns on an order row as part
// of a projection or reassign transaction.
type OrderPatch struct {
	OrderID      int64
	Status       *schema.OrderStatus
	FilledQty    *string
	AvgFillPrice *string
	PositionID   *int64
	StrategyID   *int64
	Reconciled   *bool
}

// DealRelink points a projected deal at its corrected order/strategy/position
// after an operator reassign.
type DealRelink struct {
	DealID     int64
	OrderID    *int64
	StrategyID int64
	PositionID int64
}

// Reassign is the full transactional unit of an operator reassign: the order
// metadata patch, every deal sharing the raw trade linkage, and the rebuilt
// position set for the account+symbol. Applied atomically or not at all.
type Reassign struct {
	OrderPatch OrderPatch
	Relinks    []DealRelink
	// RebuiltPositions replaces the position set for (AccountID, Symbol):
	// existing open rows for the key space are superseded by these rows.
	AccountID        int64
	Symbol           string
	RebuiltPositions []schema.Position
}

// DealQuery scopes deal listings.
type DealQuery struct {
	AccountID  int64
	Symbol     string
	OrderID    *int64
	StrategyID *int64
	Since      time.Time
	Limit      int
}

// PositionQuery scopes position listings.
type PositionQuery struct {
	AccountID  int64
	Symbol     string
	StrategyID *int64
	States     []schema.PositionState
	Limit      int
}

// Store defines the contract for deal and position persistence.
type Store interface {
	// ApplyProjection folds one deal into position state atomically. The
	// insert is idempotent on (account_id, exchange_trade_id): a duplicate
	// returns inserted=false and leaves all state untouched.
	ApplyProjection(ctx context.Context, projection Projection) (deal schema.Deal, inserted bool, err error)

	// ApplyCloseBy inserts the two compensating deals of a close_by and
	// their position updates in one transaction.
	ApplyCloseBy(ctx context.Context, first, second Projection) error

	// ApplyReassign executes the operator reassign as one transaction.
	ApplyReassign(ctx context.Context, change Reassign) error

	GetDeal(ctx context.Context, id int64) (schema.Deal, error)
	ListDeals(ctx context.Context, query DealQuery) ([]schema.Deal, error)
	// ListDealsChronological returns every deal for the account+symbol
	// ordered by (executed_at, id) for deterministic position replay.
	ListDealsChronological(ctx context.Context, accountID int64, symbol string) ([]schema.Deal, error)
	// FindDealsByTradeLinkage returns deals projected from the same raw
	// trade linkage as the given order.
	FindDealsByTradeLinkage(ctx context.Context, accountID, orderID int64) ([]schema.Deal, error)

	GetPosition(ctx context.Context, id int64) (schema.Position, error)
	ListPositions(ctx context.Context, query PositionQuery) ([]schema.Position, error)
	// NextPositionID reserves a fresh position id; reversals need the new
	// id before the projection transaction commits.
	NextPositionID(ctx context.Context) (int64, error)

	// AcquireCloseLock takes the per-position close lock. It fails with a
	// conflict when a non-expired lock is held by another holder; expired
	// locks are stolen.
	AcquireCloseLock(ctx context.Context, positionID int64, holder string, ttl time.Duration) (schema.CloseLock, error)
	ReleaseCloseLock(ctx context.Context, positionID int64, holder string) error
	// SweepExpiredCloseLocks removes locks past their expiry; returns the
	// number removed.
	SweepExpiredCloseLocks(ctx context.Context, now time.Time) (int64, error)
}
