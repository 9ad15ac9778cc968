package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState marks a position as live or fully flattened.
type PositionState string

const (
	// PositionOpen means the position carries non-zero quantity.
	PositionOpen PositionState = "open"
	// PositionClosed means the quantity reached zero; the row is kept for history.
	PositionClosed PositionState = "closed"
)

// Position is the current net exposure for one position key. Hedge mode keys
// by (account, symbol, strategy); netting mode keys by (account, symbol).
type Position struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"accountId"`
	Symbol     string          `json:"symbol"`
	StrategyID int64           `json:"strategyId"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	StopGain   decimal.Decimal `json:"stopGain"`
	State      PositionState   `json:"state"`
	Reason     Reason          `json:"reason"`
	Reconciled bool            `json:"reconciled"`
	Comment    string          `json:"comment,omitempty"`
	OpenedAt   time.Time       `json:"openedAt"`
	ClosedAt   *time.Time      `json:"closedAt,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// CloseLock guards close_position/close_by against concurrent closes of the
// same position. Exactly one non-expired lock may exist per position; the TTL
// lets a crashed holder self-heal.
type CloseLock struct {
	PositionID int64     `json:"positionId"`
	Holder     string    `json:"holder"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Expired reports whether the lock no longer guards the position at now.
func (l CloseLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
