package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deal records one executed fill. Rows are immutable once inserted except for
// the order/strategy linkage corrected by an operator reassign. Deals are the
// only writable source for position re-derivation.
type Deal struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"accountId"`
	OrderID    *int64          `json:"orderId,omitempty"`
	PositionID int64           `json:"positionId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	PNL        decimal.Decimal `json:"pnl"`
	StrategyID int64           `json:"strategyId"`
	Reason     Reason          `json:"reason"`
	Reconciled bool            `json:"reconciled"`

	// ExchangeTradeID is unique per account and is the hard idempotency
	// boundary for reconciliation imports. Internal close-by deals carry a
	// synthetic id in the "closeby:" namespace.
	ExchangeTradeID string `json:"exchangeTradeId"`

	ExecutedAt time.Time `json:"executedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SignedQty returns the deal quantity signed by side (buy positive).
func (d Deal) SignedQty() decimal.Decimal {
	if d.Side == SideSell {
		return d.Qty.Neg()
	}
	return d.Qty
}
