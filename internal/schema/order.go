package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/errs"
)

// OrderStatus tracks the exchange lifecycle of an order.
type OrderStatus string

const (
	// OrderPendingSubmit means the order is persisted but not yet sent to the exchange.
	OrderPendingSubmit OrderStatus = "PENDING_SUBMIT"
	// OrderSubmitted means the exchange acknowledged the order.
	OrderSubmitted OrderStatus = "SUBMITTED"
	// OrderPartiallyFilled means at least one fill landed and quantity remains.
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderFilled is terminal: the full quantity executed.
	OrderFilled OrderStatus = "FILLED"
	// OrderCanceled is terminal: the order was withdrawn before completion.
	OrderCanceled OrderStatus = "CANCELED"
	// OrderRejected is terminal: the exchange refused the order.
	OrderRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// Mutable reports whether a change_order may still target the order.
func (s OrderStatus) Mutable() bool {
	switch s {
	case OrderPendingSubmit, OrderSubmitted, OrderPartiallyFilled:
		return true
	default:
		return false
	}
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingSubmit:   {OrderSubmitted, OrderRejected, OrderCanceled},
	OrderSubmitted:       {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Transitions are driven only by adapter responses or reconciliation imports.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return false
	}
	for _, candidate := range orderTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// EditReplaceState tracks the transient cancel+replace window of a change_order.
type EditReplaceState string

const (
	// EditReplaceNone means no replacement is in flight.
	EditReplaceNone EditReplaceState = ""
	// EditReplacePending means the old order is cancelled and the replacement not yet acknowledged.
	EditReplacePending EditReplaceState = "pending"
	// EditReplaceDone means the replacement completed cleanly.
	EditReplaceDone EditReplaceState = "done"
	// EditReplaceOrphaned means a fill landed on the old order during the window;
	// reconciliation folds it back via the recorded orphan order id.
	EditReplaceOrphaned EditReplaceState = "orphaned"
)

// Order is the exchange-lifecycle record for one submission. Rows are never
// physically deleted; the lifecycle ends in a terminal status.
type Order struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"accountId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	StopGain   decimal.Decimal `json:"stopGain"`
	Status     OrderStatus     `json:"status"`
	StrategyID int64           `json:"strategyId"`
	PositionID int64           `json:"positionId"`
	Reason     Reason          `json:"reason"`
	Reconciled bool            `json:"reconciled"`

	ExchangeOrderID string `json:"exchangeOrderId,omitempty"`
	ClientOrderID   string `json:"clientOrderId,omitempty"`

	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`

	PreviousPositionID       int64            `json:"previousPositionId,omitempty"`
	EditReplaceState         EditReplaceState `json:"editReplaceState,omitempty"`
	EditReplaceOrphanOrderID string           `json:"editReplaceOrphanOrderId,omitempty"`
	EditReplaceOriginOrderID int64            `json:"editReplaceOriginOrderId,omitempty"`

	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Fingerprint derives the weak correlation key used when neither the exchange
// order id nor the client order id matches: symbol+side+qty+price bucketed to
// the minute. Matches through this key are audited, never silently preferred.
func (o Order) Fingerprint(at time.Time) string {
	return OrderFingerprint(o.Symbol, o.Side, o.Qty, o.Price, at)
}

// OrderFingerprint builds the fallback correlation fingerprint from raw parts.
func OrderFingerprint(symbol string, side Side, qty, price decimal.Decimal, at time.Time) string {
	bucket := at.UTC().Truncate(time.Minute).Unix()
	return fmt.Sprintf("%s|%s|%s|%s|%d", symbol, side, qty.String(), price.String(), bucket)
}

func invalidf(format string, args ...any) error {
	return errs.New("", errs.CodeValidation, errs.WithMessage(fmt.Sprintf(format, args...)))
}
