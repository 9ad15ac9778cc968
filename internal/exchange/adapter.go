// Package exchange defines the narrow adapter surface through which the OMS
// talks to execution back-ends, plus the normalized snapshot types adapters
// report back. Concrete venue integrations live behind this interface and
// raise the shared error taxonomy, never venue-native errors.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/internal/schema"
)

// OrderRequest carries one outbound order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          schema.Side
	Type          schema.OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
}

// ModifyRequest carries an in-place order modification. Zero-valued fields
// leave the corresponding attribute untouched.
type ModifyRequest struct {
	ExchangeOrderID string
	Qty             decimal.Decimal
	Price           decimal.Decimal
}

// OrderSnapshot is the normalized exchange view of one order.
type OrderSnapshot struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            schema.Side
	Type            schema.OrderType
	Qty             decimal.Decimal
	Price           decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          schema.OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TradeSnapshot is the normalized exchange view of one executed trade.
type TradeSnapshot struct {
	ExchangeTradeID string
	ExchangeOrderID string
	Symbol          string
	Side            schema.Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	ExecutedAt      time.Time
}

// PositionSnapshot is the normalized exchange view of one open position.
type PositionSnapshot struct {
	Symbol   string
	Side     schema.Side
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
}

// Capabilities advertises optional behaviours of an adapter. The dispatcher
// selects the change_order strategy from SupportsModify: native edit-in-place
// when true, cancel+replace otherwise.
type Capabilities struct {
	SupportsModify     bool
	SupportsReduceOnly bool
	HistoricalOrders   bool
}

// FetchWindow bounds incremental order/trade fetches.
type FetchWindow struct {
	Since time.Time
	Until time.Time
}

// Adapter is the uniform per-account execution interface. Every method is a
// suspension point: implementations honor ctx deadlines, and a deadline
// expiry must surface as unknown_outcome rather than failure.
type Adapter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderSnapshot, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (OrderSnapshot, error)
	ModifyOrder(ctx context.Context, req ModifyRequest) (OrderSnapshot, error)
	FetchOpenOrders(ctx context.Context) ([]OrderSnapshot, error)
	FetchOrder(ctx context.Context, exchangeOrderID string) (OrderSnapshot, bool, error)
	FetchOrders(ctx context.Context, window FetchWindow) ([]OrderSnapshot, error)
	FetchTrades(ctx context.Context, window FetchWindow) ([]TradeSnapshot, error)
	FetchPositions(ctx context.Context) ([]PositionSnapshot, error)
	Capabilities() Capabilities
}

// Factory builds the adapter bound to one account's credentials.
type Factory func(account schema.Account) (Adapter, error)

// Registry maps engines to adapter factories. An engine missing from the
// registry fails fast with engine_unavailable; there is no fallback engine.
type Registry map[schema.Engine]Factory
