// Package fake provides an in-memory exchange adapter used by tests and the
// dry-run gateway mode. It acknowledges orders instantly and can be scripted
// with fills, rejections, and externally originated activity.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/exchange"
	"github.com/tradeforge/omsgate/internal/schema"
)

// Option configures the fake adapter.
type Option func(*Adapter)

// WithCapabilities overrides the advertised capability flags.
func WithCapabilities(caps exchange.Capabilities) Option {
	return func(a *Adapter) { a.caps = caps }
}

// WithFillOnSubmit makes every accepted order fill immediately at its
// submitted price (market orders fill at the configured mark price).
func WithFillOnSubmit() Option {
	return func(a *Adapter) { a.fillOnSubmit = true }
}

// WithMarkPrice sets the price used to fill market orders.
func WithMarkPrice(symbol string, price decimal.Decimal) Option {
	return func(a *Adapter) { a.marks[symbol] = price }
}

// WithRejectedSymbols makes submissions on the given symbols fail with an
// exchange error.
func WithRejectedSymbols(symbols ...string) Option {
	return func(a *Adapter) {
		for _, s := range symbols {
			a.rejected[s] = true
		}
	}
}

// WithSubmitDelay stalls submissions, letting tests exercise timeouts.
func WithSubmitDelay(d time.Duration) Option {
	return func(a *Adapter) { a.submitDelay = d }
}

// Adapter is the scriptable in-memory venue.
type Adapter struct {
	mu           sync.Mutex
	caps         exchange.Capabilities
	fillOnSubmit bool
	submitDelay  time.Duration
	marks        map[string]decimal.Decimal
	rejected     map[string]bool

	seq    int64
	orders map[string]exchange.OrderSnapshot
	trades []exchange.TradeSnapshot
}

// New constructs the fake adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		caps:     exchange.Capabilities{SupportsReduceOnly: true, HistoricalOrders: true},
		marks:    make(map[string]decimal.Decimal),
		rejected: make(map[string]bool),
		orders:   make(map[string]exchange.OrderSnapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Factory adapts New for the adapter registry.
func Factory(opts ...Option) exchange.Factory {
	return func(schema.Account) (exchange.Adapter, error) {
		return New(opts...), nil
	}
}

// SubmitOrder implements exchange.Adapter.
func (a *Adapter) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderSnapshot, error) {
	if a.submitDelay > 0 {
		select {
		case <-time.After(a.submitDelay):
		case <-ctx.Done():
			return exchange.OrderSnapshot{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rejected[req.Symbol] {
		return exchange.OrderSnapshot{}, errs.New("fake", errs.CodeExchange,
			errs.WithMessage("symbol rejected"), errs.WithRawCode("-1121"), errs.WithField("symbol", req.Symbol))
	}

	a.seq++
	now := time.Now().UTC()
	snap := exchange.OrderSnapshot{
		ExchangeOrderID: fmt.Sprintf("fake-ord-%d", a.seq),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Qty:             req.Qty,
		Price:           req.Price,
		Status:          schema.OrderSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if a.fillOnSubmit {
		price := req.Price
		if req.Type == schema.OrderTypeMarket || price.Sign() == 0 {
			if mark, ok := a.marks[req.Symbol]; ok {
				price = mark
			}
		}
		snap.Status = schema.OrderFilled
		snap.FilledQty = req.Qty
		snap.AvgFillPrice = price
		a.seq++
		a.trades = append(a.trades, exchange.TradeSnapshot{
			ExchangeTradeID: fmt.Sprintf("fake-trd-%d", a.seq),
			ExchangeOrderID: snap.ExchangeOrderID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Qty:             req.Qty,
			Price:           price,
			ExecutedAt:      now,
		})
	}

	a.orders[snap.ExchangeOrderID] = snap
	return snap, nil
}

// CancelOrder implements exchange.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, exchangeOrderID string) (exchange.OrderSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderSnapshot{}, errs.New("fake", errs.CodeExchange,
			errs.WithMessage("order not found"), errs.WithField("exchange_order_id", exchangeOrderID))
	}
	if snap.Status.Terminal() {
		return exchange.OrderSnapshot{}, errs.New("fake", errs.CodeConflict,
			errs.WithMessage("order already terminal"))
	}
	snap.Status = schema.OrderCanceled
	snap.UpdatedAt = time.Now().UTC()
	a.orders[exchangeOrderID] = snap
	return snap, nil
}

// ModifyOrder implements exchange.Adapter.
func (a *Adapter) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) (exchange.OrderSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.caps.SupportsModify {
		return exchange.OrderSnapshot{}, errs.New("fake", errs.CodeExchange,
			errs.WithMessage("modify not supported"))
	}
	snap, ok := a.orders[req.ExchangeOrderID]
	if !ok {
		return exchange.OrderSnapshot{}, errs.New("fake", errs.CodeExchange,
			errs.WithMessage("order not found"))
	}
	if snap.Status.Terminal() {
		return exchange.OrderSnapshot{}, errs.New("fake", errs.CodeConflict,
			errs.WithMessage("order already terminal"))
	}
	if req.Qty.Sign() > 0 {
		snap.Qty = req.Qty
	}
	if req.Price.Sign() > 0 {
		snap.Price = req.Price
	}
	snap.UpdatedAt = time.Now().UTC()
	a.orders[req.ExchangeOrderID] = snap
	return snap, nil
}

// FetchOpenOrders implements exchange.Adapter.
func (a *Adapter) FetchOpenOrders(ctx context.Context) ([]exchange.OrderSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []exchange.OrderSnapshot
	for _, snap := range a.orders {
		if !snap.Status.Terminal() {
			out = append(out, snap)
		}
	}
	return out, nil
}

// FetchOrder implements exchange.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string) (exchange.OrderSnapshot, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.orders[exchangeOrderID]
	return snap, ok, nil
}

// FetchOrders implements exchange.Adapter.
func (a *Adapter) FetchOrders(ctx context.Context, window exchange.FetchWindow) ([]exchange.OrderSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []exchange.OrderSnapshot
	for _, snap := range a.orders {
		if inWindow(snap.UpdatedAt, window) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// FetchTrades implements exchange.Adapter.
func (a *Adapter) FetchTrades(ctx context.Context, window exchange.FetchWindow) ([]exchange.TradeSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []exchange.TradeSnapshot
	for _, trade := range a.trades {
		if inWindow(trade.ExecutedAt, window) {
			out = append(out, trade)
		}
	}
	return out, nil
}

// FetchPositions implements exchange.Adapter.
func (a *Adapter) FetchPositions(ctx context.Context) ([]exchange.PositionSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	net := make(map[string]decimal.Decimal)
	price := make(map[string]decimal.Decimal)
	for _, trade := range a.trades {
		signed := trade.Qty
		if trade.Side == schema.SideSell {
			signed = signed.Neg()
		}
		net[trade.Symbol] = net[trade.Symbol].Add(signed)
		price[trade.Symbol] = trade.Price
	}
	var out []exchange.PositionSnapshot
	for symbol, qty := range net {
		if qty.Sign() == 0 {
			continue
		}
		side := schema.SideBuy
		if qty.Sign() < 0 {
			side = schema.SideSell
			qty = qty.Neg()
		}
		out = append(out, exchange.PositionSnapshot{Symbol: symbol, Side: side, Qty: qty, AvgPrice: price[symbol]})
	}
	return out, nil
}

// Capabilities implements exchange.Adapter.
func (a *Adapter) Capabilities() exchange.Capabilities { return a.caps }

// InjectOrder scripts an externally originated order the next fetch reports.
func (a *Adapter) InjectOrder(snap exchange.OrderSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.TrimSpace(snap.ExchangeOrderID) == "" {
		a.seq++
		snap.ExchangeOrderID = fmt.Sprintf("fake-ext-%d", a.seq)
	}
	a.orders[snap.ExchangeOrderID] = snap
}

// InjectTrade scripts an externally originated trade the next fetch reports.
func (a *Adapter) InjectTrade(trade exchange.TradeSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.TrimSpace(trade.ExchangeTradeID) == "" {
		a.seq++
		trade.ExchangeTradeID = fmt.Sprintf("fake-exttrd-%d", a.seq)
	}
	a.trades = append(a.trades, trade)
}

// Trades returns a copy of every recorded trade, oldest first.
func (a *Adapter) Trades() []exchange.TradeSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]exchange.TradeSnapshot, len(a.trades))
	copy(out, a.trades)
	return out
}

func inWindow(at time.Time, window exchange.FetchWindow) bool {
	if !window.Since.IsZero() && at.Before(window.Since) {
		return false
	}
	if !window.Until.IsZero() && at.After(window.Until) {
		return false
	}
	return true
}
