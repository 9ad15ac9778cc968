package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradeforge/omsgate/errs"
)

// Throttled wraps an adapter with a per-account token-bucket rate limit and a
// per-call timeout. A deadline expiry on a mutating call is reported as
// unknown_outcome so reconciliation, not the caller, resolves the result.
type Throttled struct {
	inner   Adapter
	engine  string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewThrottled constructs the rate-limited adapter wrapper. ratePerSec <= 0
// disables limiting; timeout <= 0 disables per-call deadlines.
func NewThrottled(inner Adapter, engine string, ratePerSec float64, burst int, timeout time.Duration) *Throttled {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Throttled{inner: inner, engine: engine, limiter: limiter, timeout: timeout}
}

func (t *Throttled) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, nil, errs.New(t.engine, errs.CodeExchange,
				errs.WithMessage("rate limit wait aborted"), errs.WithCause(err))
		}
	}
	if t.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

// mutating wraps an adapter call whose result is lost on timeout.
func (t *Throttled) mutating(ctx context.Context, op string, fn func(context.Context) (OrderSnapshot, error)) (OrderSnapshot, error) {
	callCtx, cancel, err := t.acquire(ctx)
	if err != nil {
		return OrderSnapshot{}, err
	}
	defer cancel()
	snap, err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		return OrderSnapshot{}, errs.New(t.engine, errs.CodeUnknownOutcome,
			errs.WithMessage(op+" timed out; outcome unresolved"),
			errs.WithRemediation("await the next reconciliation pass"),
			errs.WithCause(err))
	}
	return snap, err
}

// SubmitOrder implements Adapter.
func (t *Throttled) SubmitOrder(ctx context.Context, req OrderRequest) (OrderSnapshot, error) {
	return t.mutating(ctx, "submit_order", func(ctx context.Context) (OrderSnapshot, error) {
		return t.inner.SubmitOrder(ctx, req)
	})
}

// CancelOrder implements Adapter.
func (t *Throttled) CancelOrder(ctx context.Context, exchangeOrderID string) (OrderSnapshot, error) {
	return t.mutating(ctx, "cancel_order", func(ctx context.Context) (OrderSnapshot, error) {
		return t.inner.CancelOrder(ctx, exchangeOrderID)
	})
}

// ModifyOrder implements Adapter.
func (t *Throttled) ModifyOrder(ctx context.Context, req ModifyRequest) (OrderSnapshot, error) {
	return t.mutating(ctx, "modify_order", func(ctx context.Context) (OrderSnapshot, error) {
		return t.inner.ModifyOrder(ctx, req)
	})
}

// FetchOpenOrders implements Adapter.
func (t *Throttled) FetchOpenOrders(ctx context.Context) ([]OrderSnapshot, error) {
	callCtx, cancel, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return t.inner.FetchOpenOrders(callCtx)
}

// FetchOrder implements Adapter.
func (t *Throttled) FetchOrder(ctx context.Context, exchangeOrderID string) (OrderSnapshot, bool, error) {
	callCtx, cancel, err := t.acquire(ctx)
	if err != nil {
		return OrderSnapshot{}, false, err
	}
	defer cancel()
	return t.inner.FetchOrder(callCtx, exchangeOrderID)
}

// FetchOrders implements Adapter.
func (t *Throttled) FetchOrders(ctx context.Context, window FetchWindow) ([]OrderSnapshot, error) {
	callCtx, cancel, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return t.inner.FetchOrders(callCtx, window)
}

// FetchTrades implements Adapter.
func (t *Throttled) FetchTrades(ctx context.Context, window FetchWindow) ([]TradeSnapshot, error) {
	callCtx, cancel, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return t.inner.FetchTrades(callCtx, window)
}

// FetchPositions implements Adapter.
func (t *Throttled) FetchPositions(ctx context.Context) ([]PositionSnapshot, error) {
	callCtx, cancel, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return t.inner.FetchPositions(callCtx)
}

// Capabilities implements Adapter.
func (t *Throttled) Capabilities() Capabilities { return t.inner.Capabilities() }
