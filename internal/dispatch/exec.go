package dispatch

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/domain/reconstore"
	"github.com/tradeforge/omsgate/internal/exchange"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/projector"
	"github.com/tradeforge/omsgate/internal/schema"
)

func (d *Dispatcher) execute(ctx context.Context, engine schema.Engine, account schema.Account, cmd schema.Command) error {
	adapter, err := d.adapterFor(engine, account)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case schema.CommandSendOrder, schema.CommandClosePosition:
		return d.executeSubmit(ctx, engine, account, cmd, adapter)
	case schema.CommandCancelOrder:
		return d.executeCancel(ctx, engine, account, cmd, adapter)
	case schema.CommandChangeOrder:
		return d.executeChange(ctx, engine, account, cmd, adapter)
	case schema.CommandCloseBy:
		return d.executeCloseBy(ctx, account, cmd)
	default:
		return errs.New(string(engine), errs.CodeValidation,
			errs.WithMessage("unknown command type "+string(cmd.Type)))
	}
}

// adapterFor returns the account's throttled adapter, building and caching it
// on first use. Accounts never migrate engines, so the cache key is the
// account id alone.
func (d *Dispatcher) adapterFor(engine schema.Engine, account schema.Account) (exchange.Adapter, error) {
	d.adapterMu.Lock()
	defer d.adapterMu.Unlock()

	if adapter, ok := d.adapters[account.ID]; ok {
		return adapter, nil
	}
	factory, ok := d.deps.Registry[engine]
	if !ok {
		return nil, errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("no adapter registered for engine"))
	}
	inner, err := factory(account)
	if err != nil {
		return nil, errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("adapter construction failed"), errs.WithCause(err))
	}
	cfg := d.pools[engine].cfg
	adapter := exchange.NewThrottled(inner, string(engine), cfg.RatePerSec, cfg.RateBurst, cfg.RequestTimeout)
	d.adapters[account.ID] = adapter
	return adapter, nil
}

// executeSubmit sends the order persisted for a send_order command or the
// reduce-only rewrite of a close_position. The raw exchange response lands in
// the raw mirror before any order mutation.
func (d *Dispatcher) executeSubmit(ctx context.Context, engine schema.Engine, account schema.Account, cmd schema.Command, adapter exchange.Adapter) error {
	order, err := d.deps.Orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}

	snap, submitErr := adapter.SubmitOrder(ctx, exchange.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           order.Qty,
		Price:         order.Price,
		ReduceOnly:    cmd.Type == schema.CommandClosePosition,
	})
	if submitErr != nil {
		if errs.Is(submitErr, errs.CodeUnknownOutcome) {
			// The exchange may or may not hold the order. Leave the row
			// in PENDING_SUBMIT and keep any close lock; reconciliation
			// adopts or fails it by client order id.
			return submitErr
		}
		rejectErr := d.markOrderRejected(ctx, order)
		if rejectErr != nil {
			observability.Log().Error("dispatch: mark rejected",
				observability.Field{Key: "order_id", Value: order.ID},
				observability.Field{Key: "error", Value: rejectErr.Error()})
		}
		if cmd.Type == schema.CommandClosePosition {
			d.releaseCloseLock(ctx, order.PositionID, cmd.UID)
		}
		return submitErr
	}

	if err := d.persistRawOrder(ctx, engine, account.ID, snap); err != nil {
		return err
	}
	return d.applySnapshot(ctx, order, snap, nil)
}

func (d *Dispatcher) executeCancel(ctx context.Context, engine schema.Engine, account schema.Account, cmd schema.Command, adapter exchange.Adapter) error {
	var payload schema.CancelOrderPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return errs.New(string(engine), errs.CodeValidation,
			errs.WithMessage("malformed cancel_order payload"), errs.WithCause(err))
	}
	order, err := d.deps.Orders.Get(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return errs.New(string(engine), errs.CodeConflict,
			errs.WithMessage("order already reached a terminal status"))
	}

	// Never reached the exchange: cancel locally with a CAS on the
	// pre-submit status so a racing submit ack is not overwritten.
	if order.ExchangeOrderID == "" {
		expected := schema.OrderPendingSubmit
		canceled := schema.OrderCanceled
		matched, err := d.deps.Orders.Apply(ctx, orderstore.Update{
			ID:             order.ID,
			ExpectedStatus: &expected,
			Status:         &canceled,
		})
		if err != nil {
			return err
		}
		if !matched {
			return errs.New(string(engine), errs.CodeConflict,
				errs.WithMessage("order state changed during cancel"))
		}
		d.notifyOrder(ctx, order.ID)
		return nil
	}

	snap, cancelErr := adapter.CancelOrder(ctx, order.ExchangeOrderID)
	if cancelErr != nil {
		return cancelErr
	}
	if err := d.persistRawOrder(ctx, engine, account.ID, snap); err != nil {
		return err
	}
	return d.applySnapshot(ctx, order, snap, nil)
}

// executeChange applies a change_order. Adapters advertising native modify
// get edit-in-place; everything else gets cancel+replace with the transient
// window tracked on the order row so a racing fill is never lost.
func (d *Dispatcher) executeChange(ctx context.Context, engine schema.Engine, account schema.Account, cmd schema.Command, adapter exchange.Adapter) error {
	var payload schema.ChangeOrderPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return errs.New(string(engine), errs.CodeValidation,
			errs.WithMessage("malformed change_order payload"), errs.WithCause(err))
	}
	order, err := d.deps.Orders.Get(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if !order.Status.Mutable() {
		return errs.New(string(engine), errs.CodeConflict,
			errs.WithMessage("order is not in a mutable status"))
	}

	apply := func(update *orderstore.Update) {
		if !payload.Qty.IsZero() {
			update.Qty = &payload.Qty
		}
		if !payload.Price.IsZero() {
			update.Price = &payload.Price
		}
		if !payload.StopLoss.IsZero() {
			update.StopLoss = &payload.StopLoss
		}
		if !payload.StopGain.IsZero() {
			update.StopGain = &payload.StopGain
		}
	}

	// Still local: nothing to change on the exchange yet.
	if order.ExchangeOrderID == "" {
		update := orderstore.Update{ID: order.ID}
		apply(&update)
		if _, err := d.deps.Orders.Apply(ctx, update); err != nil {
			return err
		}
		d.notifyOrder(ctx, order.ID)
		return nil
	}

	if adapter.Capabilities().SupportsModify {
		snap, modifyErr := adapter.ModifyOrder(ctx, exchange.ModifyRequest{
			ExchangeOrderID: order.ExchangeOrderID,
			Qty:             payload.Qty,
			Price:           payload.Price,
		})
		if modifyErr != nil {
			return modifyErr
		}
		if err := d.persistRawOrder(ctx, engine, account.ID, snap); err != nil {
			return err
		}
		return d.applySnapshot(ctx, order, snap, apply)
	}

	return d.cancelReplace(ctx, engine, account, order, payload, adapter, apply)
}

func (d *Dispatcher) cancelReplace(ctx context.Context, engine schema.Engine, account schema.Account, order schema.Order, payload schema.ChangeOrderPayload, adapter exchange.Adapter, apply func(*orderstore.Update)) error {
	// Mark the window before touching the exchange: a crash mid-replace
	// leaves the orphan id behind for reconciliation.
	pending := schema.EditReplacePending
	orphanID := order.ExchangeOrderID
	if _, err := d.deps.Orders.Apply(ctx, orderstore.Update{
		ID:                       order.ID,
		EditReplaceState:         &pending,
		EditReplaceOrphanOrderID: &orphanID,
	}); err != nil {
		return err
	}

	cancelSnap, cancelErr := adapter.CancelOrder(ctx, order.ExchangeOrderID)
	if cancelErr != nil {
		return cancelErr
	}
	if err := d.persistRawOrder(ctx, engine, account.ID, cancelSnap); err != nil {
		return err
	}

	// A fill landed on the old order inside the window. Record the orphan
	// and stop; reconciliation folds the fill back through the orphan id.
	if cancelSnap.FilledQty.GreaterThan(order.FilledQty) {
		orphaned := schema.EditReplaceOrphaned
		if err := d.applySnapshot(ctx, order, cancelSnap, func(update *orderstore.Update) {
			update.EditReplaceState = &orphaned
		}); err != nil {
			return err
		}
		return errs.New(string(engine), errs.CodeConflict,
			errs.WithMessage("fill landed during cancel+replace"),
			errs.WithRemediation("reconciliation will fold the orphan fill back"))
	}

	qty := order.Qty
	if !payload.Qty.IsZero() {
		qty = payload.Qty
	}
	price := order.Price
	if !payload.Price.IsZero() {
		price = payload.Price
	}
	replacement, submitErr := adapter.SubmitOrder(ctx, exchange.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           qty,
		Price:         price,
	})
	if submitErr != nil {
		return submitErr
	}
	if err := d.persistRawOrder(ctx, engine, account.ID, replacement); err != nil {
		return err
	}

	done := schema.EditReplaceDone
	origin := order.ID
	return d.applySnapshot(ctx, order, replacement, func(update *orderstore.Update) {
		apply(update)
		update.EditReplaceState = &done
		update.EditReplaceOriginOrderID = &origin
	})
}

// executeCloseBy nets two opposite positions through two compensating
// internal deals. No exchange order is involved; both projections land in one
// transaction.
func (d *Dispatcher) executeCloseBy(ctx context.Context, account schema.Account, cmd schema.Command) error {
	var payload schema.CloseByPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return errs.New("", errs.CodeValidation,
			errs.WithMessage("malformed close_by payload"), errs.WithCause(err))
	}
	first, err := d.deps.Ledger.GetPosition(ctx, payload.PositionID)
	if err != nil {
		return err
	}
	second, err := d.deps.Ledger.GetPosition(ctx, payload.ByPositionID)
	if err != nil {
		return err
	}
	if first.State != schema.PositionOpen || second.State != schema.PositionOpen {
		return errs.New("", errs.CodeConflict, errs.WithMessage("close_by positions must be open"))
	}

	now := time.Now().UTC()
	dealA, dealB, err := projector.CloseByDeals(first, second, now)
	if err != nil {
		return err
	}
	allocate := d.allocator(ctx)
	resA, err := projector.ApplyToPosition(first, dealA, allocate, now)
	if err != nil {
		return err
	}
	resB, err := projector.ApplyToPosition(second, dealB, allocate, now)
	if err != nil {
		return err
	}

	if err := d.deps.Ledger.ApplyCloseBy(ctx,
		ledgerstore.Projection{Deal: resA.Deal, Positions: resA.Positions},
		ledgerstore.Projection{Deal: resB.Deal, Positions: resB.Positions},
	); err != nil {
		return err
	}

	if d.deps.Events != nil {
		d.deps.Events.DealAppended(ctx, resA.Deal)
		d.deps.Events.DealAppended(ctx, resB.Deal)
		d.deps.Events.PositionsUpserted(ctx, append(resA.Positions, resB.Positions...))
	}

	d.releaseCloseLock(ctx, first.ID, cmd.UID)
	d.releaseCloseLock(ctx, second.ID, cmd.UID)
	return nil
}

func (d *Dispatcher) allocator(ctx context.Context) projector.Allocator {
	return func() (int64, error) {
		return d.deps.Ledger.NextPositionID(ctx)
	}
}

func (d *Dispatcher) persistRawOrder(ctx context.Context, engine schema.Engine, accountID int64, snap exchange.OrderSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("dispatch: encode raw order: %w", err)
	}
	_, _, err = d.deps.Recon.UpsertRawOrder(ctx, reconstore.RawOrder{
		AccountID:       accountID,
		Engine:          string(engine),
		ExchangeOrderID: snap.ExchangeOrderID,
		Fingerprint:     reconstore.OrderContentFingerprint(accountID, snap.ExchangeOrderID, string(snap.Status), snap.FilledQty.String(), snap.UpdatedAt),
		Payload:         payload,
	})
	if err != nil {
		return fmt.Errorf("dispatch: persist raw order: %w", err)
	}
	return nil
}

func (d *Dispatcher) applySnapshot(ctx context.Context, order schema.Order, snap exchange.OrderSnapshot, extra func(*orderstore.Update)) error {
	update := orderstore.Update{ID: order.ID}
	if snap.ExchangeOrderID != "" && snap.ExchangeOrderID != order.ExchangeOrderID {
		update.ExchangeOrderID = &snap.ExchangeOrderID
	}
	if snap.Status != "" && snap.Status != order.Status {
		status := snap.Status
		update.Status = &status
	}
	if !snap.FilledQty.IsZero() {
		filled := snap.FilledQty
		update.FilledQty = &filled
	}
	if !snap.AvgFillPrice.IsZero() {
		avg := snap.AvgFillPrice
		update.AvgFillPrice = &avg
	}
	if extra != nil {
		extra(&update)
	}
	if _, err := d.deps.Orders.Apply(ctx, update); err != nil {
		return err
	}
	d.notifyOrder(ctx, order.ID)
	return nil
}

func (d *Dispatcher) markOrderRejected(ctx context.Context, order schema.Order) error {
	rejected := schema.OrderRejected
	if _, err := d.deps.Orders.Apply(ctx, orderstore.Update{ID: order.ID, Status: &rejected}); err != nil {
		return err
	}
	d.notifyOrder(ctx, order.ID)
	return nil
}

func (d *Dispatcher) notifyOrder(ctx context.Context, orderID int64) {
	if d.deps.Events == nil {
		return
	}
	order, err := d.deps.Orders.Get(ctx, orderID)
	if err != nil {
		observability.Log().Error("dispatch: reload order for event",
			observability.Field{Key: "order_id", Value: orderID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	d.deps.Events.OrderUpserted(ctx, order)
}

func (d *Dispatcher) releaseCloseLock(ctx context.Context, positionID int64, holder string) {
	if positionID == 0 {
		return
	}
	if err := d.deps.Ledger.ReleaseCloseLock(ctx, positionID, holder); err != nil {
		observability.Log().Error("dispatch: release close lock",
			observability.Field{Key: "position_id", Value: positionID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
