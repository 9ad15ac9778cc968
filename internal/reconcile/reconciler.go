// Package reconcile pulls exchange truth back into the gateway. Each pass
// runs two phases per account: orders first, then trades. Raw payloads land
// in the mirror tables before any order or position mutation, and every
// import is idempotent, so re-running a pass over the same window is a no-op.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/domain/commandstore"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/domain/reconstore"
	"github.com/tradeforge/omsgate/internal/exchange"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/projector"
	"github.com/tradeforge/omsgate/internal/router"
	"github.com/tradeforge/omsgate/internal/schema"
	"github.com/tradeforge/omsgate/internal/telemetry"
)

// cursorOverlap widens each incremental fetch behind the stored watermark so
// a row updated exactly on the boundary is never skipped. Re-reads dedupe on
// the raw fingerprints.
const cursorOverlap = time.Minute

// auditNamespace is the outbox namespace for reconciliation audit records.
const auditNamespace = "oms.audit"

// AccountLocker hands out the per-(engine, account) execution lock shared
// with the dispatcher workers. Row mutations in a pass hold it so imports
// never race live command execution on the same account.
type AccountLocker interface {
	LockAccount(engine schema.Engine, accountID int64) func()
}

// Events receives domain state changes produced by imports. The outbox
// publisher implements it; a nil Events drops the notifications.
type Events interface {
	OrderUpserted(ctx context.Context, order schema.Order)
	DealAppended(ctx context.Context, deal schema.Deal)
	PositionsUpserted(ctx context.Context, positions []schema.Position)
}

// Deps wires the reconciler's collaborators.
type Deps struct {
	Accounts accountstore.Store
	Commands commandstore.Store
	Orders   orderstore.Store
	Ledger   ledgerstore.Store
	Recon    reconstore.Store
	Outbox   outboxstore.Store
	Registry exchange.Registry
	Engines  map[schema.Engine]config.EngineConfig
	Locks    AccountLocker
	Events   Events
	Bus      observability.TelemetryBus
}

// PassSummary reports what one reconciliation pass did.
type PassSummary struct {
	AccountID        int64            `json:"accountId"`
	Tier             schema.ReconTier `json:"tier"`
	OrdersSeen       int              `json:"ordersSeen"`
	OrdersLinked     int              `json:"ordersLinked"`
	OrdersImported   int              `json:"ordersImported"`
	TradesSeen       int              `json:"tradesSeen"`
	DealsProjected   int              `json:"dealsProjected"`
	CommandsResolved int              `json:"commandsResolved"`
	StartedAt        time.Time        `json:"startedAt"`
	FinishedAt       time.Time        `json:"finishedAt"`
}

// Reconciler runs two-phase reconciliation passes and operator reassigns.
type Reconciler struct {
	deps Deps

	adapterMu sync.Mutex
	adapters  map[int64]exchange.Adapter

	passDuration  metric.Float64Histogram
	importCounter metric.Int64Counter
}

// New constructs a reconciler over the given collaborators.
func New(deps Deps) *Reconciler {
	r := &Reconciler{
		deps:     deps,
		adapters: make(map[int64]exchange.Adapter),
	}
	meter := otel.Meter("reconcile")
	r.passDuration, _ = meter.Float64Histogram("recon.pass.duration",
		metric.WithDescription("Reconciliation pass duration"),
		metric.WithUnit("s"))
	r.importCounter, _ = meter.Int64Counter("recon.imports",
		metric.WithDescription("Imported rows by correlation path"))
	return r
}

// RunOnce executes one full pass for the account at the given tier window.
// Fetches run unlocked; row mutations hold the shared account lock.
func (r *Reconciler) RunOnce(ctx context.Context, account schema.Account, tier schema.ReconTier, window schema.ReconWindow) (PassSummary, error) {
	summary := PassSummary{AccountID: account.ID, Tier: tier, StartedAt: time.Now().UTC()}

	engine, err := router.EngineOf(account)
	if err != nil {
		return summary, err
	}
	adapter, err := r.adapterFor(engine, account)
	if err != nil {
		return summary, err
	}

	if err := r.runOrderPhase(ctx, engine, account, adapter, tier, window, &summary); err != nil {
		return summary, err
	}
	if err := r.runTradePhase(ctx, engine, account, adapter, tier, window, &summary); err != nil {
		return summary, err
	}
	if err := r.resolveUnknownCommands(ctx, engine, account, window, &summary); err != nil {
		return summary, err
	}

	summary.FinishedAt = time.Now().UTC()
	if r.passDuration != nil {
		r.passDuration.Record(ctx, summary.FinishedAt.Sub(summary.StartedAt).Seconds(),
			metric.WithAttributes(telemetry.ReconAttributes(telemetry.Environment(), string(tier), telemetry.CorrelationNone)...))
	}
	return summary, nil
}

// runOrderPhase imports exchange order snapshots: mirror raw, correlate,
// refresh linked orders, create external orders for orphans.
func (r *Reconciler) runOrderPhase(ctx context.Context, engine schema.Engine, account schema.Account, adapter exchange.Adapter, tier schema.ReconTier, window schema.ReconWindow, summary *PassSummary) error {
	now := time.Now().UTC()
	fetch := r.fetchWindow(ctx, account.ID, reconstore.CursorOrders, window.Lookback, now)

	var snaps []exchange.OrderSnapshot
	var err error
	if adapter.Capabilities().HistoricalOrders {
		snaps, err = adapter.FetchOrders(ctx, fetch)
	} else {
		snaps, err = adapter.FetchOpenOrders(ctx)
	}
	if err != nil {
		return fmt.Errorf("reconcile: fetch orders: %w", err)
	}
	summary.OrdersSeen = len(snaps)
	if len(snaps) == 0 {
		return r.deps.Recon.AdvanceCursor(ctx, account.ID, reconstore.CursorOrders, now)
	}

	unlock := r.lockAccount(engine, account.ID)
	defer unlock()

	watermark := fetch.Since
	for _, snap := range snaps {
		linked, err := r.importOrderSnapshot(ctx, engine, account, snap, tier)
		if err != nil {
			return err
		}
		if linked {
			summary.OrdersLinked++
		} else {
			summary.OrdersImported++
		}
		if snap.UpdatedAt.After(watermark) {
			watermark = snap.UpdatedAt
		}
	}
	return r.deps.Recon.AdvanceCursor(ctx, account.ID, reconstore.CursorOrders, watermark)
}

// importOrderSnapshot mirrors one snapshot and reports whether it correlated
// to a known order.
func (r *Reconciler) importOrderSnapshot(ctx context.Context, engine schema.Engine, account schema.Account, snap exchange.OrderSnapshot, tier schema.ReconTier) (bool, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("reconcile: encode raw order: %w", err)
	}
	_, _, err = r.deps.Recon.UpsertRawOrder(ctx, reconstore.RawOrder{
		AccountID:       account.ID,
		Engine:          string(engine),
		ExchangeOrderID: snap.ExchangeOrderID,
		Fingerprint:     reconstore.OrderContentFingerprint(account.ID, snap.ExchangeOrderID, string(snap.Status), snap.FilledQty.String(), snap.UpdatedAt),
		Payload:         payload,
		Storage:         account.RawStorageMode,
	})
	if err != nil {
		return false, fmt.Errorf("reconcile: persist raw order: %w", err)
	}

	order, correlation, found, err := r.correlate(ctx, account.ID, snap)
	if err != nil {
		return false, err
	}
	r.countImport(ctx, tier, correlation)

	if !found {
		return false, r.importExternalOrder(ctx, account, snap)
	}

	if correlation == telemetry.CorrelationFingerprint {
		r.publishTelemetry(ctx, observability.TelemetryEvent{
			Type:      observability.TelemetryEventFingerprintMatch,
			Severity:  observability.TelemetrySeverityWarn,
			AccountID: account.ID,
			Metadata: map[string]any{
				"order_id":          order.ID,
				"exchange_order_id": snap.ExchangeOrderID,
				"symbol":            snap.Symbol,
			},
		})
		r.audit(ctx, account.ID, "recon.fingerprint_match", order, snap)
	}
	return true, r.refreshLinkedOrder(ctx, order, snap)
}

// correlate resolves a snapshot to a known order in strict priority order:
// exchange order id, client order id, then the audited fingerprint fallback.
func (r *Reconciler) correlate(ctx context.Context, accountID int64, snap exchange.OrderSnapshot) (schema.Order, string, bool, error) {
	if snap.ExchangeOrderID != "" {
		order, found, err := r.deps.Orders.FindByExchangeOrderID(ctx, accountID, snap.ExchangeOrderID)
		if err != nil {
			return schema.Order{}, "", false, err
		}
		if found {
			return order, telemetry.CorrelationExchangeID, true, nil
		}
	}
	if snap.ClientOrderID != "" {
		order, found, err := r.deps.Orders.FindByClientOrderID(ctx, accountID, snap.ClientOrderID)
		if err != nil {
			return schema.Order{}, "", false, err
		}
		if found {
			return order, telemetry.CorrelationClientID, true, nil
		}
	}
	fingerprint := schema.OrderFingerprint(snap.Symbol, snap.Side, snap.Qty, snap.Price, snap.CreatedAt)
	order, found, err := r.deps.Orders.FindByFingerprint(ctx, accountID, fingerprint)
	if err != nil {
		return schema.Order{}, "", false, err
	}
	// A fingerprint hit on an order already bound to a different exchange id
	// is a coincidence, not a correlation.
	if found && (order.ExchangeOrderID == "" || order.ExchangeOrderID == snap.ExchangeOrderID) {
		return order, telemetry.CorrelationFingerprint, true, nil
	}
	return schema.Order{}, telemetry.CorrelationNone, false, nil
}

// refreshLinkedOrder folds the exchange snapshot into the stored order. Only
// forward state transitions and fill increases apply.
func (r *Reconciler) refreshLinkedOrder(ctx context.Context, order schema.Order, snap exchange.OrderSnapshot) error {
	update := orderstore.Update{ID: order.ID}
	changed := false

	if order.ExchangeOrderID == "" && snap.ExchangeOrderID != "" {
		update.ExchangeOrderID = &snap.ExchangeOrderID
		changed = true
	}
	if snap.Status != order.Status && order.Status.CanTransition(snap.Status) {
		status := snap.Status
		update.Status = &status
		changed = true
	}
	if snap.FilledQty.GreaterThan(order.FilledQty) {
		filled := snap.FilledQty
		avg := snap.AvgFillPrice
		update.FilledQty = &filled
		update.AvgFillPrice = &avg
		changed = true
	}
	if !changed {
		return nil
	}
	if _, err := r.deps.Orders.Apply(ctx, update); err != nil {
		return fmt.Errorf("reconcile: refresh order %d: %w", order.ID, err)
	}
	r.notifyOrder(ctx, order.ID)
	return nil
}

// importExternalOrder creates the orphan order row for an exchange order the
// gateway never sent. It stays unassigned until an operator reassigns it.
func (r *Reconciler) importExternalOrder(ctx context.Context, account schema.Account, snap exchange.OrderSnapshot) error {
	status := snap.Status
	if status == "" {
		status = schema.OrderSubmitted
	}
	created, err := r.deps.Orders.Create(ctx, schema.Order{
		AccountID:       account.ID,
		Symbol:          snap.Symbol,
		Side:            snap.Side,
		Type:            snap.Type,
		Qty:             snap.Qty,
		Price:           snap.Price,
		Status:          status,
		StrategyID:      0,
		Reason:          schema.ReasonExternal,
		Reconciled:      false,
		ExchangeOrderID: snap.ExchangeOrderID,
		ClientOrderID:   snap.ClientOrderID,
		FilledQty:       snap.FilledQty,
		AvgFillPrice:    snap.AvgFillPrice,
	})
	if err != nil {
		return fmt.Errorf("reconcile: import external order: %w", err)
	}
	r.publishTelemetry(ctx, observability.TelemetryEvent{
		Type:      observability.TelemetryEventOrphanDetected,
		Severity:  observability.TelemetrySeverityWarn,
		AccountID: account.ID,
		Metadata: map[string]any{
			"order_id":          created.ID,
			"exchange_order_id": snap.ExchangeOrderID,
			"symbol":            snap.Symbol,
		},
	})
	r.audit(ctx, account.ID, "recon.order_imported", nil, created)
	if r.deps.Events != nil {
		r.deps.Events.OrderUpserted(ctx, created)
	}
	return nil
}

// runTradePhase imports exchange trades and projects each into deal and
// position state.
func (r *Reconciler) runTradePhase(ctx context.Context, engine schema.Engine, account schema.Account, adapter exchange.Adapter, tier schema.ReconTier, window schema.ReconWindow, summary *PassSummary) error {
	now := time.Now().UTC()
	fetch := r.fetchWindow(ctx, account.ID, reconstore.CursorTrades, window.Lookback, now)

	trades, err := adapter.FetchTrades(ctx, fetch)
	if err != nil {
		return fmt.Errorf("reconcile: fetch trades: %w", err)
	}
	summary.TradesSeen = len(trades)
	if len(trades) == 0 {
		return r.deps.Recon.AdvanceCursor(ctx, account.ID, reconstore.CursorTrades, now)
	}

	unlock := r.lockAccount(engine, account.ID)
	defer unlock()

	watermark := fetch.Since
	for _, trade := range trades {
		projected, err := r.importTrade(ctx, engine, account, trade, tier)
		if err != nil {
			return err
		}
		if projected {
			summary.DealsProjected++
		}
		if trade.ExecutedAt.After(watermark) {
			watermark = trade.ExecutedAt
		}
	}
	return r.deps.Recon.AdvanceCursor(ctx, account.ID, reconstore.CursorTrades, watermark)
}

// importTrade mirrors one trade and projects its deal. Deal insertion is
// idempotent on (account, exchange_trade_id); a replay changes nothing.
func (r *Reconciler) importTrade(ctx context.Context, engine schema.Engine, account schema.Account, trade exchange.TradeSnapshot, tier schema.ReconTier) (bool, error) {
	payload, err := json.Marshal(trade)
	if err != nil {
		return false, fmt.Errorf("reconcile: encode raw trade: %w", err)
	}
	_, _, err = r.deps.Recon.UpsertRawTrade(ctx, reconstore.RawTrade{
		AccountID:       account.ID,
		Engine:          string(engine),
		ExchangeTradeID: trade.ExchangeTradeID,
		ExchangeOrderID: trade.ExchangeOrderID,
		Fingerprint:     reconstore.TradeContentFingerprint(account.ID, trade.ExchangeTradeID),
		Payload:         payload,
		Storage:         account.RawStorageMode,
	})
	if err != nil {
		return false, fmt.Errorf("reconcile: persist raw trade: %w", err)
	}

	order, linked, err := r.resolveTradeOrder(ctx, account.ID, trade)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	deal := schema.Deal{
		AccountID:       account.ID,
		Symbol:          trade.Symbol,
		Side:            trade.Side,
		Qty:             trade.Qty,
		Price:           trade.Price,
		Fee:             trade.Fee,
		ExchangeTradeID: trade.ExchangeTradeID,
		ExecutedAt:      trade.ExecutedAt,
		Reason:          schema.ReasonExternal,
		Reconciled:      false,
	}
	if linked {
		orderID := order.ID
		deal.OrderID = &orderID
		deal.StrategyID = order.StrategyID
		deal.Reason = order.Reason
		deal.Reconciled = order.Reconciled
	}

	result, err := r.projectDeal(ctx, account, order, linked, deal, now)
	if err != nil {
		return false, err
	}

	projection := ledgerstore.Projection{Deal: result.Deal, Positions: result.Positions}
	if linked && order.PositionID == 0 {
		positionID := result.Deal.PositionID
		projection.OrderPatch = &ledgerstore.OrderPatch{OrderID: order.ID, PositionID: &positionID}
	}
	inserted := false
	projection.Deal, inserted, err = r.deps.Ledger.ApplyProjection(ctx, projection)
	if err != nil {
		return false, fmt.Errorf("reconcile: project deal %s: %w", trade.ExchangeTradeID, err)
	}
	if !inserted {
		return false, nil
	}

	r.countImport(ctx, tier, correlationOf(linked))
	r.audit(ctx, account.ID, "recon.trade_imported", nil, projection.Deal)
	if r.deps.Events != nil {
		r.deps.Events.DealAppended(ctx, projection.Deal)
		r.deps.Events.PositionsUpserted(ctx, result.Positions)
	}
	return true, nil
}

// resolveTradeOrder links a trade to its order: direct exchange order id
// first, then the cancel+replace orphan id foldback.
func (r *Reconciler) resolveTradeOrder(ctx context.Context, accountID int64, trade exchange.TradeSnapshot) (schema.Order, bool, error) {
	if trade.ExchangeOrderID == "" {
		return schema.Order{}, false, nil
	}
	order, found, err := r.deps.Orders.FindByExchangeOrderID(ctx, accountID, trade.ExchangeOrderID)
	if err != nil || found {
		return order, found, err
	}
	return r.deps.Orders.FindByOrphanOrderID(ctx, accountID, trade.ExchangeOrderID)
}

// projectDeal picks the projection strategy for the deal. Deals on
// unreconciled external orders stay on dedicated positions, never merged
// with existing exposure, until an operator reassigns the order.
func (r *Reconciler) projectDeal(ctx context.Context, account schema.Account, order schema.Order, linked bool, deal schema.Deal, now time.Time) (projector.Result, error) {
	allocate := r.allocator(ctx)

	if linked && !order.Reconciled {
		if order.PositionID > 0 {
			position, err := r.deps.Ledger.GetPosition(ctx, order.PositionID)
			if err == nil && position.State == schema.PositionOpen {
				return projector.ApplyToPosition(position, deal, allocate, now)
			}
		}
		return projector.Open(deal, allocate, now)
	}

	if linked {
		open, err := r.deps.Ledger.ListPositions(ctx, ledgerstore.PositionQuery{
			AccountID: account.ID,
			Symbol:    deal.Symbol,
			States:    []schema.PositionState{schema.PositionOpen},
		})
		if err != nil {
			return projector.Result{}, err
		}
		return projector.Apply(account.PositionMode, open, deal, allocate, now)
	}

	// No order at all: isolate the surprise on its own position.
	return projector.Open(deal, allocate, now)
}

// resolveUnknownCommands settles commands stuck in unknown_outcome against
// the freshly imported exchange state. An order the exchange acknowledged
// adopts its command as done; an order still unseen past the lookback window
// fails it and cancels the local row.
func (r *Reconciler) resolveUnknownCommands(ctx context.Context, engine schema.Engine, account schema.Account, window schema.ReconWindow, summary *PassSummary) error {
	cmds, err := r.deps.Commands.ListUnresolved(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("reconcile: list unresolved: %w", err)
	}
	if len(cmds) == 0 {
		return nil
	}

	unlock := r.lockAccount(engine, account.ID)
	defer unlock()

	now := time.Now().UTC()
	for _, cmd := range cmds {
		resolved, err := r.resolveCommand(ctx, account, cmd, window.Lookback, now)
		if err != nil {
			return err
		}
		if resolved {
			summary.CommandsResolved++
		}
	}
	return nil
}

func (r *Reconciler) resolveCommand(ctx context.Context, account schema.Account, cmd schema.Command, lookback time.Duration, now time.Time) (bool, error) {
	if cmd.OrderID == 0 {
		return true, r.deps.Commands.UpdateStatus(ctx, commandstore.StatusUpdate{
			ID:        cmd.ID,
			Status:    schema.CommandFailed,
			ErrorCode: string(errs.CodeInternal),
			Error:     "unknown_outcome command carries no order",
		})
	}
	order, err := r.deps.Orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return false, err
	}

	if order.ExchangeOrderID != "" || order.Status != schema.OrderPendingSubmit {
		// The exchange saw it after all: adopt the order as the outcome.
		if err := r.deps.Commands.UpdateStatus(ctx, commandstore.StatusUpdate{
			ID:      cmd.ID,
			Status:  schema.CommandDone,
			OrderID: cmd.OrderID,
		}); err != nil {
			return false, err
		}
		r.audit(ctx, account.ID, "recon.command_adopted", cmd, order)
		return true, nil
	}

	if cmd.CreatedAt.After(now.Add(-lookback)) {
		// Still inside the verification window; leave it for a later pass.
		return false, nil
	}

	// The exchange never acknowledged the order inside the lookback window.
	expected := schema.OrderPendingSubmit
	canceled := schema.OrderCanceled
	if _, err := r.deps.Orders.Apply(ctx, orderstore.Update{
		ID:             order.ID,
		ExpectedStatus: &expected,
		Status:         &canceled,
	}); err != nil {
		return false, err
	}
	if err := r.deps.Commands.UpdateStatus(ctx, commandstore.StatusUpdate{
		ID:        cmd.ID,
		Status:    schema.CommandFailed,
		ErrorCode: string(errs.CodeExchange),
		Error:     "order not found on exchange within the lookback window",
	}); err != nil {
		return false, err
	}
	if cmd.Type == schema.CommandClosePosition && order.PositionID > 0 {
		if err := r.deps.Ledger.ReleaseCloseLock(ctx, order.PositionID, cmd.UID); err != nil {
			observability.Log().Debug("reconcile: close lock release",
				observability.Field{Key: "position_id", Value: order.PositionID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	r.audit(ctx, account.ID, "recon.command_failed", cmd, order)
	r.notifyOrder(ctx, order.ID)
	return true, nil
}

// fetchWindow computes the incremental window: the stored watermark minus the
// boundary overlap, floored at the tier lookback.
func (r *Reconciler) fetchWindow(ctx context.Context, accountID int64, entity reconstore.CursorEntity, lookback time.Duration, now time.Time) exchange.FetchWindow {
	since := now.Add(-lookback)
	cursor, err := r.deps.Recon.GetCursor(ctx, accountID, entity)
	if err == nil && cursor.Watermark.After(since) {
		adjusted := cursor.Watermark.Add(-cursorOverlap)
		if adjusted.After(since) {
			since = adjusted
		}
	}
	return exchange.FetchWindow{Since: since, Until: now}
}

// adapterFor returns the account's throttled adapter, building and caching it
// on first use.
func (r *Reconciler) adapterFor(engine schema.Engine, account schema.Account) (exchange.Adapter, error) {
	r.adapterMu.Lock()
	defer r.adapterMu.Unlock()

	if adapter, ok := r.adapters[account.ID]; ok {
		return adapter, nil
	}
	factory, ok := r.deps.Registry[engine]
	if !ok {
		return nil, errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("no adapter registered for engine"))
	}
	inner, err := factory(account)
	if err != nil {
		return nil, errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("adapter construction failed"), errs.WithCause(err))
	}
	cfg := r.deps.Engines[engine]
	adapter := exchange.NewThrottled(inner, string(engine), cfg.RatePerSec, cfg.RateBurst, cfg.RequestTimeout)
	r.adapters[account.ID] = adapter
	return adapter, nil
}

func (r *Reconciler) allocator(ctx context.Context) projector.Allocator {
	return func() (int64, error) {
		return r.deps.Ledger.NextPositionID(ctx)
	}
}

func (r *Reconciler) lockAccount(engine schema.Engine, accountID int64) func() {
	if r.deps.Locks == nil {
		return func() {}
	}
	return r.deps.Locks.LockAccount(engine, accountID)
}

func (r *Reconciler) notifyOrder(ctx context.Context, orderID int64) {
	if r.deps.Events == nil {
		return
	}
	order, err := r.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return
	}
	r.deps.Events.OrderUpserted(ctx, order)
}

// audit appends a before/after snapshot of a reconciliation mutation to the
// outbox so every import is traceable downstream.
func (r *Reconciler) audit(ctx context.Context, accountID int64, action string, before, after any) {
	if r.deps.Outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"action": action,
		"before": before,
		"after":  after,
		"at":     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if _, err := r.deps.Outbox.Append(ctx, outboxstore.Event{
		Namespace: auditNamespace,
		EventType: action,
		AccountID: accountID,
		Payload:   payload,
	}); err != nil {
		observability.Log().Error("reconcile: audit append",
			observability.Field{Key: "action", Value: action},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (r *Reconciler) publishTelemetry(ctx context.Context, event observability.TelemetryEvent) {
	if r.deps.Bus == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := r.deps.Bus.Publish(ctx, event); err != nil {
		observability.Log().Debug("reconcile: telemetry publish dropped",
			observability.Field{Key: "type", Value: string(event.Type)})
	}
}

func (r *Reconciler) countImport(ctx context.Context, tier schema.ReconTier, correlation string) {
	if r.importCounter == nil {
		return
	}
	r.importCounter.Add(ctx, 1,
		metric.WithAttributes(telemetry.ReconAttributes(telemetry.Environment(), string(tier), correlation)...))
}

func correlationOf(linked bool) string {
	if linked {
		return telemetry.CorrelationExchangeID
	}
	return telemetry.CorrelationNone
}
