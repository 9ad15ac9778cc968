package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/exchange"
	"github.com/tradeforge/omsgate/internal/exchange/fake"
	"github.com/tradeforge/omsgate/internal/schema"
	"github.com/tradeforge/omsgate/internal/testutil"
)

type recordedEvents struct {
	mu        sync.Mutex
	orders    []schema.Order
	deals     []schema.Deal
	positions []schema.Position
}

func (r *recordedEvents) OrderUpserted(_ context.Context, order schema.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
}

func (r *recordedEvents) DealAppended(_ context.Context, deal schema.Deal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deals = append(r.deals, deal)
}

func (r *recordedEvents) PositionsUpserted(_ context.Context, positions []schema.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, positions...)
}

type fixture struct {
	accounts *testutil.MemoryAccounts
	commands *testutil.MemoryCommands
	orders   *testutil.MemoryOrders
	ledger   *testutil.MemoryLedger
	recon    *testutil.MemoryRecon
	outbox   *testutil.MemoryOutbox
	events   *recordedEvents
	fake     *fake.Adapter
	rec      *Reconciler
}

func newFixture(t *testing.T, fakeOpts ...fake.Option) *fixture {
	t.Helper()
	f := &fixture{
		accounts: testutil.NewMemoryAccounts(),
		commands: testutil.NewMemoryCommands(),
		orders:   testutil.NewMemoryOrders(),
		ledger:   testutil.NewMemoryLedger(),
		recon:    testutil.NewMemoryRecon(),
		outbox:   testutil.NewMemoryOutbox(),
		events:   &recordedEvents{},
		fake:     fake.New(fakeOpts...),
	}
	f.ledger.Orders = f.orders
	registry := exchange.Registry{
		schema.EngineSpot: func(schema.Account) (exchange.Adapter, error) { return f.fake, nil },
	}
	f.rec = New(Deps{
		Accounts: f.accounts,
		Commands: f.commands,
		Orders:   f.orders,
		Ledger:   f.ledger,
		Recon:    f.recon,
		Outbox:   f.outbox,
		Registry: registry,
		Engines: map[schema.Engine]config.EngineConfig{
			schema.EngineSpot: {RequestTimeout: 2 * time.Second},
		},
		Events: f.events,
	})
	return f
}

func (f *fixture) addAccount(t *testing.T, mode schema.PositionMode) schema.Account {
	t.Helper()
	account, err := f.accounts.Create(context.Background(), schema.Account{
		ExchangeAccount:   "spot-alpha",
		PositionMode:      mode,
		WorkerHint:        -1,
		AllowNewPositions: true,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func shortWindow() schema.ReconWindow {
	return schema.ReconWindow{Interval: time.Minute, Lookback: 30 * time.Minute}
}

func (f *fixture) run(t *testing.T, account schema.Account) PassSummary {
	t.Helper()
	summary, err := f.rec.RunOnce(context.Background(), account, schema.ReconTierShort, shortWindow())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	return summary
}

func TestOrderPhaseImportsOrphanOrder(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ext-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	summary := f.run(t, account)
	if summary.OrdersImported != 1 {
		t.Fatalf("expected 1 imported order, got %d", summary.OrdersImported)
	}

	order, found, err := f.orders.FindByExchangeOrderID(context.Background(), account.ID, "ext-1")
	if err != nil || !found {
		t.Fatalf("imported order not found: %v", err)
	}
	if order.Reason != schema.ReasonExternal {
		t.Fatalf("expected external reason, got %s", order.Reason)
	}
	if order.StrategyID != 0 || order.Reconciled {
		t.Fatalf("imported order must be unassigned, got strategy=%d reconciled=%v", order.StrategyID, order.Reconciled)
	}
	if len(f.recon.RawOrders()) != 1 {
		t.Fatalf("expected 1 raw order, got %d", len(f.recon.RawOrders()))
	}

	pending, err := f.outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	foundAudit := false
	for _, evt := range pending {
		if evt.Namespace == auditNamespace && evt.EventType == "recon.order_imported" {
			foundAudit = true
		}
	}
	if !foundAudit {
		t.Fatal("expected an order import audit event in the outbox")
	}
}

func TestOrderPhaseRefreshesLinkedOrder(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:       account.ID,
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(2),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderSubmitted,
		StrategyID:      5,
		Reason:          schema.ReasonAPI,
		Reconciled:      true,
		ExchangeOrderID: "ex-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ex-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(2),
		Price:           decimal.NewFromInt(100),
		FilledQty:       decimal.NewFromInt(2),
		AvgFillPrice:    decimal.NewFromInt(101),
		Status:          schema.OrderFilled,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	summary := f.run(t, account)
	if summary.OrdersLinked != 1 {
		t.Fatalf("expected 1 linked order, got %d", summary.OrdersLinked)
	}

	refreshed, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if refreshed.Status != schema.OrderFilled {
		t.Fatalf("expected FILLED, got %s", refreshed.Status)
	}
	if !refreshed.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected filled qty 2, got %s", refreshed.FilledQty)
	}
}

func TestOrderPhaseFingerprintFallbackIsAudited(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	createdAt := time.Date(2026, 8, 30, 12, 0, 10, 0, time.UTC)

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:  account.ID,
		Symbol:     "BTC-USDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Qty:        decimal.NewFromInt(1),
		Price:      decimal.NewFromInt(100),
		Status:     schema.OrderPendingSubmit,
		Reason:     schema.ReasonAPI,
		Reconciled: true,
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "fx-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderSubmitted,
		CreatedAt:       createdAt.Add(20 * time.Second),
		UpdatedAt:       time.Now().UTC(),
	})

	summary := f.run(t, account)
	if summary.OrdersLinked != 1 {
		t.Fatalf("expected fingerprint correlation to link, got linked=%d imported=%d",
			summary.OrdersLinked, summary.OrdersImported)
	}

	refreshed, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if refreshed.ExchangeOrderID != "fx-1" {
		t.Fatalf("expected exchange id adoption, got %q", refreshed.ExchangeOrderID)
	}

	pending, err := f.outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	audited := false
	for _, evt := range pending {
		if evt.EventType == "recon.fingerprint_match" {
			audited = true
		}
	}
	if !audited {
		t.Fatal("fingerprint correlation must leave an audit event")
	}
}

func TestTradePhaseProjectsLinkedDeal(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:       account.ID,
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderFilled,
		StrategyID:      5,
		Reason:          schema.ReasonAPI,
		Reconciled:      true,
		ExchangeOrderID: "ex-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	f.fake.InjectTrade(exchange.TradeSnapshot{
		ExchangeTradeID: "t-1",
		ExchangeOrderID: "ex-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		ExecutedAt:      now,
	})

	summary := f.run(t, account)
	if summary.DealsProjected != 1 {
		t.Fatalf("expected 1 projected deal, got %d", summary.DealsProjected)
	}

	deals, err := f.ledger.ListDealsChronological(context.Background(), account.ID, "BTC-USDT")
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("expected 1 deal, got %d", len(deals))
	}
	deal := deals[0]
	if deal.OrderID == nil || *deal.OrderID != order.ID {
		t.Fatal("deal must link to the order")
	}
	if deal.StrategyID != 5 {
		t.Fatalf("deal must inherit the order strategy, got %d", deal.StrategyID)
	}
	if deal.PositionID == 0 {
		t.Fatal("deal must carry its position id")
	}

	refreshed, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if refreshed.PositionID != deal.PositionID {
		t.Fatalf("order must adopt the deal position, got %d want %d", refreshed.PositionID, deal.PositionID)
	}
}

func TestRerunningPassIsIdempotent(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ext-5",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderFilled,
		FilledQty:       decimal.NewFromInt(1),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	f.fake.InjectTrade(exchange.TradeSnapshot{
		ExchangeTradeID: "t-5",
		ExchangeOrderID: "ext-5",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		ExecutedAt:      now,
	})

	f.run(t, account)
	second := f.run(t, account)

	if second.DealsProjected != 0 {
		t.Fatalf("second pass must project nothing, got %d", second.DealsProjected)
	}
	if got := len(f.recon.RawOrders()); got != 1 {
		t.Fatalf("expected 1 raw order after rerun, got %d", got)
	}
	if got := len(f.recon.RawTrades()); got != 1 {
		t.Fatalf("expected 1 raw trade after rerun, got %d", got)
	}
	deals, err := f.ledger.ListDealsChronological(context.Background(), account.ID, "BTC-USDT")
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("expected 1 deal after rerun, got %d", len(deals))
	}
}

func TestUnmatchedImportGetsDedicatedPosition(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeNetting)
	now := time.Now().UTC()

	f.ledger.SeedPosition(schema.Position{
		ID:        100,
		AccountID: account.ID,
		Symbol:    "BTC-USDT",
		Side:      schema.SideBuy,
		Qty:       decimal.NewFromInt(5),
		AvgPrice:  decimal.NewFromInt(90),
		State:     schema.PositionOpen,
		Reason:    schema.ReasonAPI,
		OpenedAt:  now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	})

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ext-9",
		Symbol:          "BTC-USDT",
		Side:            schema.SideSell,
		Type:            schema.OrderTypeMarket,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(95),
		Status:          schema.OrderFilled,
		FilledQty:       decimal.NewFromInt(1),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	f.fake.InjectTrade(exchange.TradeSnapshot{
		ExchangeTradeID: "t-9",
		ExchangeOrderID: "ext-9",
		Symbol:          "BTC-USDT",
		Side:            schema.SideSell,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(95),
		ExecutedAt:      now,
	})

	f.run(t, account)

	existing, err := f.ledger.GetPosition(context.Background(), 100)
	if err != nil {
		t.Fatalf("reload seeded position: %v", err)
	}
	if !existing.Qty.Equal(decimal.NewFromInt(5)) || existing.State != schema.PositionOpen {
		t.Fatalf("seeded position must be untouched, got qty=%s state=%s", existing.Qty, existing.State)
	}

	deals, err := f.ledger.ListDealsChronological(context.Background(), account.ID, "BTC-USDT")
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("expected 1 deal, got %d", len(deals))
	}
	if deals[0].PositionID == 100 {
		t.Fatal("unmatched import must not merge into existing exposure")
	}
	dedicated, err := f.ledger.GetPosition(context.Background(), deals[0].PositionID)
	if err != nil {
		t.Fatalf("load dedicated position: %v", err)
	}
	if dedicated.Side != schema.SideSell || !dedicated.Qty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected dedicated position: side=%s qty=%s", dedicated.Side, dedicated.Qty)
	}
}

func TestOrphanFillFoldsBackToSurvivor(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:                account.ID,
		Symbol:                   "BTC-USDT",
		Side:                     schema.SideBuy,
		Type:                     schema.OrderTypeLimit,
		Qty:                      decimal.NewFromInt(1),
		Price:                    decimal.NewFromInt(100),
		Status:                   schema.OrderSubmitted,
		StrategyID:               2,
		Reason:                   schema.ReasonAPI,
		Reconciled:               true,
		ExchangeOrderID:          "new-1",
		EditReplaceState:         schema.EditReplaceDone,
		EditReplaceOrphanOrderID: "old-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	f.fake.InjectTrade(exchange.TradeSnapshot{
		ExchangeTradeID: "t-old",
		ExchangeOrderID: "old-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		ExecutedAt:      now,
	})

	f.run(t, account)

	deals, err := f.ledger.ListDealsChronological(context.Background(), account.ID, "BTC-USDT")
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("expected 1 deal, got %d", len(deals))
	}
	if deals[0].OrderID == nil || *deals[0].OrderID != order.ID {
		t.Fatal("orphan fill must fold back to the surviving order")
	}
	if deals[0].StrategyID != 2 {
		t.Fatalf("folded deal must inherit the survivor's strategy, got %d", deals[0].StrategyID)
	}
}

func TestUnknownCommandAdoptedWhenExchangeAcknowledges(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:     account.ID,
		Symbol:        "BTC-USDT",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Qty:           decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(100),
		Status:        schema.OrderPendingSubmit,
		Reason:        schema.ReasonAPI,
		Reconciled:    true,
		ClientOrderID: "c-7",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	cmd, err := f.commands.Insert(context.Background(), schema.Command{
		UID:       "uid-adopt",
		AccountID: account.ID,
		Type:      schema.CommandSendOrder,
		Status:    schema.CommandUnknown,
		OrderID:   order.ID,
	})
	if err != nil {
		t.Fatalf("insert command: %v", err)
	}

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ex-7",
		ClientOrderID:   "c-7",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	summary := f.run(t, account)
	if summary.CommandsResolved != 1 {
		t.Fatalf("expected 1 resolved command, got %d", summary.CommandsResolved)
	}

	resolved, err := f.commands.Get(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("reload command: %v", err)
	}
	if resolved.Status != schema.CommandDone {
		t.Fatalf("expected done, got %s", resolved.Status)
	}
	refreshed, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if refreshed.ExchangeOrderID != "ex-7" {
		t.Fatalf("order must adopt the exchange id, got %q", refreshed.ExchangeOrderID)
	}
}

func TestUnknownCommandFailsPastLookback(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:  account.ID,
		Symbol:     "BTC-USDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Qty:        decimal.NewFromInt(1),
		Price:      decimal.NewFromInt(100),
		Status:     schema.OrderPendingSubmit,
		Reason:     schema.ReasonAPI,
		Reconciled: true,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	cmd, err := f.commands.Insert(context.Background(), schema.Command{
		UID:       "uid-expired",
		AccountID: account.ID,
		Type:      schema.CommandSendOrder,
		Status:    schema.CommandUnknown,
		OrderID:   order.ID,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("insert command: %v", err)
	}

	summary := f.run(t, account)
	if summary.CommandsResolved != 1 {
		t.Fatalf("expected 1 resolved command, got %d", summary.CommandsResolved)
	}

	failed, err := f.commands.Get(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("reload command: %v", err)
	}
	if failed.Status != schema.CommandFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.ErrorCode != string(errs.CodeExchange) {
		t.Fatalf("expected exchange error code, got %q", failed.ErrorCode)
	}
	canceled, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if canceled.Status != schema.OrderCanceled {
		t.Fatalf("expected local cancel, got %s", canceled.Status)
	}
}

func TestReassignRelinksDealsAndRebuildsPositions(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ext-2",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderFilled,
		FilledQty:       decimal.NewFromInt(1),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	f.fake.InjectTrade(exchange.TradeSnapshot{
		ExchangeTradeID: "t-2",
		ExchangeOrderID: "ext-2",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		ExecutedAt:      now,
	})
	f.run(t, account)

	imported, found, err := f.orders.FindByExchangeOrderID(context.Background(), account.ID, "ext-2")
	if err != nil || !found {
		t.Fatalf("imported order not found: %v", err)
	}

	result, err := f.rec.Reassign(context.Background(), ReassignRequest{
		AccountID:  account.ID,
		OrderID:    imported.ID,
		StrategyID: 7,
	})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if result.DealsRelinked != 1 {
		t.Fatalf("expected 1 relinked deal, got %d", result.DealsRelinked)
	}
	if result.Order.StrategyID != 7 || !result.Order.Reconciled {
		t.Fatalf("order not reassigned: strategy=%d reconciled=%v", result.Order.StrategyID, result.Order.Reconciled)
	}

	deals, err := f.ledger.ListDealsChronological(context.Background(), account.ID, "BTC-USDT")
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	if len(deals) != 1 || deals[0].StrategyID != 7 {
		t.Fatalf("deal not relinked, got %+v", deals)
	}

	positions, err := f.ledger.ListPositions(context.Background(), ledgerstore.PositionQuery{
		AccountID: account.ID,
		Symbol:    "BTC-USDT",
		States:    []schema.PositionState{schema.PositionOpen},
	})
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 || positions[0].StrategyID != 7 {
		t.Fatalf("positions not rebuilt under strategy 7, got %+v", positions)
	}
}

func TestRawMirrorsCarryAccountStorageMode(t *testing.T) {
	f := newFixture(t)
	account, err := f.accounts.Create(context.Background(), schema.Account{
		ExchangeAccount:   "spot-dedicated",
		PositionMode:      schema.PositionModeHedge,
		WorkerHint:        -1,
		RawStorageMode:    schema.RawStorageDedicated,
		AllowNewPositions: true,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	now := time.Now().UTC()

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ext-ded-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderFilled,
		FilledQty:       decimal.NewFromInt(1),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	f.fake.InjectTrade(exchange.TradeSnapshot{
		ExchangeTradeID: "t-ded-1",
		ExchangeOrderID: "ext-ded-1",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		ExecutedAt:      now,
	})
	f.run(t, account)

	rawOrders := f.recon.RawOrders()
	if len(rawOrders) != 1 || rawOrders[0].Storage != schema.RawStorageDedicated {
		t.Fatalf("raw order must carry the account storage mode, got %+v", rawOrders)
	}
	rawTrades := f.recon.RawTrades()
	if len(rawTrades) != 1 || rawTrades[0].Storage != schema.RawStorageDedicated {
		t.Fatalf("raw trade must carry the account storage mode, got %+v", rawTrades)
	}
}

func TestReassignRefusesAssignedOrder(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)

	order, err := f.orders.Create(context.Background(), schema.Order{
		AccountID:  account.ID,
		Symbol:     "BTC-USDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Qty:        decimal.NewFromInt(1),
		Price:      decimal.NewFromInt(100),
		Status:     schema.OrderFilled,
		StrategyID: 3,
		Reason:     schema.ReasonAPI,
		Reconciled: true,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	_, err = f.rec.Reassign(context.Background(), ReassignRequest{
		AccountID:  account.ID,
		OrderID:    order.ID,
		StrategyID: 7,
	})
	if !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *errs.E
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *errs.E, got %T", err)
	}
	if conflict.Metadata["strategy_id"] != "3" {
		t.Fatalf("conflict should report the existing assignment, got %q", conflict.Metadata["strategy_id"])
	}
}

func TestSchedulerTriggerRunsImmediatePass(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, schema.PositionModeHedge)
	now := time.Now().UTC()

	f.fake.InjectOrder(exchange.OrderSnapshot{
		ExchangeOrderID: "ext-3",
		Symbol:          "BTC-USDT",
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeLimit,
		Qty:             decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Status:          schema.OrderSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	scheduler, err := NewScheduler(f.rec, config.ReconciliationConfig{
		Tiers: map[schema.ReconTier]schema.ReconWindow{
			schema.ReconTierShort: shortWindow(),
		},
		Concurrency: 2,
	}, config.CloseLockConfig{TTL: time.Minute, SweepInterval: time.Minute})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	summaries, err := scheduler.Trigger(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(summaries) != 1 || summaries[0].OrdersImported != 1 {
		t.Fatalf("unexpected trigger summaries: %+v", summaries)
	}

	status := scheduler.Status(account.ID)
	if len(status) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(status))
	}
	if status[0].LastRun.IsZero() {
		t.Fatal("status must record the last run")
	}
	if status[0].LastError != "" {
		t.Fatalf("unexpected pass error: %s", status[0].LastError)
	}
}

func TestSchedulerTriggerCollectsPerAccountFailures(t *testing.T) {
	f := newFixture(t)
	healthy := f.addAccount(t, schema.PositionModeHedge)

	// The fixture registry only serves the spot engine, so a futures
	// account fails its pass at adapter build time.
	broken, err := f.accounts.Create(context.Background(), schema.Account{
		ExchangeAccount:   "perp-beta",
		PositionMode:      schema.PositionModeNetting,
		WorkerHint:        -1,
		AllowNewPositions: true,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	scheduler, err := NewScheduler(f.rec, config.ReconciliationConfig{
		Tiers: map[schema.ReconTier]schema.ReconWindow{
			schema.ReconTierShort: shortWindow(),
		},
		Concurrency: 2,
	}, config.CloseLockConfig{TTL: time.Minute, SweepInterval: time.Minute})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	summaries, err := scheduler.Trigger(context.Background(), 0)
	if err == nil {
		t.Fatal("expected an aggregated failure")
	}
	if !strings.Contains(err.Error(), fmt.Sprintf("account %d", broken.ID)) {
		t.Fatalf("error should name the failing account: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("healthy account summary must survive, got %d", len(summaries))
	}

	status := scheduler.Status(healthy.ID)
	if len(status) != 1 || status[0].LastError != "" {
		t.Fatalf("healthy account status polluted: %+v", status)
	}
	status = scheduler.Status(broken.ID)
	if len(status) != 1 || status[0].LastError == "" {
		t.Fatalf("failing account must record its error: %+v", status)
	}
}
