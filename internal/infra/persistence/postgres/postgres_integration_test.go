package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/domain/reconstore"
	pgstore "github.com/tradeforge/omsgate/internal/infra/persistence/postgres"
	"github.com/tradeforge/omsgate/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "omsgate"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/omsgate?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgmigrate.WithInstance(sqlDB, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func requireSetup(t *testing.T) *pgstore.Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	return pgstore.New(testPool)
}

func createAccount(t *testing.T, store *pgstore.Store, mode schema.PositionMode) schema.Account {
	t.Helper()
	account, err := store.Accounts.Create(context.Background(), schema.Account{
		ExchangeAccount:   "spot-" + uuid.NewString(),
		PositionMode:      mode,
		WorkerHint:        -1,
		RawStorageMode:    schema.RawStorageShared,
		AllowNewPositions: true,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func TestAccountStoreRoundTrip(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()

	account := createAccount(t, store, schema.PositionModeHedge)
	got, err := store.Accounts.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.ExchangeAccount != account.ExchangeAccount || got.PositionMode != schema.PositionModeHedge {
		t.Fatalf("unexpected account %+v", got)
	}

	if err := store.Accounts.SetRiskFlags(ctx, account.ID, accountstore.RiskFlags{AllowNewPositions: false, Active: true}); err != nil {
		t.Fatalf("set risk flags: %v", err)
	}
	if err := store.Accounts.SetWorkerHint(ctx, account.ID, 2); err != nil {
		t.Fatalf("set worker hint: %v", err)
	}
	policy := schema.ReconPolicy{
		schema.ReconTierShort: {Interval: 30 * time.Second, Lookback: 15 * time.Minute},
	}
	if err := store.Accounts.SetReconPolicy(ctx, account.ID, policy); err != nil {
		t.Fatalf("set recon policy: %v", err)
	}

	got, err = store.Accounts.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if got.AllowNewPositions {
		t.Fatal("AllowNewPositions still set")
	}
	if got.WorkerHint != 2 {
		t.Fatalf("WorkerHint = %d, want 2", got.WorkerHint)
	}
	window := got.ReconPolicy.Window(schema.ReconTierShort, schema.ReconWindow{})
	if window.Interval != 30*time.Second {
		t.Fatalf("recon policy interval = %v, want 30s", window.Interval)
	}
}

func TestCommandInsertReplaysByUID(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()
	account := createAccount(t, store, schema.PositionModeHedge)

	uid := "cmd-" + uuid.NewString()
	first, err := store.Commands.Insert(ctx, schema.Command{
		UID:       uid,
		AccountID: account.ID,
		Type:      schema.CommandSendOrder,
		Payload:   json.RawMessage(`{"symbol":"BTC-USDT"}`),
	})
	if err != nil {
		t.Fatalf("insert command: %v", err)
	}
	replay, err := store.Commands.Insert(ctx, schema.Command{
		UID:       uid,
		AccountID: account.ID,
		Type:      schema.CommandSendOrder,
		Payload:   json.RawMessage(`{"symbol":"ETH-USDT"}`),
	})
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay returned id %d, want original %d", replay.ID, first.ID)
	}
	if string(replay.Payload) != `{"symbol":"BTC-USDT"}` {
		t.Fatalf("replay returned payload %s, want the original row", replay.Payload)
	}
}

func TestOrderApplyIsCompareAndSwap(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()
	account := createAccount(t, store, schema.PositionModeHedge)

	order, err := store.Orders.Create(ctx, schema.Order{
		AccountID: account.ID,
		Symbol:    "BTC-USDT",
		Side:      schema.SideBuy,
		Type:      schema.OrderTypeLimit,
		Qty:       decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(50000),
		Status:    schema.OrderPendingSubmit,
		Reason:    schema.ReasonAPI,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	wrong := schema.OrderSubmitted
	target := schema.OrderCanceled
	matched, err := store.Orders.Apply(ctx, orderstore.Update{
		ID:             order.ID,
		ExpectedStatus: &wrong,
		Status:         &target,
	})
	if err != nil {
		t.Fatalf("apply with wrong expectation: %v", err)
	}
	if matched {
		t.Fatal("apply matched despite stale expected status")
	}

	expected := schema.OrderPendingSubmit
	submitted := schema.OrderSubmitted
	exchangeID := "EX-" + uuid.NewString()
	matched, err = store.Orders.Apply(ctx, orderstore.Update{
		ID:              order.ID,
		ExpectedStatus:  &expected,
		Status:          &submitted,
		ExchangeOrderID: &exchangeID,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !matched {
		t.Fatal("apply did not match")
	}

	got, found, err := store.Orders.FindByExchangeOrderID(ctx, account.ID, exchangeID)
	if err != nil || !found {
		t.Fatalf("find by exchange id: found=%v err=%v", found, err)
	}
	if got.Status != schema.OrderSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got.Status)
	}
}

func TestLedgerProjectionIsIdempotent(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()
	account := createAccount(t, store, schema.PositionModeHedge)

	positionID, err := store.Ledger.NextPositionID(ctx)
	if err != nil {
		t.Fatalf("next position id: %v", err)
	}
	now := time.Now().UTC()
	projection := ledgerstore.Projection{
		Deal: schema.Deal{
			AccountID:       account.ID,
			PositionID:      positionID,
			Symbol:          "BTC-USDT",
			Side:            schema.SideBuy,
			Qty:             decimal.NewFromInt(1),
			Price:           decimal.NewFromInt(50000),
			StrategyID:      7,
			Reason:          schema.ReasonAPI,
			Reconciled:      true,
			ExchangeTradeID: "T-" + uuid.NewString(),
			ExecutedAt:      now,
		},
		Positions: []schema.Position{{
			ID:         positionID,
			AccountID:  account.ID,
			Symbol:     "BTC-USDT",
			StrategyID: 7,
			Side:       schema.SideBuy,
			Qty:        decimal.NewFromInt(1),
			AvgPrice:   decimal.NewFromInt(50000),
			State:      schema.PositionOpen,
			Reason:     schema.ReasonAPI,
			Reconciled: true,
			OpenedAt:   now,
		}},
	}

	deal, inserted, err := store.Ledger.ApplyProjection(ctx, projection)
	if err != nil {
		t.Fatalf("apply projection: %v", err)
	}
	if !inserted || deal.ID == 0 {
		t.Fatalf("first apply: inserted=%v id=%d", inserted, deal.ID)
	}

	_, inserted, err = store.Ledger.ApplyProjection(ctx, projection)
	if err != nil {
		t.Fatalf("replay projection: %v", err)
	}
	if inserted {
		t.Fatal("replayed projection inserted a second deal")
	}

	positions, err := store.Ledger.ListPositions(ctx, ledgerstore.PositionQuery{
		AccountID: account.ID,
		Symbol:    "BTC-USDT",
		States:    []schema.PositionState{schema.PositionOpen},
	})
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Qty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected positions %+v", positions)
	}
}

func TestCloseLockConflictAndSweep(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()

	positionID, err := store.Ledger.NextPositionID(ctx)
	if err != nil {
		t.Fatalf("next position id: %v", err)
	}
	if _, err := store.Ledger.AcquireCloseLock(ctx, positionID, "holder-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.Ledger.AcquireCloseLock(ctx, positionID, "holder-b", time.Minute); !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("second acquire err = %v, want conflict", err)
	}
	// Same holder refreshes instead of conflicting.
	if _, err := store.Ledger.AcquireCloseLock(ctx, positionID, "holder-a", time.Minute); err != nil {
		t.Fatalf("refresh acquire: %v", err)
	}

	swept, err := store.Ledger.SweepExpiredCloseLocks(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept < 1 {
		t.Fatalf("swept = %d, want at least 1", swept)
	}
	if _, err := store.Ledger.AcquireCloseLock(ctx, positionID, "holder-b", time.Minute); err != nil {
		t.Fatalf("acquire after sweep: %v", err)
	}
}

func TestReconRawUpsertAndCursor(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()
	account := createAccount(t, store, schema.PositionModeNetting)

	raw := reconstore.RawOrder{
		AccountID:       account.ID,
		Engine:          string(schema.EngineSpot),
		ExchangeOrderID: "EX-" + uuid.NewString(),
		Fingerprint:     "fp-" + uuid.NewString(),
		Payload:         json.RawMessage(`{"status":"FILLED"}`),
		ReceivedAt:      time.Now().UTC(),
	}
	_, inserted, err := store.Recon.UpsertRawOrder(ctx, raw)
	if err != nil {
		t.Fatalf("upsert raw order: %v", err)
	}
	if !inserted {
		t.Fatal("first upsert reported duplicate")
	}
	_, inserted, err = store.Recon.UpsertRawOrder(ctx, raw)
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate raw order inserted twice")
	}

	watermark := time.Now().UTC().Truncate(time.Second)
	if err := store.Recon.AdvanceCursor(ctx, account.ID, reconstore.CursorOrders, watermark); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	// Regressions are ignored.
	if err := store.Recon.AdvanceCursor(ctx, account.ID, reconstore.CursorOrders, watermark.Add(-time.Hour)); err != nil {
		t.Fatalf("regress cursor: %v", err)
	}
	cursor, err := store.Recon.GetCursor(ctx, account.ID, reconstore.CursorOrders)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !cursor.Watermark.Equal(watermark) {
		t.Fatalf("watermark = %v, want %v", cursor.Watermark, watermark)
	}
}

func TestReconRawDedicatedStorageRouting(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()
	account, err := store.Accounts.Create(ctx, schema.Account{
		ExchangeAccount:   "spot-" + uuid.NewString(),
		PositionMode:      schema.PositionModeHedge,
		WorkerHint:        -1,
		RawStorageMode:    schema.RawStorageDedicated,
		AllowNewPositions: true,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	raw := reconstore.RawOrder{
		AccountID:       account.ID,
		Engine:          string(schema.EngineSpot),
		ExchangeOrderID: "EX-" + uuid.NewString(),
		Fingerprint:     "fp-" + uuid.NewString(),
		Payload:         json.RawMessage(`{"status":"FILLED"}`),
		Storage:         schema.RawStorageDedicated,
	}
	_, inserted, err := store.Recon.UpsertRawOrder(ctx, raw)
	if err != nil {
		t.Fatalf("upsert raw order: %v", err)
	}
	if !inserted {
		t.Fatal("first upsert reported duplicate")
	}
	// Dedupe still holds inside the dedicated table.
	_, inserted, err = store.Recon.UpsertRawOrder(ctx, raw)
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate raw order inserted twice")
	}

	var dedicated int
	table := fmt.Sprintf("ccxt_orders_raw_a%d", account.ID)
	row := testPool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE account_id = $1", table), account.ID)
	if err := row.Scan(&dedicated); err != nil {
		t.Fatalf("count dedicated rows: %v", err)
	}
	if dedicated != 1 {
		t.Fatalf("dedicated table rows = %d, want 1", dedicated)
	}

	var shared int
	row = testPool.QueryRow(ctx, "SELECT count(*) FROM ccxt_orders_raw WHERE account_id = $1", account.ID)
	if err := row.Scan(&shared); err != nil {
		t.Fatalf("count shared rows: %v", err)
	}
	if shared != 0 {
		t.Fatalf("dedicated account leaked %d rows into the shared table", shared)
	}
}

func TestOutboxDeliveryFlow(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()
	account := createAccount(t, store, schema.PositionModeHedge)

	record, err := store.Outbox.Append(ctx, outboxstore.Event{
		Namespace: "oms",
		EventType: "order.upserted",
		AccountID: account.ID,
		Payload:   json.RawMessage(`{"orderId":1}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.Outbox.MarkFailed(ctx, record.ID, "sink down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, err := store.Outbox.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var found *outboxstore.EventRecord
	for i := range pending {
		if pending[i].ID == record.ID {
			found = &pending[i]
		}
	}
	if found == nil {
		t.Fatal("failed record missing from pending")
	}
	if found.Attempts != 1 || found.LastError != "sink down" {
		t.Fatalf("unexpected bookkeeping %+v", found)
	}

	if err := store.Outbox.MarkDelivered(ctx, record.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	after, err := store.Outbox.ListAfter(ctx, record.ID-1, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) == 0 || after[0].ID != record.ID || !after[0].Delivered {
		t.Fatalf("unexpected feed records %+v", after)
	}
}
