package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/outbox"
	"github.com/tradeforge/omsgate/internal/pipeline"
	"github.com/tradeforge/omsgate/internal/reconcile"
	"github.com/tradeforge/omsgate/internal/schema"
	"github.com/tradeforge/omsgate/internal/testutil"
)

type stubPipeline struct {
	submitted []pipeline.Request
	result    schema.CommandResult
}

func (s *stubPipeline) Submit(_ context.Context, req pipeline.Request) schema.CommandResult {
	s.submitted = append(s.submitted, req)
	return s.result
}

func (s *stubPipeline) SubmitBatch(ctx context.Context, reqs []pipeline.Request) []schema.CommandResult {
	results := make([]schema.CommandResult, len(reqs))
	for i, req := range reqs {
		results[i] = s.Submit(ctx, req)
	}
	return results
}

type stubReassigner struct {
	got    reconcile.ReassignRequest
	result reconcile.ReassignResult
	err    error
}

func (s *stubReassigner) Reassign(_ context.Context, req reconcile.ReassignRequest) (reconcile.ReassignResult, error) {
	s.got = req
	return s.result, s.err
}

type stubRecon struct {
	triggeredFor int64
	summaries    []reconcile.PassSummary
	statuses     []reconcile.PassStatus
}

func (s *stubRecon) Trigger(_ context.Context, accountID int64) ([]reconcile.PassSummary, error) {
	s.triggeredFor = accountID
	return s.summaries, nil
}

func (s *stubRecon) Status(int64) []reconcile.PassStatus {
	return s.statuses
}

type serverFixture struct {
	pipeline *stubPipeline
	accounts *testutil.MemoryAccounts
	orders   *testutil.MemoryOrders
	ledger   *testutil.MemoryLedger
	outbox   *testutil.MemoryOutbox
	registry *outbox.Registry
	reassign *stubReassigner
	recon    *stubRecon
	handler  http.Handler
}

func newServerFixture() *serverFixture {
	f := &serverFixture{
		pipeline: &stubPipeline{result: schema.CommandResult{CommandID: 1, Accepted: true}},
		accounts: testutil.NewMemoryAccounts(),
		orders:   testutil.NewMemoryOrders(),
		ledger:   testutil.NewMemoryLedger(),
		outbox:   testutil.NewMemoryOutbox(),
		registry: outbox.NewRegistry(),
		reassign: &stubReassigner{},
		recon:    &stubRecon{},
	}
	f.handler = NewHandler(Deps{
		Pipeline: f.pipeline,
		Accounts: f.accounts,
		Orders:   f.orders,
		Ledger:   f.ledger,
		Outbox:   f.outbox,
		Feed:     f.registry,
		Reassign: f.reassign,
		Recon:    f.recon,
	})
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	return res
}

func decodeResponse(t *testing.T, res *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, res.Body.String())
	}
}

func TestSubmitSingleCommand(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodPost, "/commands", map[string]any{
		"uid":       "cmd-1",
		"accountId": 1,
		"type":      "send_order",
		"payload":   map[string]any{"symbol": "BTC-USDT"},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", res.Code, res.Body.String())
	}
	if len(f.pipeline.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(f.pipeline.submitted))
	}
	req := f.pipeline.submitted[0]
	if req.UID != "cmd-1" || req.AccountID != 1 || req.Type != schema.CommandSendOrder {
		t.Fatalf("unexpected request %+v", req)
	}

	var body struct {
		Results []schema.CommandResult `json:"results"`
	}
	decodeResponse(t, res, &body)
	if len(body.Results) != 1 || !body.Results[0].Accepted {
		t.Fatalf("unexpected results %+v", body.Results)
	}
}

func TestSubmitRejectedCommandMapsStatus(t *testing.T) {
	f := newServerFixture()
	f.pipeline.result = schema.CommandResult{Accepted: false, ErrorCode: "risk_blocked", Error: "new positions disabled"}

	res := f.do(t, http.MethodPost, "/commands", map[string]any{
		"accountId": 1,
		"type":      "send_order",
	})
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", res.Code)
	}
}

func TestSubmitBatchPreservesOrder(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodPost, "/commands", []map[string]any{
		{"uid": "a", "accountId": 1, "type": "send_order"},
		{"uid": "b", "accountId": 1, "type": "cancel_order"},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", res.Code, res.Body.String())
	}
	if len(f.pipeline.submitted) != 2 {
		t.Fatalf("submitted = %d, want 2", len(f.pipeline.submitted))
	}
	if f.pipeline.submitted[0].UID != "a" || f.pipeline.submitted[1].UID != "b" {
		t.Fatalf("batch order lost: %+v", f.pipeline.submitted)
	}
}

func TestMalformedCommandRejected(t *testing.T) {
	f := newServerFixture()

	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader("{not json"))
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.Code)
	}
}

func TestCommandsMethodNotAllowed(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodDelete, "/commands", nil)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", res.Code)
	}
	if allow := res.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", allow)
	}
}

func TestCreateAccountDefaults(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodPost, "/accounts", map[string]any{
		"exchangeAccount": "spot-alpha",
		"positionMode":    "hedge",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", res.Code, res.Body.String())
	}
	var account schema.Account
	decodeResponse(t, res, &account)
	if account.ID == 0 || !account.Active || !account.AllowNewPositions {
		t.Fatalf("unexpected account %+v", account)
	}
	if account.WorkerHint != -1 {
		t.Fatalf("WorkerHint = %d, want -1", account.WorkerHint)
	}
	if account.RawStorageMode != schema.RawStorageShared {
		t.Fatalf("RawStorageMode = %q, want shared", account.RawStorageMode)
	}
}

func TestCreateAccountRejectsBadPositionMode(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodPost, "/accounts", map[string]any{
		"exchangeAccount": "spot-alpha",
		"positionMode":    "one-way",
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", res.Code, res.Body.String())
	}
}

func TestGetAccountNotFound(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodGet, "/accounts/42", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", res.Code, res.Body.String())
	}
}

func TestListOrdersFiltersByStatus(t *testing.T) {
	f := newServerFixture()
	ctx := context.Background()
	account, err := f.accounts.Create(ctx, schema.Account{
		ExchangeAccount: "spot-alpha",
		PositionMode:    schema.PositionModeHedge,
		Active:          true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	open, err := f.orders.Create(ctx, schema.Order{
		AccountID: account.ID, Symbol: "BTC-USDT", Status: schema.OrderSubmitted,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := f.orders.Create(ctx, schema.Order{
		AccountID: account.ID, Symbol: "BTC-USDT", Status: schema.OrderFilled,
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	res := f.do(t, http.MethodGet, "/accounts/1/orders?status=open", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", res.Code, res.Body.String())
	}
	var body struct {
		Orders []schema.Order `json:"orders"`
	}
	decodeResponse(t, res, &body)
	if len(body.Orders) != 1 || body.Orders[0].ID != open.ID {
		t.Fatalf("unexpected orders %+v", body.Orders)
	}

	res = f.do(t, http.MethodGet, "/accounts/1/orders?status=stale", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown filter", res.Code)
	}
}

func TestUpdateRiskFlags(t *testing.T) {
	f := newServerFixture()
	ctx := context.Background()
	account, err := f.accounts.Create(ctx, schema.Account{
		ExchangeAccount:   "spot-alpha",
		PositionMode:      schema.PositionModeHedge,
		AllowNewPositions: true,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	res := f.do(t, http.MethodPut, "/accounts/1/risk", map[string]any{
		"allowNewPositions": false,
		"active":            true,
	})
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", res.Code, res.Body.String())
	}
	updated, err := f.accounts.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if updated.AllowNewPositions {
		t.Fatal("AllowNewPositions still set")
	}
}

func TestReassignEndpoint(t *testing.T) {
	f := newServerFixture()
	f.reassign.result = reconcile.ReassignResult{DealsRelinked: 2}

	res := f.do(t, http.MethodPost, "/reassign", map[string]any{
		"accountId":  1,
		"orderId":    10,
		"strategyId": 7,
	})
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", res.Code, res.Body.String())
	}
	if f.reassign.got.AccountID != 1 || f.reassign.got.OrderID != 10 || f.reassign.got.StrategyID != 7 {
		t.Fatalf("unexpected reassign request %+v", f.reassign.got)
	}
}

func TestReconciliationTriggerScopesAccount(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodPost, "/reconciliation/trigger?accountId=3", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", res.Code, res.Body.String())
	}
	if f.recon.triggeredFor != 3 {
		t.Fatalf("triggered for %d, want 3", f.recon.triggeredFor)
	}

	res = f.do(t, http.MethodPost, "/reconciliation/trigger?accountId=bad", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad account id", res.Code)
	}
}

func TestEventFeedReplaysAndStreamsLive(t *testing.T) {
	f := newServerFixture()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, eventType := range []string{"order.upserted", "deal.appended"} {
		if _, err := f.outbox.Append(ctx, outboxstore.Event{
			Namespace: "oms",
			EventType: eventType,
			AccountID: 1,
			Payload:   json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	server := httptest.NewServer(f.handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events?cursor=1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEvent := func() feedEvent {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var evt feedEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return evt
	}

	replayed := readEvent()
	if replayed.ID != 2 || replayed.Type != "deal.appended" {
		t.Fatalf("unexpected replayed event %+v", replayed)
	}

	// A drained outbox record reaches the live feed through the registry.
	if _, err := f.outbox.Append(ctx, outboxstore.Event{
		Namespace: "oms",
		EventType: "position.upserted",
		AccountID: 1,
		Payload:   json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	worker := outbox.NewWorker(config.OutboxConfig{PollInterval: 10 * time.Millisecond, BatchSize: 16, MaxAttempts: 5}, outbox.WorkerDeps{
		Store:    f.outbox,
		Registry: f.registry,
	})
	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	live := readEvent()
	if live.ID != 3 || live.Type != "position.upserted" {
		t.Fatalf("unexpected live event %+v", live)
	}
}

func TestDispatcherSnapshotUnavailable(t *testing.T) {
	f := newServerFixture()

	res := f.do(t, http.MethodGet, "/debug/dispatcher", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when dispatcher absent", res.Code)
	}
}
