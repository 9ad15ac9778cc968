// Package httpserver exposes the HTTP control surface of the gateway:
// command submission, order/deal/position queries, account administration,
// reconciliation control, and the websocket event feed.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/outbox"
	"github.com/tradeforge/omsgate/internal/pipeline"
	"github.com/tradeforge/omsgate/internal/reconcile"
	"github.com/tradeforge/omsgate/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	commandsPath        = "/commands"
	accountsPath        = "/accounts"
	accountDetailPrefix = accountsPath + "/"
	reassignPath        = "/reassign"
	reconTriggerPath    = "/reconciliation/trigger"
	reconStatusPath     = "/reconciliation/status"
	eventsPath          = "/events"
	dispatcherDebugPath = "/debug/dispatcher"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// CommandSubmitter accepts commands into the pipeline.
type CommandSubmitter interface {
	Submit(ctx context.Context, req pipeline.Request) schema.CommandResult
	SubmitBatch(ctx context.Context, reqs []pipeline.Request) []schema.CommandResult
}

// Reassigner applies operator reassigns.
type Reassigner interface {
	Reassign(ctx context.Context, req reconcile.ReassignRequest) (reconcile.ReassignResult, error)
}

// ReconControl triggers passes and reports scheduler status.
type ReconControl interface {
	Trigger(ctx context.Context, accountID int64) ([]reconcile.PassSummary, error)
	Status(accountID int64) []reconcile.PassStatus
}

// RuntimeInspector exposes the dispatcher's in-memory counters.
type RuntimeInspector interface {
	RuntimeSnapshot() observability.DispatcherMetricsSnapshot
}

// Deps wires the control surface's collaborators.
type Deps struct {
	Pipeline   CommandSubmitter
	Accounts   accountstore.Store
	Orders     orderstore.Store
	Ledger     ledgerstore.Store
	Outbox     outboxstore.Store
	Feed       *outbox.Registry
	Reassign   Reassigner
	Recon      ReconControl
	Dispatcher RuntimeInspector
}

type httpServer struct {
	deps Deps
}

// NewHandler builds the control-surface handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(commandsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitCommands,
	}))
	mux.Handle(accountsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listAccounts,
		http.MethodPost: server.createAccount,
	}))
	mux.Handle(accountDetailPrefix, http.HandlerFunc(server.handleAccount))
	mux.Handle(reassignPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.reassign,
	}))
	mux.Handle(reconTriggerPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.triggerReconciliation,
	}))
	mux.Handle(reconStatusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.reconciliationStatus,
	}))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))
	mux.Handle(dispatcherDebugPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.dispatcherSnapshot,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type commandPayload struct {
	UID       string          `json:"uid"`
	AccountID int64           `json:"accountId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

func (p commandPayload) request() pipeline.Request {
	return pipeline.Request{
		UID:       p.UID,
		AccountID: p.AccountID,
		Type:      schema.CommandType(p.Type),
		Payload:   p.Payload,
	}
}

// submitCommands accepts a single command object or a batch array. Batch
// results are index-aligned with the submitted array.
func (s *httpServer) submitCommands(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var payloads []commandPayload
		if err := json.Unmarshal(body, &payloads); err != nil {
			writeError(w, http.StatusBadRequest, "malformed command batch")
			return
		}
		reqs := make([]pipeline.Request, len(payloads))
		for i, payload := range payloads {
			reqs[i] = payload.request()
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": s.deps.Pipeline.SubmitBatch(r.Context(), reqs)})
		return
	}

	var payload commandPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed command")
		return
	}
	result := s.deps.Pipeline.Submit(r.Context(), payload.request())
	status := http.StatusOK
	if !result.Accepted {
		status = statusOfCode(errs.Code(result.ErrorCode))
	}
	writeJSON(w, status, map[string]any{"results": []schema.CommandResult{result}})
}

func (s *httpServer) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Accounts.ListActive(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

type createAccountPayload struct {
	ExchangeAccount   string             `json:"exchangeAccount"`
	Testnet           bool               `json:"testnet"`
	PositionMode      string             `json:"positionMode"`
	RawStorageMode    string             `json:"rawStorageMode,omitempty"`
	ReconPolicy       schema.ReconPolicy `json:"reconPolicy,omitempty"`
	AllowNewPositions *bool              `json:"allowNewPositions,omitempty"`
}

func (s *httpServer) createAccount(w http.ResponseWriter, r *http.Request) {
	var payload createAccountPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	mode := schema.PositionMode(payload.PositionMode)
	if err := mode.Validate(); err != nil {
		writeErr(w, err)
		return
	}
	storage := schema.RawStorageMode(payload.RawStorageMode)
	if storage == "" {
		storage = schema.RawStorageShared
	}
	if err := storage.Validate(); err != nil {
		writeErr(w, err)
		return
	}
	allowNew := true
	if payload.AllowNewPositions != nil {
		allowNew = *payload.AllowNewPositions
	}
	account, err := s.deps.Accounts.Create(r.Context(), schema.Account{
		ExchangeAccount:   payload.ExchangeAccount,
		Testnet:           payload.Testnet,
		PositionMode:      mode,
		ReconPolicy:       payload.ReconPolicy,
		WorkerHint:        -1,
		RawStorageMode:    storage,
		AllowNewPositions: allowNew,
		Active:            true,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// handleAccount routes /accounts/{id} and its sub-resources.
func (s *httpServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, accountDetailPrefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	accountID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	resource := ""
	if len(parts) == 2 {
		resource = parts[1]
	}
	switch resource {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getAccount(w, r, accountID)
	case "risk":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		s.updateRiskFlags(w, r, accountID)
	case "recon-policy":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		s.updateReconPolicy(w, r, accountID)
	case "orders":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listOrders(w, r, accountID)
	case "deals":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listDeals(w, r, accountID)
	case "positions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listPositions(w, r, accountID)
	default:
		writeError(w, http.StatusNotFound, "unknown account resource")
	}
}

func (s *httpServer) getAccount(w http.ResponseWriter, r *http.Request, accountID int64) {
	account, err := s.deps.Accounts.Get(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *httpServer) updateRiskFlags(w http.ResponseWriter, r *http.Request, accountID int64) {
	var flags accountstore.RiskFlags
	if !decodeJSON(w, r, &flags) {
		return
	}
	if err := s.deps.Accounts.SetRiskFlags(r.Context(), accountID, flags); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *httpServer) updateReconPolicy(w http.ResponseWriter, r *http.Request, accountID int64) {
	var policy schema.ReconPolicy
	if !decodeJSON(w, r, &policy) {
		return
	}
	if err := s.deps.Accounts.SetReconPolicy(r.Context(), accountID, policy); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request, accountID int64) {
	query := orderstore.Query{
		AccountID: accountID,
		Symbol:    r.URL.Query().Get("symbol"),
		Limit:     queryLimit(r),
	}
	switch r.URL.Query().Get("status") {
	case "", "open":
		query.Statuses = []schema.OrderStatus{
			schema.OrderPendingSubmit,
			schema.OrderSubmitted,
			schema.OrderPartiallyFilled,
		}
	case "history":
		query.Statuses = []schema.OrderStatus{
			schema.OrderFilled,
			schema.OrderCanceled,
			schema.OrderRejected,
		}
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "status must be open, history, or all")
		return
	}
	orders, err := s.deps.Orders.List(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) listDeals(w http.ResponseWriter, r *http.Request, accountID int64) {
	deals, err := s.deps.Ledger.ListDeals(r.Context(), ledgerstore.DealQuery{
		AccountID: accountID,
		Symbol:    r.URL.Query().Get("symbol"),
		Limit:     queryLimit(r),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (s *httpServer) listPositions(w http.ResponseWriter, r *http.Request, accountID int64) {
	query := ledgerstore.PositionQuery{
		AccountID: accountID,
		Symbol:    r.URL.Query().Get("symbol"),
		Limit:     queryLimit(r),
	}
	switch r.URL.Query().Get("state") {
	case "", "open":
		query.States = []schema.PositionState{schema.PositionOpen}
	case "closed":
		query.States = []schema.PositionState{schema.PositionClosed}
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "state must be open, closed, or all")
		return
	}
	positions, err := s.deps.Ledger.ListPositions(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *httpServer) reassign(w http.ResponseWriter, r *http.Request) {
	var req reconcile.ReassignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Reassign.Reassign(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) triggerReconciliation(w http.ResponseWriter, r *http.Request) {
	accountID, ok := optionalAccountID(w, r)
	if !ok {
		return
	}
	summaries, err := s.deps.Recon.Trigger(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passes": summaries})
}

func (s *httpServer) reconciliationStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := optionalAccountID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.deps.Recon.Status(accountID)})
}

func (s *httpServer) dispatcherSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusNotFound, "dispatcher not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.RuntimeSnapshot())
}

func optionalAccountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("accountId")
	if raw == "" {
		return 0, true
	}
	accountID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return accountID, true
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
