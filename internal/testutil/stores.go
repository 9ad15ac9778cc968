// Package testutil provides in-memory store implementations used by unit
// tests across the gateway packages.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/domain/commandstore"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/domain/reconstore"
	"github.com/tradeforge/omsgate/internal/schema"
)

// MemoryAccounts is an in-memory accountstore.Store.
type MemoryAccounts struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]schema.Account
}

// NewMemoryAccounts constructs an empty in-memory account store.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[int64]schema.Account)}
}

var _ accountstore.Store = (*MemoryAccounts)(nil)

// Create assigns an id and stores the account.
func (s *MemoryAccounts) Create(_ context.Context, account schema.Account) (schema.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.ExchangeAccount == account.ExchangeAccount {
			return schema.Account{}, errs.New("", errs.CodeConflict, errs.WithMessage("exchange account already registered"))
		}
	}
	s.nextID++
	account.ID = s.nextID
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = account
	return account, nil
}

// Get returns the account by id.
func (s *MemoryAccounts) Get(_ context.Context, id int64) (schema.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return schema.Account{}, errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
	}
	return account, nil
}

// GetByExchangeAccount returns the account by its external handle.
func (s *MemoryAccounts) GetByExchangeAccount(_ context.Context, exchangeAccount string) (schema.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.ExchangeAccount == exchangeAccount {
			return account, nil
		}
	}
	return schema.Account{}, errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
}

// ListActive returns active accounts ordered by id.
func (s *MemoryAccounts) ListActive(_ context.Context) ([]schema.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Account
	for _, account := range s.accounts {
		if account.Active {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetWorkerHint persists the dispatcher's worker assignment.
func (s *MemoryAccounts) SetWorkerHint(_ context.Context, id int64, hint int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
	}
	account.WorkerHint = hint
	account.UpdatedAt = time.Now().UTC()
	s.accounts[id] = account
	return nil
}

// SetRiskFlags updates the mutable risk toggles.
func (s *MemoryAccounts) SetRiskFlags(_ context.Context, id int64, flags accountstore.RiskFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
	}
	account.AllowNewPositions = flags.AllowNewPositions
	account.Active = flags.Active
	account.UpdatedAt = time.Now().UTC()
	s.accounts[id] = account
	return nil
}

// SetReconPolicy replaces the account's reconciliation overrides.
func (s *MemoryAccounts) SetReconPolicy(_ context.Context, id int64, policy schema.ReconPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("account not found"))
	}
	account.ReconPolicy = policy
	account.UpdatedAt = time.Now().UTC()
	s.accounts[id] = account
	return nil
}

// MemoryCommands is an in-memory commandstore.Store.
type MemoryCommands struct {
	mu       sync.Mutex
	nextID   int64
	commands map[int64]schema.Command
	byUID    map[string]int64
}

// NewMemoryCommands constructs an empty in-memory command store.
func NewMemoryCommands() *MemoryCommands {
	return &MemoryCommands{
		commands: make(map[int64]schema.Command),
		byUID:    make(map[string]int64),
	}
}

var _ commandstore.Store = (*MemoryCommands)(nil)

// Insert stores the command; a replayed uid returns the stored command.
func (s *MemoryCommands) Insert(_ context.Context, cmd schema.Command) (schema.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(cmd.UID) == "" {
		return schema.Command{}, errs.New("", errs.CodeValidation, errs.WithMessage("command uid required"))
	}
	if id, ok := s.byUID[cmd.UID]; ok {
		return s.commands[id], nil
	}
	s.nextID++
	cmd.ID = s.nextID
	if cmd.Status == "" {
		cmd.Status = schema.CommandQueued
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	s.commands[cmd.ID] = cmd
	s.byUID[cmd.UID] = cmd.ID
	return cmd, nil
}

// Get returns the command by id.
func (s *MemoryCommands) Get(_ context.Context, id int64) (schema.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return schema.Command{}, errs.New("", errs.CodeNotFound, errs.WithMessage("command not found"))
	}
	return cmd, nil
}

// UpdateStatus moves the command through its lifecycle.
func (s *MemoryCommands) UpdateStatus(_ context.Context, update commandstore.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[update.ID]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("command not found"))
	}
	cmd.Status = update.Status
	cmd.ErrorCode = update.ErrorCode
	cmd.Error = update.Error
	if update.OrderID != 0 {
		cmd.OrderID = update.OrderID
	}
	cmd.UpdatedAt = time.Now().UTC()
	s.commands[update.ID] = cmd
	return nil
}

// ListQueued returns queued commands for the account, oldest first.
func (s *MemoryCommands) ListQueued(_ context.Context, accountID int64, limit int) ([]schema.Command, error) {
	return s.listByStatus(accountID, schema.CommandQueued, limit), nil
}

// ListUnresolved returns unknown_outcome commands for the account.
func (s *MemoryCommands) ListUnresolved(_ context.Context, accountID int64) ([]schema.Command, error) {
	return s.listByStatus(accountID, schema.CommandUnknown, 0), nil
}

func (s *MemoryCommands) listByStatus(accountID int64, status schema.CommandStatus, limit int) []schema.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Command
	for _, cmd := range s.commands {
		if cmd.AccountID == accountID && cmd.Status == status {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryOrders is an in-memory orderstore.Store.
type MemoryOrders struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]schema.Order
}

// NewMemoryOrders constructs an empty in-memory order store.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[int64]schema.Order)}
}

var _ orderstore.Store = (*MemoryOrders)(nil)

// Create assigns an id and stores the order.
func (s *MemoryOrders) Create(_ context.Context, order schema.Order) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	order.ID = s.nextID
	if order.Status == "" {
		order.Status = schema.OrderPendingSubmit
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	s.orders[order.ID] = order
	return order, nil
}

// Get returns the order by id.
func (s *MemoryOrders) Get(_ context.Context, id int64) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return schema.Order{}, errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return order, nil
}

// Apply performs the conditional update and reports whether a row matched.
func (s *MemoryOrders) Apply(_ context.Context, update orderstore.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[update.ID]
	if !ok {
		return false, nil
	}
	if update.ExpectedStatus != nil && order.Status != *update.ExpectedStatus {
		return false, nil
	}
	if update.Status != nil {
		order.Status = *update.Status
	}
	if update.ExchangeOrderID != nil {
		order.ExchangeOrderID = *update.ExchangeOrderID
	}
	if update.FilledQty != nil {
		order.FilledQty = *update.FilledQty
	}
	if update.AvgFillPrice != nil {
		order.AvgFillPrice = *update.AvgFillPrice
	}
	if update.PositionID != nil {
		order.PositionID = *update.PositionID
	}
	if update.StrategyID != nil {
		order.StrategyID = *update.StrategyID
	}
	if update.Reconciled != nil {
		order.Reconciled = *update.Reconciled
	}
	if update.Qty != nil {
		order.Qty = *update.Qty
	}
	if update.Price != nil {
		order.Price = *update.Price
	}
	if update.StopLoss != nil {
		order.StopLoss = *update.StopLoss
	}
	if update.StopGain != nil {
		order.StopGain = *update.StopGain
	}
	if update.EditReplaceState != nil {
		order.EditReplaceState = *update.EditReplaceState
	}
	if update.EditReplaceOrphanOrderID != nil {
		order.EditReplaceOrphanOrderID = *update.EditReplaceOrphanOrderID
	}
	if update.EditReplaceOriginOrderID != nil {
		order.EditReplaceOriginOrderID = *update.EditReplaceOriginOrderID
	}
	if update.PreviousPositionID != nil {
		order.PreviousPositionID = *update.PreviousPositionID
	}
	order.UpdatedAt = time.Now().UTC()
	s.orders[update.ID] = order
	return true, nil
}

// FindByExchangeOrderID looks an order up by its exchange-assigned id.
func (s *MemoryOrders) FindByExchangeOrderID(_ context.Context, accountID int64, exchangeOrderID string) (schema.Order, bool, error) {
	if exchangeOrderID == "" {
		return schema.Order{}, false, nil
	}
	order, found := s.find(func(order schema.Order) bool {
		return order.AccountID == accountID && order.ExchangeOrderID == exchangeOrderID
	})
	return order, found, nil
}

// FindByClientOrderID looks an order up by the client-supplied id.
func (s *MemoryOrders) FindByClientOrderID(_ context.Context, accountID int64, clientOrderID string) (schema.Order, bool, error) {
	if clientOrderID == "" {
		return schema.Order{}, false, nil
	}
	order, found := s.find(func(order schema.Order) bool {
		return order.AccountID == accountID && order.ClientOrderID == clientOrderID
	})
	return order, found, nil
}

// FindByOrphanOrderID locates the cancel+replace survivor whose recorded
// orphan exchange order id matches.
func (s *MemoryOrders) FindByOrphanOrderID(_ context.Context, accountID int64, exchangeOrderID string) (schema.Order, bool, error) {
	if exchangeOrderID == "" {
		return schema.Order{}, false, nil
	}
	order, found := s.find(func(order schema.Order) bool {
		return order.AccountID == accountID && order.EditReplaceOrphanOrderID == exchangeOrderID
	})
	return order, found, nil
}

// FindByFingerprint matches an order by content fingerprint.
func (s *MemoryOrders) FindByFingerprint(_ context.Context, accountID int64, fingerprint string) (schema.Order, bool, error) {
	order, found := s.find(func(order schema.Order) bool {
		if order.AccountID != accountID {
			return false
		}
		return schema.OrderFingerprint(order.Symbol, order.Side, order.Qty, order.Price, order.CreatedAt) == fingerprint
	})
	return order, found, nil
}

func (s *MemoryOrders) find(match func(schema.Order) bool) (schema.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := schema.Order{}
	found := false
	for _, order := range s.orders {
		if match(order) && order.ID > best.ID {
			best = order
			found = true
		}
	}
	return best, found
}

// List retrieves orders matching the query filters, newest first.
func (s *MemoryOrders) List(_ context.Context, query orderstore.Query) ([]schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Order
	for _, order := range s.orders {
		if order.AccountID != query.AccountID {
			continue
		}
		if query.Symbol != "" && order.Symbol != query.Symbol {
			continue
		}
		if query.StrategyID != nil && order.StrategyID != *query.StrategyID {
			continue
		}
		if query.Reconciled != nil && order.Reconciled != *query.Reconciled {
			continue
		}
		if len(query.Statuses) > 0 {
			matched := false
			for _, status := range query.Statuses {
				if order.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// MemoryLedger is an in-memory ledgerstore.Store.
type MemoryLedger struct {
	mu         sync.Mutex
	nextDealID int64
	nextPosID  int64
	deals      map[int64]schema.Deal
	positions  map[int64]schema.Position
	dealByKey  map[string]int64
	locks      map[int64]schema.CloseLock

	// Orders optionally receives the order patches of projections and
	// reassigns so tests can observe the denormalized fill state.
	Orders *MemoryOrders
}

// NewMemoryLedger constructs an empty in-memory ledger store.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		deals:     make(map[int64]schema.Deal),
		positions: make(map[int64]schema.Position),
		dealByKey: make(map[string]int64),
		locks:     make(map[int64]schema.CloseLock),
	}
}

var _ ledgerstore.Store = (*MemoryLedger)(nil)

// SeedPosition stores a position directly, bypassing projection. Test setup
// only.
func (s *MemoryLedger) SeedPosition(position schema.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[position.ID] = position
	if position.ID > s.nextPosID {
		s.nextPosID = position.ID
	}
}

func dealKey(accountID int64, tradeID string) string {
	return fmt.Sprintf("%d:%s", accountID, tradeID)
}

// ApplyProjection folds one deal into position state.
func (s *MemoryLedger) ApplyProjection(ctx context.Context, projection ledgerstore.Projection) (schema.Deal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyProjectionLocked(ctx, projection)
}

func (s *MemoryLedger) applyProjectionLocked(ctx context.Context, projection ledgerstore.Projection) (schema.Deal, bool, error) {
	key := dealKey(projection.Deal.AccountID, projection.Deal.ExchangeTradeID)
	if id, ok := s.dealByKey[key]; ok {
		return s.deals[id], false, nil
	}
	for _, position := range projection.Positions {
		s.positions[position.ID] = position
	}
	deal := projection.Deal
	s.nextDealID++
	deal.ID = s.nextDealID
	deal.CreatedAt = time.Now().UTC()
	s.deals[deal.ID] = deal
	s.dealByKey[key] = deal.ID
	if projection.OrderPatch != nil {
		s.applyOrderPatchLocked(ctx, *projection.OrderPatch)
	}
	return deal, true, nil
}

func (s *MemoryLedger) applyOrderPatchLocked(ctx context.Context, patch ledgerstore.OrderPatch) {
	if s.Orders == nil {
		return
	}
	update := orderstore.Update{
		ID:         patch.OrderID,
		Status:     patch.Status,
		PositionID: patch.PositionID,
		StrategyID: patch.StrategyID,
		Reconciled: patch.Reconciled,
	}
	if patch.FilledQty != nil {
		if qty, err := decimal.NewFromString(*patch.FilledQty); err == nil {
			update.FilledQty = &qty
		}
	}
	if patch.AvgFillPrice != nil {
		if price, err := decimal.NewFromString(*patch.AvgFillPrice); err == nil {
			update.AvgFillPrice = &price
		}
	}
	_, _ = s.Orders.Apply(ctx, update)
}

// ApplyCloseBy inserts the two compensating deals of a close_by.
func (s *MemoryLedger) ApplyCloseBy(ctx context.Context, first, second ledgerstore.Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, inserted, err := s.applyProjectionLocked(ctx, first); err != nil || !inserted {
		return err
	}
	_, _, err := s.applyProjectionLocked(ctx, second)
	return err
}

// ApplyReassign executes the operator reassign.
func (s *MemoryLedger) ApplyReassign(ctx context.Context, change ledgerstore.Reassign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[int64]bool, len(change.RebuiltPositions))
	for _, position := range change.RebuiltPositions {
		s.positions[position.ID] = position
		keep[position.ID] = true
	}
	now := time.Now().UTC()
	for id, position := range s.positions {
		if position.AccountID == change.AccountID && position.Symbol == change.Symbol &&
			position.State == schema.PositionOpen && !keep[id] {
			position.State = schema.PositionClosed
			if position.ClosedAt == nil {
				closed := now
				position.ClosedAt = &closed
			}
			position.UpdatedAt = now
			s.positions[id] = position
		}
	}
	for _, relink := range change.Relinks {
		deal, ok := s.deals[relink.DealID]
		if !ok {
			return errs.New("", errs.CodeNotFound, errs.WithMessage("deal not found"))
		}
		deal.OrderID = relink.OrderID
		deal.StrategyID = relink.StrategyID
		deal.PositionID = relink.PositionID
		s.deals[relink.DealID] = deal
	}
	s.applyOrderPatchLocked(ctx, change.OrderPatch)
	return nil
}

// GetDeal returns the deal by id.
func (s *MemoryLedger) GetDeal(_ context.Context, id int64) (schema.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[id]
	if !ok {
		return schema.Deal{}, errs.New("", errs.CodeNotFound, errs.WithMessage("deal not found"))
	}
	return deal, nil
}

// ListDeals retrieves deals matching the query filters, newest first.
func (s *MemoryLedger) ListDeals(_ context.Context, query ledgerstore.DealQuery) ([]schema.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Deal
	for _, deal := range s.deals {
		if deal.AccountID != query.AccountID {
			continue
		}
		if query.Symbol != "" && deal.Symbol != query.Symbol {
			continue
		}
		if query.OrderID != nil && (deal.OrderID == nil || *deal.OrderID != *query.OrderID) {
			continue
		}
		if query.StrategyID != nil && deal.StrategyID != *query.StrategyID {
			continue
		}
		if !query.Since.IsZero() && deal.ExecutedAt.Before(query.Since) {
			continue
		}
		out = append(out, deal)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return out[i].ID > out[j].ID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListDealsChronological returns account+symbol deals in replay order.
func (s *MemoryLedger) ListDealsChronological(_ context.Context, accountID int64, symbol string) ([]schema.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Deal
	for _, deal := range s.deals {
		if deal.AccountID == accountID && deal.Symbol == symbol {
			out = append(out, deal)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.Before(out[j].ExecutedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindDealsByTradeLinkage returns deals linked to the given order.
func (s *MemoryLedger) FindDealsByTradeLinkage(_ context.Context, accountID, orderID int64) ([]schema.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Deal
	for _, deal := range s.deals {
		if deal.AccountID == accountID && deal.OrderID != nil && *deal.OrderID == orderID {
			out = append(out, deal)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.Before(out[j].ExecutedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetPosition returns the position by id.
func (s *MemoryLedger) GetPosition(_ context.Context, id int64) (schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.positions[id]
	if !ok {
		return schema.Position{}, errs.New("", errs.CodeNotFound, errs.WithMessage("position not found"))
	}
	return position, nil
}

// ListPositions retrieves positions matching the query filters.
func (s *MemoryLedger) ListPositions(_ context.Context, query ledgerstore.PositionQuery) ([]schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Position
	for _, position := range s.positions {
		if position.AccountID != query.AccountID {
			continue
		}
		if query.Symbol != "" && position.Symbol != query.Symbol {
			continue
		}
		if query.StrategyID != nil && position.StrategyID != *query.StrategyID {
			continue
		}
		if len(query.States) > 0 {
			matched := false
			for _, state := range query.States {
				if position.State == state {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, position)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// NextPositionID reserves a fresh position id.
func (s *MemoryLedger) NextPositionID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPosID++
	return s.nextPosID, nil
}

// AcquireCloseLock takes the per-position close lock.
func (s *MemoryLedger) AcquireCloseLock(_ context.Context, positionID int64, holder string, ttl time.Duration) (schema.CloseLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if lock, ok := s.locks[positionID]; ok && lock.Holder != holder && now.Before(lock.ExpiresAt) {
		return schema.CloseLock{}, errs.New("", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("position %d is already being closed", positionID)))
	}
	lock := schema.CloseLock{
		PositionID: positionID,
		Holder:     holder,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	s.locks[positionID] = lock
	return lock, nil
}

// ReleaseCloseLock drops the holder's lock; absent locks are a no-op.
func (s *MemoryLedger) ReleaseCloseLock(_ context.Context, positionID int64, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[positionID]; ok && lock.Holder == holder {
		delete(s.locks, positionID)
	}
	return nil
}

// SweepExpiredCloseLocks removes locks past their expiry.
func (s *MemoryLedger) SweepExpiredCloseLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, lock := range s.locks {
		if !now.Before(lock.ExpiresAt) {
			delete(s.locks, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryRecon is an in-memory reconstore.Store.
type MemoryRecon struct {
	mu         sync.Mutex
	nextID     int64
	rawOrders  map[string]reconstore.RawOrder
	rawTrades  map[string]reconstore.RawTrade
	tradeByKey map[string]string
	cursors    map[string]reconstore.Cursor
}

// NewMemoryRecon constructs an empty in-memory recon store.
func NewMemoryRecon() *MemoryRecon {
	return &MemoryRecon{
		rawOrders:  make(map[string]reconstore.RawOrder),
		rawTrades:  make(map[string]reconstore.RawTrade),
		tradeByKey: make(map[string]string),
		cursors:    make(map[string]reconstore.Cursor),
	}
}

var _ reconstore.Store = (*MemoryRecon)(nil)

// RawOrders returns the stored raw order mirrors sorted by id. Test
// inspection only.
func (s *MemoryRecon) RawOrders() []reconstore.RawOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconstore.RawOrder, 0, len(s.rawOrders))
	for _, raw := range s.rawOrders {
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RawTrades returns the stored raw trade mirrors sorted by id. Test
// inspection only.
func (s *MemoryRecon) RawTrades() []reconstore.RawTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconstore.RawTrade, 0, len(s.rawTrades))
	for _, raw := range s.rawTrades {
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertRawOrder inserts the payload unless the fingerprint exists.
func (s *MemoryRecon) UpsertRawOrder(_ context.Context, raw reconstore.RawOrder) (reconstore.RawOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rawOrders[raw.Fingerprint]; ok {
		return existing, false, nil
	}
	s.nextID++
	raw.ID = s.nextID
	raw.ReceivedAt = time.Now().UTC()
	s.rawOrders[raw.Fingerprint] = raw
	return raw, true, nil
}

// UpsertRawTrade inserts the payload unless the trade was seen before.
func (s *MemoryRecon) UpsertRawTrade(_ context.Context, raw reconstore.RawTrade) (reconstore.RawTrade, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dealKey(raw.AccountID, raw.ExchangeTradeID)
	if fingerprint, ok := s.tradeByKey[key]; ok {
		return s.rawTrades[fingerprint], false, nil
	}
	if existing, ok := s.rawTrades[raw.Fingerprint]; ok {
		return existing, false, nil
	}
	s.nextID++
	raw.ID = s.nextID
	raw.ReceivedAt = time.Now().UTC()
	s.rawTrades[raw.Fingerprint] = raw
	s.tradeByKey[key] = raw.Fingerprint
	return raw, true, nil
}

func cursorKey(accountID int64, entity reconstore.CursorEntity) string {
	return fmt.Sprintf("%d:%s", accountID, entity)
}

// GetCursor returns the watermark; missing rows read as the zero cursor.
func (s *MemoryRecon) GetCursor(_ context.Context, accountID int64, entity reconstore.CursorEntity) (reconstore.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor, ok := s.cursors[cursorKey(accountID, entity)]; ok {
		return cursor, nil
	}
	return reconstore.Cursor{AccountID: accountID, Entity: entity}, nil
}

// AdvanceCursor moves the watermark forward; regressions are ignored.
func (s *MemoryRecon) AdvanceCursor(_ context.Context, accountID int64, entity reconstore.CursorEntity, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(accountID, entity)
	if cursor, ok := s.cursors[key]; ok && watermark.Before(cursor.Watermark) {
		return nil
	}
	s.cursors[key] = reconstore.Cursor{
		AccountID: accountID,
		Entity:    entity,
		Watermark: watermark,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// MemoryOutbox is an in-memory outboxstore.Store.
type MemoryOutbox struct {
	mu     sync.Mutex
	nextID int64
	events []outboxstore.EventRecord
}

// NewMemoryOutbox constructs an empty in-memory outbox store.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

var _ outboxstore.Store = (*MemoryOutbox)(nil)

// Append persists a new outbox entry.
func (s *MemoryOutbox) Append(_ context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record := outboxstore.EventRecord{
		ID:        s.nextID,
		Namespace: evt.Namespace,
		EventType: evt.EventType,
		AccountID: evt.AccountID,
		Payload:   evt.Payload,
		CreatedAt: time.Now().UTC(),
	}
	s.events = append(s.events, record)
	return record, nil
}

// ListPending returns undelivered events, oldest first.
func (s *MemoryOutbox) ListPending(_ context.Context, limit int) ([]outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.EventRecord
	for _, record := range s.events {
		if !record.Delivered {
			out = append(out, record)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered flips the delivered flag.
func (s *MemoryOutbox) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			now := time.Now().UTC()
			s.events[i].Delivered = true
			s.events[i].DeliveredAt = &now
			s.events[i].Attempts++
			s.events[i].LastError = ""
			return nil
		}
	}
	return errs.New("", errs.CodeNotFound, errs.WithMessage("outbox event not found"))
}

// MarkFailed records a delivery failure.
func (s *MemoryOutbox) MarkFailed(_ context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Attempts++
			s.events[i].LastError = lastError
			return nil
		}
	}
	return errs.New("", errs.CodeNotFound, errs.WithMessage("outbox event not found"))
}

// ListAfter returns events above the cursor, oldest first.
func (s *MemoryOutbox) ListAfter(_ context.Context, cursor int64, limit int) ([]outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.EventRecord
	for _, record := range s.events {
		if record.ID > cursor {
			out = append(out, record)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
