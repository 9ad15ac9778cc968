// Package pipeline implements command intake: schema validation, account and
// risk checks, the close_position rewrite, persistence, and dispatch enqueue.
// Validation failures are returned synchronously with no side effects;
// accepted commands execute asynchronously on the dispatcher.
package pipeline

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/domain/commandstore"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/router"
	"github.com/tradeforge/omsgate/internal/schema"
)

// Queue accepts persisted commands for asynchronous execution. The dispatcher
// provides the production implementation.
type Queue interface {
	Enqueue(ctx context.Context, engine schema.Engine, accountID, commandID int64) error
}

// Request is one incoming command before persistence. UID is optional; absent
// uids are generated so every persisted command is replay-detectable.
type Request struct {
	UID       string             `json:"uid,omitempty"`
	AccountID int64              `json:"accountId"`
	Type      schema.CommandType `json:"type"`
	Payload   json.RawMessage    `json:"payload"`
}

// Pipeline validates, persists, and enqueues commands.
type Pipeline struct {
	accounts     accountstore.Store
	commands     commandstore.Store
	orders       orderstore.Store
	ledger       ledgerstore.Store
	queue        Queue
	closeLockTTL time.Duration
}

// New constructs a Pipeline over the given stores and dispatch queue.
// closeLockTTL bounds how long a crashed close holder can block further
// closes; non-positive values fall back to the default.
func New(accounts accountstore.Store, commands commandstore.Store, orders orderstore.Store, ledger ledgerstore.Store, queue Queue, closeLockTTL time.Duration) *Pipeline {
	if closeLockTTL <= 0 {
		closeLockTTL = 30 * time.Second
	}
	return &Pipeline{
		accounts:     accounts,
		commands:     commands,
		orders:       orders,
		ledger:       ledger,
		queue:        queue,
		closeLockTTL: closeLockTTL,
	}
}

// Submit processes a single command and returns its synchronous result.
func (p *Pipeline) Submit(ctx context.Context, req Request) schema.CommandResult {
	return p.submitOne(ctx, req)
}

// SubmitBatch processes a batch of commands. The response is index-aligned
// with the input and each item fails independently.
func (p *Pipeline) SubmitBatch(ctx context.Context, reqs []Request) []schema.CommandResult {
	results := make([]schema.CommandResult, len(reqs))
	for i, req := range reqs {
		results[i] = p.submitOne(ctx, req)
	}
	return results
}

func (p *Pipeline) submitOne(ctx context.Context, req Request) schema.CommandResult {
	intent, err := p.prepare(ctx, req)
	if err != nil {
		return rejected(err)
	}

	result, err := p.persistAndEnqueue(ctx, intent)
	if err != nil {
		return rejected(err)
	}
	return result
}

// intent is a fully validated command ready for persistence: the checks that
// require no writes all passed, and close locks for close commands are held
// under the command uid.
type intent struct {
	uid     string
	account schema.Account
	engine  schema.Engine
	cmdType schema.CommandType
	payload json.RawMessage

	// order is non-nil for order-bearing commands (send_order and the
	// close_position rewrite) and is created alongside the command.
	order *schema.Order

	// lockedPositions lists close locks taken during preparation, released
	// again if persistence fails. Holder is always the command uid.
	lockedPositions []int64
}

func (p *Pipeline) prepare(ctx context.Context, req Request) (intent, error) {
	if err := req.Type.Validate(); err != nil {
		return intent{}, err
	}
	if req.AccountID <= 0 {
		return intent{}, errs.New("", errs.CodeValidation, errs.WithMessage("account id required"))
	}

	account, err := p.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return intent{}, err
	}
	if !account.Active {
		return intent{}, errs.New("", errs.CodePermission,
			errs.WithMessage("account is deactivated"),
			errs.WithField("account_id", fmt.Sprint(account.ID)))
	}
	engine, err := router.EngineOf(account)
	if err != nil {
		return intent{}, err
	}

	it := intent{
		uid:     req.UID,
		account: account,
		engine:  engine,
		cmdType: req.Type,
		payload: req.Payload,
	}
	if it.uid == "" {
		it.uid = uuid.NewString()
	}

	switch req.Type {
	case schema.CommandSendOrder:
		err = p.prepareSendOrder(&it)
	case schema.CommandCancelOrder:
		err = p.prepareCancelOrder(ctx, &it)
	case schema.CommandChangeOrder:
		err = p.prepareChangeOrder(ctx, &it)
	case schema.CommandClosePosition:
		err = p.prepareClosePosition(ctx, &it)
	case schema.CommandCloseBy:
		err = p.prepareCloseBy(ctx, &it)
	}
	if err != nil {
		p.releaseLocks(ctx, it)
		return intent{}, err
	}
	return it, nil
}

func (p *Pipeline) prepareSendOrder(it *intent) error {
	var payload schema.SendOrderPayload
	if err := decodePayload(it.payload, &payload); err != nil {
		return err
	}
	if err := validateSendOrder(payload); err != nil {
		return err
	}
	if !payload.ReduceOnly && !it.account.AllowNewPositions {
		return errs.New(string(it.engine), errs.CodeRiskBlocked,
			errs.WithMessage("account does not allow new positions"),
			errs.WithField("account_id", fmt.Sprint(it.account.ID)))
	}
	it.order = orderFromPayload(it.account.ID, payload)
	return nil
}

func (p *Pipeline) prepareCancelOrder(ctx context.Context, it *intent) error {
	var payload schema.CancelOrderPayload
	if err := decodePayload(it.payload, &payload); err != nil {
		return err
	}
	if payload.OrderID <= 0 {
		return errs.New("", errs.CodeValidation, errs.WithMessage("order id required"))
	}
	order, err := p.ownedOrder(ctx, it.account.ID, payload.OrderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return errs.New(string(it.engine), errs.CodeConflict,
			errs.WithMessage("order already reached a terminal status"),
			errs.WithField("status", string(order.Status)))
	}
	return nil
}

func (p *Pipeline) prepareChangeOrder(ctx context.Context, it *intent) error {
	var payload schema.ChangeOrderPayload
	if err := decodePayload(it.payload, &payload); err != nil {
		return err
	}
	if payload.OrderID <= 0 {
		return errs.New("", errs.CodeValidation, errs.WithMessage("order id required"))
	}
	if payload.Qty.IsZero() && payload.Price.IsZero() && payload.StopLoss.IsZero() && payload.StopGain.IsZero() {
		return errs.New("", errs.CodeValidation, errs.WithMessage("change_order carries no changes"))
	}
	if payload.Qty.IsNegative() || payload.Price.IsNegative() || payload.StopLoss.IsNegative() || payload.StopGain.IsNegative() {
		return errs.New("", errs.CodeValidation, errs.WithMessage("change_order values must not be negative"))
	}
	order, err := p.ownedOrder(ctx, it.account.ID, payload.OrderID)
	if err != nil {
		return err
	}
	if !order.Status.Mutable() {
		return errs.New(string(it.engine), errs.CodeConflict,
			errs.WithMessage("order is not in a mutable status"),
			errs.WithField("status", string(order.Status)))
	}
	return nil
}

// prepareClosePosition rewrites close_position into a reduce-only send_order
// on the opposite side. The per-position close lock is taken here so a second
// close for the same position is rejected before it is queued.
func (p *Pipeline) prepareClosePosition(ctx context.Context, it *intent) error {
	var payload schema.ClosePositionPayload
	if err := decodePayload(it.payload, &payload); err != nil {
		return err
	}
	if payload.PositionID <= 0 {
		return errs.New("", errs.CodeValidation, errs.WithMessage("position id required"))
	}
	if payload.Qty.IsNegative() {
		return errs.New("", errs.CodeValidation, errs.WithMessage("close quantity must not be negative"))
	}
	position, err := p.openPosition(ctx, it.account.ID, payload.PositionID)
	if err != nil {
		return err
	}
	qty := payload.Qty
	if qty.IsZero() {
		qty = position.Qty
	}
	if qty.GreaterThan(position.Qty) {
		return errs.New("", errs.CodeValidation,
			errs.WithMessage("close quantity exceeds open position quantity"))
	}

	if _, err := p.ledger.AcquireCloseLock(ctx, position.ID, it.uid, p.closeLockTTL); err != nil {
		return err
	}
	it.lockedPositions = append(it.lockedPositions, position.ID)

	rewritten := schema.SendOrderPayload{
		Symbol:     position.Symbol,
		Side:       position.Side.Opposite(),
		Type:       schema.OrderTypeMarket,
		Qty:        qty,
		StrategyID: position.StrategyID,
		ReduceOnly: true,
		PositionID: position.ID,
	}
	it.order = orderFromPayload(it.account.ID, rewritten)
	return nil
}

func (p *Pipeline) prepareCloseBy(ctx context.Context, it *intent) error {
	var payload schema.CloseByPayload
	if err := decodePayload(it.payload, &payload); err != nil {
		return err
	}
	if payload.PositionID <= 0 || payload.ByPositionID <= 0 {
		return errs.New("", errs.CodeValidation, errs.WithMessage("both position ids required"))
	}
	if payload.PositionID == payload.ByPositionID {
		return errs.New("", errs.CodeValidation, errs.WithMessage("close_by requires two distinct positions"))
	}
	first, err := p.openPosition(ctx, it.account.ID, payload.PositionID)
	if err != nil {
		return err
	}
	second, err := p.openPosition(ctx, it.account.ID, payload.ByPositionID)
	if err != nil {
		return err
	}
	if first.Symbol != second.Symbol {
		return errs.New("", errs.CodeValidation, errs.WithMessage("close_by positions must share a symbol"))
	}
	if first.Side == second.Side {
		return errs.New("", errs.CodeValidation, errs.WithMessage("close_by positions must hold opposite sides"))
	}

	// Lock in ascending id order so two concurrent close_by commands over
	// the same pair cannot deadlock.
	ids := []int64{first.ID, second.ID}
	if ids[0] > ids[1] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	for _, id := range ids {
		if _, err := p.ledger.AcquireCloseLock(ctx, id, it.uid, p.closeLockTTL); err != nil {
			return err
		}
		it.lockedPositions = append(it.lockedPositions, id)
	}
	return nil
}

func (p *Pipeline) persistAndEnqueue(ctx context.Context, it intent) (schema.CommandResult, error) {
	cmd, err := p.commands.Insert(ctx, schema.Command{
		UID:       it.uid,
		AccountID: it.account.ID,
		Type:      it.cmdType,
		Payload:   it.payload,
		Status:    schema.CommandQueued,
	})
	if err != nil {
		p.releaseLocks(ctx, it)
		return schema.CommandResult{}, err
	}

	// A uid replay returns the previously stored command untouched. Report
	// its current state instead of re-running side effects.
	if cmd.Status != schema.CommandQueued || cmd.OrderID != 0 {
		p.releaseLocks(ctx, it)
		return resultFromCommand(cmd), nil
	}

	if it.order != nil {
		order, err := p.orders.Create(ctx, *it.order)
		if err != nil {
			p.releaseLocks(ctx, it)
			return schema.CommandResult{}, err
		}
		cmd.OrderID = order.ID
		if err := p.commands.UpdateStatus(ctx, commandstore.StatusUpdate{
			ID:      cmd.ID,
			Status:  schema.CommandQueued,
			OrderID: order.ID,
		}); err != nil {
			p.releaseLocks(ctx, it)
			return schema.CommandResult{}, err
		}
	}

	if err := p.queue.Enqueue(ctx, it.engine, it.account.ID, cmd.ID); err != nil {
		p.releaseLocks(ctx, it)
		failure := commandstore.StatusUpdate{
			ID:        cmd.ID,
			Status:    schema.CommandFailed,
			ErrorCode: string(errs.CodeOf(err)),
			Error:     err.Error(),
		}
		if updateErr := p.commands.UpdateStatus(ctx, failure); updateErr != nil {
			observability.Log().Error("pipeline: mark enqueue failure",
				observability.Field{Key: "command_id", Value: cmd.ID},
				observability.Field{Key: "error", Value: updateErr.Error()})
		}
		return schema.CommandResult{}, err
	}

	observability.Log().Debug("pipeline: command accepted",
		observability.Field{Key: "command_id", Value: cmd.ID},
		observability.Field{Key: "account_id", Value: it.account.ID},
		observability.Field{Key: "type", Value: string(it.cmdType)})

	return schema.CommandResult{
		CommandID: cmd.ID,
		OrderID:   cmd.OrderID,
		Accepted:  true,
	}, nil
}

func (p *Pipeline) releaseLocks(ctx context.Context, it intent) {
	for _, id := range it.lockedPositions {
		if err := p.ledger.ReleaseCloseLock(ctx, id, it.uid); err != nil {
			observability.Log().Error("pipeline: release close lock",
				observability.Field{Key: "position_id", Value: id},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (p *Pipeline) ownedOrder(ctx context.Context, accountID, orderID int64) (schema.Order, error) {
	order, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if order.AccountID != accountID {
		return schema.Order{}, errs.New("", errs.CodePermission,
			errs.WithMessage("order belongs to another account"))
	}
	return order, nil
}

func (p *Pipeline) openPosition(ctx context.Context, accountID, positionID int64) (schema.Position, error) {
	position, err := p.ledger.GetPosition(ctx, positionID)
	if err != nil {
		return schema.Position{}, err
	}
	if position.AccountID != accountID {
		return schema.Position{}, errs.New("", errs.CodePermission,
			errs.WithMessage("position belongs to another account"))
	}
	if position.State != schema.PositionOpen {
		return schema.Position{}, errs.New("", errs.CodeConflict,
			errs.WithMessage("position is not open"),
			errs.WithField("position_id", fmt.Sprint(position.ID)))
	}
	return position, nil
}

func validateSendOrder(payload schema.SendOrderPayload) error {
	if payload.Symbol == "" {
		return errs.New("", errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	if err := payload.Side.Validate(); err != nil {
		return err
	}
	if err := payload.Type.Validate(); err != nil {
		return err
	}
	if !payload.Qty.IsPositive() {
		return errs.New("", errs.CodeValidation, errs.WithMessage("quantity must be positive"))
	}
	if payload.Type == schema.OrderTypeLimit && !payload.Price.IsPositive() {
		return errs.New("", errs.CodeValidation, errs.WithMessage("limit orders require a positive price"))
	}
	if payload.Price.IsNegative() || payload.StopLoss.IsNegative() || payload.StopGain.IsNegative() {
		return errs.New("", errs.CodeValidation, errs.WithMessage("prices must not be negative"))
	}
	if payload.StrategyID < 0 {
		return errs.New("", errs.CodeValidation, errs.WithMessage("strategy id must not be negative"))
	}
	return nil
}

func orderFromPayload(accountID int64, payload schema.SendOrderPayload) *schema.Order {
	return &schema.Order{
		AccountID:     accountID,
		Symbol:        payload.Symbol,
		Side:          payload.Side,
		Type:          payload.Type,
		Qty:           payload.Qty,
		Price:         payload.Price,
		StopLoss:      payload.StopLoss,
		StopGain:      payload.StopGain,
		Status:        schema.OrderPendingSubmit,
		StrategyID:    payload.StrategyID,
		PositionID:    payload.PositionID,
		Reason:        schema.ReasonAPI,
		Reconciled:    true,
		ClientOrderID: uuid.NewString(),
		Comment:       payload.Comment,
	}
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errs.New("", errs.CodeValidation, errs.WithMessage("command payload required"))
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.New("", errs.CodeValidation,
			errs.WithMessage("malformed command payload"),
			errs.WithCause(err))
	}
	return nil
}

func rejected(err error) schema.CommandResult {
	return schema.CommandResult{
		Accepted:  false,
		ErrorCode: string(errs.CodeOf(err)),
		Error:     err.Error(),
	}
}

func resultFromCommand(cmd schema.Command) schema.CommandResult {
	return schema.CommandResult{
		CommandID: cmd.ID,
		OrderID:   cmd.OrderID,
		Accepted:  cmd.Status != schema.CommandFailed,
		ErrorCode: cmd.ErrorCode,
		Error:     cmd.Error,
	}
}
