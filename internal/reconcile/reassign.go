package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/projector"
	"github.com/tradeforge/omsgate/internal/router"
	"github.com/tradeforge/omsgate/internal/schema"
)

// ReassignRequest binds an unassigned order to a strategy and optionally a
// target position. TargetPositionID zero lets the rebuild place the deals.
type ReassignRequest struct {
	AccountID        int64 `json:"accountId"`
	OrderID          int64 `json:"orderId"`
	StrategyID       int64 `json:"strategyId"`
	TargetPositionID int64 `json:"targetPositionId,omitempty"`
}

// ReassignResult reports what the reassign touched.
type ReassignResult struct {
	Order         schema.Order      `json:"order"`
	DealsRelinked int               `json:"dealsRelinked"`
	Positions     []schema.Position `json:"positions"`
}

// Reassign corrects the attribution of an order and everything derived from
// it: the order metadata, every deal sharing its raw trade linkage, and the
// rebuilt position set for the account+symbol, applied as one transaction.
// An order that already carries an assignment is refused with a conflict;
// there is no silent overwrite.
func (r *Reconciler) Reassign(ctx context.Context, req ReassignRequest) (ReassignResult, error) {
	account, err := r.deps.Accounts.Get(ctx, req.AccountID)
	if err != nil {
		return ReassignResult{}, err
	}
	if !account.Active {
		return ReassignResult{}, errs.New("", errs.CodePermission,
			errs.WithMessage("account is deactivated"))
	}
	engine, err := router.EngineOf(account)
	if err != nil {
		return ReassignResult{}, err
	}
	if req.StrategyID <= 0 {
		return ReassignResult{}, errs.New("", errs.CodeValidation,
			errs.WithMessage("strategy id must be positive"))
	}

	order, err := r.deps.Orders.Get(ctx, req.OrderID)
	if err != nil {
		return ReassignResult{}, err
	}
	if order.AccountID != req.AccountID {
		return ReassignResult{}, errs.New("", errs.CodeValidation,
			errs.WithMessage("order does not belong to the account"))
	}
	if order.Reconciled || order.StrategyID != 0 {
		return ReassignResult{}, errs.New("", errs.CodeConflict,
			errs.WithMessage("order is already assigned"),
			errs.WithField("strategy_id", strconv.FormatInt(order.StrategyID, 10)))
	}
	if req.TargetPositionID > 0 {
		position, err := r.deps.Ledger.GetPosition(ctx, req.TargetPositionID)
		if err != nil {
			return ReassignResult{}, err
		}
		if position.AccountID != req.AccountID || position.Symbol != order.Symbol {
			return ReassignResult{}, errs.New("", errs.CodeValidation,
				errs.WithMessage("target position does not match the order's account and symbol"))
		}
		if position.State == schema.PositionOpen && position.Side != order.Side {
			return ReassignResult{}, errs.New("", errs.CodeValidation,
				errs.WithMessage("target position side is incompatible with the order"))
		}
	}

	unlock := r.lockAccount(engine, account.ID)
	defer unlock()

	linked, err := r.deps.Ledger.FindDealsByTradeLinkage(ctx, account.ID, order.ID)
	if err != nil {
		return ReassignResult{}, fmt.Errorf("reconcile: find linked deals: %w", err)
	}

	relinks := make([]ledgerstore.DealRelink, 0, len(linked))
	relinked := make(map[int64]bool, len(linked))
	for _, deal := range linked {
		orderID := order.ID
		positionID := deal.PositionID
		if req.TargetPositionID > 0 {
			positionID = req.TargetPositionID
		}
		relinks = append(relinks, ledgerstore.DealRelink{
			DealID:     deal.ID,
			OrderID:    &orderID,
			StrategyID: req.StrategyID,
			PositionID: positionID,
		})
		relinked[deal.ID] = true
	}

	history, err := r.deps.Ledger.ListDealsChronological(ctx, account.ID, order.Symbol)
	if err != nil {
		return ReassignResult{}, fmt.Errorf("reconcile: list deal history: %w", err)
	}
	for i := range history {
		if !relinked[history[i].ID] {
			continue
		}
		history[i].StrategyID = req.StrategyID
		history[i].Reconciled = true
		if req.TargetPositionID > 0 {
			history[i].PositionID = req.TargetPositionID
		}
	}

	now := time.Now().UTC()
	rebuilt, err := projector.Rebuild(account.PositionMode, history, r.allocator(ctx), now)
	if err != nil {
		return ReassignResult{}, fmt.Errorf("reconcile: rebuild positions: %w", err)
	}

	strategyID := req.StrategyID
	reconciled := true
	patch := ledgerstore.OrderPatch{
		OrderID:    order.ID,
		StrategyID: &strategyID,
		Reconciled: &reconciled,
	}
	if req.TargetPositionID > 0 {
		targetID := req.TargetPositionID
		patch.PositionID = &targetID
	}

	err = r.deps.Ledger.ApplyReassign(ctx, ledgerstore.Reassign{
		OrderPatch:       patch,
		Relinks:          relinks,
		AccountID:        account.ID,
		Symbol:           order.Symbol,
		RebuiltPositions: rebuilt,
	})
	if err != nil {
		return ReassignResult{}, fmt.Errorf("reconcile: apply reassign: %w", err)
	}

	after, err := r.deps.Orders.Get(ctx, order.ID)
	if err != nil {
		after = order
	}
	r.publishTelemetry(ctx, observability.TelemetryEvent{
		Type:      observability.TelemetryEventReassignApplied,
		Severity:  observability.TelemetrySeverityInfo,
		AccountID: account.ID,
		Metadata: map[string]any{
			"order_id":    order.ID,
			"strategy_id": req.StrategyID,
			"symbol":      order.Symbol,
			"deals":       len(relinks),
		},
	})
	r.audit(ctx, account.ID, "recon.reassign_applied", order, after)
	if r.deps.Events != nil {
		r.deps.Events.OrderUpserted(ctx, after)
		r.deps.Events.PositionsUpserted(ctx, rebuilt)
	}

	return ReassignResult{Order: after, DealsRelinked: len(relinks), Positions: rebuilt}, nil
}
