// Package projector folds the append-only deal stream into order and position
// state. Every function here is pure: no storage, no clock, no goroutines.
// Callers persist the returned projections transactionally.
package projector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/schema"
)

// Allocator reserves a fresh position id. Reversals and first fills need the
// id before the enclosing transaction commits.
type Allocator func() (int64, error)

// Result captures the outcome of folding one deal: the deal with its position
// linkage assigned, and every position the fold touched in final state.
type Result struct {
	Deal      schema.Deal
	Positions []schema.Position
}

// key identifies the position bucket a deal folds into. Netting mode ignores
// the strategy dimension.
type key struct {
	symbol     string
	strategyID int64
}

func keyFor(mode schema.PositionMode, symbol string, strategyID int64) key {
	if mode == schema.PositionModeNetting {
		return key{symbol: symbol}
	}
	return key{symbol: symbol, strategyID: strategyID}
}

// Apply folds deal into the open-position set for its account under the given
// accounting mode. open must contain only open positions for the deal's
// account; positions for other symbols are ignored.
func Apply(mode schema.PositionMode, open []schema.Position, deal schema.Deal, allocate Allocator, now time.Time) (Result, error) {
	if err := mode.Validate(); err != nil {
		return Result{}, err
	}
	if deal.Qty.Sign() <= 0 {
		return Result{}, errs.New("", errs.CodeValidation, errs.WithMessage("deal qty must be positive"))
	}

	target := keyFor(mode, deal.Symbol, deal.StrategyID)
	var current *schema.Position
	for i := range open {
		if open[i].State != schema.PositionOpen {
			continue
		}
		if keyFor(mode, open[i].Symbol, open[i].StrategyID) == target {
			current = &open[i]
			break
		}
	}

	if current == nil {
		opened, err := openPosition(deal, allocate, now)
		if err != nil {
			return Result{}, err
		}
		deal.PositionID = opened.ID
		return Result{Deal: deal, Positions: []schema.Position{opened}}, nil
	}

	if current.Side == deal.Side {
		increased := increase(*current, deal, now)
		deal.PositionID = increased.ID
		return Result{Deal: deal, Positions: []schema.Position{increased}}, nil
	}

	return reduce(mode, *current, deal, allocate, now)
}

// ApplyToPosition folds deal directly into one designated position,
// bypassing key lookup. Reconciliation uses this to keep every unmatched
// external order on its own dedicated position, never merged with others.
func ApplyToPosition(current schema.Position, deal schema.Deal, allocate Allocator, now time.Time) (Result, error) {
	if deal.Qty.Sign() <= 0 {
		return Result{}, errs.New("", errs.CodeValidation, errs.WithMessage("deal qty must be positive"))
	}
	if current.State != schema.PositionOpen {
		return Result{}, errs.New("", errs.CodeConflict, errs.WithMessage("target position is closed"))
	}
	if current.Side == deal.Side {
		increased := increase(current, deal, now)
		deal.PositionID = increased.ID
		return Result{Deal: deal, Positions: []schema.Position{increased}}, nil
	}
	// Dedicated positions reduce like hedge buckets: the key never flips.
	return reduce(schema.PositionModeHedge, current, deal, allocate, now)
}

// Open creates the dedicated position for an unmatched external deal.
func Open(deal schema.Deal, allocate Allocator, now time.Time) (Result, error) {
	opened, err := openPosition(deal, allocate, now)
	if err != nil {
		return Result{}, err
	}
	deal.PositionID = opened.ID
	return Result{Deal: deal, Positions: []schema.Position{opened}}, nil
}

func openPosition(deal schema.Deal, allocate Allocator, now time.Time) (schema.Position, error) {
	if allocate == nil {
		return schema.Position{}, errs.New("", errs.CodeInternal, errs.WithMessage("position allocator required"))
	}
	id, err := allocate()
	if err != nil {
		return schema.Position{}, err
	}
	return schema.Position{
		ID:         id,
		AccountID:  deal.AccountID,
		Symbol:     deal.Symbol,
		StrategyID: deal.StrategyID,
		Side:       deal.Side,
		Qty:        deal.Qty,
		AvgPrice:   deal.Price,
		State:      schema.PositionOpen,
		Reason:     deal.Reason,
		Reconciled: deal.Reconciled,
		OpenedAt:   deal.ExecutedAt,
		UpdatedAt:  now,
	}, nil
}

func increase(current schema.Position, deal schema.Deal, now time.Time) schema.Position {
	total := current.Qty.Add(deal.Qty)
	// Weighted-average entry price across the combined quantity.
	notional := current.AvgPrice.Mul(current.Qty).Add(deal.Price.Mul(deal.Qty))
	current.AvgPrice = notional.Div(total)
	current.Qty = total
	current.UpdatedAt = now
	return current
}

func reduce(mode schema.PositionMode, current schema.Position, deal schema.Deal, allocate Allocator, now time.Time) (Result, error) {
	closedQty := decimal.Min(current.Qty, deal.Qty)
	remainder := deal.Qty.Sub(current.Qty)

	deal.PNL = realizedPNL(current.Side, current.AvgPrice, deal.Price, closedQty)
	deal.PositionID = current.ID

	current.Qty = current.Qty.Sub(closedQty)
	current.UpdatedAt = now

	if current.Qty.Sign() > 0 {
		return Result{Deal: deal, Positions: []schema.Position{current}}, nil
	}

	closedAt := deal.ExecutedAt
	current.State = schema.PositionClosed
	current.ClosedAt = &closedAt

	if remainder.Sign() <= 0 {
		return Result{Deal: deal, Positions: []schema.Position{current}}, nil
	}

	// The opposite quantity exceeded the open quantity: the old position
	// closes and the remainder opens a fresh position id in the same
	// projection step. Netting reverses the side; a hedge bucket never
	// flips, so the remainder opens on the deal's side under its own id
	// either way.
	reversedDeal := deal
	reversedDeal.Qty = remainder
	reversed, err := openPosition(reversedDeal, allocate, now)
	if err != nil {
		return Result{}, err
	}
	if mode == schema.PositionModeNetting {
		reversed.StrategyID = current.StrategyID
	}
	return Result{Deal: deal, Positions: []schema.Position{current, reversed}}, nil
}

func realizedPNL(positionSide schema.Side, avgPrice, dealPrice, qty decimal.Decimal) decimal.Decimal {
	diff := dealPrice.Sub(avgPrice)
	if positionSide == schema.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// CloseByDeals produces the two compensating internal deals that net two
// opposite-side positions on the same symbol by the matched quantity. No
// exchange order is involved; callers persist both projections atomically.
func CloseByDeals(first, second schema.Position, now time.Time) (schema.Deal, schema.Deal, error) {
	if first.Symbol != second.Symbol || first.AccountID != second.AccountID {
		return schema.Deal{}, schema.Deal{}, errs.New("", errs.CodeValidation,
			errs.WithMessage("close_by requires two positions on the same account and symbol"))
	}
	if first.Side == second.Side {
		return schema.Deal{}, schema.Deal{}, errs.New("", errs.CodeValidation,
			errs.WithMessage("close_by requires opposite-side positions"))
	}
	if first.State != schema.PositionOpen || second.State != schema.PositionOpen {
		return schema.Deal{}, schema.Deal{}, errs.New("", errs.CodeConflict,
			errs.WithMessage("close_by requires both positions open"))
	}

	matched := decimal.Min(first.Qty, second.Qty)
	mkDeal := func(pos schema.Position, counterpart schema.Position, leg string) schema.Deal {
		return schema.Deal{
			AccountID:       pos.AccountID,
			PositionID:      pos.ID,
			Symbol:          pos.Symbol,
			Side:            pos.Side.Opposite(),
			Qty:             matched,
			Price:           counterpart.AvgPrice,
			PNL:             realizedPNL(pos.Side, pos.AvgPrice, counterpart.AvgPrice, matched),
			StrategyID:      pos.StrategyID,
			Reason:          schema.ReasonAPI,
			ExchangeTradeID: closeByTradeID(pos.ID, counterpart.ID, leg),
			ExecutedAt:      now,
		}
	}
	return mkDeal(first, second, "a"), mkDeal(second, first, "b"), nil
}

func closeByTradeID(positionID, counterpartID int64, leg string) string {
	return "closeby:" + itoa(positionID) + ":" + itoa(counterpartID) + ":" + leg
}

func itoa(v int64) string {
	return decimal.NewFromInt(v).String()
}

// Rebuild replays the full chronological deal history into a fresh position
// set. Deals are sorted by (executed_at, id); a position keeps the id carried
// on its opening deal when available so a replay is stable, otherwise the
// allocator supplies one.
func Rebuild(mode schema.PositionMode, deals []schema.Deal, allocate Allocator, now time.Time) ([]schema.Position, error) {
	sorted := make([]schema.Deal, len(deals))
	copy(sorted, deals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ExecutedAt.Equal(sorted[j].ExecutedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].ExecutedAt.Before(sorted[j].ExecutedAt)
	})

	used := make(map[int64]bool)
	var all []schema.Position
	var open []schema.Position

	alloc := func(deal schema.Deal) Allocator {
		return func() (int64, error) {
			if deal.PositionID > 0 && !used[deal.PositionID] {
				used[deal.PositionID] = true
				return deal.PositionID, nil
			}
			if allocate == nil {
				return 0, errs.New("", errs.CodeInternal, errs.WithMessage("position allocator required"))
			}
			id, err := allocate()
			if err != nil {
				return 0, err
			}
			used[id] = true
			return id, nil
		}
	}

	for _, deal := range sorted {
		result, err := Apply(mode, open, deal, alloc(deal), now)
		if err != nil {
			return nil, err
		}
		for _, pos := range result.Positions {
			all = upsertPosition(all, pos)
		}
		open = open[:0]
		for _, pos := range all {
			if pos.State == schema.PositionOpen {
				open = append(open, pos)
			}
		}
	}
	return all, nil
}

func upsertPosition(list []schema.Position, pos schema.Position) []schema.Position {
	for i := range list {
		if list[i].ID == pos.ID {
			list[i] = pos
			return list
		}
	}
	return append(list, pos)
}
