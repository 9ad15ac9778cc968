package projector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func allocator(start int64) Allocator {
	next := start
	return func() (int64, error) {
		next++
		return next - 1, nil
	}
}

func buyDeal(qty, price string, at time.Time) schema.Deal {
	return schema.Deal{
		AccountID:       1,
		Symbol:          "BTC/USDT",
		Side:            schema.SideBuy,
		Qty:             dec(qty),
		Price:           dec(price),
		StrategyID:      1,
		Reason:          schema.ReasonAPI,
		ExchangeTradeID: "t-" + qty + "-" + price + "-" + at.Format(time.RFC3339Nano),
		ExecutedAt:      at,
	}
}

func sellDeal(qty, price string, at time.Time) schema.Deal {
	d := buyDeal(qty, price, at)
	d.Side = schema.SideSell
	return d
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestHedgeOpenIncreaseCloseLifecycle(t *testing.T) {
	alloc := allocator(100)

	// First fill opens qty=1 avg=100.
	res, err := Apply(schema.PositionModeHedge, nil, buyDeal("1", "100", t0), alloc, t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(res.Positions))
	}
	pos := res.Positions[0]
	if pos.State != schema.PositionOpen || !pos.Qty.Equal(dec("1")) || !pos.AvgPrice.Equal(dec("100")) {
		t.Fatalf("unexpected opened position %+v", pos)
	}
	if res.Deal.PositionID != pos.ID {
		t.Fatalf("deal must link the opened position")
	}

	// Matching sell of the full quantity closes it, same key, no reopen.
	res, err = Apply(schema.PositionModeHedge, []schema.Position{pos}, sellDeal("1", "110", t0.Add(time.Minute)), alloc, t0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("hedge close must touch exactly one position, got %d", len(res.Positions))
	}
	closed := res.Positions[0]
	if closed.ID != pos.ID || closed.State != schema.PositionClosed || closed.Qty.Sign() != 0 {
		t.Fatalf("unexpected closed position %+v", closed)
	}
	if !res.Deal.PNL.Equal(dec("10")) {
		t.Fatalf("expected realized pnl 10, got %s", res.Deal.PNL)
	}
}

func TestHedgeIncreaseUpdatesWeightedAverage(t *testing.T) {
	alloc := allocator(100)
	res, _ := Apply(schema.PositionModeHedge, nil, buyDeal("1", "100", t0), alloc, t0)
	pos := res.Positions[0]

	res, err := Apply(schema.PositionModeHedge, []schema.Position{pos}, buyDeal("3", "120", t0.Add(time.Second)), alloc, t0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	got := res.Positions[0]
	if got.ID != pos.ID {
		t.Fatalf("increase must keep the position id")
	}
	if !got.Qty.Equal(dec("4")) || !got.AvgPrice.Equal(dec("115")) {
		t.Fatalf("expected qty=4 avg=115, got qty=%s avg=%s", got.Qty, got.AvgPrice)
	}
}

func TestHedgeStrategyKeysAreIndependent(t *testing.T) {
	alloc := allocator(100)
	res, _ := Apply(schema.PositionModeHedge, nil, buyDeal("1", "100", t0), alloc, t0)
	pos := res.Positions[0]

	other := sellDeal("1", "105", t0.Add(time.Second))
	other.StrategyID = 2
	res, err := Apply(schema.PositionModeHedge, []schema.Position{pos}, other, alloc, t0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	opened := res.Positions[0]
	if opened.ID == pos.ID {
		t.Fatalf("different strategy must open a separate position")
	}
	if opened.Side != schema.SideSell {
		t.Fatalf("hedge mode allows opposite exposure per strategy, got %s", opened.Side)
	}
}

func TestNettingReversalClosesAndReopens(t *testing.T) {
	alloc := allocator(100)
	res, _ := Apply(schema.PositionModeNetting, nil, buyDeal("1", "100", t0), alloc, t0)
	long := res.Positions[0]

	// Opposite 1.5 exceeds open 1: old closes, new short 0.5 opens, one step.
	res, err := Apply(schema.PositionModeNetting, []schema.Position{long}, sellDeal("1.5", "90", t0.Add(time.Minute)), alloc, t0)
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if len(res.Positions) != 2 {
		t.Fatalf("reversal must yield exactly two positions, got %d", len(res.Positions))
	}
	closed, opened := res.Positions[0], res.Positions[1]
	if closed.ID != long.ID || closed.State != schema.PositionClosed {
		t.Fatalf("old position must close: %+v", closed)
	}
	if opened.ID == long.ID {
		t.Fatalf("reversal must allocate a new position id")
	}
	if opened.Side != schema.SideSell || !opened.Qty.Equal(dec("0.5")) {
		t.Fatalf("expected short 0.5 remainder, got side=%s qty=%s", opened.Side, opened.Qty)
	}
	// Combined quantity conserved: 1 closed + 0.5 reopened = 1.5 dealt.
	if !closed.Qty.Add(opened.Qty).Equal(dec("0.5")) {
		t.Fatalf("closed position must carry zero qty, remainder 0.5")
	}
	if !res.Deal.PNL.Equal(dec("-10")) {
		t.Fatalf("expected realized pnl -10 on the closed leg, got %s", res.Deal.PNL)
	}
}

func TestNettingMergesAcrossStrategies(t *testing.T) {
	alloc := allocator(100)
	res, _ := Apply(schema.PositionModeNetting, nil, buyDeal("1", "100", t0), alloc, t0)
	pos := res.Positions[0]

	other := buyDeal("1", "102", t0.Add(time.Second))
	other.StrategyID = 9
	res, err := Apply(schema.PositionModeNetting, []schema.Position{pos}, other, alloc, t0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Positions) != 1 || res.Positions[0].ID != pos.ID {
		t.Fatalf("netting keys by symbol only; expected merge into %d", pos.ID)
	}
	if !res.Positions[0].Qty.Equal(dec("2")) {
		t.Fatalf("expected merged qty 2, got %s", res.Positions[0].Qty)
	}
}

func TestApplyToPositionKeepsDedicatedBucket(t *testing.T) {
	alloc := allocator(500)
	external := buyDeal("2", "100", t0)
	external.Reason = schema.ReasonExternal
	external.Reconciled = false
	external.StrategyID = 0

	res, err := Open(external, alloc, t0)
	if err != nil {
		t.Fatalf("open dedicated: %v", err)
	}
	dedicated := res.Positions[0]
	if dedicated.Reason != schema.ReasonExternal || dedicated.Reconciled {
		t.Fatalf("dedicated position must inherit external provenance: %+v", dedicated)
	}

	more := buyDeal("1", "101", t0.Add(time.Second))
	more.Reason = schema.ReasonExternal
	res, err = ApplyToPosition(dedicated, more, alloc, t0)
	if err != nil {
		t.Fatalf("apply to dedicated: %v", err)
	}
	if res.Positions[0].ID != dedicated.ID || !res.Positions[0].Qty.Equal(dec("3")) {
		t.Fatalf("follow-up fills must stay on the dedicated position")
	}
}

func TestCloseByProducesCompensatingDeals(t *testing.T) {
	long := schema.Position{
		ID: 1, AccountID: 1, Symbol: "BTC/USDT", StrategyID: 1,
		Side: schema.SideBuy, Qty: dec("2"), AvgPrice: dec("100"), State: schema.PositionOpen,
	}
	short := schema.Position{
		ID: 2, AccountID: 1, Symbol: "BTC/USDT", StrategyID: 2,
		Side: schema.SideSell, Qty: dec("1"), AvgPrice: dec("110"), State: schema.PositionOpen,
	}

	first, second, err := CloseByDeals(long, short, t0)
	if err != nil {
		t.Fatalf("close by: %v", err)
	}
	if !first.Qty.Equal(dec("1")) || !second.Qty.Equal(dec("1")) {
		t.Fatalf("matched quantity must be min(2,1)=1")
	}
	if first.Side != schema.SideSell || second.Side != schema.SideBuy {
		t.Fatalf("compensating deals must oppose their positions")
	}
	if first.ExchangeTradeID == second.ExchangeTradeID {
		t.Fatalf("legs must carry distinct synthetic trade ids")
	}
	// Long leg realizes (110-100)*1; short leg (110-100)*1.
	if !first.PNL.Equal(dec("10")) || !second.PNL.Equal(dec("10")) {
		t.Fatalf("unexpected pnl: %s / %s", first.PNL, second.PNL)
	}
}

func TestCloseByRejectsSameSide(t *testing.T) {
	a := schema.Position{ID: 1, AccountID: 1, Symbol: "BTC/USDT", Side: schema.SideBuy, Qty: dec("1"), AvgPrice: dec("100"), State: schema.PositionOpen}
	b := schema.Position{ID: 2, AccountID: 1, Symbol: "BTC/USDT", Side: schema.SideBuy, Qty: dec("1"), AvgPrice: dec("100"), State: schema.PositionOpen}
	if _, _, err := CloseByDeals(a, b, t0); err == nil {
		t.Fatalf("expected same-side close_by to fail")
	}
}

func TestRebuildReplaysDeterministically(t *testing.T) {
	deals := []schema.Deal{
		func() schema.Deal { d := buyDeal("1", "100", t0); d.ID = 1; d.PositionID = 10; return d }(),
		func() schema.Deal { d := buyDeal("1", "110", t0.Add(time.Minute)); d.ID = 2; d.PositionID = 10; return d }(),
		func() schema.Deal { d := sellDeal("2", "120", t0.Add(2 * time.Minute)); d.ID = 3; d.PositionID = 10; return d }(),
		func() schema.Deal { d := buyDeal("3", "130", t0.Add(3 * time.Minute)); d.ID = 4; d.PositionID = 11; return d }(),
	}

	// Shuffle the input: rebuild must sort by (executed_at, id) itself.
	shuffled := []schema.Deal{deals[2], deals[0], deals[3], deals[1]}

	positions, err := Rebuild(schema.PositionModeHedge, shuffled, allocator(900), t0)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected two positions, got %d: %+v", len(positions), positions)
	}
	first, second := positions[0], positions[1]
	if first.ID != 10 || first.State != schema.PositionClosed {
		t.Fatalf("first position must replay onto id 10 and close: %+v", first)
	}
	if second.ID != 11 || second.State != schema.PositionOpen || !second.Qty.Equal(dec("3")) {
		t.Fatalf("second position must replay onto id 11 open qty 3: %+v", second)
	}
}

func TestRebuildAssignsStrategyFromDeals(t *testing.T) {
	// After a reassign relinks deals to strategy 7, the rebuilt positions
	// must reflect it.
	d1 := buyDeal("1", "100", t0)
	d1.ID, d1.PositionID, d1.StrategyID = 1, 20, 7
	d2 := sellDeal("1", "105", t0.Add(time.Minute))
	d2.ID, d2.PositionID, d2.StrategyID = 2, 20, 7

	positions, err := Rebuild(schema.PositionModeHedge, []schema.Deal{d1, d2}, allocator(900), t0)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(positions) != 1 || positions[0].StrategyID != 7 {
		t.Fatalf("rebuilt position must carry strategy 7: %+v", positions)
	}
	if positions[0].State != schema.PositionClosed {
		t.Fatalf("fully netted history must close the position")
	}
}
