package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/schema"
)

// LedgerStore persists deals, positions, and close locks. The multi-entity
// writes of a projection, close_by, or reassign each run in one transaction.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore constructs a LedgerStore backed by the provided pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const (
	dealInsertSQL = `
INSERT INTO oms_deals (
    account_id,
    order_id,
    position_id,
    symbol,
    side,
    qty,
    price,
    fee,
    pnl,
    strategy_id,
    reason,
    reconciled,
    exchange_trade_id,
    executed_at
)
VALUES (
    @account_id,
    @order_id,
    @position_id,
    @symbol,
    @side,
    @qty,
    @price,
    @fee,
    @pnl,
    @strategy_id,
    @reason,
    @reconciled,
    @exchange_trade_id,
    @executed_at
)
ON CONFLICT (account_id, exchange_trade_id) DO NOTHING
RETURNING id, created_at;
`

	dealSelectBase = `
SELECT
    id,
    account_id,
    order_id,
    position_id,
    symbol,
    side,
    qty::text,
    price::text,
    fee::text,
    pnl::text,
    strategy_id,
    reason,
    reconciled,
    exchange_trade_id,
    executed_at,
    created_at
FROM oms_deals
`

	dealRelinkSQL = `
UPDATE oms_deals
SET order_id = @order_id,
    strategy_id = @strategy_id,
    position_id = @position_id
WHERE id = @id;
`

	dealLinkageSQL = dealSelectBase + `
WHERE account_id = @account_id
  AND (order_id = @order_id
       OR exchange_trade_id IN (
           SELECT t.exchange_trade_id
           FROM ccxt_trades_raw t
           JOIN oms_orders o
             ON o.account_id = t.account_id
            AND o.exchange_order_id = t.exchange_order_id
           WHERE o.id = @order_id
             AND t.account_id = @account_id
             AND t.exchange_order_id <> ''))
ORDER BY executed_at, id;
`

	positionUpsertSQL = `
INSERT INTO oms_positions (
    id,
    account_id,
    symbol,
    strategy_id,
    side,
    qty,
    avg_price,
    stop_loss,
    stop_gain,
    state,
    reason,
    reconciled,
    comment,
    opened_at,
    closed_at,
    updated_at
)
VALUES (
    @id,
    @account_id,
    @symbol,
    @strategy_id,
    @side,
    @qty,
    @avg_price,
    @stop_loss,
    @stop_gain,
    @state,
    @reason,
    @reconciled,
    @comment,
    @opened_at,
    @closed_at,
    NOW()
)
ON CONFLICT (id) DO UPDATE SET
    side = EXCLUDED.side,
    qty = EXCLUDED.qty,
    avg_price = EXCLUDED.avg_price,
    stop_loss = EXCLUDED.stop_loss,
    stop_gain = EXCLUDED.stop_gain,
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    reconciled = EXCLUDED.reconciled,
    comment = EXCLUDED.comment,
    closed_at = EXCLUDED.closed_at,
    updated_at = NOW();
`

	positionSelectBase = `
SELECT
    id,
    account_id,
    symbol,
    strategy_id,
    side,
    qty::text,
    avg_price::text,
    stop_loss::text,
    stop_gain::text,
    state,
    reason,
    reconciled,
    comment,
    opened_at,
    closed_at,
    updated_at
FROM oms_positions
`

	orderPatchSQL = `
UPDATE oms_orders
SET status = COALESCE(@status, status),
    filled_qty = COALESCE(@filled_qty::numeric, filled_qty),
    avg_fill_price = COALESCE(@avg_fill_price::numeric, avg_fill_price),
    position_id = COALESCE(@position_id::bigint, position_id),
    strategy_id = COALESCE(@strategy_id::bigint, strategy_id),
    reconciled = COALESCE(@reconciled::boolean, reconciled),
    updated_at = NOW()
WHERE id = @id;
`

	closeStalePositionsSQL = `
UPDATE oms_positions
SET state = 'closed',
    closed_at = COALESCE(closed_at, NOW()),
    updated_at = NOW()
WHERE account_id = @account_id
  AND symbol = @symbol
  AND state = 'open'
  AND id <> ALL(@keep_ids);
`

	closeLockAcquireSQL = `
INSERT INTO oms_close_locks (position_id, holder, expires_at)
VALUES (@position_id, @holder, NOW() + make_interval(secs => @ttl_secs))
ON CONFLICT (position_id) DO UPDATE SET
    holder = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at,
    created_at = NOW()
WHERE oms_close_locks.expires_at <= NOW()
   OR oms_close_locks.holder = EXCLUDED.holder
RETURNING position_id, holder, expires_at, created_at;
`

	defaultDealLimit     = 200
	defaultPositionLimit = 200
	maxLedgerLimit       = 2000
)

func (s *LedgerStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	return s.pool, nil
}

func (s *LedgerStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("ledger store: begin tx: %w", err)
	}
	runErr := fn(tx)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("ledger store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("ledger store: commit tx: %w", err)
	}
	return nil
}

// errDuplicateDeal aborts a projection transaction when the deal row already
// exists; the caller then reads the stored deal outside the transaction.
var errDuplicateDeal = errors.New("duplicate deal")

// ApplyProjection folds one deal into position state atomically. A replayed
// exchange trade id leaves all state untouched and returns the stored deal.
func (s *LedgerStore) ApplyProjection(ctx context.Context, projection ledgerstore.Projection) (schema.Deal, bool, error) {
	var deal schema.Deal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		deal, txErr = applyProjectionTx(ctx, tx, projection)
		return txErr
	})
	if errors.Is(err, errDuplicateDeal) {
		existing, lookupErr := s.findDealByTradeID(ctx, projection.Deal.AccountID, projection.Deal.ExchangeTradeID)
		if lookupErr != nil {
			return schema.Deal{}, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return schema.Deal{}, false, err
	}
	return deal, true, nil
}

// ApplyCloseBy inserts the two compensating deals of a close_by atomically.
// A replay of either synthetic trade id turns the whole call into a no-op.
func (s *LedgerStore) ApplyCloseBy(ctx context.Context, first, second ledgerstore.Projection) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, txErr := applyProjectionTx(ctx, tx, first); txErr != nil {
			return txErr
		}
		_, txErr := applyProjectionTx(ctx, tx, second)
		return txErr
	})
	if errors.Is(err, errDuplicateDeal) {
		return nil
	}
	return err
}

func applyProjectionTx(ctx context.Context, tx pgx.Tx, projection ledgerstore.Projection) (schema.Deal, error) {
	for _, position := range projection.Positions {
		if err := upsertPosition(ctx, tx, position); err != nil {
			return schema.Deal{}, err
		}
	}

	deal := projection.Deal
	args := pgx.NamedArgs{
		"account_id":        deal.AccountID,
		"order_id":          optionalInt64(deal.OrderID),
		"position_id":       deal.PositionID,
		"symbol":            deal.Symbol,
		"side":              string(deal.Side),
		"qty":               deal.Qty.String(),
		"price":             deal.Price.String(),
		"fee":               deal.Fee.String(),
		"pnl":               deal.PNL.String(),
		"strategy_id":       deal.StrategyID,
		"reason":            string(deal.Reason),
		"reconciled":        deal.Reconciled,
		"exchange_trade_id": deal.ExchangeTradeID,
		"executed_at":       deal.ExecutedAt,
	}
	row := tx.QueryRow(ctx, dealInsertSQL, args)
	if err := row.Scan(&deal.ID, &deal.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Deal{}, errDuplicateDeal
		}
		return schema.Deal{}, fmt.Errorf("ledger store: insert deal: %w", err)
	}

	if projection.OrderPatch != nil {
		if err := applyOrderPatch(ctx, tx, *projection.OrderPatch); err != nil {
			return schema.Deal{}, err
		}
	}
	return deal, nil
}

func upsertPosition(ctx context.Context, tx pgx.Tx, position schema.Position) error {
	var closedAt any
	if position.ClosedAt != nil {
		closedAt = *position.ClosedAt
	}
	args := pgx.NamedArgs{
		"id":          position.ID,
		"account_id":  position.AccountID,
		"symbol":      position.Symbol,
		"strategy_id": position.StrategyID,
		"side":        string(position.Side),
		"qty":         position.Qty.String(),
		"avg_price":   position.AvgPrice.String(),
		"stop_loss":   position.StopLoss.String(),
		"stop_gain":   position.StopGain.String(),
		"state":       string(position.State),
		"reason":      string(position.Reason),
		"reconciled":  position.Reconciled,
		"comment":     position.Comment,
		"opened_at":   position.OpenedAt,
		"closed_at":   closedAt,
	}
	if _, err := tx.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("ledger store: upsert position %d: %w", position.ID, err)
	}
	return nil
}

func applyOrderPatch(ctx context.Context, tx pgx.Tx, patch ledgerstore.OrderPatch) error {
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	args := pgx.NamedArgs{
		"id":             patch.OrderID,
		"status":         status,
		"filled_qty":     optionalString(patch.FilledQty),
		"avg_fill_price": optionalString(patch.AvgFillPrice),
		"position_id":    optionalInt64(patch.PositionID),
		"strategy_id":    optionalInt64(patch.StrategyID),
		"reconciled":     optionalBool(patch.Reconciled),
	}
	if _, err := tx.Exec(ctx, orderPatchSQL, args); err != nil {
		return fmt.Errorf("ledger store: patch order %d: %w", patch.OrderID, err)
	}
	return nil
}

// ApplyReassign executes the operator reassign as one transaction: the order
// patch, every deal relink, and the replacement position set.
func (s *LedgerStore) ApplyReassign(ctx context.Context, change ledgerstore.Reassign) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		keep := make([]int64, 0, len(change.RebuiltPositions))
		for _, position := range change.RebuiltPositions {
			if err := upsertPosition(ctx, tx, position); err != nil {
				return err
			}
			keep = append(keep, position.ID)
		}
		if _, err := tx.Exec(ctx, closeStalePositionsSQL, pgx.NamedArgs{
			"account_id": change.AccountID,
			"symbol":     change.Symbol,
			"keep_ids":   keep,
		}); err != nil {
			return fmt.Errorf("ledger store: close stale positions: %w", err)
		}
		for _, relink := range change.Relinks {
			if _, err := tx.Exec(ctx, dealRelinkSQL, pgx.NamedArgs{
				"id":          relink.DealID,
				"order_id":    optionalInt64(relink.OrderID),
				"strategy_id": relink.StrategyID,
				"position_id": relink.PositionID,
			}); err != nil {
				return fmt.Errorf("ledger store: relink deal %d: %w", relink.DealID, err)
			}
		}
		return applyOrderPatch(ctx, tx, change.OrderPatch)
	})
}

// GetDeal returns the deal by id.
func (s *LedgerStore) GetDeal(ctx context.Context, id int64) (schema.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Deal{}, err
	}
	row := pool.QueryRow(ctx, dealSelectBase+" WHERE id = $1", id)
	return scanDeal(row)
}

func (s *LedgerStore) findDealByTradeID(ctx context.Context, accountID int64, exchangeTradeID string) (schema.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Deal{}, err
	}
	row := pool.QueryRow(ctx, dealSelectBase+" WHERE account_id = $1 AND exchange_trade_id = $2", accountID, exchangeTradeID)
	return scanDeal(row)
}

// ListDeals retrieves deals matching the query filters, newest first.
func (s *LedgerStore) ListDeals(ctx context.Context, query ledgerstore.DealQuery) ([]schema.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultDealLimit, maxLedgerLimit)

	builder := strings.Builder{}
	builder.WriteString(dealSelectBase)
	builder.WriteString(" WHERE account_id = $1")

	args := []any{query.AccountID}
	argPos := 2

	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.OrderID != nil {
		fmt.Fprintf(&builder, " AND order_id = $%d", argPos)
		args = append(args, *query.OrderID)
		argPos++
	}
	if query.StrategyID != nil {
		fmt.Fprintf(&builder, " AND strategy_id = $%d", argPos)
		args = append(args, *query.StrategyID)
		argPos++
	}
	if !query.Since.IsZero() {
		fmt.Fprintf(&builder, " AND executed_at >= $%d", argPos)
		args = append(args, query.Since)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY executed_at DESC, id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	return s.queryDeals(ctx, pool, builder.String(), args...)
}

// ListDealsChronological returns every deal for the account+symbol in
// deterministic replay order.
func (s *LedgerStore) ListDealsChronological(ctx context.Context, accountID int64, symbol string) ([]schema.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.queryDeals(ctx, pool,
		dealSelectBase+" WHERE account_id = $1 AND symbol = $2 ORDER BY executed_at, id",
		accountID, symbol)
}

// FindDealsByTradeLinkage returns deals projected from the raw trades of the
// given order, whether or not correlation has linked them yet.
func (s *LedgerStore) FindDealsByTradeLinkage(ctx context.Context, accountID, orderID int64) ([]schema.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.queryDeals(ctx, pool, dealLinkageSQL, pgx.NamedArgs{
		"account_id": accountID,
		"order_id":   orderID,
	})
}

func (s *LedgerStore) queryDeals(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]schema.Deal, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list deals: %w", err)
	}
	defer rows.Close()

	var deals []schema.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate deals: %w", err)
	}
	return deals, nil
}

// GetPosition returns the position by id.
func (s *LedgerStore) GetPosition(ctx context.Context, id int64) (schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Position{}, err
	}
	row := pool.QueryRow(ctx, positionSelectBase+" WHERE id = $1", id)
	return scanPosition(row)
}

// ListPositions retrieves positions matching the query filters.
func (s *LedgerStore) ListPositions(ctx context.Context, query ledgerstore.PositionQuery) ([]schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultPositionLimit, maxLedgerLimit)

	builder := strings.Builder{}
	builder.WriteString(positionSelectBase)
	builder.WriteString(" WHERE account_id = $1")

	args := []any{query.AccountID}
	argPos := 2

	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.StrategyID != nil {
		fmt.Fprintf(&builder, " AND strategy_id = $%d", argPos)
		args = append(args, *query.StrategyID)
		argPos++
	}
	if len(query.States) > 0 {
		states := make([]string, 0, len(query.States))
		for _, state := range query.States {
			states = append(states, string(state))
		}
		fmt.Fprintf(&builder, " AND state = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY id LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list positions: %w", err)
	}
	defer rows.Close()

	var positions []schema.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate positions: %w", err)
	}
	return positions, nil
}

// NextPositionID reserves a fresh position id from the table sequence.
func (s *LedgerStore) NextPositionID(ctx context.Context) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var id int64
	row := pool.QueryRow(ctx, "SELECT nextval(pg_get_serial_sequence('oms_positions', 'id'))")
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("ledger store: next position id: %w", err)
	}
	return id, nil
}

// AcquireCloseLock takes the per-position close lock. Expired locks are
// stolen; re-acquisition by the same holder refreshes the expiry.
func (s *LedgerStore) AcquireCloseLock(ctx context.Context, positionID int64, holder string, ttl time.Duration) (schema.CloseLock, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.CloseLock{}, err
	}
	args := pgx.NamedArgs{
		"position_id": positionID,
		"holder":      holder,
		"ttl_secs":    ttl.Seconds(),
	}
	var lock schema.CloseLock
	row := pool.QueryRow(ctx, closeLockAcquireSQL, args)
	if err := row.Scan(&lock.PositionID, &lock.Holder, &lock.ExpiresAt, &lock.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.CloseLock{}, errs.New("", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("position %d is already being closed", positionID)),
				errs.WithRemediation("retry after the in-flight close completes"))
		}
		return schema.CloseLock{}, fmt.Errorf("ledger store: acquire close lock: %w", err)
	}
	return lock, nil
}

// ReleaseCloseLock drops the holder's lock. Releasing an absent lock is a
// no-op so replays stay harmless.
func (s *LedgerStore) ReleaseCloseLock(ctx context.Context, positionID int64, holder string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx,
		"DELETE FROM oms_close_locks WHERE position_id = $1 AND holder = $2",
		positionID, holder); err != nil {
		return fmt.Errorf("ledger store: release close lock: %w", err)
	}
	return nil
}

// SweepExpiredCloseLocks removes locks past their expiry.
func (s *LedgerStore) SweepExpiredCloseLocks(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, "DELETE FROM oms_close_locks WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("ledger store: sweep close locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDeal(row rowScanner) (schema.Deal, error) {
	var (
		deal    schema.Deal
		orderID *int64
		side    string
		reason  string
		qty     string
		price   string
		fee     string
		pnl     string
	)
	if err := row.Scan(
		&deal.ID,
		&deal.AccountID,
		&orderID,
		&deal.PositionID,
		&deal.Symbol,
		&side,
		&qty,
		&price,
		&fee,
		&pnl,
		&deal.StrategyID,
		&reason,
		&deal.Reconciled,
		&deal.ExchangeTradeID,
		&deal.ExecutedAt,
		&deal.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Deal{}, errs.New("", errs.CodeNotFound, errs.WithMessage("deal not found"))
		}
		return schema.Deal{}, fmt.Errorf("ledger store: scan deal: %w", err)
	}
	deal.OrderID = orderID
	deal.Side = schema.Side(side)
	deal.Reason = schema.Reason(reason)

	var err error
	if deal.Qty, err = parseDecimal("qty", qty); err != nil {
		return schema.Deal{}, err
	}
	if deal.Price, err = parseDecimal("price", price); err != nil {
		return schema.Deal{}, err
	}
	if deal.Fee, err = parseDecimal("fee", fee); err != nil {
		return schema.Deal{}, err
	}
	if deal.PNL, err = parseDecimal("pnl", pnl); err != nil {
		return schema.Deal{}, err
	}
	return deal, nil
}

func scanPosition(row rowScanner) (schema.Position, error) {
	var (
		position schema.Position
		side     string
		state    string
		reason   string
		qty      string
		avgPrice string
		stopLoss string
		stopGain string
		closedAt *time.Time
	)
	if err := row.Scan(
		&position.ID,
		&position.AccountID,
		&position.Symbol,
		&position.StrategyID,
		&side,
		&qty,
		&avgPrice,
		&stopLoss,
		&stopGain,
		&state,
		&reason,
		&position.Reconciled,
		&position.Comment,
		&position.OpenedAt,
		&closedAt,
		&position.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Position{}, errs.New("", errs.CodeNotFound, errs.WithMessage("position not found"))
		}
		return schema.Position{}, fmt.Errorf("ledger store: scan position: %w", err)
	}
	position.Side = schema.Side(side)
	position.State = schema.PositionState(state)
	position.Reason = schema.Reason(reason)
	position.ClosedAt = closedAt

	var err error
	if position.Qty, err = parseDecimal("qty", qty); err != nil {
		return schema.Position{}, err
	}
	if position.AvgPrice, err = parseDecimal("avg_price", avgPrice); err != nil {
		return schema.Position{}, err
	}
	if position.StopLoss, err = parseDecimal("stop_loss", stopLoss); err != nil {
		return schema.Position{}, err
	}
	if position.StopGain, err = parseDecimal("stop_gain", stopGain); err != nil {
		return schema.Position{}, err
	}
	return position, nil
}
