package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/schema"
)

// OrderStore persists order lifecycle state.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO oms_orders (
    account_id,
    symbol,
    side,
    type,
    qty,
    price,
    stop_loss,
    stop_gain,
    status,
    strategy_id,
    position_id,
    reason,
    reconciled,
    exchange_order_id,
    client_order_id,
    filled_qty,
    avg_fill_price,
    comment
)
VALUES (
    @account_id,
    @symbol,
    @side,
    @type,
    @qty,
    @price,
    @stop_loss,
    @stop_gain,
    @status,
    @strategy_id,
    @position_id,
    @reason,
    @reconciled,
    @exchange_order_id,
    @client_order_id,
    @filled_qty,
    @avg_fill_price,
    @comment
)
RETURNING id, created_at, updated_at;
`

	orderSelectBase = `
SELECT
    id,
    account_id,
    symbol,
    side,
    type,
    qty::text,
    price::text,
    stop_loss::text,
    stop_gain::text,
    status,
    strategy_id,
    position_id,
    reason,
    reconciled,
    exchange_order_id,
    client_order_id,
    filled_qty::text,
    avg_fill_price::text,
    previous_position_id,
    edit_replace_state,
    edit_replace_orphan_order_id,
    edit_replace_origin_order_id,
    comment,
    created_at,
    updated_at
FROM oms_orders
`

	orderApplySQL = `
UPDATE oms_orders
SET status = COALESCE(@status, status),
    exchange_order_id = COALESCE(@exchange_order_id, exchange_order_id),
    filled_qty = COALESCE(@filled_qty::numeric, filled_qty),
    avg_fill_price = COALESCE(@avg_fill_price::numeric, avg_fill_price),
    position_id = COALESCE(@position_id::bigint, position_id),
    strategy_id = COALESCE(@strategy_id::bigint, strategy_id),
    reconciled = COALESCE(@reconciled::boolean, reconciled),
    qty = COALESCE(@qty::numeric, qty),
    price = COALESCE(@price::numeric, price),
    stop_loss = COALESCE(@stop_loss::numeric, stop_loss),
    stop_gain = COALESCE(@stop_gain::numeric, stop_gain),
    edit_replace_state = COALESCE(@edit_replace_state, edit_replace_state),
    edit_replace_orphan_order_id = COALESCE(@edit_replace_orphan_order_id, edit_replace_orphan_order_id),
    edit_replace_origin_order_id = COALESCE(@edit_replace_origin_order_id::bigint, edit_replace_origin_order_id),
    previous_position_id = COALESCE(@previous_position_id::bigint, previous_position_id),
    updated_at = NOW()
WHERE id = @id
  AND (@expected_status::text IS NULL OR status = @expected_status);
`

	defaultOrderLimit = 100
	maxOrderLimit     = 1000
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// Create inserts a new order row and returns the stored order.
func (s *OrderStore) Create(ctx context.Context, order schema.Order) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	if order.Status == "" {
		order.Status = schema.OrderPendingSubmit
	}
	args := pgx.NamedArgs{
		"account_id":        order.AccountID,
		"symbol":            strings.TrimSpace(order.Symbol),
		"side":              string(order.Side),
		"type":              string(order.Type),
		"qty":               order.Qty.String(),
		"price":             order.Price.String(),
		"stop_loss":         order.StopLoss.String(),
		"stop_gain":         order.StopGain.String(),
		"status":            string(order.Status),
		"strategy_id":       order.StrategyID,
		"position_id":       order.PositionID,
		"reason":            string(order.Reason),
		"reconciled":        order.Reconciled,
		"exchange_order_id": order.ExchangeOrderID,
		"client_order_id":   order.ClientOrderID,
		"filled_qty":        order.FilledQty.String(),
		"avg_fill_price":    order.AvgFillPrice.String(),
		"comment":           order.Comment,
	}
	row := pool.QueryRow(ctx, orderInsertSQL, args)
	if err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return schema.Order{}, fmt.Errorf("order store: insert order: %w", err)
	}
	return order, nil
}

// Get returns the order by id.
func (s *OrderStore) Get(ctx context.Context, id int64) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", id)
	order, err := scanOrder(row)
	if err != nil {
		return schema.Order{}, err
	}
	return order, nil
}

// Apply performs the conditional update and reports whether a row matched.
func (s *OrderStore) Apply(ctx context.Context, update orderstore.Update) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	var expected any
	if update.ExpectedStatus != nil {
		expected = string(*update.ExpectedStatus)
	}
	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}
	var editState any
	if update.EditReplaceState != nil {
		editState = string(*update.EditReplaceState)
	}
	args := pgx.NamedArgs{
		"id":                           update.ID,
		"expected_status":              expected,
		"status":                       status,
		"exchange_order_id":            optionalString(update.ExchangeOrderID),
		"filled_qty":                   optionalDecimalText(update.FilledQty),
		"avg_fill_price":               optionalDecimalText(update.AvgFillPrice),
		"position_id":                  optionalInt64(update.PositionID),
		"strategy_id":                  optionalInt64(update.StrategyID),
		"reconciled":                   optionalBool(update.Reconciled),
		"qty":                          optionalDecimalText(update.Qty),
		"price":                        optionalDecimalText(update.Price),
		"stop_loss":                    optionalDecimalText(update.StopLoss),
		"stop_gain":                    optionalDecimalText(update.StopGain),
		"edit_replace_state":           editState,
		"edit_replace_orphan_order_id": optionalString(update.EditReplaceOrphanOrderID),
		"edit_replace_origin_order_id": optionalInt64(update.EditReplaceOriginOrderID),
		"previous_position_id":         optionalInt64(update.PreviousPositionID),
	}
	tag, err := pool.Exec(ctx, orderApplySQL, args)
	if err != nil {
		return false, fmt.Errorf("order store: apply update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindByExchangeOrderID looks an order up by its exchange-assigned id.
func (s *OrderStore) FindByExchangeOrderID(ctx context.Context, accountID int64, exchangeOrderID string) (schema.Order, bool, error) {
	return s.findOne(ctx, " WHERE account_id = $1 AND exchange_order_id = $2 AND exchange_order_id <> ''", accountID, exchangeOrderID)
}

// FindByClientOrderID looks an order up by the client-supplied id.
func (s *OrderStore) FindByClientOrderID(ctx context.Context, accountID int64, clientOrderID string) (schema.Order, bool, error) {
	return s.findOne(ctx,
		" WHERE account_id = $1 AND client_order_id = $2 AND client_order_id <> '' ORDER BY id DESC LIMIT 1",
		accountID, clientOrderID)
}

// FindByOrphanOrderID locates the cancel+replace survivor whose recorded
// orphan exchange order id matches.
func (s *OrderStore) FindByOrphanOrderID(ctx context.Context, accountID int64, exchangeOrderID string) (schema.Order, bool, error) {
	return s.findOne(ctx,
		" WHERE account_id = $1 AND edit_replace_orphan_order_id = $2 AND edit_replace_orphan_order_id <> '' ORDER BY id DESC LIMIT 1",
		accountID, exchangeOrderID)
}

// FindByFingerprint matches an order by content fingerprint within a minute
// bucket. Among candidates the most recent mutable order wins.
func (s *OrderStore) FindByFingerprint(ctx context.Context, accountID int64, fingerprint string) (schema.Order, bool, error) {
	parts := strings.Split(fingerprint, "|")
	if len(parts) != 5 {
		return schema.Order{}, false, errs.New("", errs.CodeValidation, errs.WithMessage("malformed order fingerprint"))
	}
	return s.findOne(ctx, ` WHERE account_id = $1
  AND symbol = $2
  AND side = $3
  AND qty = $4::numeric
  AND price = $5::numeric
  AND date_trunc('minute', created_at) = to_timestamp($6::bigint)
ORDER BY id DESC LIMIT 1`,
		accountID, parts[0], parts[1], parts[2], parts[3], parts[4])
}

func (s *OrderStore) findOne(ctx context.Context, where string, args ...any) (schema.Order, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, false, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+where, args...)
	order, err := scanOrder(row)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return schema.Order{}, false, nil
		}
		return schema.Order{}, false, err
	}
	return order, true, nil
}

// List retrieves orders matching the query filters, newest first.
func (s *OrderStore) List(ctx context.Context, query orderstore.Query) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
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
	if len(query.Statuses) > 0 {
		statuses := make([]string, 0, len(query.Statuses))
		for _, status := range query.Statuses {
			statuses = append(statuses, string(status))
		}
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	if query.Reconciled != nil {
		fmt.Fprintf(&builder, " AND reconciled = $%d", argPos)
		args = append(args, *query.Reconciled)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row rowScanner) (schema.Order, error) {
	var (
		order     schema.Order
		side      string
		orderType string
		status    string
		reason    string
		editState string
		qty       string
		price     string
		stopLoss  string
		stopGain  string
		filled    string
		avgFill   string
	)
	if err := row.Scan(
		&order.ID,
		&order.AccountID,
		&order.Symbol,
		&side,
		&orderType,
		&qty,
		&price,
		&stopLoss,
		&stopGain,
		&status,
		&order.StrategyID,
		&order.PositionID,
		&reason,
		&order.Reconciled,
		&order.ExchangeOrderID,
		&order.ClientOrderID,
		&filled,
		&avgFill,
		&order.PreviousPositionID,
		&editState,
		&order.EditReplaceOrphanOrderID,
		&order.EditReplaceOriginOrderID,
		&order.Comment,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
		}
		return schema.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	order.Side = schema.Side(side)
	order.Type = schema.OrderType(orderType)
	order.Status = schema.OrderStatus(status)
	order.Reason = schema.Reason(reason)
	order.EditReplaceState = schema.EditReplaceState(editState)

	var err error
	if order.Qty, err = parseDecimal("qty", qty); err != nil {
		return schema.Order{}, err
	}
	if order.Price, err = parseDecimal("price", price); err != nil {
		return schema.Order{}, err
	}
	if order.StopLoss, err = parseDecimal("stop_loss", stopLoss); err != nil {
		return schema.Order{}, err
	}
	if order.StopGain, err = parseDecimal("stop_gain", stopGain); err != nil {
		return schema.Order{}, err
	}
	if order.FilledQty, err = parseDecimal("filled_qty", filled); err != nil {
		return schema.Order{}, err
	}
	if order.AvgFillPrice, err = parseDecimal("avg_fill_price", avgFill); err != nil {
		return schema.Order{}, err
	}
	return order, nil
}
