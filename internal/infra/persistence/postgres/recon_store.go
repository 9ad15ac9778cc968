package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/internal/domain/reconstore"
	"github.com/tradeforge/omsgate/internal/schema"
)

// ReconStore persists raw exchange mirrors and reconciliation cursors.
// Accounts in dedicated raw-storage mode mirror into per-account tables
// cloned from the shared ones on first write.
type ReconStore struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	dedicated map[string]bool
}

// NewReconStore constructs a ReconStore backed by the provided pool.
func NewReconStore(pool *pgxpool.Pool) *ReconStore {
	return &ReconStore{pool: pool, dedicated: make(map[string]bool)}
}

const (
	rawOrdersTable = "ccxt_orders_raw"
	rawTradesTable = "ccxt_trades_raw"

	rawOrderInsertSQL = `
INSERT INTO %s (account_id, engine, exchange_order_id, fingerprint, payload)
VALUES (@account_id, @engine, @exchange_order_id, @fingerprint, @payload::jsonb)
ON CONFLICT DO NOTHING
RETURNING id, received_at;
`

	rawTradeInsertSQL = `
INSERT INTO %s (account_id, engine, exchange_trade_id, exchange_order_id, fingerprint, payload)
VALUES (@account_id, @engine, @exchange_trade_id, @exchange_order_id, @fingerprint, @payload::jsonb)
ON CONFLICT DO NOTHING
RETURNING id, received_at;
`

	cursorAdvanceSQL = `
INSERT INTO reconciliation_cursor (account_id, entity, watermark)
VALUES (@account_id, @entity, @watermark)
ON CONFLICT (account_id, entity) DO UPDATE SET
    watermark = GREATEST(reconciliation_cursor.watermark, EXCLUDED.watermark),
    updated_at = NOW();
`
)

func (s *ReconStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("recon store: nil pool")
	}
	return s.pool, nil
}

// rawTableFor resolves the destination table for a raw mirror row. Dedicated
// accounts get a clone of the shared table, created on first write. The clone
// keeps the shared unique indexes, so replay dedupe holds per table, and the
// shared id sequence, so ids stay unique across all raw tables.
func (s *ReconStore) rawTableFor(ctx context.Context, pool *pgxpool.Pool, base string, mode schema.RawStorageMode, accountID int64) (string, error) {
	if mode != schema.RawStorageDedicated {
		return base, nil
	}
	table := fmt.Sprintf("%s_a%d", base, accountID)
	s.mu.Lock()
	ready := s.dedicated[table]
	s.mu.Unlock()
	if ready {
		return table, nil
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL)", table, base)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return "", fmt.Errorf("recon store: create dedicated table %s: %w", table, err)
	}
	s.mu.Lock()
	s.dedicated[table] = true
	s.mu.Unlock()
	return table, nil
}

// UpsertRawOrder inserts the payload unless the fingerprint already exists.
func (s *ReconStore) UpsertRawOrder(ctx context.Context, raw reconstore.RawOrder) (reconstore.RawOrder, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return reconstore.RawOrder{}, false, err
	}
	table, err := s.rawTableFor(ctx, pool, rawOrdersTable, raw.Storage, raw.AccountID)
	if err != nil {
		return reconstore.RawOrder{}, false, err
	}
	args := pgx.NamedArgs{
		"account_id":        raw.AccountID,
		"engine":            raw.Engine,
		"exchange_order_id": raw.ExchangeOrderID,
		"fingerprint":       raw.Fingerprint,
		"payload":           []byte(raw.Payload),
	}
	row := pool.QueryRow(ctx, fmt.Sprintf(rawOrderInsertSQL, table), args)
	if err := row.Scan(&raw.ID, &raw.ReceivedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return raw, false, nil
		}
		return reconstore.RawOrder{}, false, fmt.Errorf("recon store: insert raw order: %w", err)
	}
	return raw, true, nil
}

// UpsertRawTrade inserts the payload unless the trade was seen before, on
// either the (account, trade id) pair or the content fingerprint.
func (s *ReconStore) UpsertRawTrade(ctx context.Context, raw reconstore.RawTrade) (reconstore.RawTrade, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return reconstore.RawTrade{}, false, err
	}
	table, err := s.rawTableFor(ctx, pool, rawTradesTable, raw.Storage, raw.AccountID)
	if err != nil {
		return reconstore.RawTrade{}, false, err
	}
	args := pgx.NamedArgs{
		"account_id":        raw.AccountID,
		"engine":            raw.Engine,
		"exchange_trade_id": raw.ExchangeTradeID,
		"exchange_order_id": raw.ExchangeOrderID,
		"fingerprint":       raw.Fingerprint,
		"payload":           []byte(raw.Payload),
	}
	row := pool.QueryRow(ctx, fmt.Sprintf(rawTradeInsertSQL, table), args)
	if err := row.Scan(&raw.ID, &raw.ReceivedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return raw, false, nil
		}
		return reconstore.RawTrade{}, false, fmt.Errorf("recon store: insert raw trade: %w", err)
	}
	return raw, true, nil
}

// GetCursor returns the watermark for the (account, entity) stream. A missing
// row reads as the zero cursor so first runs fall back to the full lookback.
func (s *ReconStore) GetCursor(ctx context.Context, accountID int64, entity reconstore.CursorEntity) (reconstore.Cursor, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return reconstore.Cursor{}, err
	}
	cursor := reconstore.Cursor{AccountID: accountID, Entity: entity}
	row := pool.QueryRow(ctx,
		"SELECT watermark, updated_at FROM reconciliation_cursor WHERE account_id = $1 AND entity = $2",
		accountID, string(entity))
	if err := row.Scan(&cursor.Watermark, &cursor.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cursor, nil
		}
		return reconstore.Cursor{}, fmt.Errorf("recon store: get cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceCursor moves the watermark forward; regressions are ignored.
func (s *ReconStore) AdvanceCursor(ctx context.Context, accountID int64, entity reconstore.CursorEntity, watermark time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, cursorAdvanceSQL, pgx.NamedArgs{
		"account_id": accountID,
		"entity":     string(entity),
		"watermark":  watermark,
	}); err != nil {
		return fmt.Errorf("recon store: advance cursor: %w", err)
	}
	return nil
}
