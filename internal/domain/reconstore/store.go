// Package reconstore defines persistence contracts for raw exchange mirrors
// and reconciliation cursors.
package reconstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradeforge/omsgate/internal/schema"
)

// RawOrder mirrors one exchange-reported order payload. Rows are append-only;
// the only allowed mutation is an idempotent no-op re-insert keyed by the
// content fingerprint.
type RawOrder struct {
	ID              int64                 `json:"id"`
	AccountID       int64                 `json:"accountId"`
	Engine          string                `json:"engine"`
	ExchangeOrderID string                `json:"exchangeOrderId"`
	Fingerprint     string                `json:"fingerprint"`
	Payload         json.RawMessage       `json:"payload"`
	Storage         schema.RawStorageMode `json:"storage,omitempty"`
	ReceivedAt      time.Time             `json:"receivedAt"`
}

// RawTrade mirrors one exchange-reported trade payload, keyed by
// (account_id, exchange_trade_id) and by content fingerprint.
type RawTrade struct {
	ID              int64                 `json:"id"`
	AccountID       int64                 `json:"accountId"`
	Engine          string                `json:"engine"`
	ExchangeTradeID string                `json:"exchangeTradeId"`
	ExchangeOrderID string                `json:"exchangeOrderId,omitempty"`
	Fingerprint     string                `json:"fingerprint"`
	Payload         json.RawMessage       `json:"payload"`
	Storage         schema.RawStorageMode `json:"storage,omitempty"`
	ReceivedAt      time.Time             `json:"receivedAt"`
}

// CursorEntity names the incremental polling streams tracked per account.
type CursorEntity string

const (
	// CursorOrders tracks the order-import watermark.
	CursorOrders CursorEntity = "orders"
	// CursorTrades tracks the trade-import watermark.
	CursorTrades CursorEntity = "trades"
)

// Cursor is the per-(account, entity) watermark for incremental polling.
type Cursor struct {
	AccountID int64        `json:"accountId"`
	Entity    CursorEntity `json:"entity"`
	Watermark time.Time    `json:"watermark"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Store defines the contract for raw-event and cursor persistence.
type Store interface {
	// UpsertRawOrder inserts the payload unless a row with the same
	// fingerprint already exists. Returns inserted=false on replays.
	UpsertRawOrder(ctx context.Context, raw RawOrder) (RawOrder, bool, error)
	// UpsertRawTrade behaves like UpsertRawOrder with the additional
	// uniqueness on (account_id, exchange_trade_id).
	UpsertRawTrade(ctx context.Context, raw RawTrade) (RawTrade, bool, error)

	GetCursor(ctx context.Context, accountID int64, entity CursorEntity) (Cursor, error)
	// AdvanceCursor moves the watermark forward; regressions are ignored
	// so replays cannot widen future windows.
	AdvanceCursor(ctx context.Context, accountID int64, entity CursorEntity, watermark time.Time) error
}
