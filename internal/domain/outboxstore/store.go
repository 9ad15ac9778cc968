// Package outboxstore defines persistence contracts for durable event publishing.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event encapsulates a single outbox entry ready to be appended.
type Event struct {
	Namespace string
	EventType string
	AccountID int64
	Payload   json.RawMessage
}

// EventRecord captures the persisted state of an outbox entry. The id doubles
// as the monotonically increasing delivery cursor.
type EventRecord struct {
	ID          int64
	Namespace   string
	EventType   string
	AccountID   int64
	Payload     json.RawMessage
	Delivered   bool
	DeliveredAt *time.Time
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox. Entries are
// append-only; only the delivered flag and delivery bookkeeping mutate.
type Store interface {
	Append(ctx context.Context, evt Event) (EventRecord, error)
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// ListAfter returns delivered-or-pending events above the cursor,
	// oldest first, for feed catch-up.
	ListAfter(ctx context.Context, cursor int64, limit int) ([]EventRecord, error)
}
