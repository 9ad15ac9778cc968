package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
)

// OutboxStore persists the durable event outbox.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	outboxAppendSQL = `
INSERT INTO event_outbox (namespace, event_type, account_id, payload)
VALUES (@namespace, @event_type, @account_id, @payload::jsonb)
RETURNING id, created_at;
`

	outboxSelectBase = `
SELECT
    id,
    namespace,
    event_type,
    account_id,
    payload,
    delivered,
    delivered_at,
    attempts,
    last_error,
    created_at
FROM event_outbox
`

	defaultOutboxLimit = 128
	maxOutboxLimit     = 1000
)

func (s *OutboxStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	return s.pool, nil
}

// Append persists a new outbox entry.
func (s *OutboxStore) Append(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return outboxstore.EventRecord{}, err
	}
	record := outboxstore.EventRecord{
		Namespace: evt.Namespace,
		EventType: evt.EventType,
		AccountID: evt.AccountID,
		Payload:   evt.Payload,
	}
	args := pgx.NamedArgs{
		"namespace":  evt.Namespace,
		"event_type": evt.EventType,
		"account_id": evt.AccountID,
		"payload":    []byte(evt.Payload),
	}
	row := pool.QueryRow(ctx, outboxAppendSQL, args)
	if err := row.Scan(&record.ID, &record.CreatedAt); err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: append event: %w", err)
	}
	return record, nil
}

// ListPending returns undelivered events, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	return s.list(ctx, " WHERE NOT delivered ORDER BY id LIMIT $1",
		clampLimit(limit, defaultOutboxLimit, maxOutboxLimit))
}

// ListAfter returns events above the cursor, oldest first, for feed catch-up.
func (s *OutboxStore) ListAfter(ctx context.Context, cursor int64, limit int) ([]outboxstore.EventRecord, error) {
	return s.list(ctx, " WHERE id > $1 ORDER BY id LIMIT $2",
		cursor, clampLimit(limit, defaultOutboxLimit, maxOutboxLimit))
}

func (s *OutboxStore) list(ctx context.Context, where string, args ...any) ([]outboxstore.EventRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, outboxSelectBase+where, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list events: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EventRecord
	for rows.Next() {
		var record outboxstore.EventRecord
		var payload []byte
		if err := rows.Scan(
			&record.ID,
			&record.Namespace,
			&record.EventType,
			&record.AccountID,
			&payload,
			&record.Delivered,
			&record.DeliveredAt,
			&record.Attempts,
			&record.LastError,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("outbox store: scan event: %w", err)
		}
		record.Payload = payload
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate events: %w", err)
	}
	return records, nil
}

// MarkDelivered flips the delivered flag for the event.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.mark(ctx,
		"UPDATE event_outbox SET delivered = TRUE, delivered_at = NOW(), attempts = attempts + 1, last_error = '' WHERE id = $1",
		id)
}

// MarkFailed records a delivery failure; the event stays pending.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.mark(ctx,
		"UPDATE event_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1",
		id, lastError)
}

func (s *OutboxStore) mark(ctx context.Context, sql string, args ...any) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("outbox store: mark event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("outbox event not found"))
	}
	return nil
}
