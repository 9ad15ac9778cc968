package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/commandstore"
	"github.com/tradeforge/omsgate/internal/schema"
)

// CommandStore persists the unified command queue.
type CommandStore struct {
	pool *pgxpool.Pool
}

// NewCommandStore constructs a CommandStore backed by the provided pool.
func NewCommandStore(pool *pgxpool.Pool) *CommandStore {
	return &CommandStore{pool: pool}
}

const (
	commandInsertSQL = `
INSERT INTO oms_commands (uid, account_id, type, payload, status)
VALUES (@uid, @account_id, @type, @payload::jsonb, @status)
ON CONFLICT (uid) DO NOTHING
RETURNING id, created_at, updated_at;
`

	commandSelectBase = `
SELECT
    id,
    uid,
    account_id,
    type,
    payload,
    status,
    error_code,
    error,
    order_id,
    created_at,
    updated_at
FROM oms_commands
`

	commandStatusSQL = `
UPDATE oms_commands
SET status = @status,
    error_code = @error_code,
    error = @error,
    order_id = CASE WHEN @order_id::bigint <> 0 THEN @order_id::bigint ELSE order_id END,
    updated_at = NOW()
WHERE id = @id;
`

	defaultCommandLimit = 100
	maxCommandLimit     = 1000
)

func (s *CommandStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("command store: nil pool")
	}
	return s.pool, nil
}

// Insert persists a new command. A replayed uid returns the previously stored
// command unchanged, preserving command-level idempotency.
func (s *CommandStore) Insert(ctx context.Context, cmd schema.Command) (schema.Command, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Command{}, err
	}
	if strings.TrimSpace(cmd.UID) == "" {
		return schema.Command{}, errs.New("", errs.CodeValidation, errs.WithMessage("command uid required"))
	}
	if cmd.Status == "" {
		cmd.Status = schema.CommandQueued
	}
	args := pgx.NamedArgs{
		"uid":        strings.TrimSpace(cmd.UID),
		"account_id": cmd.AccountID,
		"type":       string(cmd.Type),
		"payload":    []byte(cmd.Payload),
		"status":     string(cmd.Status),
	}
	row := pool.QueryRow(ctx, commandInsertSQL, args)
	err = row.Scan(&cmd.ID, &cmd.CreatedAt, &cmd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.getBy(ctx, " WHERE uid = $1", strings.TrimSpace(cmd.UID))
	}
	if err != nil {
		return schema.Command{}, fmt.Errorf("command store: insert command: %w", err)
	}
	return cmd, nil
}

// Get returns the command by id.
func (s *CommandStore) Get(ctx context.Context, id int64) (schema.Command, error) {
	return s.getBy(ctx, " WHERE id = $1", id)
}

func (s *CommandStore) getBy(ctx context.Context, where string, arg any) (schema.Command, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Command{}, err
	}
	row := pool.QueryRow(ctx, commandSelectBase+where, arg)
	cmd, err := scanCommand(row)
	if err != nil {
		return schema.Command{}, err
	}
	return cmd, nil
}

// UpdateStatus moves the command through its lifecycle.
func (s *CommandStore) UpdateStatus(ctx context.Context, update commandstore.StatusUpdate) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":         update.ID,
		"status":     string(update.Status),
		"error_code": update.ErrorCode,
		"error":      update.Error,
		"order_id":   update.OrderID,
	}
	tag, err := pool.Exec(ctx, commandStatusSQL, args)
	if err != nil {
		return fmt.Errorf("command store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("command not found"))
	}
	return nil
}

// ListQueued returns commands still awaiting dispatch, oldest first.
func (s *CommandStore) ListQueued(ctx context.Context, accountID int64, limit int) ([]schema.Command, error) {
	return s.list(ctx,
		" WHERE account_id = $1 AND status = 'queued' ORDER BY id LIMIT $2",
		accountID, clampLimit(limit, defaultCommandLimit, maxCommandLimit))
}

// ListUnresolved returns commands stuck in unknown_outcome, oldest first.
func (s *CommandStore) ListUnresolved(ctx context.Context, accountID int64) ([]schema.Command, error) {
	return s.list(ctx,
		" WHERE account_id = $1 AND status = 'unknown_outcome' ORDER BY id LIMIT $2",
		accountID, maxCommandLimit)
}

func (s *CommandStore) list(ctx context.Context, where string, args ...any) ([]schema.Command, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, commandSelectBase+where, args...)
	if err != nil {
		return nil, fmt.Errorf("command store: list commands: %w", err)
	}
	defer rows.Close()

	var commands []schema.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("command store: iterate commands: %w", err)
	}
	return commands, nil
}

func scanCommand(row rowScanner) (schema.Command, error) {
	var (
		cmd     schema.Command
		cmdType string
		status  string
		payload []byte
	)
	if err := row.Scan(
		&cmd.ID,
		&cmd.UID,
		&cmd.AccountID,
		&cmdType,
		&payload,
		&status,
		&cmd.ErrorCode,
		&cmd.Error,
		&cmd.OrderID,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Command{}, errs.New("", errs.CodeNotFound, errs.WithMessage("command not found"))
		}
		return schema.Command{}, fmt.Errorf("command store: scan command: %w", err)
	}
	cmd.Type = schema.CommandType(cmdType)
	cmd.Status = schema.CommandStatus(status)
	cmd.Payload = payload
	return cmd, nil
}
