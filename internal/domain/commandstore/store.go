// Package commandstore defines persistence contracts for the unified command queue.
package commandstore

import (
	"context"

	"github.com/tradeforge/omsgate/internal/schema"
)

// StatusUpdate moves a command through its lifecycle. Commands are immutable
// once persisted except for status, error, and timestamps.
type StatusUpdate struct {
	ID        int64                `json:"id"`
	Status    schema.CommandStatus `json:"status"`
	ErrorCode string               `json:"errorCode,omitempty"`
	Error     string               `json:"error,omitempty"`
	OrderID   int64                `json:"orderId,omitempty"`
}

// Store defines the contract for command persistence.
type Store interface {
	Insert(ctx context.Context, cmd schema.Command) (schema.Command, error)
	Get(ctx context.Context, id int64) (schema.Command, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) error

	// ListQueued returns commands still awaiting dispatch for the account,
	// oldest first. Used to rebuild worker queues after a restart.
	ListQueued(ctx context.Context, accountID int64, limit int) ([]schema.Command, error)

	// ListUnresolved returns commands stuck in unknown_outcome for the
	// account; reconciliation resolves them against exchange truth.
	ListUnresolved(ctx context.Context, accountID int64) ([]schema.Command, error)
}
