package schema

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// CommandType enumerates the unified command verbs accepted by the pipeline.
type CommandType string

const (
	// CommandSendOrder submits a new order to the exchange.
	CommandSendOrder CommandType = "send_order"
	// CommandCancelOrder cancels a resting order.
	CommandCancelOrder CommandType = "cancel_order"
	// CommandChangeOrder modifies price, quantity, or protective stops of a resting order.
	CommandChangeOrder CommandType = "change_order"
	// CommandClosePosition flattens a position with a reduce-only opposite order.
	CommandClosePosition CommandType = "close_position"
	// CommandCloseBy nets two opposite positions without an outbound exchange order.
	CommandCloseBy CommandType = "close_by"
)

// Validate checks command-type membership.
func (t CommandType) Validate() error {
	switch t {
	case CommandSendOrder, CommandCancelOrder, CommandChangeOrder, CommandClosePosition, CommandCloseBy:
		return nil
	default:
		return invalidf("invalid command type %q", string(t))
	}
}

// CommandStatus tracks the lifecycle of a persisted command.
type CommandStatus string

const (
	// CommandQueued means the command is persisted and awaiting a worker.
	CommandQueued CommandStatus = "queued"
	// CommandProcessing means a dispatcher worker claimed the command.
	CommandProcessing CommandStatus = "processing"
	// CommandDone means execution finished successfully.
	CommandDone CommandStatus = "done"
	// CommandFailed means execution finished with an error recorded.
	CommandFailed CommandStatus = "failed"
	// CommandUnknown means the adapter call timed out and reconciliation owns resolution.
	CommandUnknown CommandStatus = "unknown_outcome"
)

// Command is one user-issued intent, immutable once persisted except for
// status and timestamps.
type Command struct {
	ID        int64           `json:"id"`
	UID       string          `json:"uid"`
	AccountID int64           `json:"accountId"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    CommandStatus   `json:"status"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Error     string          `json:"error,omitempty"`
	OrderID   int64           `json:"orderId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SendOrderPayload carries the parameters for send_order commands. The
// pipeline also emits it internally when rewriting close_position.
type SendOrderPayload struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price,omitempty"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	StopGain   decimal.Decimal `json:"stopGain,omitempty"`
	StrategyID int64           `json:"strategyId,omitempty"`
	ReduceOnly bool            `json:"reduceOnly,omitempty"`
	PositionID int64           `json:"positionId,omitempty"`
	Comment    string          `json:"comment,omitempty"`
}

// CancelOrderPayload carries the parameters for cancel_order commands.
type CancelOrderPayload struct {
	OrderID int64 `json:"orderId"`
}

// ChangeOrderPayload carries the parameters for change_order commands.
// Zero-valued fields leave the corresponding order attribute untouched.
type ChangeOrderPayload struct {
	OrderID  int64           `json:"orderId"`
	Qty      decimal.Decimal `json:"qty,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	StopLoss decimal.Decimal `json:"stopLoss,omitempty"`
	StopGain decimal.Decimal `json:"stopGain,omitempty"`
}

// ClosePositionPayload carries the parameters for close_position commands.
// Qty zero closes the full position quantity.
type ClosePositionPayload struct {
	PositionID int64           `json:"positionId"`
	Qty        decimal.Decimal `json:"qty,omitempty"`
}

// CloseByPayload carries the parameters for close_by commands.
type CloseByPayload struct {
	PositionID   int64 `json:"positionId"`
	ByPositionID int64 `json:"byPositionId"`
}

// CommandResult is the synchronous response for one submitted command,
// index-aligned with the submitted batch.
type CommandResult struct {
	CommandID int64  `json:"commandId,omitempty"`
	OrderID   int64  `json:"orderId,omitempty"`
	Accepted  bool   `json:"accepted"`
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}
