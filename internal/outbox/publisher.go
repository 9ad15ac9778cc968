// Package outbox turns domain state changes into durable, ordered events.
// The publisher appends to the outbox store inside the emitting flow; the
// delivery worker drains pending rows to subscribers and marks them
// delivered, so downstream consumers never miss a change across restarts.
package outbox

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/schema"
)

// Namespace is the event namespace for domain state changes.
const Namespace = "oms"

// Event types appended by the publisher.
const (
	EventOrderUpserted    = "order.upserted"
	EventDealAppended     = "deal.appended"
	EventPositionUpserted = "position.upserted"
	EventCommandFinished  = "command.finished"
)

// Publisher appends domain events to the outbox. It satisfies the event
// hooks of both the dispatcher and the reconciler.
type Publisher struct {
	store outboxstore.Store
}

// NewPublisher builds a publisher over the store.
func NewPublisher(store outboxstore.Store) *Publisher {
	return &Publisher{store: store}
}

// OrderUpserted appends an order state change.
func (p *Publisher) OrderUpserted(ctx context.Context, order schema.Order) {
	p.append(ctx, EventOrderUpserted, order.AccountID, order)
}

// DealAppended appends a new deal event.
func (p *Publisher) DealAppended(ctx context.Context, deal schema.Deal) {
	p.append(ctx, EventDealAppended, deal.AccountID, deal)
}

// PositionsUpserted appends one event per touched position.
func (p *Publisher) PositionsUpserted(ctx context.Context, positions []schema.Position) {
	for _, position := range positions {
		p.append(ctx, EventPositionUpserted, position.AccountID, position)
	}
}

// CommandFinished appends a command lifecycle completion.
func (p *Publisher) CommandFinished(ctx context.Context, cmd schema.Command) {
	p.append(ctx, EventCommandFinished, cmd.AccountID, cmd)
}

func (p *Publisher) append(ctx context.Context, eventType string, accountID int64, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		observability.Log().Error("outbox: encode event",
			observability.Field{Key: "type", Value: eventType},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if _, err := p.store.Append(ctx, outboxstore.Event{
		Namespace: Namespace,
		EventType: eventType,
		AccountID: accountID,
		Payload:   payload,
	}); err != nil {
		observability.Log().Error("outbox: append event",
			observability.Field{Key: "type", Value: eventType},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
