package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/telemetry"
)

// deliverRetries bounds the in-poll retry burst for one record. A record
// that still fails keeps its pending row and returns on the next poll.
const deliverRetries = 3

// Sink is an optional external delivery target (webhook, broker bridge).
// A nil sink means in-process subscribers are the only consumers.
type Sink interface {
	Deliver(ctx context.Context, record outboxstore.EventRecord) error
}

// Registry fans delivered events out to in-process subscribers. Sends are
// non-blocking: a slow subscriber misses live events and catches up through
// the store's cursor listing.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]chan outboxstore.EventRecord
}

// NewRegistry builds an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[int64]chan outboxstore.EventRecord)}
}

// Subscribe registers a buffered live feed. The returned cancel func closes
// the channel and removes the subscription.
func (r *Registry) Subscribe(buffer int) (<-chan outboxstore.EventRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan outboxstore.EventRecord, buffer)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) broadcast(record outboxstore.EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		select {
		case sub <- record:
		default:
		}
	}
}

// WorkerDeps wires the delivery worker's collaborators.
type WorkerDeps struct {
	Store    outboxstore.Store
	Registry *Registry
	Sink     Sink
	Bus      observability.TelemetryBus
	DLQ      *observability.DeadLetterQueue
}

// Worker drains pending outbox rows in cursor order: sink first (with a
// bounded retry burst), then the in-process registry, then the delivered
// mark. Records that exhaust their attempts divert to the dead letter queue
// so one poison event cannot wedge the stream.
type Worker struct {
	cfg  config.OutboxConfig
	deps WorkerDeps

	attempts metric.Int64Histogram

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

// NewWorker constructs a stopped delivery worker.
func NewWorker(cfg config.OutboxConfig, deps WorkerDeps) *Worker {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	w := &Worker{cfg: cfg, deps: deps}
	meter := otel.Meter("outbox")
	w.attempts, _ = meter.Int64Histogram("outbox.delivery.attempts",
		metric.WithDescription("Delivery attempts consumed per outbox event"))
	return w
}

// Registry exposes the worker's subscriber registry.
func (w *Worker) Registry() *Registry {
	return w.deps.Registry
}

// Start launches the poll loop.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(context.Background())
		w.wg.Go(w.run)
	})
}

// Stop halts the poll loop and waits for the in-flight drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *Worker) run() {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.DrainOnce(w.ctx); err != nil {
				observability.Log().Error("outbox: drain",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// DrainOnce processes one batch of pending events.
func (w *Worker) DrainOnce(ctx context.Context) error {
	batch := w.cfg.BatchSize
	if batch <= 0 {
		batch = 128
	}
	records, err := w.deps.Store.ListPending(ctx, batch)
	if err != nil {
		return err
	}
	if len(records) == batch {
		w.publishTelemetry(ctx, observability.TelemetryEvent{
			Type:     observability.TelemetryEventOutboxBacklog,
			Severity: observability.TelemetrySeverityWarn,
			Metadata: map[string]any{"pending": len(records)},
		})
	}

	for _, record := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if w.cfg.MaxAttempts > 0 && record.Attempts >= w.cfg.MaxAttempts {
			w.divertToDLQ(ctx, record)
			continue
		}
		if err := w.deliver(ctx, record); err != nil {
			if markErr := w.deps.Store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}
		w.deps.Registry.broadcast(record)
		if err := w.deps.Store.MarkDelivered(ctx, record.ID); err != nil {
			return err
		}
		w.recordAttempts(ctx, record)
	}
	return nil
}

// deliver pushes the record into the sink, retrying transient failures with
// exponential backoff before giving the poll loop its turn.
func (w *Worker) deliver(ctx context.Context, record outboxstore.EventRecord) error {
	if w.deps.Sink == nil {
		return nil
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 50 * time.Millisecond
	backoffCfg.MaxInterval = time.Second

	var err error
	for attempt := 0; attempt < deliverRetries; attempt++ {
		err = w.deps.Sink.Deliver(ctx, record)
		if err == nil {
			return nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}

// divertToDLQ removes a poison record from the pending stream after its
// attempts are exhausted, keeping a trace in the dead letter queue.
func (w *Worker) divertToDLQ(ctx context.Context, record outboxstore.EventRecord) {
	event := observability.TelemetryEvent{
		Type:      observability.TelemetryEventDLQPublished,
		Severity:  observability.TelemetrySeverityError,
		AccountID: record.AccountID,
		Metadata: map[string]any{
			"event_id":   record.ID,
			"event_type": record.EventType,
			"attempts":   record.Attempts,
			"last_error": record.LastError,
		},
	}
	if w.deps.DLQ != nil {
		w.deps.DLQ.Offer(event)
	}
	w.publishTelemetry(ctx, event)
	if err := w.deps.Store.MarkDelivered(ctx, record.ID); err != nil {
		observability.Log().Error("outbox: retire poison event",
			observability.Field{Key: "event_id", Value: record.ID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (w *Worker) recordAttempts(ctx context.Context, record outboxstore.EventRecord) {
	if w.attempts == nil {
		return
	}
	w.attempts.Record(ctx, int64(record.Attempts+1), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("event.type", record.EventType),
	))
}

func (w *Worker) publishTelemetry(ctx context.Context, event observability.TelemetryEvent) {
	if w.deps.Bus == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := w.deps.Bus.Publish(ctx, event); err != nil {
		observability.Log().Debug("outbox: telemetry publish dropped",
			observability.Field{Key: "type", Value: string(event.Type)})
	}
}
