package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/schema"
	"github.com/tradeforge/omsgate/internal/testutil"
)

type scriptedSink struct {
	mu        sync.Mutex
	failures  int
	delivered []int64
}

func (s *scriptedSink) Deliver(_ context.Context, record outboxstore.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink down")
	}
	s.delivered = append(s.delivered, record.ID)
	return nil
}

func outboxConfig() config.OutboxConfig {
	return config.OutboxConfig{PollInterval: 10 * time.Millisecond, BatchSize: 16, MaxAttempts: 5}
}

func TestPublisherAppendsDomainEvents(t *testing.T) {
	store := testutil.NewMemoryOutbox()
	publisher := NewPublisher(store)
	ctx := context.Background()

	publisher.OrderUpserted(ctx, schema.Order{ID: 1, AccountID: 9, Symbol: "BTC-USDT"})
	publisher.DealAppended(ctx, schema.Deal{ID: 2, AccountID: 9, Qty: decimal.NewFromInt(1)})
	publisher.PositionsUpserted(ctx, []schema.Position{{ID: 3, AccountID: 9}, {ID: 4, AccountID: 9}})
	publisher.CommandFinished(ctx, schema.Command{ID: 5, AccountID: 9, UID: "uid-1"})

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("expected 5 events, got %d", len(pending))
	}
	wantTypes := []string{
		EventOrderUpserted,
		EventDealAppended,
		EventPositionUpserted,
		EventPositionUpserted,
		EventCommandFinished,
	}
	for i, record := range pending {
		if record.Namespace != Namespace {
			t.Fatalf("event %d: wrong namespace %q", i, record.Namespace)
		}
		if record.EventType != wantTypes[i] {
			t.Fatalf("event %d: got type %q want %q", i, record.EventType, wantTypes[i])
		}
	}
}

func TestDrainDeliversInCursorOrder(t *testing.T) {
	store := testutil.NewMemoryOutbox()
	publisher := NewPublisher(store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		publisher.OrderUpserted(ctx, schema.Order{ID: int64(i + 1), AccountID: 1})
	}

	worker := NewWorker(outboxConfig(), WorkerDeps{Store: store})
	feed, cancel := worker.Registry().Subscribe(8)
	defer cancel()

	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var got []int64
	for i := 0; i < 3; i++ {
		select {
		case record := <-feed:
			got = append(got, record.ID)
		default:
			t.Fatalf("expected 3 live events, got %d", len(got))
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("events out of cursor order: %v", got)
		}
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty pending set, got %d", len(pending))
	}
}

func TestFailingSinkKeepsRecordPending(t *testing.T) {
	store := testutil.NewMemoryOutbox()
	ctx := context.Background()
	NewPublisher(store).OrderUpserted(ctx, schema.Order{ID: 1, AccountID: 1})

	sink := &scriptedSink{failures: deliverRetries}
	worker := NewWorker(outboxConfig(), WorkerDeps{Store: store, Sink: sink})

	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("record must stay pending after sink failure, got %d pending", len(pending))
	}
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Fatalf("failure bookkeeping missing: %+v", pending[0])
	}

	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	pending, err = store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("recovered sink must drain the record, got %d pending", len(pending))
	}
	if len(sink.delivered) != 1 {
		t.Fatalf("expected 1 sink delivery, got %d", len(sink.delivered))
	}
}

func TestPoisonEventDivertsToDLQ(t *testing.T) {
	store := testutil.NewMemoryOutbox()
	ctx := context.Background()
	record, err := store.Append(ctx, outboxstore.Event{Namespace: Namespace, EventType: EventOrderUpserted, AccountID: 1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := store.MarkFailed(ctx, record.ID, "sink down"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	dlq := observability.NewDeadLetterQueue(10)
	worker := NewWorker(outboxConfig(), WorkerDeps{
		Store: store,
		Sink:  &scriptedSink{failures: 1 << 10},
		DLQ:   dlq,
	})

	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if dlq.Len() != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", dlq.Len())
	}
	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("poison record must leave the pending stream, got %d", len(pending))
	}
}
