// Package dispatch executes queued commands against the exchange adapters.
// One worker pool per engine, strict per-(engine,account) serialization, and
// worker affinity with persisted hints for warm restarts.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/domain/accountstore"
	"github.com/tradeforge/omsgate/internal/domain/commandstore"
	"github.com/tradeforge/omsgate/internal/domain/ledgerstore"
	"github.com/tradeforge/omsgate/internal/domain/orderstore"
	"github.com/tradeforge/omsgate/internal/domain/reconstore"
	"github.com/tradeforge/omsgate/internal/exchange"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/router"
	"github.com/tradeforge/omsgate/internal/schema"
	"github.com/tradeforge/omsgate/internal/telemetry"
)

// Work is one queued unit of execution: a persisted command bound to its
// engine and account.
type Work struct {
	Engine    schema.Engine
	AccountID int64
	CommandID int64
}

// Events receives domain state changes for durable publication. The outbox
// publisher implements it; a nil Events drops the notifications.
type Events interface {
	OrderUpserted(ctx context.Context, order schema.Order)
	DealAppended(ctx context.Context, deal schema.Deal)
	PositionsUpserted(ctx context.Context, positions []schema.Position)
	CommandFinished(ctx context.Context, cmd schema.Command)
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Accounts accountstore.Store
	Commands commandstore.Store
	Orders   orderstore.Store
	Ledger   ledgerstore.Store
	Recon    reconstore.Store
	Registry exchange.Registry
	Events   Events
	Metrics  *observability.RuntimeMetrics
	Bus      observability.TelemetryBus
}

type assignKey struct {
	engine    schema.Engine
	accountID int64
}

type pool struct {
	cfg     config.EngineConfig
	workers []chan Work
}

// Dispatcher owns the per-engine worker pools. It is constructed, started,
// and stopped explicitly; no ambient global state.
type Dispatcher struct {
	deps  Deps
	pools map[schema.Engine]*pool
	locks *lockTable

	assignMu    sync.Mutex
	assignments map[assignKey]int

	adapterMu sync.Mutex
	adapters  map[int64]exchange.Adapter

	startOnce sync.Once
	stopOnce  sync.Once
	stopMu    sync.RWMutex
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup

	commandDuration metric.Float64Histogram
	commandCounter  metric.Int64Counter
}

// New constructs a stopped dispatcher for the configured engines.
func New(engines map[schema.Engine]config.EngineConfig, deps Deps) *Dispatcher {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewRuntimeMetrics()
	}
	d := &Dispatcher{
		deps:        deps,
		pools:       make(map[schema.Engine]*pool, len(engines)),
		locks:       newLockTable(),
		assignments: make(map[assignKey]int),
		adapters:    make(map[int64]exchange.Adapter),
	}
	for engine, cfg := range engines {
		workers := make([]chan Work, cfg.Workers)
		for i := range workers {
			depth := cfg.QueueDepth
			if depth <= 0 {
				depth = 1
			}
			workers[i] = make(chan Work, depth)
		}
		d.pools[engine] = &pool{cfg: cfg, workers: workers}
	}

	meter := otel.Meter("dispatch")
	d.commandDuration, _ = meter.Float64Histogram("dispatch.command.duration",
		metric.WithDescription("Command execution duration"),
		metric.WithUnit("s"))
	d.commandCounter, _ = meter.Int64Counter("dispatch.commands.finished",
		metric.WithDescription("Commands finished by terminal status"),
		metric.WithUnit("{command}"))
	return d
}

// Start launches the worker goroutines. Idempotent.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(context.Background())
		for engine, p := range d.pools {
			for i, ch := range p.workers {
				engine, i, ch := engine, i, ch
				d.wg.Go(func() { d.run(engine, i, ch) })
			}
		}
	})
}

// Stop drains the pools: no further Enqueue succeeds, in-flight commands
// finish, and every worker goroutine exits before Stop returns.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		// Block intake before touching the channels so a racing Enqueue
		// can never send on a closed channel.
		d.stopMu.Lock()
		d.stopped = true
		d.stopMu.Unlock()
		for _, p := range d.pools {
			for _, ch := range p.workers {
				close(ch)
			}
		}
		d.wg.Wait()
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// Enqueue queues a persisted command onto its account's worker. A saturated
// worker queue rejects the command rather than blocking intake.
func (d *Dispatcher) Enqueue(ctx context.Context, engine schema.Engine, accountID, commandID int64) error {
	p, ok := d.pools[engine]
	if !ok {
		return errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("engine is not running in this process"))
	}

	worker, err := d.AssignWorker(ctx, engine, accountID)
	if err != nil {
		return err
	}

	// The read lock pins the stopped flag across the send so Stop cannot
	// close the channel mid-Enqueue.
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		return errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("dispatcher is stopped"))
	}

	ch := p.workers[worker]
	select {
	case ch <- Work{Engine: engine, AccountID: accountID, CommandID: commandID}:
		d.deps.Metrics.RecordQueueDepth(workerKey(engine, worker), len(ch))
		return nil
	default:
		d.publishTelemetry(ctx, observability.TelemetryEvent{
			Type:      observability.TelemetryEventQueueSaturated,
			Severity:  observability.TelemetrySeverityWarn,
			AccountID: accountID,
			Metadata: map[string]any{
				"engine": string(engine),
				"worker": worker,
			},
		})
		return errs.New(string(engine), errs.CodeConflict,
			errs.WithMessage("worker queue saturated"),
			errs.WithRemediation("retry after the backlog drains"),
			errs.WithField("worker", fmt.Sprint(worker)))
	}
}

// AssignWorker resolves the worker slot for an account with a typed fallback
// chain: in-memory cache, then the persisted hint validated against the
// current pool size, then the least-loaded worker. The chosen slot is written
// back as the new hint so restarts keep affinity warm.
func (d *Dispatcher) AssignWorker(ctx context.Context, engine schema.Engine, accountID int64) (int, error) {
	p, ok := d.pools[engine]
	if !ok {
		return 0, errs.New(string(engine), errs.CodeEngineUnavailable,
			errs.WithMessage("engine is not running in this process"))
	}

	d.assignMu.Lock()
	defer d.assignMu.Unlock()

	key := assignKey{engine: engine, accountID: accountID}
	if worker, ok := d.assignments[key]; ok && worker < len(p.workers) {
		return worker, nil
	}

	worker := -1
	account, err := d.deps.Accounts.Get(ctx, accountID)
	if err == nil && account.WorkerHint >= 0 && account.WorkerHint < len(p.workers) {
		worker = account.WorkerHint
	}
	if worker < 0 {
		worker = d.leastLoaded(p)
	}

	d.assignments[key] = worker
	if err == nil && account.WorkerHint != worker {
		if hintErr := d.deps.Accounts.SetWorkerHint(ctx, accountID, worker); hintErr != nil {
			observability.Log().Error("dispatch: persist worker hint",
				observability.Field{Key: "account_id", Value: accountID},
				observability.Field{Key: "error", Value: hintErr.Error()})
		}
	}
	return worker, nil
}

func (d *Dispatcher) leastLoaded(p *pool) int {
	best, bestLoad := 0, int(^uint(0)>>1)
	for i, ch := range p.workers {
		if load := len(ch); load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

// Recover re-enqueues commands left queued by a previous process. Called once
// after Start, before intake opens.
func (d *Dispatcher) Recover(ctx context.Context) error {
	accounts, err := d.deps.Accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: recover: %w", err)
	}
	for _, account := range accounts {
		engine, err := router.EngineOf(account)
		if err != nil {
			continue
		}
		p, ok := d.pools[engine]
		if !ok {
			continue
		}
		queued, err := d.deps.Commands.ListQueued(ctx, account.ID, p.cfg.QueueDepth)
		if err != nil {
			return fmt.Errorf("dispatch: recover account %d: %w", account.ID, err)
		}
		for _, cmd := range queued {
			if err := d.Enqueue(ctx, engine, account.ID, cmd.ID); err != nil {
				observability.Log().Error("dispatch: recover enqueue",
					observability.Field{Key: "command_id", Value: cmd.ID},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
	return nil
}

func (d *Dispatcher) run(engine schema.Engine, index int, ch chan Work) {
	key := workerKey(engine, index)
	for work := range ch {
		d.deps.Metrics.RecordQueueDepth(key, len(ch))
		d.process(d.ctx, work)
		d.deps.Metrics.IncrementCommandsProcessed(key)
	}
}

// LockAccount acquires the per-(engine, account) execution lock shared with
// the worker loop and returns its release func. Reconciliation passes hold it
// while mutating rows the workers also write.
func (d *Dispatcher) LockAccount(engine schema.Engine, accountID int64) func() {
	return d.locks.Acquire(engine, accountID)
}

func (d *Dispatcher) process(ctx context.Context, work Work) {
	release := d.locks.Acquire(work.Engine, work.AccountID)
	defer release()

	cmd, err := d.deps.Commands.Get(ctx, work.CommandID)
	if err != nil {
		observability.Log().Error("dispatch: load command",
			observability.Field{Key: "command_id", Value: work.CommandID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if cmd.Status != schema.CommandQueued {
		return
	}

	account, err := d.deps.Accounts.Get(ctx, cmd.AccountID)
	if err != nil {
		d.finish(ctx, work.Engine, cmd, err)
		return
	}
	engine, err := router.EngineOf(account)
	if err == nil && engine != work.Engine {
		err = errs.New(string(work.Engine), errs.CodeAccountEngineMismatch,
			errs.WithMessage("account does not belong to this engine"),
			errs.WithField("account_engine", string(engine)))
	}
	if err != nil {
		d.finish(ctx, work.Engine, cmd, err)
		return
	}

	if err := d.deps.Commands.UpdateStatus(ctx, commandstore.StatusUpdate{
		ID:     cmd.ID,
		Status: schema.CommandProcessing,
	}); err != nil {
		observability.Log().Error("dispatch: claim command",
			observability.Field{Key: "command_id", Value: cmd.ID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	cmd.Status = schema.CommandProcessing

	started := time.Now()
	execErr := d.execute(ctx, work.Engine, account, cmd)
	d.recordDuration(ctx, work.Engine, cmd, execErr, time.Since(started))
	d.finish(ctx, work.Engine, cmd, execErr)
}

// finish records the command's terminal status. Timeout outcomes are unknown,
// not failed: reconciliation resolves them against exchange truth.
func (d *Dispatcher) finish(ctx context.Context, engine schema.Engine, cmd schema.Command, execErr error) {
	update := commandstore.StatusUpdate{ID: cmd.ID, Status: schema.CommandDone}
	switch {
	case execErr == nil:
	case errs.Is(execErr, errs.CodeUnknownOutcome):
		update.Status = schema.CommandUnknown
		update.ErrorCode = string(errs.CodeUnknownOutcome)
		update.Error = execErr.Error()
		d.deps.Metrics.IncrementUnknownOutcomes(string(engine))
		d.publishTelemetry(ctx, observability.TelemetryEvent{
			Type:       observability.TelemetryEventUnknownOutcome,
			Severity:   observability.TelemetrySeverityWarn,
			AccountID:  cmd.AccountID,
			CommandUID: cmd.UID,
			Metadata:   map[string]any{"engine": string(engine), "type": string(cmd.Type)},
		})
	default:
		update.Status = schema.CommandFailed
		update.ErrorCode = string(errs.CodeOf(execErr))
		update.Error = execErr.Error()
	}

	if err := d.deps.Commands.UpdateStatus(ctx, update); err != nil {
		observability.Log().Error("dispatch: finish command",
			observability.Field{Key: "command_id", Value: cmd.ID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	cmd.Status = update.Status
	cmd.ErrorCode = update.ErrorCode
	cmd.Error = update.Error
	if d.deps.Events != nil {
		d.deps.Events.CommandFinished(ctx, cmd)
	}
}

func (d *Dispatcher) recordDuration(ctx context.Context, engine schema.Engine, cmd schema.Command, execErr error, elapsed time.Duration) {
	if d.commandDuration == nil && d.commandCounter == nil {
		return
	}
	status := "done"
	switch {
	case errs.Is(execErr, errs.CodeUnknownOutcome):
		status = "unknown_outcome"
	case execErr != nil:
		status = "failed"
	}
	attrs := metric.WithAttributes(
		append(
			telemetry.CommandAttributes(telemetry.Environment(), string(engine), string(cmd.Type), status),
			attribute.Int64("account", cmd.AccountID),
		)...)
	if d.commandDuration != nil {
		d.commandDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if d.commandCounter != nil {
		d.commandCounter.Add(ctx, 1, attrs)
	}
}

// RuntimeSnapshot exposes the in-memory dispatcher counters for the debug
// surface.
func (d *Dispatcher) RuntimeSnapshot() observability.DispatcherMetricsSnapshot {
	return d.deps.Metrics.Snapshot()
}

func (d *Dispatcher) publishTelemetry(ctx context.Context, event observability.TelemetryEvent) {
	if d.deps.Bus == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := d.deps.Bus.Publish(ctx, event); err != nil {
		observability.Log().Debug("dispatch: telemetry publish dropped",
			observability.Field{Key: "type", Value: string(event.Type)})
	}
}

func workerKey(engine schema.Engine, index int) string {
	return fmt.Sprintf("%s/%d", engine, index)
}
