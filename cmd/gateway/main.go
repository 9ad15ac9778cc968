// Command gateway launches the omsgate runtime: command pipeline, engine
// dispatchers, reconciliation scheduler, outbox worker, and the HTTP control
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/internal/dispatch"
	"github.com/tradeforge/omsgate/internal/exchange"
	"github.com/tradeforge/omsgate/internal/exchange/fake"
	"github.com/tradeforge/omsgate/internal/infra/persistence/postgres"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/outbox"
	"github.com/tradeforge/omsgate/internal/pipeline"
	"github.com/tradeforge/omsgate/internal/reconcile"
	"github.com/tradeforge/omsgate/internal/schema"
	httpserver "github.com/tradeforge/omsgate/internal/server/http"
	"github.com/tradeforge/omsgate/internal/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"

	shutdownTimeout          = 30 * time.Second
	controlShutdownTimeout   = 5 * time.Second
	schedulerShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second

	telemetryBusBuffer = 256
	dlqCapacity        = 256
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	cfg, fromFile, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !fromFile {
		logger.Printf("configuration file not found at %s, using defaults", cfgPath)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("validate config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, engines=%d", cfg.Environment, len(cfg.Engines))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	pool, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	store := postgres.New(pool)
	postgres.ObservePoolMetrics(pool, "omsgate")
	logger.Print("database pool ready")

	bus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	metrics := observability.NewRuntimeMetrics()
	dlq := observability.NewDeadLetterQueue(dlqCapacity)
	registry := buildAdapterRegistry(cfg)

	publisher := outbox.NewPublisher(store.Outbox)

	dispatcher := dispatch.New(cfg.Engines, dispatch.Deps{
		Accounts: store.Accounts,
		Commands: store.Commands,
		Orders:   store.Orders,
		Ledger:   store.Ledger,
		Recon:    store.Recon,
		Registry: registry,
		Events:   publisher,
		Metrics:  metrics,
		Bus:      bus,
	})
	dispatcher.Start()
	if err := dispatcher.Recover(ctx); err != nil {
		logger.Printf("requeue in-flight commands: %v", err)
	}

	pipe := pipeline.New(store.Accounts, store.Commands, store.Orders, store.Ledger, dispatcher, cfg.CloseLock.TTL)

	reconciler := reconcile.New(reconcile.Deps{
		Accounts: store.Accounts,
		Commands: store.Commands,
		Orders:   store.Orders,
		Ledger:   store.Ledger,
		Recon:    store.Recon,
		Outbox:   store.Outbox,
		Registry: registry,
		Engines:  cfg.Engines,
		Locks:    dispatcher,
		Events:   publisher,
		Bus:      bus,
	})
	scheduler, err := reconcile.NewScheduler(reconciler, cfg.Reconciliation, cfg.CloseLock)
	if err != nil {
		logger.Fatalf("initialise reconciliation scheduler: %v", err)
	}
	scheduler.Start()

	worker := outbox.NewWorker(cfg.Outbox, outbox.WorkerDeps{
		Store: store.Outbox,
		Bus:   bus,
		DLQ:   dlq,
	})
	worker.Start()

	handler := httpserver.NewHandler(httpserver.Deps{
		Pipeline:   pipe,
		Accounts:   store.Accounts,
		Orders:     store.Orders,
		Ledger:     store.Ledger,
		Outbox:     store.Outbox,
		Feed:       worker.Registry(),
		Reassign:   reconciler,
		Recon:      scheduler,
		Dispatcher: dispatcher,
	})
	server := &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", server.Addr)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		lifecycle:  &lifecycle,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		worker:     worker,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	if *cfgPath == "" {
		return filepath.Clean(defaultConfigPath), *debug
	}
	return *cfgPath, *debug
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// buildAdapterRegistry wires the paper-trading adapter for every configured
// engine. Live exchange connectivity plugs in here as additional factories.
func buildAdapterRegistry(cfg config.AppConfig) exchange.Registry {
	registry := make(exchange.Registry, len(cfg.Engines))
	for engine := range cfg.Engines {
		registry[engine] = func(schema.Account) (exchange.Adapter, error) {
			return fake.New(), nil
		}
	}
	return registry
}

type gracefulShutdownConfig struct {
	server     *http.Server
	lifecycle  *conc.WaitGroup
	scheduler  *reconcile.Scheduler
	dispatcher *dispatch.Dispatcher
	worker     *outbox.Worker
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}
	if cfg.lifecycle != nil {
		cfg.lifecycle.Wait()
	}
	if cfg.scheduler != nil {
		shutdownStep("stopping reconciliation scheduler", schedulerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.scheduler.Stop(stepCtx)
		})
	}
	if cfg.dispatcher != nil {
		shutdownStep("stopping dispatchers", schedulerShutdownTimeout, func(context.Context) error {
			cfg.dispatcher.Stop()
			return nil
		})
	}
	if cfg.worker != nil {
		shutdownStep("stopping outbox worker", schedulerShutdownTimeout, func(context.Context) error {
			cfg.worker.Stop()
			return nil
		})
	}
	if cfg.pool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.pool.Close()
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
