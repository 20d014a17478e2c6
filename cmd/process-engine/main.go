// Command process-engine runs the process engine daemon: the HTTP API, a
// periodic sweep of open processes and the orphan cleanup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/process-engine/api"
	"github.com/songzhibin97/process-engine/config"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/factory"
	"github.com/songzhibin97/process-engine/lifecycle"
	"github.com/songzhibin97/process-engine/logging"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/prerequisites"
	"github.com/songzhibin97/process-engine/registry"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/workflow"
)

const cleanupInterval = time.Hour

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "process-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exprs := rules.NewExprEvaluator()
	reg := registry.New(
		registry.WithSource(registry.DirSource(cfg.Workflows.Dir)),
		registry.WithExprEvaluator(exprs),
		registry.WithLogger(logger),
	)
	if err := reg.Reload(ctx); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	recorder := metrics.New(prometheus.DefaultRegisterer)

	bus := events.NewEventBus(events.WithBufferSize(cfg.Events.BufferSize), events.WithLogger(logger))
	defer bus.Stop()
	bus.SubscribeAll(events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		logger.Info("event", "type", ev.Type, "process_id", ev.ProcessID, "workflow_id", ev.WorkflowID, "data", ev.Data)
		return nil
	}))

	evaluator := prerequisites.NewEvaluator(
		prerequisites.WithScripts(prerequisites.NewScriptRegistry()),
		prerequisites.WithExprEvaluator(exprs),
		prerequisites.WithAPITimeout(cfg.Engine.APITimeout),
		prerequisites.WithScriptTimeout(cfg.Engine.ScriptTimeout),
		prerequisites.WithLogger(logger),
		prerequisites.WithMetrics(recorder),
	)
	engine, err := workflow.NewEngine(reg, evaluator, store,
		workflow.WithMaxCascadeDepth(cfg.Engine.MaxCascadeDepth),
		workflow.WithConcurrency(cfg.Engine.SweepConcurrency),
		workflow.WithPublisher(bus),
		workflow.WithLogger(logger),
		workflow.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}

	fac, err := factory.New(generator.NewSnowflake(time.Now().Add(-1*time.Second), 1))
	if err != nil {
		return err
	}
	hook, err := lifecycle.New(reg, fac, engine,
		lifecycle.WithPublisher(bus),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}

	handler := api.NewServer(engine, hook, reg,
		api.WithLogger(logger),
		api.WithMetricsHandler(promhttp.Handler()),
		api.WithHardDeleteDefault(cfg.Engine.HardDelete),
		api.WithOrphanRetention(cfg.Engine.OrphanRetention),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runSweeps(ctx, engine, cfg.Engine.SweepInterval, logger)
	go runCleanup(ctx, hook, cfg.Engine.OrphanRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Type,
			"workflows", len(reg.Workflows()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStorage(cfg config.StorageConfig) (storage.Storage, func(), error) {
	switch cfg.Type {
	case config.StorageRedis:
		rs, err := storage.NewRedisStorage(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

// runSweeps advances open processes every interval until ctx is done. A zero
// interval disables periodic sweeps; POST /sweep still works.
func runSweeps(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.Sweep(ctx); err != nil {
				logger.Error("sweep failed", "error", err)
			}
		}
	}
}

func runCleanup(ctx context.Context, hook *lifecycle.Hook, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := hook.CleanupOrphanedProcesses(ctx, retention)
			if err != nil {
				logger.Error("orphan cleanup failed", "error", err)
			}
			if n > 0 {
				logger.Info("orphaned processes deleted", "count", n)
			}
		}
	}
}
