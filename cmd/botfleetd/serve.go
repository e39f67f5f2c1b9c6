package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jrepp/botfleet/pkg/api"
	"github.com/jrepp/botfleet/pkg/billing"
	"github.com/jrepp/botfleet/pkg/config"
	"github.com/jrepp/botfleet/pkg/entitlement"
	"github.com/jrepp/botfleet/pkg/lifecycle"
	"github.com/jrepp/botfleet/pkg/observability"
	"github.com/jrepp/botfleet/pkg/procmgr"
	"github.com/jrepp/botfleet/pkg/registry"
	"github.com/jrepp/botfleet/pkg/storage"
	"github.com/jrepp/botfleet/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the HTTP API, the periodic reconcile loop and, when billing.nats.url is
set, the NATS billing event subscription.

Example:
  botfleetd serve
  botfleetd serve --listen :9000 --backend container
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("backend", config.BackendProcess, "Supervisor backend (process, container)")
	serveCmd.Flags().String("nats-url", "", "NATS URL for billing events (disabled when empty)")
	serveCmd.Flags().Bool("tracing", false, "Enable OpenTelemetry tracing to stdout")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.SetupTracing(ctx, cfg.Tracing, "botfleetd", version, log)
	if err != nil {
		return err
	}
	defer tracing.Shutdown(context.WithoutCancel(ctx))

	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	gatherers := prometheus.Gatherers{}

	sup, supRegistry, err := newSupervisor(cfg, log)
	if err != nil {
		return err
	}
	defer sup.Close()
	if supRegistry != nil {
		gatherers = append(gatherers, supRegistry)
	}

	ents := entitlement.NewStore(db, cfg.Plans)
	reg := registry.New(db, ents, registry.WithLogger(log))

	metrics := lifecycle.NewMetrics()
	ctrl := lifecycle.New(reg, ents, supervisor.Bounded(sup, cfg.Supervisor.Timeout), cfg.LifecycleConfig(),
		lifecycle.WithLogger(log),
		lifecycle.WithMetrics(metrics))
	gatherers = append(gatherers, metrics.Registry())

	seen, closeSeen, err := newSeenEvents(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeSeen()

	events := billing.NewHandler(ents, seen, ctrl, log)
	gatherers = append(gatherers, events.Registry())

	runtime := prometheus.NewRegistry()
	runtime.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gatherers = append(gatherers, runtime)

	server := api.NewServer(ctrl, events,
		api.WithLogger(log),
		api.WithGatherer(gatherers))

	log.Info("botfleetd starting",
		"version", version,
		"listen", cfg.Server.Listen,
		"backend", sup.Name(),
		"db", db.Path())

	var src *billing.NATSSource
	if cfg.Billing.NATS.Enabled() {
		if src, err = billing.NewNATSSource(cfg.Billing.NATS, events, log); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.Listen, cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	if src != nil {
		g.Go(func() error {
			return src.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("botfleetd stopped")
	return err
}

func openDB(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage.DB, error) {
	dbCfg, err := storage.ParseDatabaseURN(cfg.Storage.DB)
	if err != nil {
		return nil, fmt.Errorf("invalid database URN: %w", err)
	}
	log.Info("opening storage", "type", dbCfg.Type, "path", dbCfg.Path)
	db, err := storage.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return db, nil
}

// newSupervisor builds the configured backend. The process backend also
// returns the registry of its process manager metrics.
func newSupervisor(cfg *config.Config, log *slog.Logger) (supervisor.Supervisor, *prometheus.Registry, error) {
	switch cfg.Supervisor.Backend {
	case config.BackendContainer:
		c, err := supervisor.NewContainer(cfg.Supervisor.Container, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create container supervisor: %w", err)
		}
		return c, nil, nil
	default:
		pmMetrics := procmgr.NewPrometheusMetricsCollector("botfleet_supervisor")
		p, err := supervisor.NewProcess(cfg.Supervisor.Process, log,
			procmgr.WithMetricsCollector(pmMetrics))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create process supervisor: %w", err)
		}
		return p, pmMetrics.Registry(), nil
	}
}

func newSeenEvents(ctx context.Context, cfg *config.Config, db *storage.DB) (entitlement.SeenEvents, func(), error) {
	if cfg.Billing.Dedupe == config.DedupeRedis {
		r, err := entitlement.NewRedisSeenEvents(ctx, cfg.Billing.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return r, func() { r.Close() }, nil
	}
	return entitlement.NewSQLiteSeenEvents(db), func() {}, nil
}
