/*
main.go - Application entry point

PURPOSE:
  Starts the Period Rewards server and exposes the admin operations as
  subcommands. Handles configuration, dependency injection, and graceful
  shutdown.

COMMANDS:
  serve                        HTTP API (default when no command is given)
  periods generate             Insert missing available periods around now
  preview --type --id          Print who would get what for a period
  distribute --type --id       Pay out a period (--force, --admin)

STARTUP SEQUENCE (serve):
  1. Load config (file, REWARDS_* env, defaults)
  2. Open the store (sqlite or postgres)
  3. Build engine, metrics observer, and handler
  4. Generate available periods
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server serve --config rewards.yaml
  REWARDS_DATABASE_DRIVER=postgres REWARDS_DATABASE_DSN=postgres://... ./server serve
  ./server preview --type weekly --id 2026-W04
  ./server distribute --type weekly --id 2026-W04 --admin alice

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - cmd/server/commands.go: Admin subcommands
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/warp/period-rewards/api"
	"github.com/warp/period-rewards/config"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
	"github.com/warp/period-rewards/store/postgres"
	"github.com/warp/period-rewards/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a command needs, built from config.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     generic.Store
	engine    *rewards.Engine
	generator *rewards.PeriodGenerator
	registry  *prometheus.Registry
}

// cli holds the flags shared by every command and the app the running
// command opened.
type cli struct {
	configPath string
	app        *app
}

// open builds the app from config. Commands call close when done.
func (c *cli) open(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd.Context(), c.configPath)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app == nil {
		return
	}
	if err := c.app.store.Close(); err != nil {
		c.app.logger.Warn("failed to close store", "event", "store_close_failed", "error", err)
	}
	c.app = nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer c.close()
			return a.serve(cmd.Context())
		},
	}

	root := &cobra.Command{
		Use:          "server",
		Short:        "Leaderboard reward distribution for weekly, monthly and yearly periods",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")
	root.AddCommand(serve, c.periodsCmd(), c.previewCmd(), c.distributeCmd())
	return root
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := rewards.NewPrometheusObserver("rewards", registry)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	engine := rewards.NewEngine(store, nil)
	engine.Observer = observer
	engine.Logger = logger
	engine.Catalog.Logger = logger
	engine.Configs.Logger = logger

	generator := rewards.NewPeriodGenerator(store, cfg.Periods.Past, cfg.Periods.Future)
	generator.Logger = logger

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    engine,
		generator: generator,
		registry:  registry,
	}, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (generic.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite: %w", err)
		}
		return store, nil
	}
}

// =============================================================================
// SERVE
// =============================================================================

func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := a.generator.Generate(ctx)
	if err != nil {
		a.logger.Warn("period generation failed at startup", "event", "startup_generate_failed", "error", err)
	} else {
		a.logger.Info("available periods generated", "event", "startup_generate", "inserted", result.Total())
	}

	handler := api.NewHandler(a.store, a.engine, a.generator)
	opts := api.RouterOptions{AllowedOrigins: a.cfg.CORS.AllowedOrigins}
	if a.cfg.Metrics.Enabled {
		opts.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			"event", "server_start",
			"addr", server.Addr,
			"driver", a.cfg.Database.Driver,
			"metrics", a.cfg.Metrics.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server", "event", "server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped", "event", "server_stopped")
	return nil
}
