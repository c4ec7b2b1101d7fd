package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskgate/internal/api"
	"taskgate/internal/clock"
	"taskgate/internal/config"
	"taskgate/internal/engine"
	"taskgate/internal/events"
	"taskgate/internal/forward"
	"taskgate/internal/gate"
	"taskgate/internal/logging"
	"taskgate/internal/metrics"
	"taskgate/internal/session"
	"taskgate/internal/storage"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. Without --config the built-in defaults are used.
ADMIN_PASSWORD and TASKGATE_STORAGE_DSN override the file.

Examples:
  taskgate serve
  taskgate serve --config taskgate.yaml --watch 5s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := config.NewManager(config.ResolvePath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, manager, watch, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	cmd.Flags().DurationVar(&watch, "watch", 0, "poll the config file for changes at this interval (0 disables)")
	return cmd
}

// app is everything serve wires together, kept separate so tests can build
// the stack without binding a port.
type app struct {
	logger    *slog.Logger
	levelVar  *slog.LevelVar
	tracker   *engine.Tracker
	events    *events.Log
	forwarder *forward.Forwarder
	tasks     storage.TaskStore
	handler   http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, clk clock.Clock, out io.Writer) (*app, error) {
	logger, levelVar := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, out)
	if cfg.UsesDefaultPassword() {
		logger.Warn("using built-in admin password; set ADMIN_PASSWORD or auth.admin_password_hash")
	}

	m := metrics.New()
	log := events.NewLog(cfg.Events.StoreLimit, clk)
	log.AddSink(m)
	fwd := forward.NewKafka(cfg.Forward.Kafka, logger)
	if fwd != nil {
		log.AddSink(fwd)
	}

	sessions := session.NewStore(cfg.Auth)
	tracker := engine.NewTracker(cfg.Gate, clk, logger)

	tasks, err := storage.NewStore(cfg.Storage)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		logger.Info("task storage disabled")
		tasks = nil
	case err != nil:
		return nil, fmt.Errorf("open storage: %w", err)
	default:
		if err := tasks.Init(ctx); err != nil {
			_ = tasks.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		logger.Info("task storage ready", "driver", cfg.Storage.Driver)
	}

	m.RegisterGauge("taskgate_tracked_clients", "Client records currently held by the tracker.",
		func() float64 { return float64(tracker.Len()) })
	m.RegisterGauge("taskgate_active_tokens", "Admin session tokens currently valid.",
		func() float64 { return float64(sessions.Len()) })
	m.RegisterGauge("taskgate_security_events_stored", "Security events held in memory.",
		func() float64 { return float64(log.Len()) })

	g := gate.New(tracker, log, sessions, gate.Options{
		Clock:             clk,
		Logger:            logger,
		Metrics:           m,
		TrustProxy:        cfg.API.TrustProxy,
		TrustedProxyCount: cfg.API.TrustedProxyCount,
		LogCooldown:       cfg.Gate.LogCooldown,
	})
	srv := api.NewServer(g, tasks, m, logger)

	return &app{
		logger:    logger,
		levelVar:  levelVar,
		tracker:   tracker,
		events:    log,
		forwarder: fwd,
		tasks:     tasks,
		handler:   srv.Handler(cfg.API.CORSAllowedOrigins),
	}, nil
}

// applyConfig pushes the reloadable parts of cfg into a running app.
func (a *app) applyConfig(cfg *config.Config) {
	a.tracker.UpdateConfig(cfg.Gate)
	a.levelVar.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger.Info("config reloaded",
		"max_requests_per_window", cfg.Gate.MaxRequestsPerWindow,
		"max_suspicious_per_window", cfg.Gate.MaxSuspiciousPerWindow)
}

func (a *app) close() {
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			a.logger.Error("close storage", "err", err)
		}
	}
}

func serve(ctx context.Context, manager *config.Manager, watch time.Duration, out io.Writer) error {
	cfg := manager.Get()
	a, err := newApp(ctx, cfg, clock.Real{}, out)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpServer, serveErr, err := api.Start(ctx, cfg.API, a.handler, a.logger)
	if err != nil {
		return err
	}

	a.tracker.Start(ctx)
	a.forwarder.Start(ctx)

	if watch > 0 && manager.Path() != "" {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go manager.Watch(watch, a.applyConfig, func(err error) {
			a.logger.Error("config reload failed", "err", err)
		}, stopWatch)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("serve: %w", err)
		}
		cancel()
	}
	a.logger.Info("shutting down", "addr", httpServer.Addr)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api shutdown", "err", err)
	}
	a.forwarder.Wait()
	return runErr
}
