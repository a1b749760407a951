package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/opsbridge/ticketbridge/internal/bridge"
	"github.com/opsbridge/ticketbridge/internal/config"
	"github.com/opsbridge/ticketbridge/internal/credcache"
	"github.com/opsbridge/ticketbridge/internal/httpapi"
	"github.com/opsbridge/ticketbridge/internal/platform"
	"github.com/opsbridge/ticketbridge/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ticketbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.StringP("config", "c", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newStateBackend(cfg)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}

	store, err := bridge.NewStore(backend, logger)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	defer store.Close()

	alerts := platform.NewAlertHTTPSink(platform.AlertHTTPOptions{
		BaseURL: cfg.Alerts.BaseURL,
		APIKey:  cfg.Alerts.APIKey,
		Logger:  logger,
	})

	tracker := ratelimit.New(ratelimit.Options{
		Alerts:            alerts,
		Logger:            logger,
		WarnThreshold:     cfg.Alerts.WarnThreshold,
		CriticalThreshold: cfg.Alerts.CriticalThreshold,
	})

	helpdesk := platform.NewHelpdeskHTTPClient(platform.HelpdeskHTTPOptions{
		BaseURL:  cfg.Helpdesk.BaseURL,
		APIKey:   cfg.Helpdesk.APIKey,
		Gate:     tracker,
		Observer: tracker,
		PageSize: cfg.Helpdesk.PageSize,
	})

	factory := platform.NewCloudHTTPFactory(platform.CloudHTTPOptions{
		BaseURL: cfg.Cloud.BaseURL,
	})

	broker := platform.NewBrokerHTTPClient(platform.BrokerHTTPOptions{
		BaseURL: cfg.Broker.BaseURL,
		Token:   cfg.Broker.Token,
	})

	creds := credcache.New(credcache.Options{
		Broker:         broker,
		Logger:         logger,
		TTL:            cfg.Broker.RefreshInterval.Std(),
		MasterFallback: cfg.Broker.MasterFallback,
	})
	go creds.Run(ctx)

	events := bridge.NewBus()
	engine := bridge.NewEngine(bridge.EngineOptions{
		Helpdesk:         helpdesk,
		CloudFactory:     factory,
		Credentials:      creds,
		Store:            store,
		Failures:         bridge.NewFailureTracker(),
		Alerts:           alerts,
		Events:           events,
		Logger:           logger,
		MaxEntryBytes:    cfg.Sync.MaxEntryBytes,
		MaxConversations: cfg.Sync.MaxConversations,
	})

	var brandClient platform.CloudClient
	if len(cfg.Cloud.Brands) > 0 {
		brandClient = factory.ClientFor(platform.Credential{
			APIID:  cfg.Cloud.BrandAPIID,
			APIKey: cfg.Cloud.BrandAPIKey,
		})
	}

	coord := bridge.NewCoordinator()
	runner := bridge.NewRunner(bridge.RunnerOptions{
		Coordinator:       coord,
		Engine:            engine,
		Store:             store,
		Logger:            logger,
		BrandClient:       brandClient,
		Brands:            cfg.Cloud.Brands,
		ExternalWorkers:   cfg.Sync.ExternalWorkers,
		ScheduledWorkers:  cfg.Sync.ScheduledWorkers,
		PollInterval:      cfg.Sync.PollInterval.Std(),
		SyncInterval:      cfg.Sync.Interval.Std(),
		DiscoveryInterval: cfg.Sync.DiscoveryInterval.Std(),
		ActivityInterval:  cfg.Sync.ActivityInterval.Std(),
		Enabled:           cfg.Sync.Enabled,
	})

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	api := httpapi.NewServer(httpapi.Options{
		Sync:      runner,
		Escalator: engine,
		Events:    events,
		Status:    statusFunc(runner, coord, tracker, creds, store),
		Logger:    logger,
		Token:     cfg.APIToken,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			runner.SetEnabled(next.Sync.Enabled)
		}); err != nil {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	<-runnerDone
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newStateBackend(cfg *config.Config) (bridge.StateBackend, error) {
	switch cfg.State.Backend {
	case "postgres":
		return bridge.NewPostgresStateBackend(cfg.State.PostgresDSN)
	default:
		return bridge.NewFileStateBackend(cfg.State.Path)
	}
}

func statusFunc(runner *bridge.Runner, coord *bridge.Coordinator, tracker *ratelimit.Tracker, creds *credcache.Cache, store *bridge.Store) httpapi.StatusFunc {
	return func() httpapi.StatusSnapshot {
		external, scheduled, active := coord.Depths()
		return httpapi.StatusSnapshot{
			Enabled:          runner.Enabled(),
			Rate:             tracker.Snapshot(),
			Cache:            creds.Snapshot(),
			QueueExternal:    external,
			QueueScheduled:   scheduled,
			ActiveSyncs:      active,
			MonitoredTickets: store.MonitoredCount(),
			LastSyncedAt:     store.LastSyncedAt(),
			Now:              time.Now().UTC(),
		}
	}
}
