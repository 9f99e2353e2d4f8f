package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orrn/printfleet/internal/api"
	"github.com/orrn/printfleet/internal/camera"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/metrics"
	"github.com/orrn/printfleet/internal/protocol"
	"github.com/orrn/printfleet/internal/scheduler"
	"github.com/orrn/printfleet/internal/transfer"
	"github.com/orrn/printfleet/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired printfleet instance.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *db.Store
	fleet   *core.Fleet
	sender  *webhook.Sender
	handler http.Handler
}

// NewApp opens the database and assembles the scheduler, fleet, webhook
// sender and HTTP router. Nothing runs until Run is called.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	for _, dir := range []string{cfg.Dispatch.UploadsDir, cfg.Camera.ThumbnailsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	store, err := db.Open(ctx, db.Config{Path: cfg.Database.Path, SecretKey: cfg.Database.SecretKey})
	if err != nil {
		return nil, err
	}

	exclusive := make([]scheduler.Class, 0, len(cfg.Scheduler.ExclusiveClasses))
	for _, name := range cfg.Scheduler.ExclusiveClasses {
		class, err := scheduler.ParseClass(name)
		if err != nil {
			store.Close()
			return nil, err
		}
		exclusive = append(exclusive, class)
	}

	var (
		observer       scheduler.Observer
		dispatchRec    core.DispatchRecorder
		webhookRec     webhook.Recorder
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(reg)
		observer = collector
		dispatchRec = collector
		webhookRec = collector
		metricsHandler = collector.Handler()
	}

	sched := scheduler.New(scheduler.Config{
		Concurrency:      cfg.Scheduler.Concurrency,
		ExclusiveClasses: exclusive,
	}, logger, observer)

	sender := webhook.NewSender(webhook.Config{
		URL:         cfg.Webhook.URL,
		Secret:      cfg.Webhook.Secret,
		RetryCount:  cfg.Webhook.MaxRetries,
		RetryDelay:  cfg.Webhook.RetryDelay,
		Timeout:     cfg.Webhook.Timeout,
		WorkerCount: cfg.Webhook.Workers,
	}, webhookRec, logger)

	fleet := core.NewFleet(sched, core.FleetConfig{
		PollInterval:    cfg.Devices.PollInterval,
		CaptureInterval: cfg.Camera.Interval,
		Retry: scheduler.RetryPolicy{
			MaxRetries: cfg.Scheduler.MaxRetries,
			Delay:      cfg.Scheduler.RetryDelay,
		},
		Dispatch: core.DispatchConfig{
			UploadsDir: cfg.Dispatch.UploadsDir,
			StagingDir: cfg.Dispatch.StagingDir,
			PageSize:   cfg.Dispatch.PageSize,
		},
		ThumbnailsDir: cfg.Camera.ThumbnailsDir,
	}, core.Deps{
		Repo: core.NewRepository(store),
		Client: protocol.NewClient(protocol.Config{
			Port:           cfg.Devices.Port,
			ConnectTimeout: cfg.Devices.ConnectTimeout,
			ReplyTimeout:   cfg.Devices.ReplyTimeout,
			AwaitTimeout:   cfg.Devices.AwaitTimeout,
		}, logger),
		Stager:   transfer.New(transfer.Config{Port: cfg.Dispatch.TransferPort, Timeout: cfg.Dispatch.TransferTimeout}),
		Camera:   camera.New(camera.Config{Port: cfg.Camera.Port, Timeout: cfg.Camera.Timeout}),
		Notifier: sender,
		Recorder: dispatchRec,
		Logger:   logger,
	})

	opts := api.Options{
		Fleet:         fleet,
		Jobs:          store.Jobs,
		Metrics:       metricsHandler,
		MetricsPath:   cfg.Metrics.Path,
		ThumbnailsDir: cfg.Camera.ThumbnailsDir,
		Logger:        logger,
	}
	if sender.Enabled() {
		opts.Webhook = sender
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		fleet:   fleet,
		sender:  sender,
		handler: api.NewRouter(opts),
	}, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Fleet() *core.Fleet {
	return a.fleet
}

// Run starts the fleet and serves HTTP until ctx is cancelled, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	a.sender.Start()
	if err := a.fleet.Start(ctx); err != nil {
		a.Close()
		return fmt.Errorf("failed to start fleet: %w", err)
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
		a.logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown failed", "error", err)
	}
	a.Close()

	if serveErr != nil {
		return fmt.Errorf("failed to serve: %w", serveErr)
	}
	return nil
}

// Close stops background work and closes the database.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.fleet.Stop(ctx); err != nil {
		a.logger.Warn("scheduler did not drain", "error", err)
	}
	a.sender.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
}
