package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/grantflow/download_manager/internal/config"
	"github.com/grantflow/download_manager/internal/delivery"
	"github.com/grantflow/download_manager/internal/fetch"
	"github.com/grantflow/download_manager/internal/http/rest"
	"github.com/grantflow/download_manager/internal/logctx"
	"github.com/grantflow/download_manager/internal/notifier"
	"github.com/grantflow/download_manager/internal/queue"
	"github.com/grantflow/download_manager/internal/storage/sqlite"
	"github.com/grantflow/download_manager/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("download manager starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer database.Close()

	queueRepo := sqlite.NewInstrumentedQueueRepository(database, tel)
	chunkRepo := sqlite.NewInstrumentedChunkRepository(database, tel)

	// =========================================================================
	// Start Fetcher
	fetcher, err := fetch.NewClient(cfg.APIBaseURL, fetch.NewStaticCredentials(cfg.APIToken))
	if err != nil {
		return fmt.Errorf("failed to build fetch client: %w", err)
	}

	// =========================================================================
	// Start Queue
	sink := delivery.NewFileSink(cfg.DeliveryDir, cfg.InlineDir)

	q, err := queue.New(ctx, fetcher, queueRepo, chunkRepo, sink, queue.Options{
		SettleDelay:     cfg.SettleDelay,
		IdleReadTimeout: cfg.IdleReadTimeout,
		ChunkSize:       cfg.ChunkSize,
	})
	if err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, q, tel, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, q, tel, cfg)

	logger.Info("queue restored, waiting for downloads...",
		"delivery_dir", cfg.DeliveryDir,
		"inline_dir", cfg.InlineDir,
		"retention", cfg.KeepDeliveredFor.String(),
	)

	q.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return groupCtx.Err()
	})

	group.Go(func() error {
		runCleanup(groupCtx, q, cfg)

		return nil
	})

	return group.Wait()
}

// setupNotifications forwards terminal transfer events to the configured
// notifier and records download metrics.
func setupNotifications(ctx context.Context, q *queue.Queue, tel *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	go func() {
		for rec := range q.OnCompleted {
			logger.Info("download completed", "download_id", rec.ID, "filename", rec.Filename)
			tel.RecordDownload("completed", rec.DeliveredAt.Sub(rec.EnqueuedAt))

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(ctx, notifier.CompletedMessage(rec)); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", rec.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for rec := range q.OnFailed {
			logger.Error("download failed", "download_id", rec.ID, "filename", rec.Filename, "reason", rec.LastError)
			tel.RecordDownload("failed", time.Since(rec.EnqueuedAt))

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(ctx, notifier.FailedMessage(rec)); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", rec.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and middleware for the http rest server.
func setupServer(ctx context.Context, q *queue.Queue, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(cfg.Web.Username, cfg.Web.Password, q)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// runCleanup periodically removes delivered files past the retention window.
func runCleanup(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case <-ticker.C:
			if err := delivery.DeleteExpiredFiles(ctx, q.Records(), cfg.DeliveryDir, cfg.InlineDir, cfg.KeepDeliveredFor); err != nil {
				logger.Error("failed to delete expired delivered files", "err", err)
			}
		}
	}
}
