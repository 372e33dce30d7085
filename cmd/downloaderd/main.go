package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/cleanup"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/config"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/download"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/http/rest"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/logctx"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/manager"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/metrics"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/notifier"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/queue"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/stats"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/storage"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/storage/sqlite"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/telemetry"
)

// cleanupHistoryLimit bounds how many history rows one sweep inspects.
const cleanupHistoryLimit = 1000

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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("downloaderd starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
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
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Queue
	recorder := metrics.NewRecorder(cfg.MetricsWindow)

	q, err := queue.New(ctx, queue.Config{
		MinWorkers:        cfg.Queue.MinWorkers,
		MaxWorkers:        cfg.Queue.MaxWorkers,
		MaxQueueSize:      cfg.Queue.MaxQueueSize,
		PerUserRateLimit:  cfg.Queue.PerUserRateLimit,
		PerUserWindow:     cfg.Queue.PerUserWindow,
		PerUserMaxPending: cfg.Queue.PerUserMaxPending,
		ScaleCooldown:     cfg.Queue.ScaleCooldown,
		ScaleDownIdle:     cfg.Queue.ScaleDownIdle,
	}, recorder, tel)
	if err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	if err := tel.RegisterQueueObservers(
		func() int64 { return int64(q.Depth()) },
		func() int64 { return int64(q.ActiveWorkers()) },
	); err != nil {
		return fmt.Errorf("failed to register queue observers: %w", err)
	}

	// =========================================================================
	// Start Download Engine
	engine := download.NewEngine(cfg.OutputDir, download.Config{
		ChunkSize:          cfg.Download.ChunkSize,
		MultipartThreshold: cfg.Download.MultipartThreshold,
		MaxFetchers:        cfg.Download.MaxFetchers,
		HeadTimeout:        cfg.Download.HeadTimeout,
		StreamTimeout:      cfg.Download.StreamTimeout,
		MaxRetries:         cfg.Download.MaxRetries,
		RetryBackoff:       cfg.Download.RetryBackoff,
		AllowResume:        cfg.Download.AllowResume,
		TempSuffix:         cfg.Download.TempSuffix,
		OnProbeFailure:     download.ProbePolicy(cfg.Download.OnProbeFailure),
	}, nil)

	// =========================================================================
	// Start Download Manager
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	collector := stats.NewCollector()
	mgr := manager.New(q, engine, history, collector, tel, notif)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, mgr, q, recorder, collector, tel)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"output_dir", cfg.OutputDir,
		"workers", fmt.Sprintf("%d..%d", cfg.Queue.MinWorkers, cfg.Queue.MaxWorkers),
		"queue_cap", cfg.Queue.MaxQueueSize,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	startCleanup(ctx, history, cfg)

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := q.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not drain the queue: %w", err)
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	mgr *manager.Manager,
	q *queue.Queue,
	recorder *metrics.Recorder,
	collector *stats.Collector,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewDownloadHandler(mgr, q, recorder, collector, cfg.Download.MaxFileSize)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/api", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

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

func startCleanup(ctx context.Context, history storage.HistoryRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down")

				return
			case <-cleanupTicker.C:
				if err := cleanup.Sweep(ctx, history, cfg.KeepDownloadedFor, cleanupHistoryLimit); err != nil {
					logger.Error("failed to clean up expired downloads", "err", err)
				}
			}
		}
	}()
}
