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

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filecache/internal/config"
	"github.com/italolelis/filecache/internal/filecache"
	"github.com/italolelis/filecache/internal/http/rest"
	"github.com/italolelis/filecache/internal/logctx"
	"github.com/italolelis/filecache/internal/notifier"
	"github.com/italolelis/filecache/internal/storage"
	"github.com/italolelis/filecache/internal/storage/sqlite"
	"github.com/italolelis/filecache/internal/telemetry"
	"github.com/italolelis/filecache/internal/transfer"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("file cache starting...", "log_level", cfg.LogLevel)

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
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedTransferRepository(database, tel)

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	// =========================================================================
	// Start Scheduler
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.RequestTimeout,
	}

	// Transfers outlive the request that started them, so they run on a context
	// that is only cancelled once the server has shut down.
	transferCtx, cancelTransfers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTransfers()

	scheduler, err := filecache.New(
		transferCtx,
		cfg.CacheDir,
		transfer.NewInstrumentedClient(httpClient, tel, "http"),
		afero.NewOsFs(),
		filecache.WithMaxConcurrency(cfg.MaxConcurrency),
		filecache.WithTelemetry(tel),
		filecache.WithFinishHook(recordTransfer(history, notif)),
	)
	if err != nil {
		return fmt.Errorf("failed to create file cache: %w", err)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, scheduler, history, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := scheduler.Wait(shutdownCtx); err != nil {
			logger.Warn("abandoning transfers in flight", "downloading", scheduler.Downloading(), "err", err)
		}

		cancelTransfers()

		return nil
	})

	return g.Wait()
}

// recordTransfer stores every finished transfer and announces failures.
func recordTransfer(history storage.TransferRepository, notif notifier.Notifier) filecache.FinishHook {
	return func(ctx context.Context, f filecache.Finished) {
		logger := logctx.LoggerFromContext(ctx).With("url", f.Result.URL)

		rec := storage.TransferRecord{
			URL:        f.Result.URL,
			Cached:     f.Result.Cached,
			Status:     storage.StatusSuccess,
			StartedAt:  f.StartedAt,
			FinishedAt: f.StartedAt.Add(f.Duration),
		}

		if f.Result.Cached {
			rec.Path = f.Result.Payload
		}

		if f.Result.Err != nil {
			rec.Status = storage.StatusFailed
			rec.Error = f.Result.Err.Error()
		}

		if _, err := history.RecordTransfer(ctx, rec); err != nil {
			logger.Error("failed to record transfer", "err", err)
		}

		if f.Result.Err == nil {
			return
		}

		logger.Error("transfer failed", "err", f.Result.Err)

		if err := notif.Notify(ctx, "❌ Download failed for "+f.Result.URL+": "+f.Result.Err.Error()); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	scheduler *filecache.Scheduler,
	history storage.TransferRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	cHandler := rest.NewCacheHandler(scheduler, history, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", cHandler.Routes())

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
