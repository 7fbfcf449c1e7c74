// cmd/catalog/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/config"
	"gatorlibrary/internal/storage"
	"gatorlibrary/internal/telemetry"
)

const serviceName = "gatorlibrary-catalog"

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("catalog service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := storage.Open(ctx, storage.Options{
		Driver:           cfg.StorageDriver,
		DSN:              cfg.DatabaseURL,
		SQLitePath:       cfg.SQLitePath,
		RebuildReadModel: cfg.RebuildReadModel,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := catalog.NewService(store,
		catalog.WithLogger(logger),
		catalog.WithTracerProvider(providers.TracerProvider),
		catalog.WithMeterProvider(providers.MeterProvider),
	)
	if err != nil {
		return err
	}
	if err := svc.Load(ctx); err != nil {
		return err
	}

	handler := catalog.NewHandler(svc, rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst))
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("catalog service listening", "addr", srv.Addr, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
