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

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	httphandler "github.com/ericfisherdev/mydatapanel/internal/adapter/driving/http"
	"github.com/ericfisherdev/mydatapanel/internal/config"
	"github.com/ericfisherdev/mydatapanel/internal/metrics"
	"github.com/ericfisherdev/mydatapanel/internal/wiring"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	// A .env file is optional and never overrides the real environment.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"provider_timeout", cfg.ProviderTimeout,
		"client_ttl", cfg.ClientTTL,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database, run migrations and wire providers.
	m := metrics.New()
	app, err := wiring.Build(ctx, cfg, m, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()
	m.RegisterPoolGauge(app.Pools.Len)
	slog.Info("providers enabled", "providers", app.Enabled)

	// 4. Create HTTP handler and register routes.
	sessions := httphandler.NewSessions(cfg.SessionTTL, cfg.CookieSecure)
	h := httphandler.NewHandler(app.Accounts, app.Credentials, app.Reconciler, sessions, m.Handler(), slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(h, m, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("mydatapanel started", "listen_addr", cfg.ListenAddr)

	// 5. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 6. Graceful shutdown with 10s timeout to drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
