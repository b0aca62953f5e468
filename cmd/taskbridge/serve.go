package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskbridge/internal/api"
	"taskbridge/internal/config"
	"taskbridge/internal/database"
	"taskbridge/internal/logging"
	"taskbridge/internal/metrics"
	"taskbridge/internal/remote"
	"taskbridge/internal/webhook"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		GroupID: "run",
		Short:   "Run the sync engine with the webhook receiver and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	logger := logging.Component(a.logger, "serve")
	cfg := a.cfg

	startMetrics(ctx, cfg, &logger)

	if cfg.Backup.Enabled {
		go database.NewBackupService(a.store, cfg.Backup, a.logger).Start(ctx)
	}

	a.monitor.Start(ctx)
	a.engine.Start(ctx)

	var hook http.Handler
	if cfg.Remote.Provider == config.ProviderMonday {
		hook = newWebhookHandler(a, &logger)
	}
	httpServer := api.NewHTTPServer(cfg.API, cfg.Webhook.Path, hook, a.engine, a.logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	logger.Info().
		Int("http_port", cfg.API.Port).
		Str("provider", cfg.Remote.Provider).
		Bool("auto_sync", cfg.Sync.AutoSync).
		Msg("taskbridge started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown")
	}

	a.engine.Stop()
	a.monitor.Stop()
	logger.Info().Msg("taskbridge stopped")
	return nil
}

func newWebhookHandler(a *app, logger *zerolog.Logger) http.Handler {
	cfg := a.cfg.Webhook
	verifier := webhook.NewVerifier(cfg.SigningSecret)
	if verifier == nil && !cfg.SignatureRequired() {
		logger.Warn().Msg("webhook signatures are not verified; set webhook.signing_secret")
	}

	return webhook.NewHandler(webhook.Options{
		BoardID:          a.boardID,
		Columns: remote.Columns{
			Status:      a.cfg.Monday.Columns.Status,
			Priority:    a.cfg.Monday.Columns.Priority,
			Description: a.cfg.Monday.Columns.Description,
		},
		AutoSync:         a.cfg.Sync.AutoSync,
		RequireSignature: cfg.SignatureRequired(),
		Verifier:         verifier,
		Store:            a.store,
		Remote:           a.remote,
		Tracker:          a.tracker,
		Trigger:          a.engine,
		Telemetry:        a.telemetry,
		Bus:              a.bus,
		Logger:           a.logger,
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
