package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xelth-com/eckaddr/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with background sync",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, syncCfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, syncCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info().Msg("🛑 Closing drivers...")
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Driver close error")
		}
	}()

	// serve even when the first load fails; reads answer from an empty
	// snapshot and the health check reports loading until a reload succeeds
	if err := a.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("❌ Initial cache load failed")
	}
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	if cfg.JWTSecret == "" {
		logger.Warn().Msg("⚠️  JWT_SECRET is empty; /api runs without authentication")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("facility", cfg.FacilityID).Str("remote", cfg.RemoteDriver).Msg("🚀 Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("⚠️  Received signal. Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	logger.Info().Msg("✅ Shutdown complete")
	return nil
}
