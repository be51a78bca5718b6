// Command server runs the notification backend HTTP API.
//
// Startup order: env → config → logging → database → tracing → upstream
// client → router → HTTP server. Shutdown drains in-flight pipeline runs
// before closing the listener's context.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/uo277440/go-notify-backend/docs"
	"github.com/uo277440/go-notify-backend/internal/config"
	httpapi "github.com/uo277440/go-notify-backend/internal/http"
	"github.com/uo277440/go-notify-backend/internal/observability"
	"github.com/uo277440/go-notify-backend/internal/repo"
	"github.com/uo277440/go-notify-backend/internal/sysutil"
	"github.com/uo277440/go-notify-backend/internal/upstream"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// @title        Notify Backend API
// @version      1.0
// @description  Natural-language notification requests: intake, AI extraction, guardrail validation, and dispatch.
// @BasePath     /v1
func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().
		Str("version", version).
		Str("port", cfg.Port).
		Str("db", cfg.DBPath).
		Bool("otel", cfg.OTEL.Enabled).
		Msg("starting server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath, cfg.OTEL.Enabled)
	if err != nil {
		log.Fatal().Err(err).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	provider := upstream.NewClient(cfg.Provider)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	pipeline := httpapi.RegisterRoutes(engine, db, provider, provider, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// Let running pipeline goroutines reach a terminal state before exiting,
	// otherwise requests get stuck in "processing" across restarts.
	pipeline.Wait()

	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info().Msg("server stopped")
}
