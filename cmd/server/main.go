package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/auth"
	"github.com/erauner12/treesync/internal/config"
	"github.com/erauner12/treesync/internal/db"
	"github.com/erauner12/treesync/internal/emulator"
	"github.com/erauner12/treesync/internal/httpapi"
)

func main() {
	cfg, err := config.LoadFromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))
	log.Logger = log.With().Str("service", "treesync").Logger()

	// Pretty logging for local dev
	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Optional durable snapshot store
	var pool *pgxpool.Pool
	opts := emulator.Options{}
	if cfg.Server.DatabaseURL != "" {
		pool, err = db.Open(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		store := emulator.NewPGStore(pool, cfg.Server.SnapshotName)
		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate snapshot table")
		}
		opts.Store = store
	} else {
		log.Warn().Msg("no database url configured - data lives in memory only")
	}

	database := emulator.New(opts)
	if err := database.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore snapshot")
	}

	// HTTP server setup
	srv := &httpapi.Server{
		DB: database,
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: cfg.Server.RateLimit.WindowSeconds,
			MaxRequests:   cfg.Server.RateLimit.MaxRequests,
			Burst:         cfg.Server.RateLimit.Burst,
		},
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.Server.JWTSecret,
		DevMode:     cfg.Server.DevMode,
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Routes(jwtCfg),
		// no WriteTimeout: websocket connections are long lived
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Int("sessions", database.SessionCount()).Msg("server stopped")
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}
