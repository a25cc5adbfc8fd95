package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/PeerMatch/internal/adapters/http"
	wssignal "github.com/dkeye/PeerMatch/internal/adapters/signal"
	"github.com/dkeye/PeerMatch/internal/app"
	"github.com/dkeye/PeerMatch/internal/app/match"
	"github.com/dkeye/PeerMatch/internal/app/orch"
	"github.com/dkeye/PeerMatch/internal/app/queue"
	"github.com/dkeye/PeerMatch/internal/app/signaling"
	"github.com/dkeye/PeerMatch/internal/config"
	"github.com/dkeye/PeerMatch/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if cfg.DB.Driver == storage.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.DSN), 0o755); err != nil {
			log.Fatal().Err(err).Str("dsn", cfg.DB.DSN).Msg("create data dir")
		}
	}
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	reg := app.NewRegistry()
	q := queue.New(store, store, cfg.Match.ScanWindow)
	o := &orch.Orchestrator{
		Registry: reg,
		Queue:    q,
		Matcher:  match.NewMatchmaker(q, store, store, store, &wssignal.Notifier{Registry: reg}),
		Signals:  signaling.NewChannel(store, cfg.Signal.PollInterval),
		Rooms:    store,
	}
	limiter := router.NewAttemptLimiter(cfg.Match.RateLimit, cfg.Match.RateInterval)

	r := router.SetupRouter(ctx, cfg, o, limiter)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("db", cfg.DB.Driver).Msg("PeerMatch server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
