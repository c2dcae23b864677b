package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/parley/internal/api/stream"
	v1 "github.com/gosuda/parley/internal/api/v1"
	"github.com/gosuda/parley/internal/bus"
	"github.com/gosuda/parley/internal/config"
	"github.com/gosuda/parley/internal/server"
	"github.com/gosuda/parley/internal/session"
	memorystore "github.com/gosuda/parley/internal/store/memory"
	"github.com/gosuda/parley/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("PARLEY_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("PARLEY_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Select the persistence backend.
	var dataStore v1.DataStore
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Store.Database.MaxConns < 0 || cfg.Store.Database.MaxConns > math.MaxInt32 {
			return fmt.Errorf("database max_conns %d out of int32 range", cfg.Store.Database.MaxConns)
		}
		pg, pgErr := postgres.New(ctx, cfg.Store.Database.DSN(), int32(cfg.Store.Database.MaxConns)) //nolint:gosec // bounds checked above
		if pgErr != nil {
			return pgErr
		}
		defer pg.Close()
		dataStore = pg
	case "memory":
		dataStore = memorystore.New()
	}

	// Select the fan-out backend.
	var eventBus bus.Bus
	switch cfg.Bus.Backend {
	case "redis":
		rb, rbErr := bus.NewRedis(ctx, cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, cfg.Bus.QueueSize)
		if rbErr != nil {
			return rbErr
		}
		eventBus = rb
	default:
		eventBus = bus.NewMemory(cfg.Bus.QueueSize)
	}
	defer eventBus.Close()

	// Agent worker client.
	worker := session.NewHTTPWorker(cfg.Worker.BaseURL, cfg.Worker.Timeout)

	// Session coordinator.
	coord := session.NewCoordinator(
		dataStore.Sessions(),
		dataStore.EventLog(),
		eventBus,
		worker,
		cfg.Session.IdleTimeout,
		cfg.Session.ForwardTimeout,
	)
	defer coord.Shutdown()

	// Streaming gateway.
	gateway := stream.NewGateway(dataStore.Sessions(), dataStore.EventLog(), eventBus, cfg.Stream.Heartbeat)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, dataStore, coord, gateway)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).
			Str("store", cfg.Store.Backend).
			Str("bus", cfg.Bus.Backend).
			Msg("starting server")
		return srv.Start(gctx)
	})

	// Idle session reaper.
	g.Go(func() error {
		return coord.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}
