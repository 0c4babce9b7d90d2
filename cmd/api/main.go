package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/cors"

	"github.com/duaia/backend/internal/config"
	"github.com/duaia/backend/internal/database"
	"github.com/duaia/backend/internal/execution"
	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/lock"
	"github.com/duaia/backend/internal/pricing"
	"github.com/duaia/backend/internal/tracker"
	"github.com/duaia/backend/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	prices, err := pricing.Load(cfg.CostTablePath)
	if err != nil {
		slog.Error("Failed to load cost table", "path", cfg.CostTablePath, "error", err)
		os.Exit(1)
	}
	validator, err := validation.NewValidator(ctx, cfg.SchemaDir)
	if err != nil {
		slog.Error("Schema validator init failed", "dir", cfg.SchemaDir, "error", err)
		os.Exit(1)
	}
	adapters, err := newAdapters(cfg)
	if err != nil {
		slog.Error("Failed to register providers", "error", err)
		os.Exit(1)
	}

	// Settlement lock: Redis when configured so several API replicas agree.
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		rl, rdb, err := lock.NewRedisFromURL(cfg.RedisURL, 2*cfg.ProviderTimeout)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "error", err)
			os.Exit(1)
		}
		locker = rl
		slog.Info("Using Redis settlement lock")
	}

	ledgerSvc := ledger.NewService(pool, ledger.NewRepository(pool))

	// Poll enqueue is set after the River client is created (breaks init cycle).
	var insertMu sync.Mutex
	var inserter execution.Inserter
	enqueue := execution.EnqueuePoll(lateInserter(func() execution.Inserter {
		insertMu.Lock()
		defer insertMu.Unlock()
		return inserter
	}), cfg.PollInterval)

	g := gate.New(gate.Deps{
		DB:        pool,
		Ledger:    ledgerSvc,
		Tasks:     tracker.New(pool),
		Prices:    prices,
		Adapters:  adapters,
		Validator: validator,
		Locker:    locker,
		Enqueue:   enqueue,
		Logger:    logger,
	}, gate.Config{ProviderTimeout: cfg.ProviderTimeout})

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewPollTaskWorker(g, cfg.PollInterval, cfg.StaleAfter, logger))
	river.AddWorker(workers, execution.NewSweepWorker(g, cfg.StaleAfter, cfg.OrphanAfter, logger))

	sweep, err := execution.PeriodicSweep(cfg.SweepSchedule)
	if err != nil {
		slog.Error("Invalid sweep schedule", "error", err)
		os.Exit(1)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{sweep},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	inserter = riverClient
	insertMu.Unlock()

	handler := newHandler(cfg, pool, g, ledgerSvc, prices, adapters, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(handler)

	// Start River client (processes poll and sweep jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

// lateInserter defers to the inserter returned by get at call time.
type lateInserter func() execution.Inserter

func (f lateInserter) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	ins := f()
	if ins == nil {
		return nil, errors.New("river insert not wired")
	}
	return ins.InsertTx(ctx, tx, args, opts)
}
