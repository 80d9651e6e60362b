package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/logger"
	"crash/internal/server"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal(ctx).Err(err).Msg("[SERVER] exited")
	}
	logger.Info(ctx).Msg("[SERVER] stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Auth.AllowDevSecret {
		logger.Warn(ctx).Msg("[SERVER] development JWT secret allowed")
	}
	if err := migrate(cfg.Database); err != nil {
		return err
	}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	redisService, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisService.Close()

	store := database.NewRoundStore(db.Pool())
	ledger := cache.NewLedger(redisService.GetClient())
	hub := game.NewHub()

	// rounds left in progress by the previous process are refunded before a
	// new round may start
	report, err := game.NewRecoveryManager(store, ledger, hub, cfg.Game.BalanceTimeout).Recover(ctx)
	if err != nil {
		return err
	}
	if report.Rounds > 0 {
		logger.Warn(ctx).Int("rounds", report.Rounds).Int("refunds", report.Refunds).
			Int64("amount", report.Amount).Msg("[RECOVERY] refunded interrupted rounds")
	}

	var source game.PublicSeedSource = game.ServerSeedSource{}
	if cfg.Seed.Source == "http" {
		source = game.NewHTTPSeedSource(cfg.Seed.URL, cfg.Seed.Timeout)
	}

	manager, err := game.NewManager(cfg.Game, game.Dependencies{
		Ledger:      ledger,
		Store:       store,
		Broadcaster: hub,
		Outcomes:    game.NewGenerator(source, cfg.Seed.Timeout, cfg.Seed.Retry),
	})
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, server.Deps{
		Engine:   manager,
		Hub:      hub,
		Balances: ledger,
		Rounds:   store,
		Sessions: server.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Health: map[string]server.HealthChecker{
			"database": db,
			"cache":    redisService,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown()
	})

	logger.Info(ctx).Str("port", cfg.Server.Port).Str("seed_source", cfg.Seed.Source).Msg("[SERVER] crash engine started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrate(cfg config.DatabaseConfig) error {
	sqlDB, err := database.OpenSQL(cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, os.Getenv("MIGRATIONS_PATH"))
}
