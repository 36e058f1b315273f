package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"giftbridge/internal/config"
	"giftbridge/internal/ingest"
	"giftbridge/internal/ledger"
	"giftbridge/internal/lifecycle"
	"giftbridge/internal/logging"
	"giftbridge/internal/metrics"
	"giftbridge/internal/queue"
	"giftbridge/internal/truth"
	"giftbridge/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting giftbridge worker",
		"env", cfg.AppEnv, "drainers", cfg.DrainConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("ledger migrated")

	ingestQueue := queue.NewRedis(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
		Key:      cfg.QueueKey,
	}, logger)
	defer func() {
		if err := ingestQueue.Close(); err != nil {
			logger.Warn("failed closing queue", "error", err)
		}
	}()
	if err := ingestQueue.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	fiscalClient := truth.NewFiscal(truth.FiscalConfig{
		BaseURL:        cfg.FiscalBaseURL,
		ConnectTimeout: cfg.FiscalConnectTimeout,
		ReadTimeout:    cfg.FiscalReadTimeout,
		TaxID:          cfg.FiscalTaxID,
		BranchID:       cfg.FiscalBranchID,
	}, logger, metricRegistry)
	disburseClient := truth.NewDisburse(truth.DisburseConfig{
		BaseURL: cfg.DisburseAPIBaseURL,
		APIKey:  cfg.DisburseAPIKey,
	}, logger, metricRegistry)
	refundClient := truth.NewRefund(truth.RefundConfig{
		BaseURL: cfg.PaymentAPIBaseURL,
		APIKey:  cfg.PaymentAPIKey,
	}, logger, metricRegistry)

	machine := lifecycle.New(store, fiscalClient, disburseClient, refundClient, lifecycle.Config{
		EscrowTTL:      cfg.EscrowTTL,
		RetryBaseDelay: cfg.RetryBaseDelay,
		FiscalTaxID:    cfg.FiscalTaxID,
		FiscalBranchID: cfg.FiscalBranchID,
	}, logger, metricRegistry, uuid.NewString)

	var wg sync.WaitGroup
	for i := 0; i < cfg.DrainConcurrency; i++ {
		drainer := ingest.NewDrainer(ingestQueue, store, cfg.DrainCooldown, logger, metricRegistry)
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := drainer.Run(ctx); err != nil {
				logger.Error("drainer stopped", "drainer", n, "error", err)
				stop()
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweeper(ctx, machine, cfg.SweepInterval, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetrier(ctx, machine, cfg.RetryInterval, logger)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()

	return nil
}

// runSweeper expires escrowed orders whose collection window lapsed.
func runSweeper(ctx context.Context, machine *lifecycle.Machine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := machine.SweepExpiredEscrows(ctx)
			if err != nil {
				logger.Error("escrow sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("escrow sweep complete", "expired", swept)
			}
		}
	}
}

// runRetrier drains the durable sync-request queue.
func runRetrier(ctx context.Context, machine *lifecycle.Machine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attempted, err := machine.RetryDueSyncRequests(ctx, 50)
			if err != nil {
				logger.Error("sync retry pass failed", "error", err)
				continue
			}
			if attempted > 0 {
				logger.Info("sync retry pass complete", "attempted", attempted)
			}
		}
	}
}

// openLedger picks Postgres when DATABASE_URL is set and falls back to the
// local SQLite file otherwise.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	if cfg.DatabaseURL != "" {
		return ledger.NewPostgres(ctx, cfg.DatabaseURL, logger)
	}
	logger.Info("no DATABASE_URL set, using sqlite ledger", "path", cfg.SQLitePath)
	return ledger.NewSQLite(ctx, cfg.SQLitePath, logger)
}
