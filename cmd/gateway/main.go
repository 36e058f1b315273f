package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"giftbridge/internal/config"
	"giftbridge/internal/httpserver"
	"giftbridge/internal/ingest"
	"giftbridge/internal/ledger"
	"giftbridge/internal/lifecycle"
	"giftbridge/internal/logging"
	"giftbridge/internal/metrics"
	"giftbridge/internal/pricing"
	"giftbridge/internal/queue"
	"giftbridge/internal/rates"
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
	logger.Info("starting giftbridge gateway", "env", cfg.AppEnv)

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
		logger.Warn("redis ping failed", "error", err)
	}

	rateSource := rates.NewSource([]rates.Provider{
		rates.NewPairAPI(cfg.PairRateBaseURL, cfg.PairRateAPIKey, cfg.RateTimeout),
		rates.NewEURBaseAPI(cfg.EURRateBaseURL, cfg.EURRateAPIKey, cfg.RateTimeout),
	}, cfg.RateCacheTTL, logger, metricRegistry)

	priceEngine := pricing.NewEngine(rateSource, pricing.FeeConfig{
		BaseCurrency:        cfg.BaseCurrency,
		DisburseFeePercent:  cfg.DisburseFeePercent,
		PlatformFeePercent:  cfg.PlatformFeePercent,
		ProcessorFeePercent: cfg.ProcessorFeePercent,
		ProcessorFixedFees:  cfg.ProcessorFixedFees,
		VolatilityPercent:   cfg.VolatilityPercent,
	})

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
	auditClient := truth.NewAudit(truth.AuditConfig{
		BaseURL: cfg.AuditOracleBaseURL,
		Timeout: cfg.AuditTimeout,
	}, logger, metricRegistry)

	machine := lifecycle.New(store, fiscalClient, disburseClient, refundClient, lifecycle.Config{
		EscrowTTL:      cfg.EscrowTTL,
		RetryBaseDelay: cfg.RetryBaseDelay,
		FiscalTaxID:    cfg.FiscalTaxID,
		FiscalBranchID: cfg.FiscalBranchID,
	}, logger, metricRegistry, uuid.NewString)

	ingestService := ingest.NewService(ingestQueue, logger, metricRegistry)

	paymentWebhook := truth.NewPaymentWebhook(cfg.PaymentWebhookSecret, machine, logger, metricRegistry)
	disbursementWebhook := truth.NewDisbursementWebhook(cfg.DisbursementWebhookHash, machine, logger, metricRegistry)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, httpserver.Dependencies{
		Ingest:  ingestService,
		Store:   store,
		Machine: machine,
		Pricing: priceEngine,
		Rates:   rateSource,
		Audit:   auditClient,

		CollectBaseURL: cfg.CollectBaseURL,
	}, httpserver.Handlers{
		PaymentWebhook:      paymentWebhook,
		DisbursementWebhook: disbursementWebhook,
	}, logger, metricRegistry)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
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
