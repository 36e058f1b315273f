package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime configuration, sourced from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	MetricsNamespace string

	// Ledger. DatabaseURL selects Postgres; when empty, SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	// Ingestion queue.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	QueueKey      string

	// Worker.
	DrainConcurrency int
	DrainCooldown    time.Duration
	SweepInterval    time.Duration
	RetryInterval    time.Duration
	RetryBaseDelay   time.Duration

	// Pricing.
	BaseCurrency        string
	DisburseFeePercent  float64
	PlatformFeePercent  float64
	ProcessorFeePercent float64
	ProcessorFixedFees  map[string]float64
	VolatilityPercent   float64

	// Rate sourcing.
	RateCacheTTL    time.Duration
	RateTimeout     time.Duration
	PairRateBaseURL string
	PairRateAPIKey  string
	EURRateBaseURL  string
	EURRateAPIKey   string

	// Truth adapters.
	PaymentWebhookSecret    string
	DisbursementWebhookHash string
	PaymentAPIBaseURL       string
	PaymentAPIKey           string
	DisburseAPIBaseURL      string
	DisburseAPIKey          string
	AuditOracleBaseURL      string
	AuditTimeout            time.Duration
	FiscalBaseURL           string
	FiscalConnectTimeout    time.Duration
	FiscalReadTimeout       time.Duration
	FiscalTaxID             string
	FiscalBranchID          string

	// Escrow.
	EscrowTTL      time.Duration
	CollectBaseURL string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           envString("APP_ENV", "development"),
		LogLevel:         envString("LOG_LEVEL", "info"),
		HTTPListenAddr:   envString("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace: envString("METRICS_NAMESPACE", "giftbridge"),

		DatabaseURL: envString("DATABASE_URL", ""),
		SQLitePath:  envString("SQLITE_PATH", "giftbridge.db"),

		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envString("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		RedisTLS:      envBool("REDIS_TLS", false),
		QueueKey:      envString("INGESTION_QUEUE_KEY", "giftbridge:ingestion:orders"),

		DrainConcurrency: envInt("DRAIN_CONCURRENCY", 1),
		DrainCooldown:    envDuration("DRAIN_COOLDOWN", time.Second),
		SweepInterval:    envDuration("ESCROW_SWEEP_INTERVAL", 5*time.Minute),
		RetryInterval:    envDuration("SYNC_RETRY_INTERVAL", time.Minute),
		RetryBaseDelay:   envDuration("SYNC_RETRY_BASE_DELAY", time.Minute),

		BaseCurrency:        envString("BASE_CURRENCY", "ZMW"),
		DisburseFeePercent:  envFloat("DISBURSE_FEE_PERCENT", 2.0),
		PlatformFeePercent:  envFloat("PLATFORM_FEE_PERCENT", 3.0),
		ProcessorFeePercent: envFloat("PROCESSOR_FEE_PERCENT", 2.9),
		ProcessorFixedFees:  envCurrencyMap("PROCESSOR_FIXED_FEES", map[string]float64{"GBP": 0.30, "USD": 0.30}),
		VolatilityPercent:   envFloat("VOLATILITY_BUFFER_PERCENT", 1.5),

		RateCacheTTL:    envDuration("RATE_CACHE_TTL", 10*time.Minute),
		RateTimeout:     envDuration("RATE_FETCH_TIMEOUT", 5*time.Second),
		PairRateBaseURL: envString("PAIR_RATE_BASE_URL", "https://v6.exchangerate-api.com/v6"),
		PairRateAPIKey:  envString("PAIR_RATE_API_KEY", ""),
		EURRateBaseURL:  envString("EUR_RATE_BASE_URL", "http://data.fixer.io/api"),
		EURRateAPIKey:   envString("EUR_RATE_API_KEY", ""),

		PaymentWebhookSecret:    envString("PAYMENT_WEBHOOK_SECRET", ""),
		DisbursementWebhookHash: envString("DISBURSEMENT_WEBHOOK_HASH", ""),
		PaymentAPIBaseURL:       envString("PAYMENT_API_BASE_URL", ""),
		PaymentAPIKey:           envString("PAYMENT_API_KEY", ""),
		DisburseAPIBaseURL:      envString("DISBURSE_API_BASE_URL", ""),
		DisburseAPIKey:          envString("DISBURSE_API_KEY", ""),
		AuditOracleBaseURL:      envString("AUDIT_ORACLE_BASE_URL", ""),
		AuditTimeout:            envDuration("AUDIT_ORACLE_TIMEOUT", 20*time.Second),
		FiscalBaseURL:           envString("FISCAL_BASE_URL", "http://localhost:8080/vsdc"),
		FiscalConnectTimeout:    envDuration("FISCAL_CONNECT_TIMEOUT", 10*time.Second),
		FiscalReadTimeout:       envDuration("FISCAL_READ_TIMEOUT", 30*time.Second),
		FiscalTaxID:             envString("FISCAL_TAX_ID", ""),
		FiscalBranchID:          envString("FISCAL_BRANCH_ID", "000"),

		EscrowTTL:      envDuration("ESCROW_TTL", 48*time.Hour),
		CollectBaseURL: envString("COLLECT_BASE_URL", "https://giftbridge.example.com/collect"),
	}

	if cfg.DrainConcurrency < 1 {
		return nil, fmt.Errorf("DRAIN_CONCURRENCY must be at least 1")
	}
	if cfg.FiscalConnectTimeout >= cfg.FiscalReadTimeout {
		return nil, fmt.Errorf("FISCAL_CONNECT_TIMEOUT must be shorter than FISCAL_READ_TIMEOUT")
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

// envCurrencyMap parses "GBP=0.30,USD=0.30" style values.
func envCurrencyMap(key string, fallback map[string]float64) map[string]float64 {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(val, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		amount, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(parts[0]))] = amount
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
