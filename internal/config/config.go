package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// LogLevel is the zap level name. Defaults to "info".
	LogLevel string

	// RedisURL enables the shared plan catalog cache when set.
	RedisURL string

	// CatalogCacheTTL bounds how stale a cached plan catalog may be.
	CatalogCacheTTL time.Duration

	// PaymentWebhookSecret signs payment provider webhooks. The webhook route
	// rejects every request when empty.
	PaymentWebhookSecret string

	// PaymentCurrency is the ISO currency code recorded on payment orders.
	PaymentCurrency string

	// AdminJWTSecret verifies bearer tokens on /api/admin routes. Admin
	// routes reject every request when empty.
	AdminJWTSecret string

	// BlueTickMonthlyPrice and BlueTickYearlyPrice price the standalone blue
	// tick add-on.
	BlueTickMonthlyPrice decimal.Decimal
	BlueTickYearlyPrice  decimal.Decimal

	// ExpirySweepInterval is how often the expiry sweep job is enqueued.
	ExpirySweepInterval time.Duration

	// WorkerConcurrency is the number of job processors.
	WorkerConcurrency int
}

const (
	defaultServerAddress       = ":18111"
	defaultLogLevel            = "info"
	defaultCatalogCacheTTL     = 5 * time.Minute
	defaultPaymentCurrency     = "USD"
	defaultBlueTickMonthly     = "15.00"
	defaultBlueTickYearly      = "150.00"
	defaultExpirySweepInterval = time.Hour
	defaultWorkerConcurrency   = 2

	envServerAddress        = "BACKEND_ADDR"
	envDatabaseURL          = "DATABASE_URL"
	envLogLevel             = "LOG_LEVEL"
	envRedisURL             = "REDIS_URL"
	envCatalogCacheTTL      = "CATALOG_CACHE_TTL"
	envPaymentWebhookSecret = "PAYMENT_WEBHOOK_SECRET"
	envPaymentCurrency      = "PAYMENT_CURRENCY"
	envAdminJWTSecret       = "ADMIN_JWT_SECRET"
	envBlueTickMonthly      = "ADDON_BLUE_TICK_MONTHLY_PRICE"
	envBlueTickYearly       = "ADDON_BLUE_TICK_YEARLY_PRICE"
	envExpirySweepInterval  = "EXPIRY_SWEEP_INTERVAL"
	envWorkerConcurrency    = "WORKER_CONCURRENCY"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:        firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:          strings.TrimSpace(os.Getenv(envDatabaseURL)),
		LogLevel:             firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		RedisURL:             strings.TrimSpace(os.Getenv(envRedisURL)),
		PaymentWebhookSecret: os.Getenv(envPaymentWebhookSecret),
		PaymentCurrency:      strings.ToUpper(firstNonEmpty(os.Getenv(envPaymentCurrency), defaultPaymentCurrency)),
		AdminJWTSecret:       os.Getenv(envAdminJWTSecret),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	var err error
	if cfg.CatalogCacheTTL, err = durationEnv(envCatalogCacheTTL, defaultCatalogCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.ExpirySweepInterval, err = durationEnv(envExpirySweepInterval, defaultExpirySweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.BlueTickMonthlyPrice, err = priceEnv(envBlueTickMonthly, defaultBlueTickMonthly); err != nil {
		return Config{}, err
	}
	if cfg.BlueTickYearlyPrice, err = priceEnv(envBlueTickYearly, defaultBlueTickYearly); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s: must be at least 1", key)
	}
	return n, nil
}

func priceEnv(key, def string) (decimal.Decimal, error) {
	raw := firstNonEmpty(os.Getenv(key), def)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
