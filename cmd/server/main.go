package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/catalog"
	"github.com/PortNumber53/detective-directory/backend/internal/config"
	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/httpserver"
	"github.com/PortNumber53/detective-directory/backend/internal/logger"
	"github.com/PortNumber53/detective-directory/backend/internal/middleware"
	"github.com/PortNumber53/detective-directory/backend/internal/migrations"
	"github.com/PortNumber53/detective-directory/backend/internal/service"
	"github.com/PortNumber53/detective-directory/backend/internal/store"
	"github.com/PortNumber53/detective-directory/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Error("backend exited with error", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	logDBTarget(zl, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrationsWithDirtyFix(db, zl); err != nil {
		return fmt.Errorf("apply database migrations: %w", err)
	}

	detectives, err := store.New(db)
	if err != nil {
		return err
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		return err
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		return err
	}

	rdb, err := openRedis(ctx, cfg.RedisURL, zl)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	loader := catalog.NewLoader(plans, rdb, cfg.CatalogCacheTTL, zl)
	if _, err := loader.Catalog(ctx); err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}

	ent := service.NewEntitlements(detectives, loader, zl)
	addons := service.AddonPrices{
		entitlement.BadgeBlueTick: {
			entitlement.CycleMonthly: cfg.BlueTickMonthlyPrice,
			entitlement.CycleYearly:  cfg.BlueTickYearlyPrice,
		},
	}
	payments := service.NewPayments(detectives, detectives, loader, ent, addons, cfg.PaymentCurrency, zl)

	w := worker.New(worker.Config{MaxConcurrent: cfg.WorkerConcurrency}, jobs, zl)
	worker.RegisterEntitlementJobs(w, ent)
	scheduler := worker.NewScheduler(jobs, cfg.ExpirySweepInterval, zl)

	if cfg.PaymentWebhookSecret == "" {
		zl.Warn("PAYMENT_WEBHOOK_SECRET is empty; payment webhooks will be rejected")
	}
	if cfg.AdminJWTSecret == "" {
		zl.Warn("ADMIN_JWT_SECRET is empty; admin routes will reject every request")
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:           db,
		Plans:        plans,
		Catalog:      loader,
		Entitlements: ent,
		Payments:     payments,
		Worker:       w,
		Scheduler:    scheduler,
		AdminTokens:  middleware.NewAdminTokens(cfg.AdminJWTSecret, 0),
		Logger:       zl,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			zl.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	zl.Info("backend starting", zap.String("addr", cfg.ServerAddress))
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func openRedis(ctx context.Context, rawURL string, zl *zap.Logger) (*goredis.Client, error) {
	if rawURL == "" {
		zl.Info("REDIS_URL not set; plan catalog cached in-process only")
		return nil, nil
	}
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The loader falls back to Postgres on every Redis error.
		zl.Warn("redis unreachable at startup", zap.String("addr", opts.Addr), zap.Error(err))
	}
	return rdb, nil
}

func runMigrationsWithDirtyFix(db *sql.DB, zl *zap.Logger) error {
	err := migrations.Up(db, zl)
	if err == nil {
		return nil
	}

	var dirty migrate.ErrDirty
	if !errors.As(err, &dirty) {
		return err
	}
	zl.Warn("dirty database detected, attempting to fix", zap.Int("version", dirty.Version))
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		zl.Error("failed to fix dirty database", zap.Error(fixErr))
		return err
	}
	return migrations.Up(db, zl)
}

func logDBTarget(zl *zap.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		zl.Info("database configured", zap.String("name", name), zap.NamedError("dsn_parse_error", err))
		return
	}
	zl.Info("database configured",
		zap.String("name", name),
		zap.String("host", u.Hostname()),
		zap.String("db", strings.TrimPrefix(u.Path, "/")))
}
