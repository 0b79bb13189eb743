package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/catalog"
	"github.com/PortNumber53/detective-directory/backend/internal/config"
	"github.com/PortNumber53/detective-directory/backend/internal/logger"
	"github.com/PortNumber53/detective-directory/backend/internal/middleware"
	"github.com/PortNumber53/detective-directory/backend/internal/migrations"
	"github.com/PortNumber53/detective-directory/backend/internal/service"
	"github.com/PortNumber53/detective-directory/backend/internal/store"
)

const usage = "usage: dbtool [migrate|status|fix|force <version>|seed-plans <file.yaml>|audit|sweep|issue-admin-token <subject>]"

func main() {
	_ = godotenv.Load(
		"../.env",
		"../.dev.vars",
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

	// Token issuing needs only the signing secret.
	if len(os.Args) > 1 && os.Args[1] == "issue-admin-token" {
		tokens := middleware.NewAdminTokens(cfg.AdminJWTSecret, 0)
		if err := issueAdminToken(tokens, os.Args[2:], os.Stdout); err != nil {
			zl.Error("dbtool failed", zap.Error(err))
			_ = zl.Sync()
			os.Exit(1)
		}
		return
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := run(ctx, os.Args[1:], db, zl, os.Stdout); err != nil {
		zl.Error("dbtool failed", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, db *sql.DB, zl *zap.Logger, out io.Writer) error {
	cmd := "migrate"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		return migrations.Up(db, zl)

	case "status":
		v, dirty, err := migrations.Status(db)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"version": v, "dirty": dirty})

	case "fix":
		if err := migrations.FixDirtyDatabase(db); err != nil {
			return fmt.Errorf("fix dirty database: %w", err)
		}
		zl.Info("database fixed")
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: dbtool force <version>")
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := migrations.ForceVersion(db, uint(v)); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
		zl.Info("database version forced", zap.Uint64("version", v))
		return nil

	case "seed-plans":
		if len(args) < 2 {
			return fmt.Errorf("usage: dbtool seed-plans <file.yaml>")
		}
		plans, err := store.NewPlanStore(db)
		if err != nil {
			return err
		}
		n, err := seedPlansFromFile(ctx, plans, args[1])
		if err != nil {
			return err
		}
		zl.Info("plans seeded", zap.Int("count", n), zap.String("file", args[1]))
		return nil

	case "audit":
		ent, err := newEntitlements(db, zl)
		if err != nil {
			return err
		}
		report, err := ent.Audit(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, report)

	case "sweep":
		ent, err := newEntitlements(db, zl)
		if err != nil {
			return err
		}
		report, err := ent.SweepExpired(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, report)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func newEntitlements(db *sql.DB, zl *zap.Logger) (*service.Entitlements, error) {
	detectives, err := store.New(db)
	if err != nil {
		return nil, err
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		return nil, err
	}
	return service.NewEntitlements(detectives, catalog.NewLoader(plans, nil, 0, zl), zl), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
