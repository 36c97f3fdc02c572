package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/observ"
	"github.com/lalithlochan/medreminder/internal/push"
)

func main() {
	vapid := flag.Bool("vapid", false, "print a fresh VAPID key pair and exit")
	flag.Parse()

	if *vapid {
		private, public, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", public, private)
		return
	}

	logger, err := observ.NewLogger(os.Getenv("ENV"), "info", "migrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = dsnFromEnv()
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	cfg.ConnConfig.RuntimeParams["application_name"] = "medreminder-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, skipped, err := applyMigrations(ctx, pool, os.DirFS(migrationsDir), logger)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("skipped", skipped))
	return nil
}

// dsnFromEnv builds a DSN from the same DB_* variables the server reads.
func dsnFromEnv() string {
	cfg := db.Config{
		Host:     envOr("DB_HOST", "localhost"),
		User:     envOr("DB_USER", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: envOr("DB_NAME", "medreminder"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
		Port:     5432,
	}
	if p, err := strconv.Atoi(os.Getenv("DB_PORT")); err == nil {
		cfg.Port = p
	}
	return cfg.DSN()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func ensureSchemaTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// listMigrations returns the *.up.sql files of fsys in lexical order.
func listMigrations(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, logger *zap.Logger) (int, int, error) {
	names, err := listMigrations(fsys)
	if err != nil {
		return 0, 0, err
	}

	applied := 0
	skipped := 0

	for _, name := range names {
		alreadyApplied, err := isApplied(ctx, pool, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if alreadyApplied {
			logger.Debug("skip migration, already applied", zap.String("name", name))
			skipped++
			continue
		}

		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", name, err)
		}

		logger.Info("applying migration", zap.String("name", name))
		start := time.Now()

		if err := applyOne(ctx, pool, name, string(contents)); err != nil {
			return applied, skipped, err
		}

		applied++
		logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}

// applyOne runs a migration and records it in the same transaction.
func applyOne(ctx context.Context, pool *pgxpool.Pool, name, contents string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, contents); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
		return fmt.Errorf("mark applied %s: %w", name, err)
	}
	return tx.Commit(ctx)
}

func isApplied(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists)
	return exists, err
}
