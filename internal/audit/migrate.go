// Package audit persists a durable log of deployment and job lifecycle
// events in Postgres, independent of the Redis-backed deployment store
// (which only holds current state). This survives Redis TTL expiry and
// gives operators a queryable history beyond current-run bookkeeping.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// MigrationRunner applies the audit schema via goose migrations.
type MigrationRunner struct {
	pool          *pgxpool.Pool
	dsn           string
	migrationsDir string
	log           *slog.Logger
}

// NewMigrationRunner returns a migration runner backed by goose.
func NewMigrationRunner(pool *pgxpool.Pool, dsn, migrationsDir string, log *slog.Logger) (MigrationRunner, error) {
	if pool == nil {
		return MigrationRunner{}, errors.New("audit: nil pool provided")
	}
	if dsn == "" {
		return MigrationRunner{}, errors.New("audit: empty database dsn")
	}
	if migrationsDir == "" {
		return MigrationRunner{}, errors.New("audit: empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return MigrationRunner{}, fmt.Errorf("audit: locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return MigrationRunner{pool: pool, dsn: dsn, migrationsDir: migrationsDir, log: log}, nil
}

// Ensure applies pending migrations.
func (r MigrationRunner) Ensure(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("configure goose: %w", err)
		}
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		r.log.Info("applying audit migrations", "dir", r.migrationsDir)
		if err := goose.UpContext(runCtx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("audit migrations applied")
		return nil
	})
}

// Ping ensures the database connection is alive.
func (r MigrationRunner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r MigrationRunner) Close() {
	r.pool.Close()
}

func (r MigrationRunner) withDB(fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
