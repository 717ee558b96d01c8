// Package persist is the SQL adapter: a shared connection pool,
// embedded per-dialect migrations, and one repository per record
// family. Queries use $N placeholders, which both supported drivers
// accept.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/spadina/server/internal/config"
	"go.uber.org/zap"
)

// DB wraps the shared pool and remembers its dialect for migrations.
type DB struct {
	SQL     *sql.DB
	Dialect string
	log     *zap.Logger
}

func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	var driver string
	switch cfg.Driver {
	case "postgres":
		driver = "pgx"
	case "sqlite":
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	pool, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{SQL: pool, Dialect: cfg.Driver, log: log}, nil
}

func (db *DB) Close() {
	db.SQL.Close()
}

// InTx runs fn inside one transaction, rolling back on error.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
