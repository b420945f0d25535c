package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/medflow/pharmacy-ledger/pkg/config"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// DB is the ledger's PostgreSQL handle. Every transaction opened through
// Transaction waits at most lockTimeout for a row lock.
type DB struct {
	*sqlx.DB
	logger      *logger.Logger
	lockTimeout time.Duration
}

// New connects using cfg and applies its pool limits.
func New(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := NewWithDSN(cfg.DSN(), cfg.LockTimeout, log)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Dur("lock_timeout", cfg.LockTimeout).
		Msg("connected to database")
	return db, nil
}

// NewWithDSN connects to dsn without touching pool limits.
func NewWithDSN(dsn string, lockTimeout time.Duration, log *logger.Logger) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return Wrap(db, lockTimeout, log), nil
}

// Wrap adopts an existing sqlx handle. Tests use it with sqlmock.
func Wrap(db *sqlx.DB, lockTimeout time.Duration, log *logger.Logger) *DB {
	return &DB{
		DB:          db,
		logger:      log.WithComponent("database"),
		lockTimeout: lockTimeout,
	}
}

// LockTimeout returns the per-transaction lock wait bound.
func (db *DB) LockTimeout() time.Duration {
	return db.lockTimeout
}

// Health pings the server and reports pool usage. Waits on the pool are a
// sign of lock contention when the ledger is busy.
func (db *DB) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := db.Stats()
	status := map[string]string{
		"status":           "up",
		"open_connections": strconv.Itoa(stats.OpenConnections),
		"in_use":           strconv.Itoa(stats.InUse),
		"wait_count":       strconv.FormatInt(stats.WaitCount, 10),
		"lock_timeout":     db.lockTimeout.String(),
	}

	if err := db.PingContext(ctx); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}
	return status
}
