// Package store is the relational persistence layer: findings, agent
// status, council results and voting stats, and uncertainty events.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrUnavailable is the single error kind surfaced for storage I/O
// failures. Callers degrade rather than partially commit.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// PoolIface is the subset of pgxpool.Pool the store uses. pgxmock
// implements it for unit tests.
type PoolIface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store wraps the PostgreSQL connection pool.
type Store struct {
	pool PoolIface
	log  zerolog.Logger
}

// New creates a connection pool from the DSN and verifies connectivity.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is not set")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log := logger.With().Str("component", "store").Logger()
	log.Info().Msg("Database connection pool created")

	return &Store{pool: pool, log: log}, nil
}

// NewWithPool wraps an existing pool (or a pgxmock pool in tests).
func NewWithPool(pool PoolIface, logger zerolog.Logger) *Store {
	return &Store{
		pool: pool,
		log:  logger.With().Str("component", "store").Logger(),
	}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.log.Info().Msg("Database connection pool closed")
	}
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// storeErr maps driver errors onto ErrUnavailable, preserving row-level
// misses as ErrNotFound.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
