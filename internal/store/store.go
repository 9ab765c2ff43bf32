// Package store persists positions, decision records, and daily
// counters in PostgreSQL. The exchange stays the source of truth for
// positions; the store exists for crash recovery and the audit trail.
// Every query runs through a circuit breaker so a dead database
// degrades the system to monitoring-only instead of stalling cycles.
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
	"github.com/sony/gobreaker"

	"perpcore/internal/config"
	"perpcore/internal/metrics"
)

// Circuit breaker tuning. The database recovers fast relative to the
// 180s cycle cadence, so the open timeout is short.
const (
	breakerMinRequests  = 10
	breakerFailureRatio = 0.6
	breakerOpenTimeout  = 15 * time.Second
	breakerInterval     = 10 * time.Second
)

// ErrUnavailable reports that the store's circuit breaker is open.
var ErrUnavailable = errors.New("store unavailable")

// PgxPool is the subset of pgxpool.Pool the store uses. pgxmock
// implements it for tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store wraps the connection pool with the DB circuit breaker.
type Store struct {
	pool PgxPool
	cb   *gobreaker.CircuitBreaker
	log  zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("Database connection pool created")
	return NewWithPool(pool, log), nil
}

// NewWithPool wraps an existing pool. Tests hand in a pgxmock pool.
func NewWithPool(pool PgxPool, log zerolog.Logger) *Store {
	logger := log.With().Str("component", "store").Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "database",
		Interval: breakerInterval,
		Timeout:  breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Database circuit breaker state change")
		},
	})
	return &Store{pool: pool, cb: cb, log: logger}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health checks connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// do runs one operation through the breaker with query metrics.
func (s *Store) do(op string, fn func() error) error {
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	metrics.RecordStoreQuery(op, float64(time.Since(start).Microseconds())/1000.0)
	if err == nil {
		return nil
	}

	metrics.RecordStoreFailure(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
