package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mt5desk/internal/infra/persistence"
)

// PoolOptions sizes the pgx pool behind the journal.
type PoolOptions struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	journal *JournalStore
}

// New constructs a PostgreSQL persistence store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), journal: NewJournalStore(pool)}
}

// Open dials the database, verifies it answers and registers pool gauges.
func Open(ctx context.Context, opts PoolOptions) (*Store, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := ObservePoolMetrics(pool, "journal"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: pool metrics: %w", err)
	}
	return New(pool), nil
}

// Journal returns the action journal repository.
func (s *Store) Journal() *JournalStore {
	if s == nil {
		return nil
	}
	return s.journal
}

// Close releases the pool.
func (s *Store) Close() {
	if pool := s.Pool(); pool != nil {
		pool.Close()
	}
}
