// Package store implements the PostgreSQL persistence layer of the math
// updater: dirty markers, the job queue, snapshot creation and activation.
//
// Every multi-row invariant is enforced by a single transaction. The store
// never takes application-level locks.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkorum/mathupdater/core"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger core.Logger
	now    func() time.Time
}

// poolOverhead is added to the worker batch size when MaxConns is unset:
// scanner, watchdog and queue polling each hold a connection briefly.
const poolOverhead = 5

// New connects to PostgreSQL and verifies the connection.
// A startup failure here is fatal for the process.
func New(ctx context.Context, cfg core.DatabaseConfig, batchSize int, logger core.Logger) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("store: connection string: %w", core.ErrMissingConfiguration)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	if poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = int32(batchSize + poolOverhead)
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	// timestamp columns carry no zone; all writes and comparisons happen in UTC
	poolCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := NewWithPool(pool, logger)
	s.logger.Info("Connected to PostgreSQL", map[string]interface{}{
		"max_conns":        poolCfg.MaxConns,
		"application_name": cfg.ApplicationName,
	})
	return s, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool, logger core.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: core.WithComponent(logger, "mathupdater/store"),
		now:    time.Now,
	}
}

// Pool exposes the underlying pool, e.g. for the Postgres job queue.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections.
func (s *Store) Close() {
	s.pool.Close()
}

// withTx runs fn in a transaction. The transaction is rolled back unless fn
// returns nil and the commit succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// nowUTC truncates to whole seconds to match timestamp(0) columns.
func (s *Store) nowUTC() time.Time {
	return s.now().UTC().Truncate(time.Second)
}
