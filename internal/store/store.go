// Package store is the PostgreSQL persistence layer for the broker: schema
// bootstrap, topic/message/subscription CRUD, and the row-locking primitives
// the reservation engine builds on. Every multi-statement operation that must
// be atomic is wrapped in a pgx.Tx.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool with the broker's schema-aware operations.
type Store struct {
	Pool *pgxpool.Pool
}

// Open parses dsn, builds a pool with the given max connections (0 = pgxpool
// default), and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.Pool.Close()
}
