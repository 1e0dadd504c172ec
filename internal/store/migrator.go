package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockKey is a fixed, arbitrary 64-bit key scoping the migration
// lock. Picked by treating "relaybroker-migrator" as a namespaced constant,
// the same way the teacher's migration table name is a fixed constant.
const advisoryLockKey = 0x52424B5247 // "RBKRG" in hex-ish, unique enough to avoid accidental collision

// EnsureSchema applies every not-yet-recorded schema statement inside one
// transaction, serialized across concurrent processes by a transaction-scoped
// advisory lock. A second process observes every migration already recorded
// and commits a no-op.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(advisoryLockKey)); err != nil {
		return fmt.Errorf("store: acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS relaybroker_migrations (
		version    integer PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := tx.Query(ctx, "SELECT version FROM relaybroker_migrations")
	if err != nil {
		return fmt.Errorf("store: read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan applied migration: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate applied migrations: %w", err)
	}

	for version, stmt := range schemaStatements {
		if version == 0 {
			// version 0 is the migrations table itself, already created above.
			continue
		}
		if applied[version] {
			continue
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO relaybroker_migrations (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit migration tx: %w", err)
	}
	return nil
}
