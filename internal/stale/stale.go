// Package stale implements the stale detector (§4.6): reopening or failing
// processing rows whose heartbeat has lapsed, and clearing the sequential
// gate of their subscription.
package stale

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybroker/broker/internal/store"
)

// Reset runs one sweep: every processing row whose last_heartbeat_at is
// older than timeout is reopened (stale_count 0->1, status->waiting) or
// failed (stale_count already 1, status->failed); the owning subscription's
// processing gate is cleared for every affected row. Returns the number of
// rows affected.
func Reset(ctx context.Context, st *store.Store, timeout time.Duration) (int, error) {
	tx, err := st.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("stale: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const selectStale = `
		SELECT subscription_id, message_id, stale_count
		FROM subscription_messages
		WHERE status = 'processing' AND last_heartbeat_at <= now() - $1::interval
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, selectStale, fmt.Sprintf("%d milliseconds", timeout.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("stale: select: %w", err)
	}
	type key struct {
		subID, msgID string
	}
	var reopen, fail []key
	subsToClear := make(map[string]struct{})
	for rows.Next() {
		var subID, msgID string
		var staleCount int
		if err := rows.Scan(&subID, &msgID, &staleCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("stale: scan: %w", err)
		}
		subsToClear[subID] = struct{}{}
		if staleCount == 0 {
			reopen = append(reopen, key{subID, msgID})
		} else {
			fail = append(fail, key{subID, msgID})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("stale: iterate: %w", err)
	}

	affected := 0
	for _, k := range reopen {
		if _, err := tx.Exec(ctx, `UPDATE subscription_messages SET status = 'waiting', stale_count = stale_count + 1, last_heartbeat_at = NULL WHERE subscription_id = $1 AND message_id = $2`, k.subID, k.msgID); err != nil {
			return 0, fmt.Errorf("stale: reopen: %w", err)
		}
		affected++
	}
	for _, k := range fail {
		if _, err := tx.Exec(ctx, `UPDATE subscription_messages SET status = 'failed', stale_count = stale_count + 1, last_heartbeat_at = NULL, available_at = NULL WHERE subscription_id = $1 AND message_id = $2`, k.subID, k.msgID); err != nil {
			return 0, fmt.Errorf("stale: fail: %w", err)
		}
		affected++
	}
	for subID := range subsToClear {
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET processing = false WHERE id = $1`, subID); err != nil {
			return 0, fmt.Errorf("stale: clear gate: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("stale: commit: %w", err)
	}
	return affected, nil
}
