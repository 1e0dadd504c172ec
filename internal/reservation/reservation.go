// Package reservation implements the subscription reservation engine:
// the skip-locked candidate selection, the sequential-mode gate, and the
// complete/fail/retry state transitions described in SPEC_FULL.md §4.3.
package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaybroker/broker/internal/store"
)

// Reserved is one reserved subscription-message, joined with its message
// payload and priority for dispatch.
type Reserved struct {
	MessageID uuid.UUID
	Attempts  int
	Payload   json.RawMessage
	Priority  *int
	CreatedAt time.Time
}

// ReserveNext runs Steps A-C of §4.3 in one transaction: the sequential
// gate, skip-locked candidate selection ordered by (priority, id), and the
// waiting->processing transition. Returns nil, nil when nothing is
// reservable (including when the sequential gate is already held).
func ReserveNext(ctx context.Context, st *store.Store, sub store.SubscriptionRow, n int) ([]Reserved, error) {
	sequential := sub.ConsumptionMode == "sequential"
	limit := n
	if sequential {
		limit = 1
	}

	tx, err := st.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if sequential {
		var processing bool
		if err := tx.QueryRow(ctx, `SELECT processing FROM subscriptions WHERE id = $1 FOR UPDATE`, sub.ID).Scan(&processing); err != nil {
			return nil, fmt.Errorf("reservation: lock subscription: %w", err)
		}
		if processing {
			return nil, tx.Commit(ctx)
		}
	}

	const selectCandidates = `
		SELECT sm.message_id, m.payload, m.priority, m.created_at
		FROM subscription_messages sm
		JOIN messages m ON m.id = sm.message_id
		WHERE sm.subscription_id = $1
		  AND sm.status = 'waiting'
		  AND (sm.available_at IS NULL OR sm.available_at <= now())
		ORDER BY m.priority ASC NULLS LAST, m.id ASC
		FOR UPDATE OF sm SKIP LOCKED
		LIMIT $2`

	rows, err := tx.Query(ctx, selectCandidates, sub.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("reservation: select candidates: %w", err)
	}
	var candidates []Reserved
	for rows.Next() {
		var r Reserved
		if err := rows.Scan(&r.MessageID, &r.Payload, &r.Priority, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reservation: scan candidate: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation: iterate candidates: %w", err)
	}

	if len(candidates) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.MessageID
	}

	const transition = `
		UPDATE subscription_messages
		SET status = 'processing', attempts = attempts + 1, last_heartbeat_at = now(), progress = NULL
		WHERE subscription_id = $1 AND message_id = ANY($2)
		RETURNING message_id, attempts`

	trows, err := tx.Query(ctx, transition, sub.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("reservation: transition candidates: %w", err)
	}
	attemptsByID := make(map[uuid.UUID]int, len(ids))
	for trows.Next() {
		var id uuid.UUID
		var attempts int
		if err := trows.Scan(&id, &attempts); err != nil {
			trows.Close()
			return nil, fmt.Errorf("reservation: scan transitioned row: %w", err)
		}
		attemptsByID[id] = attempts
	}
	trows.Close()
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("reservation: iterate transitioned rows: %w", err)
	}

	if sequential {
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET processing = true WHERE id = $1`, sub.ID); err != nil {
			return nil, fmt.Errorf("reservation: set processing gate: %w", err)
		}
	}

	for i := range candidates {
		candidates[i].Attempts = attemptsByID[candidates[i].MessageID]
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("reservation: commit: %w", err)
	}
	return candidates, nil
}

// Complete marks a subscription-message completed and, in sequential mode,
// clears the subscription's gate, in one transaction.
func Complete(ctx context.Context, st *store.Store, sub store.SubscriptionRow, messageID uuid.UUID) error {
	tx, err := st.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reservation: begin complete: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `UPDATE subscription_messages SET status = 'completed' WHERE subscription_id = $1 AND message_id = $2`, sub.ID, messageID); err != nil {
		return fmt.Errorf("reservation: complete: %w", err)
	}
	if sub.ConsumptionMode == "sequential" {
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET processing = false WHERE id = $1`, sub.ID); err != nil {
			return fmt.Errorf("reservation: clear gate on complete: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Fail applies the retry/exhaustion policy of §4.3: bump attempts has
// already happened at reservation time, so Fail only decides whether the
// row returns to waiting (with backoff) or becomes failed.
func Fail(ctx context.Context, st *store.Store, sub store.SubscriptionRow, messageID uuid.UUID, errorStack string) error {
	tx, err := st.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reservation: begin fail: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var attempts int
	if err := tx.QueryRow(ctx, `SELECT attempts FROM subscription_messages WHERE subscription_id = $1 AND message_id = $2 FOR UPDATE`, sub.ID, messageID).Scan(&attempts); err != nil {
		return fmt.Errorf("reservation: lock failing row: %w", err)
	}

	if attempts >= sub.MaxAttempts {
		if _, err := tx.Exec(ctx, `UPDATE subscription_messages SET status = 'failed', available_at = NULL, error_stack = $3 WHERE subscription_id = $1 AND message_id = $2`,
			sub.ID, messageID, errorStack); err != nil {
			return fmt.Errorf("reservation: exhaust retries: %w", err)
		}
	} else {
		delay := backoff(sub.RetryStrategy, sub.RetryDelayMs, attempts)
		if _, err := tx.Exec(ctx, `UPDATE subscription_messages SET status = 'waiting', available_at = now() + $3::interval, error_stack = $4 WHERE subscription_id = $1 AND message_id = $2`,
			sub.ID, messageID, delay, errorStack); err != nil {
			return fmt.Errorf("reservation: schedule retry: %w", err)
		}
	}

	if sub.ConsumptionMode == "sequential" {
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET processing = false WHERE id = $1`, sub.ID); err != nil {
			return fmt.Errorf("reservation: clear gate on fail: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Retry forces a failed row back to waiting without touching attempts or
// max_attempts, per the distilled spec's explicit design decision. It
// reports found=false when no row in the subscription's failed state
// matched messageID, so the caller can distinguish "nothing to retry" from
// a no-op success.
func Retry(ctx context.Context, st *store.Store, subscriptionID, messageID uuid.UUID) (found bool, err error) {
	const q = `UPDATE subscription_messages SET status = 'waiting', available_at = NULL, error_stack = NULL WHERE subscription_id = $1 AND message_id = $2 AND status = 'failed'`
	tag, err := st.Pool.Exec(ctx, q, subscriptionID, messageID)
	if err != nil {
		return false, fmt.Errorf("reservation: retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress writes a subscription-message's progress payload.
func UpdateProgress(ctx context.Context, st *store.Store, subscriptionID, messageID uuid.UUID, progress json.RawMessage) error {
	const q = `UPDATE subscription_messages SET progress = $3 WHERE subscription_id = $1 AND message_id = $2`
	if _, err := st.Pool.Exec(ctx, q, subscriptionID, messageID, progress); err != nil {
		return fmt.Errorf("reservation: update progress: %w", err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat_at for an in-flight message.
func Heartbeat(ctx context.Context, st *store.Store, subscriptionID, messageID uuid.UUID) error {
	const q = `UPDATE subscription_messages SET last_heartbeat_at = now() WHERE subscription_id = $1 AND message_id = $2 AND status = 'processing'`
	if _, err := st.Pool.Exec(ctx, q, subscriptionID, messageID); err != nil {
		return fmt.Errorf("reservation: heartbeat: %w", err)
	}
	return nil
}

// backoff computes the retry delay as a PostgreSQL interval literal
// ("N milliseconds"). attempts is the attempt count just made (>=1).
func backoff(strategy string, baseMs int64, attempts int) string {
	delay := baseMs
	if strategy == "exponential" && attempts > 1 {
		shift := attempts - 1
		if shift > 32 {
			shift = 32
		}
		delay = baseMs << uint(shift)
	}
	return fmt.Sprintf("%d milliseconds", delay)
}
