// Package trim implements the retention trimmer (§4.7): deleting acknowledged
// messages past a topic's retention cap while preserving the earliest
// unacknowledged message.
package trim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaybroker/broker/internal/store"
)

// Topic trims one topic. No-op when maxRetention is nil (infinite retention).
func Topic(ctx context.Context, st *store.Store, topicID uuid.UUID, maxRetention *int) error {
	if maxRetention == nil {
		return nil
	}

	tx, err := st.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("trim: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// E: earliest message id with an unacknowledged subscription-message row,
	// or NULL (treated as +infinity -- everything is acknowledged) if none.
	const findHighWaterMark = `
		SELECT MIN(sm.message_id)
		FROM subscription_messages sm
		JOIN messages m ON m.id = sm.message_id
		WHERE m.topic_id = $1 AND sm.status <> 'completed'`

	var earliestUnacked *uuid.UUID
	if err := tx.QueryRow(ctx, findHighWaterMark, topicID).Scan(&earliestUnacked); err != nil {
		return fmt.Errorf("trim: find high water mark: %w", err)
	}

	// L: the id of the (maxRetention+1)-th most recent message strictly
	// before the high-water mark (or before +infinity, i.e. among all
	// messages, if there is no unacknowledged row).
	const findCutoff = `
		SELECT id FROM messages
		WHERE topic_id = $1 AND ($2::uuid IS NULL OR id < $2)
		ORDER BY id DESC
		OFFSET $3 LIMIT 1`

	var cutoff *uuid.UUID
	row := tx.QueryRow(ctx, findCutoff, topicID, earliestUnacked, *maxRetention)
	if err := row.Scan(&cutoff); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tx.Commit(ctx)
		}
		return fmt.Errorf("trim: find cutoff: %w", err)
	}
	if cutoff == nil {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE topic_id = $1 AND id <= $2`, topicID, *cutoff); err != nil {
		return fmt.Errorf("trim: delete: %w", err)
	}

	return tx.Commit(ctx)
}
