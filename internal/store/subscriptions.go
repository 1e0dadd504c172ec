package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionRow is the persisted representation of a subscription.
type SubscriptionRow struct {
	ID              uuid.UUID
	TopicID         uuid.UUID
	Name            string
	ConsumptionMode string
	StartPosition   string
	MaxAttempts     int
	RetryStrategy   string
	RetryDelayMs    int64
	Processing      bool
	CreatedAt       time.Time
}

// EnsureSubscription creates the subscription if (topic_id, name) is new,
// fanning out every currently-existing message when start_position is
// "earliest". If the subscription already exists, the stored row is returned
// unchanged (and created=false) regardless of the config passed in — the
// caller compares configs and surfaces a conflict.
func (s *Store) EnsureSubscription(ctx context.Context, topicID uuid.UUID, name, consumptionMode, startPosition string, maxAttempts int, retryStrategy string, retryDelayMs int64) (row SubscriptionRow, created bool, err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return SubscriptionRow{}, false, fmt.Errorf("store: generate subscription id: %w", err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return SubscriptionRow{}, false, fmt.Errorf("store: begin ensure subscription: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const ins = `
		INSERT INTO subscriptions (id, topic_id, name, consumption_mode, start_position, max_attempts, retry_strategy, retry_delay_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (topic_id, name) DO NOTHING
		RETURNING id, topic_id, name, consumption_mode, start_position, max_attempts, retry_strategy, retry_delay_ms, processing, created_at`

	scanErr := tx.QueryRow(ctx, ins, id, topicID, name, consumptionMode, startPosition, maxAttempts, retryStrategy, retryDelayMs).Scan(
		&row.ID, &row.TopicID, &row.Name, &row.ConsumptionMode, &row.StartPosition, &row.MaxAttempts, &row.RetryStrategy, &row.RetryDelayMs, &row.Processing, &row.CreatedAt)

	if scanErr != nil {
		// Conflict: no row returned. Fetch the existing one.
		const sel = `SELECT id, topic_id, name, consumption_mode, start_position, max_attempts, retry_strategy, retry_delay_ms, processing, created_at
			FROM subscriptions WHERE topic_id = $1 AND name = $2`
		if err := tx.QueryRow(ctx, sel, topicID, name).Scan(
			&row.ID, &row.TopicID, &row.Name, &row.ConsumptionMode, &row.StartPosition, &row.MaxAttempts, &row.RetryStrategy, &row.RetryDelayMs, &row.Processing, &row.CreatedAt); err != nil {
			return SubscriptionRow{}, false, fmt.Errorf("store: fetch existing subscription: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return SubscriptionRow{}, false, fmt.Errorf("store: commit ensure subscription: %w", err)
		}
		return row, false, nil
	}

	if startPosition == "earliest" {
		const fanOut = `
			INSERT INTO subscription_messages (subscription_id, message_id, status, attempts, available_at, stale_count)
			SELECT $1, m.id, 'waiting', 0, m.deliver_at, 0
			FROM messages m
			WHERE m.topic_id = $2
			ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, fanOut, row.ID, topicID); err != nil {
			return SubscriptionRow{}, false, fmt.Errorf("store: fan out existing messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SubscriptionRow{}, false, fmt.Errorf("store: commit ensure subscription: %w", err)
	}
	return row, true, nil
}

// RemoveSubscription deletes a subscription (cascades to its
// subscription_messages rows).
func (s *Store) RemoveSubscription(ctx context.Context, id uuid.UUID) error {
	if _, err := s.Pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: remove subscription: %w", err)
	}
	return nil
}

// SubscriptionMessageRow is a subscription's view of a message's delivery state.
type SubscriptionMessageRow struct {
	SubscriptionID  uuid.UUID
	MessageID       uuid.UUID
	Status          string
	Attempts        int
	AvailableAt     *time.Time
	ErrorStack      *string
	LastHeartbeatAt *time.Time
	Progress        json.RawMessage
	StaleCount      int
	Payload         json.RawMessage
	Priority        *int
	CreatedAt       time.Time
}

// GetSubscriptionMessages lists a subscription's rows, optionally filtered by
// status, ordered by message id (insertion order).
func (s *Store) GetSubscriptionMessages(ctx context.Context, subscriptionID uuid.UUID, statuses []string) ([]SubscriptionMessageRow, error) {
	q := `
		SELECT sm.subscription_id, sm.message_id, sm.status, sm.attempts, sm.available_at, sm.error_stack,
		       sm.last_heartbeat_at, sm.progress, sm.stale_count, m.payload, m.priority, m.created_at
		FROM subscription_messages sm
		JOIN messages m ON m.id = sm.message_id
		WHERE sm.subscription_id = $1`
	args := []any{subscriptionID}
	if len(statuses) > 0 {
		q += " AND sm.status = ANY($2)"
		args = append(args, statuses)
	}
	q += " ORDER BY m.id"

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get subscription messages: %w", err)
	}
	defer rows.Close()
	var out []SubscriptionMessageRow
	for rows.Next() {
		var r SubscriptionMessageRow
		if err := rows.Scan(&r.SubscriptionID, &r.MessageID, &r.Status, &r.Attempts, &r.AvailableAt, &r.ErrorStack,
			&r.LastHeartbeatAt, &r.Progress, &r.StaleCount, &r.Payload, &r.Priority, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan subscription message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
