package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduledMessageRow is the persisted representation of a scheduled message.
type ScheduledMessageRow struct {
	TopicID          uuid.UUID
	Name             string
	Payload          json.RawMessage
	Cron             string
	NextOccurrenceAt time.Time
	DeliverInMs      *int64
	DeliverAt        *time.Time
	Priority         *int
	Repeats          *int
	RepeatsMade      int
}

// UpsertScheduledMessage creates or replaces the schedule for (topic, name).
// repeats_made is preserved across an upsert of the same key, matching the
// data model invariant that re-scheduling updates config, not progress.
func (s *Store) UpsertScheduledMessage(ctx context.Context, row ScheduledMessageRow) error {
	const q = `
		INSERT INTO scheduled_messages (topic_id, name, payload, cron, next_occurrence_at, deliver_in_ms, deliver_at, priority, repeats, repeats_made)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		ON CONFLICT (topic_id, name) DO UPDATE SET
			payload = EXCLUDED.payload,
			cron = EXCLUDED.cron,
			next_occurrence_at = EXCLUDED.next_occurrence_at,
			deliver_in_ms = EXCLUDED.deliver_in_ms,
			deliver_at = EXCLUDED.deliver_at,
			priority = EXCLUDED.priority,
			repeats = EXCLUDED.repeats`
	_, err := s.Pool.Exec(ctx, q, row.TopicID, row.Name, row.Payload, row.Cron, row.NextOccurrenceAt,
		row.DeliverInMs, row.DeliverAt, row.Priority, row.Repeats)
	if err != nil {
		return fmt.Errorf("store: upsert scheduled message: %w", err)
	}
	return nil
}

// GetScheduledMessages lists a topic's schedules ordered by name.
func (s *Store) GetScheduledMessages(ctx context.Context, topicID uuid.UUID) ([]ScheduledMessageRow, error) {
	const q = `
		SELECT topic_id, name, payload, cron, next_occurrence_at, deliver_in_ms, deliver_at, priority, repeats, repeats_made
		FROM scheduled_messages WHERE topic_id = $1 ORDER BY name`
	rows, err := s.Pool.Query(ctx, q, topicID)
	if err != nil {
		return nil, fmt.Errorf("store: get scheduled messages: %w", err)
	}
	defer rows.Close()
	var out []ScheduledMessageRow
	for rows.Next() {
		var r ScheduledMessageRow
		if err := rows.Scan(&r.TopicID, &r.Name, &r.Payload, &r.Cron, &r.NextOccurrenceAt, &r.DeliverInMs,
			&r.DeliverAt, &r.Priority, &r.Repeats, &r.RepeatsMade); err != nil {
			return nil, fmt.Errorf("store: scan scheduled message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveScheduledMessage deletes the schedule for (topic, name), reporting
// found=false if no such schedule existed.
func (s *Store) RemoveScheduledMessage(ctx context.Context, topicID uuid.UUID, name string) (found bool, err error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM scheduled_messages WHERE topic_id = $1 AND name = $2`, topicID, name)
	if err != nil {
		return false, fmt.Errorf("store: remove scheduled message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DueScheduledMessages selects (with SKIP LOCKED) every schedule due at or
// before now, inside the caller's transaction, so the scheduler can
// materialize and advance each row atomically.
func (s *Store) DueScheduledMessages(ctx context.Context, tx pgxTx, now time.Time) ([]ScheduledMessageRow, error) {
	const q = `
		SELECT topic_id, name, payload, cron, next_occurrence_at, deliver_in_ms, deliver_at, priority, repeats, repeats_made
		FROM scheduled_messages
		WHERE next_occurrence_at <= $1 AND (repeats IS NULL OR repeats_made < repeats)
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("store: select due scheduled messages: %w", err)
	}
	defer rows.Close()
	var out []ScheduledMessageRow
	for rows.Next() {
		var r ScheduledMessageRow
		if err := rows.Scan(&r.TopicID, &r.Name, &r.Payload, &r.Cron, &r.NextOccurrenceAt, &r.DeliverInMs,
			&r.DeliverAt, &r.Priority, &r.Repeats, &r.RepeatsMade); err != nil {
			return nil, fmt.Errorf("store: scan due scheduled message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdvanceScheduledMessage updates a schedule after firing once.
func (s *Store) AdvanceScheduledMessage(ctx context.Context, tx pgxTx, topicID uuid.UUID, name string, nextOccurrence time.Time) error {
	const q = `UPDATE scheduled_messages SET next_occurrence_at = $3, repeats_made = repeats_made + 1 WHERE topic_id = $1 AND name = $2`
	if _, err := tx.Exec(ctx, q, topicID, name, nextOccurrence); err != nil {
		return fmt.Errorf("store: advance scheduled message: %w", err)
	}
	return nil
}

// InsertMessageTx is InsertBatch's single-message form run inside an existing
// transaction, used by the scheduler to materialize one concrete message per
// due schedule within the same transaction that claimed the row.
func (s *Store) InsertMessageTx(ctx context.Context, tx pgxTx, topicID uuid.UUID, id uuid.UUID, payload json.RawMessage, deliverAt *time.Time, priority *int) error {
	if _, err := tx.Exec(ctx, `INSERT INTO messages (id, topic_id, payload, deliver_at, priority) VALUES ($1, $2, $3, $4, $5)`,
		id, topicID, payload, deliverAt, priority); err != nil {
		return fmt.Errorf("store: insert materialized message: %w", err)
	}
	const fanOut = `
		INSERT INTO subscription_messages (subscription_id, message_id, status, attempts, available_at, stale_count)
		SELECT s.id, $2, 'waiting', 0, $3, 0 FROM subscriptions s WHERE s.topic_id = $1`
	if _, err := tx.Exec(ctx, fanOut, topicID, id, deliverAt); err != nil {
		return fmt.Errorf("store: fan out materialized message: %w", err)
	}
	return nil
}

// BeginTx starts a transaction for callers that need to run several store
// operations atomically. The scheduler, stale detector and trimmer in this
// repository begin their transactions on Pool directly.
func (s *Store) BeginTx(ctx context.Context) (pgxTxCloser, error) {
	return s.Pool.Begin(ctx)
}
