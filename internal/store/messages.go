package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaybroker/broker/internal/idgen"
)

// MessageRow is the persisted representation of a message.
type MessageRow struct {
	ID        uuid.UUID
	TopicID   uuid.UUID
	Payload   json.RawMessage
	CreatedAt time.Time
	DeliverAt *time.Time
	Priority  *int
}

// InsertBatch is the message writer (§4.2): it inserts one message per
// payload and fans each out to every current subscription of the topic, all
// inside one transaction, so a consumer never observes partial visibility.
func (s *Store) InsertBatch(ctx context.Context, topicID uuid.UUID, payloads []json.RawMessage, deliverAt *time.Time, priority *int) ([]uuid.UUID, error) {
	ids, err := idgen.Batch(len(payloads))
	if err != nil {
		return nil, fmt.Errorf("store: mint message ids: %w", err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin insert batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for i, id := range ids {
		batch.Queue(
			`INSERT INTO messages (id, topic_id, payload, deliver_at, priority) VALUES ($1, $2, $3, $4, $5)`,
			id, topicID, payloads[i], deliverAt, priority,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range ids {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("store: insert message: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("store: close insert batch: %w", err)
	}

	const fanOut = `
		INSERT INTO subscription_messages (subscription_id, message_id, status, attempts, available_at, stale_count)
		SELECT s.id, m.id, 'waiting', 0, m.deliver_at, 0
		FROM subscriptions s
		CROSS JOIN (SELECT unnest($2::uuid[]) AS id, unnest($3::timestamptz[]) AS deliver_at) m
		WHERE s.topic_id = $1`

	deliverAts := make([]*time.Time, len(ids))
	for i := range ids {
		deliverAts[i] = deliverAt
	}
	if _, err := tx.Exec(ctx, fanOut, topicID, ids, deliverAts); err != nil {
		return nil, fmt.Errorf("store: fan out messages to subscriptions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit insert batch: %w", err)
	}
	return ids, nil
}

// GetMessages returns a topic's messages ordered by id (insertion order),
// optionally limited.
func (s *Store) GetMessages(ctx context.Context, topicID uuid.UUID, limit int) ([]MessageRow, error) {
	q := `SELECT id, topic_id, payload, created_at, deliver_at, priority FROM messages WHERE topic_id = $1 ORDER BY id`
	args := []any{topicID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()
	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.TopicID, &m.Payload, &m.CreatedAt, &m.DeliverAt, &m.Priority); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
