package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TopicRow is the persisted representation of a topic.
type TopicRow struct {
	ID           uuid.UUID
	Name         string
	MaxRetention *int
	CreatedAt    time.Time
}

// EnsureTopic creates the topic if it does not exist, otherwise returns the
// existing row unchanged (topics are immutable after creation).
func (s *Store) EnsureTopic(ctx context.Context, name string, maxRetention *int) (TopicRow, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return TopicRow{}, fmt.Errorf("store: generate topic id: %w", err)
	}
	const q = `
		INSERT INTO topics (id, name, max_retention)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = topics.name
		RETURNING id, name, max_retention, created_at`
	var row TopicRow
	if err := s.Pool.QueryRow(ctx, q, id, name, maxRetention).Scan(&row.ID, &row.Name, &row.MaxRetention, &row.CreatedAt); err != nil {
		return TopicRow{}, fmt.Errorf("store: ensure topic %q: %w", name, err)
	}
	return row, nil
}

// GetTopicByName looks up a topic; returns pgx.ErrNoRows wrapped if absent.
func (s *Store) GetTopicByName(ctx context.Context, name string) (TopicRow, error) {
	const q = `SELECT id, name, max_retention, created_at FROM topics WHERE name = $1`
	var row TopicRow
	if err := s.Pool.QueryRow(ctx, q, name).Scan(&row.ID, &row.Name, &row.MaxRetention, &row.CreatedAt); err != nil {
		return TopicRow{}, fmt.Errorf("store: get topic %q: %w", name, err)
	}
	return row, nil
}

// ClearTopic deletes every message belonging to a topic (cascades to
// subscription_messages) without removing the topic or its subscriptions.
func (s *Store) ClearTopic(ctx context.Context, topicID uuid.UUID) error {
	if _, err := s.Pool.Exec(ctx, `DELETE FROM messages WHERE topic_id = $1`, topicID); err != nil {
		return fmt.Errorf("store: clear topic: %w", err)
	}
	return nil
}

// ListTopics returns every topic, ordered by name, for the admin surface.
func (s *Store) ListTopics(ctx context.Context) ([]TopicRow, error) {
	const q = `SELECT id, name, max_retention, created_at FROM topics ORDER BY name`
	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list topics: %w", err)
	}
	defer rows.Close()
	var out []TopicRow
	for rows.Next() {
		var row TopicRow
		if err := rows.Scan(&row.ID, &row.Name, &row.MaxRetention, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan topic: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
