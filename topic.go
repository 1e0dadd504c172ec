package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaybroker/broker/internal/cronsched"
	"github.com/relaybroker/broker/internal/store"
)

// Topic is a named stream of messages. Obtain one via Broker.Topic.
type Topic struct {
	b   *Broker
	row store.TopicRow
}

// Name returns the topic's name.
func (t *Topic) Name() string { return t.row.Name }

// Send inserts a single message and returns its id.
func (t *Topic) Send(ctx context.Context, payload any, opts ...SendOption) (uuid.UUID, error) {
	ids, err := t.SendBulk(ctx, []any{payload}, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

// SendBulk inserts a batch of messages atomically, fanning each out to every
// current subscription in the same transaction (§4.2).
func (t *Topic) SendBulk(ctx context.Context, payloads []any, opts ...SendOption) ([]uuid.UUID, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	deliverAt := o.deliverAt
	if deliverAt == nil && o.deliverInMs != nil {
		dt := time.Now().Add(time.Duration(*o.deliverInMs) * time.Millisecond)
		deliverAt = &dt
	}

	raw := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("topic: marshal payload %d: %w", i, err)
		}
		raw[i] = b
	}

	ids, err := t.b.st.InsertBatch(ctx, t.row.ID, raw, deliverAt, o.priority)
	if err != nil {
		return nil, fmt.Errorf("topic: send bulk: %w", err)
	}
	return ids, nil
}

// Schedule upserts a cron-driven schedule under (topic, name). Re-scheduling
// the same name updates its config but preserves repeats_made.
func (t *Topic) Schedule(ctx context.Context, name, cron string, payload any, opts ...ScheduleOption) error {
	if err := cronsched.Validate(cron); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}

	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("topic: marshal scheduled payload: %w", err)
	}

	next, err := cronsched.Next(cron, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}

	row := store.ScheduledMessageRow{
		TopicID:          t.row.ID,
		Name:             name,
		Payload:          raw,
		Cron:             cron,
		NextOccurrenceAt: next,
		DeliverInMs:      o.deliverInMs,
		DeliverAt:        o.deliverAt,
		Priority:         o.priority,
		Repeats:          o.repeats,
	}
	if err := t.b.st.UpsertScheduledMessage(ctx, row); err != nil {
		return fmt.Errorf("topic: schedule %q: %w", name, err)
	}
	return nil
}

// RemoveSchedule deletes the named cron schedule. Returns ErrScheduleNotFound
// if no schedule by that name exists on this topic.
func (t *Topic) RemoveSchedule(ctx context.Context, name string) error {
	found, err := t.b.st.RemoveScheduledMessage(ctx, t.row.ID, name)
	if err != nil {
		return fmt.Errorf("topic: remove schedule %q: %w", name, err)
	}
	if !found {
		return ErrScheduleNotFound
	}
	return nil
}

// Clear deletes every message in the topic (cascading to subscription
// state) without removing the topic or its subscriptions.
func (t *Topic) Clear(ctx context.Context) error {
	if err := t.b.st.ClearTopic(ctx, t.row.ID); err != nil {
		return fmt.Errorf("topic: clear: %w", err)
	}
	return nil
}

// GetMessages returns the topic's messages in insertion order.
func (t *Topic) GetMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := t.b.st.GetMessages(ctx, t.row.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("topic: get messages: %w", err)
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = Message{ID: r.ID, TopicID: r.TopicID, Payload: r.Payload, CreatedAt: r.CreatedAt, DeliverAt: r.DeliverAt, Priority: r.Priority}
	}
	return out, nil
}

// GetScheduledMessages returns the topic's cron schedules.
func (t *Topic) GetScheduledMessages(ctx context.Context) ([]ScheduledMessage, error) {
	rows, err := t.b.st.GetScheduledMessages(ctx, t.row.ID)
	if err != nil {
		return nil, fmt.Errorf("topic: get scheduled messages: %w", err)
	}
	out := make([]ScheduledMessage, len(rows))
	for i, r := range rows {
		out[i] = ScheduledMessage{
			TopicID: r.TopicID, Name: r.Name, Payload: r.Payload, Cron: r.Cron,
			NextOccurrenceAt: r.NextOccurrenceAt, DeliverInMs: r.DeliverInMs, DeliverAt: r.DeliverAt,
			Priority: r.Priority, Repeats: r.Repeats, RepeatsMade: r.RepeatsMade,
		}
	}
	return out, nil
}

// Subscribe creates the subscription if it doesn't exist, or returns the
// existing one. If the existing config differs from opts, the stored config
// wins, a conflict event fires, and the returned error wraps
// ErrSubscriptionConfigConflict (§9 subscription equivalence decision).
func (t *Topic) Subscribe(ctx context.Context, name string, opts ...SubscribeOption) (*Subscription, error) {
	if name == "" {
		return nil, ErrSubscriptionNameEmpty
	}

	cfg := DefaultSubscriptionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("topic: subscribe %q: %w", name, err)
	}

	row, created, err := t.b.st.EnsureSubscription(ctx, t.row.ID, name,
		string(cfg.ConsumptionMode), string(cfg.StartPosition), cfg.MaxAttempts, string(cfg.RetryStrategy), cfg.RetryDelayMs)
	if err != nil {
		return nil, fmt.Errorf("topic: subscribe %q: %w", name, err)
	}

	sub := &Subscription{t: t, row: row}

	if created {
		return sub, nil
	}

	existing := SubscriptionConfig{
		ConsumptionMode: ConsumptionMode(row.ConsumptionMode),
		StartPosition:   StartPosition(row.StartPosition),
		MaxAttempts:     row.MaxAttempts,
		RetryStrategy:   RetryStrategy(row.RetryStrategy),
		RetryDelayMs:    row.RetryDelayMs,
	}
	if !existing.Equal(cfg) {
		if evtErr := t.b.NotifyObservers(ctx, NewCloudEvent(EventTypeSubscriptionConflict, "relaybroker/topic/"+t.Name(), map[string]string{"subscription": name}, nil)); evtErr != nil {
			t.b.cfg.Logger.Debug("subscription conflict event notify failed", "error", evtErr)
		}
		return sub, fmt.Errorf("%w: subscription %q", ErrSubscriptionConfigConflict, name)
	}

	return sub, nil
}
