package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaybroker/broker/internal/reservation"
	"github.com/relaybroker/broker/internal/store"
)

// Subscription is a named, durable view over a topic's messages.
type Subscription struct {
	t   *Topic
	row store.SubscriptionRow
}

// Name returns the subscription's name.
func (s *Subscription) Name() string { return s.row.Name }

// Config returns the subscription's stored (immutable) configuration.
func (s *Subscription) Config() SubscriptionConfig {
	return SubscriptionConfig{
		ConsumptionMode: ConsumptionMode(s.row.ConsumptionMode),
		StartPosition:   StartPosition(s.row.StartPosition),
		MaxAttempts:     s.row.MaxAttempts,
		RetryStrategy:   RetryStrategy(s.row.RetryStrategy),
		RetryDelayMs:    s.row.RetryDelayMs,
	}
}

// HandlerFunc processes one delivered message. A returned error triggers the
// retry/exhaustion policy (§4.3); a nil return completes the message.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Consume builds and starts (unless WithAutostart(false)) a Consumer bound to
// this subscription and handler.
func (s *Subscription) Consume(handler HandlerFunc, opts ...ConsumeOption) (*Consumer, error) {
	cfg := DefaultConsumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if s.row.ConsumptionMode == string(Sequential) {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	c := newConsumer(s, handler, cfg)
	if cfg.Autostart {
		if err := c.Start(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetMessages lists this subscription's delivery-state rows, optionally
// filtered by status, in insertion order.
func (s *Subscription) GetMessages(ctx context.Context, statuses ...MessageStatus) ([]SubscriptionMessage, error) {
	filters := make([]string, len(statuses))
	for i, st := range statuses {
		filters[i] = string(st)
	}
	rows, err := s.t.b.st.GetSubscriptionMessages(ctx, s.row.ID, filters)
	if err != nil {
		return nil, fmt.Errorf("subscription: get messages: %w", err)
	}
	out := make([]SubscriptionMessage, len(rows))
	for i, r := range rows {
		out[i] = SubscriptionMessage{
			SubscriptionID: r.SubscriptionID, MessageID: r.MessageID, Status: MessageStatus(r.Status),
			Attempts: r.Attempts, AvailableAt: r.AvailableAt, ErrorStack: r.ErrorStack,
			LastHeartbeatAt: r.LastHeartbeatAt, Progress: r.Progress, StaleCount: r.StaleCount,
			Payload: r.Payload, Priority: r.Priority, CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

// Retry forces a failed message back to waiting without resetting attempts
// or max_attempts (§4.3's manual-retry decision): a message retried after
// exhausting its attempts will fail again after a single further attempt.
// Returns ErrMessageNotFound if messageID has no failed row on this
// subscription.
func (s *Subscription) Retry(ctx context.Context, messageID uuid.UUID) error {
	found, err := reservation.Retry(ctx, s.t.b.st, s.row.ID, messageID)
	if err != nil {
		return fmt.Errorf("subscription: retry: %w", err)
	}
	if !found {
		return ErrMessageNotFound
	}
	return nil
}

// Remove deletes the subscription and every subscription-message row that
// belongs to it.
func (s *Subscription) Remove(ctx context.Context) error {
	if err := s.t.b.st.RemoveSubscription(ctx, s.row.ID); err != nil {
		return fmt.Errorf("subscription: remove: %w", err)
	}
	return nil
}
