package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the lifecycle state of a subscription-message row.
type MessageStatus string

const (
	StatusWaiting    MessageStatus = "waiting"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// ConsumptionMode controls whether a subscription delivers one message at a
// time, totally ordered (sequential), or many concurrently (parallel).
type ConsumptionMode string

const (
	Sequential ConsumptionMode = "sequential"
	Parallel   ConsumptionMode = "parallel"
)

// StartPosition controls which messages a newly created subscription sees.
type StartPosition string

const (
	Earliest StartPosition = "earliest"
	Latest   StartPosition = "latest"
)

// RetryStrategy controls how the delay before a retry grows with attempts.
type RetryStrategy string

const (
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// Message is a durable, immutable (until deleted) record in a topic.
type Message struct {
	ID        uuid.UUID
	TopicID   uuid.UUID
	Payload   json.RawMessage
	CreatedAt time.Time
	DeliverAt *time.Time
	Priority  *int
}

// ScheduledMessage is a cron-driven template that materializes concrete
// Messages on each due occurrence.
type ScheduledMessage struct {
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

// SubscriptionMessage is the per-(subscription, message) delivery state row.
type SubscriptionMessage struct {
	SubscriptionID  uuid.UUID
	MessageID       uuid.UUID
	Status          MessageStatus
	Attempts        int
	AvailableAt     *time.Time
	ErrorStack      *string
	LastHeartbeatAt *time.Time
	Progress        json.RawMessage
	StaleCount      int

	// Message fields joined in for convenience when a reservation returns a row.
	Payload   json.RawMessage
	Priority  *int
	CreatedAt time.Time
}

// SubscriptionConfig is the immutable-after-creation configuration of a
// subscription.
type SubscriptionConfig struct {
	ConsumptionMode ConsumptionMode
	StartPosition   StartPosition
	MaxAttempts     int
	RetryStrategy   RetryStrategy
	RetryDelayMs    int64
}

// DefaultSubscriptionConfig returns the documented defaults (§6 config table).
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		ConsumptionMode: Sequential,
		StartPosition:   Latest,
		MaxAttempts:     1,
		RetryStrategy:   RetryLinear,
		RetryDelayMs:    0,
	}
}

// Validate rejects a SubscriptionConfig whose enum-like fields hold anything
// other than the documented constants (§6), catching typos in a caller's
// option arguments before they reach the subscriptions row.
func (c SubscriptionConfig) Validate() error {
	switch c.ConsumptionMode {
	case Sequential, Parallel:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidConsumptionMode, c.ConsumptionMode)
	}
	switch c.StartPosition {
	case Earliest, Latest:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStartPosition, c.StartPosition)
	}
	switch c.RetryStrategy {
	case RetryLinear, RetryExponential:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRetryStrategy, c.RetryStrategy)
	}
	return nil
}

// Equal reports whether two subscription configs describe the same behavior.
func (c SubscriptionConfig) Equal(o SubscriptionConfig) bool {
	return c.ConsumptionMode == o.ConsumptionMode &&
		c.StartPosition == o.StartPosition &&
		c.MaxAttempts == o.MaxAttempts &&
		c.RetryStrategy == o.RetryStrategy &&
		c.RetryDelayMs == o.RetryDelayMs
}
