// Package broker implements a relational-database-backed messaging broker
// supporting job queues, event logs, and pub/sub over a single PostgreSQL
// schema. This file provides Observer pattern interfaces for event-driven
// notification of consumer activity. Events use the CloudEvents specification
// for standardized event format and better interoperability.
package broker

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of events emitted by a Subject (a Consumer or Broker).
// Events use the CloudEvents specification for standardization.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is interested in.
	// Observers should handle events quickly; dispatch is fire-and-forget and
	// errors are logged, never propagated back to the emitter.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// Subject is anything that can be observed: Consumer and Broker both
// implement it.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications. Observers
	// can filter by event type; an empty eventTypes receives everything.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all registered observers matching its
	// type. Observers run synchronously in the caller's goroutine; observer
	// errors are logged and swallowed.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns registration info for debugging/monitoring.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event type constants emitted by Consumer and Broker. Reverse-domain
// notation per the CloudEvents spec.
const (
	EventTypeConsume                  = "com.relaybroker.consumer.consume"
	EventTypeProcess                  = "com.relaybroker.consumer.process"
	EventTypeCompleted                = "com.relaybroker.consumer.completed"
	EventTypeFailed                   = "com.relaybroker.consumer.failed"
	EventTypeProgress                 = "com.relaybroker.consumer.progress"
	EventTypeIdle                     = "com.relaybroker.consumer.idle"
	EventTypeStale                    = "com.relaybroker.broker.stale"
	EventTypeSubscriptionConflict     = "com.relaybroker.subscription.conflict"
)

// FunctionalObserver adapts a plain function to the Observer interface.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver builds an Observer from a handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }
