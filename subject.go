package broker

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// eventSubject is a reusable Subject implementation embedded by Consumer and
// Broker. Dispatch is synchronous but isolated per observer: one observer's
// error or panic is logged and recovered, and never blocks another's delivery.
type eventSubject struct {
	mu        sync.RWMutex
	observers map[string]*registeredObserver
	logger    Logger
}

type registeredObserver struct {
	observer   Observer
	info       ObserverInfo
	eventTypes map[string]struct{}
}

func newEventSubject(logger Logger) *eventSubject {
	if logger == nil {
		logger = noopLogger{}
	}
	return &eventSubject{observers: make(map[string]*registeredObserver), logger: logger}
}

func (s *eventSubject) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = struct{}{}
	}
	s.observers[observer.ObserverID()] = &registeredObserver{
		observer: observer,
		info: ObserverInfo{
			ID:           observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: time.Now(),
		},
		eventTypes: filter,
	}
	return nil
}

func (s *eventSubject) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, observer.ObserverID())
	return nil
}

func (s *eventSubject) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObserverInfo, 0, len(s.observers))
	for _, r := range s.observers {
		out = append(out, r.info)
	}
	return out
}

// NotifyObservers dispatches to every observer whose filter matches (or has
// no filter) and never returns an observer's error: failures are logged.
func (s *eventSubject) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	s.mu.RLock()
	targets := make([]*registeredObserver, 0, len(s.observers))
	for _, r := range s.observers {
		if len(r.eventTypes) == 0 {
			targets = append(targets, r)
			continue
		}
		if _, ok := r.eventTypes[event.Type()]; ok {
			targets = append(targets, r)
		}
	}
	s.mu.RUnlock()

	for _, r := range targets {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("observer panicked", "observer", r.info.ID, "eventType", event.Type(), "panic", p)
				}
			}()
			if err := r.observer.OnEvent(ctx, event); err != nil {
				s.logger.Debug("observer event handling failed", "observer", r.info.ID, "eventType", event.Type(), "error", err)
			}
		}()
	}
	return nil
}
