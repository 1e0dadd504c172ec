package broker

import (
	"context"
	"errors"
	"testing"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	if !errors.Is(err, ErrConfigDSNEmpty) {
		t.Fatalf("expected ErrConfigDSNEmpty, got %v", err)
	}
}

func TestTopicRejectsEmptyName(t *testing.T) {
	b := &Broker{topics: make(map[string]*Topic)}
	_, err := b.Topic(context.Background(), "")
	if !errors.Is(err, ErrTopicNameEmpty) {
		t.Fatalf("expected ErrTopicNameEmpty, got %v", err)
	}
}

func TestSubscribeRejectsEmptyName(t *testing.T) {
	topic := &Topic{b: &Broker{eventSubject: newEventSubject(nil)}}
	_, err := topic.Subscribe(context.Background(), "")
	if !errors.Is(err, ErrSubscriptionNameEmpty) {
		t.Fatalf("expected ErrSubscriptionNameEmpty, got %v", err)
	}
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	topic := &Topic{b: &Broker{eventSubject: newEventSubject(nil)}}
	err := topic.Schedule(context.Background(), "nightly", "not a cron expression", nil)
	if !errors.Is(err, ErrInvalidCronExpression) {
		t.Fatalf("expected ErrInvalidCronExpression, got %v", err)
	}
}

func TestSubscribeRejectsInvalidConfig(t *testing.T) {
	topic := &Topic{b: &Broker{eventSubject: newEventSubject(nil)}}
	_, err := topic.Subscribe(context.Background(), "sub", WithConsumptionMode("sideways"))
	if !errors.Is(err, ErrInvalidConsumptionMode) {
		t.Fatalf("expected ErrInvalidConsumptionMode, got %v", err)
	}
}

func TestClosedBrokerRejectsTopic(t *testing.T) {
	b := &Broker{topics: make(map[string]*Topic)}
	b.closed.Store(true)
	_, err := b.Topic(context.Background(), "anything")
	if !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("expected ErrBrokerClosed, got %v", err)
	}
}

func TestClosedBrokerHealthReportsErrorButKeepsTickAges(t *testing.T) {
	b := &Broker{}
	b.lastTrimAt.Store(1)
	b.closed.Store(true)
	report, err := b.Health(context.Background())
	if !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("expected ErrBrokerClosed, got %v", err)
	}
	if report.LastTrimAt.IsZero() {
		t.Fatal("expected LastTrimAt to still be populated on a closed broker's health report")
	}
}

func TestReconfigureUpdatesIntervalAtomics(t *testing.T) {
	b := &Broker{}
	b.Reconfigure(Config{TrimInterval: 0, StaleTimeout: 0, ResetStaleInterval: 0, ScheduledInterval: 0})
	// withDefaults fills zero values in, so every tunable should now be > 0.
	if b.trimInterval.Load() <= 0 || b.staleTimeout.Load() <= 0 ||
		b.resetStaleInterval.Load() <= 0 || b.scheduledInterval.Load() <= 0 {
		t.Fatal("expected Reconfigure to apply withDefaults before storing tunables")
	}
}
