package broker

import (
	"context"
	"errors"
	"testing"
)

func TestSubscriptionConfigEqual(t *testing.T) {
	a := DefaultSubscriptionConfig()
	b := DefaultSubscriptionConfig()
	if !a.Equal(b) {
		t.Fatal("two default configs should be equal")
	}

	b.MaxAttempts = 3
	if a.Equal(b) {
		t.Fatal("configs differing in MaxAttempts should not be equal")
	}
}

func TestSubscriptionConfigValidate(t *testing.T) {
	if err := DefaultSubscriptionConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}

	cases := []struct {
		name string
		cfg  SubscriptionConfig
		want error
	}{
		{"bad consumption mode", SubscriptionConfig{ConsumptionMode: "sideways", StartPosition: Latest, RetryStrategy: RetryLinear}, ErrInvalidConsumptionMode},
		{"bad start position", SubscriptionConfig{ConsumptionMode: Parallel, StartPosition: "middle", RetryStrategy: RetryLinear}, ErrInvalidStartPosition},
		{"bad retry strategy", SubscriptionConfig{ConsumptionMode: Parallel, StartPosition: Latest, RetryStrategy: "random"}, ErrInvalidRetryStrategy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want wrapping %v", err, tc.want)
			}
		})
	}
}

func TestEventSubjectFiltersByType(t *testing.T) {
	s := newEventSubject(nil)

	var gotCompleted, gotFailed int
	completedObs := NewFunctionalObserver("completed-listener", func(_ context.Context, _ CloudEvent) error {
		gotCompleted++
		return nil
	})
	failedObs := NewFunctionalObserver("failed-listener", func(_ context.Context, _ CloudEvent) error {
		gotFailed++
		return nil
	})

	if err := s.RegisterObserver(completedObs, EventTypeCompleted); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterObserver(failedObs, EventTypeFailed); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	evt := NewCloudEvent(EventTypeCompleted, "test", nil, nil)
	if err := s.NotifyObservers(ctx, evt); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if gotCompleted != 1 {
		t.Errorf("completed listener invoked %d times, want 1", gotCompleted)
	}
	if gotFailed != 0 {
		t.Errorf("failed listener invoked %d times, want 0 (filtered)", gotFailed)
	}
}

func TestEventSubjectUnregister(t *testing.T) {
	s := newEventSubject(nil)
	count := 0
	obs := NewFunctionalObserver("obs", func(_ context.Context, _ CloudEvent) error {
		count++
		return nil
	})
	_ = s.RegisterObserver(obs)
	_ = s.UnregisterObserver(obs)

	_ = s.NotifyObservers(context.Background(), NewCloudEvent(EventTypeIdle, "test", nil, nil))
	if count != 0 {
		t.Errorf("unregistered observer was still notified %d times", count)
	}
	if len(s.GetObservers()) != 0 {
		t.Errorf("expected no observers after unregister, got %d", len(s.GetObservers()))
	}
}

func TestRegisterObserverRejectsNil(t *testing.T) {
	s := newEventSubject(nil)
	if err := s.RegisterObserver(nil); err == nil {
		t.Fatal("expected an error when registering a nil observer")
	}
}
