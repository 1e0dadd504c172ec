package reservation

import "testing"

func TestBackoffLinear(t *testing.T) {
	for attempts := 1; attempts <= 4; attempts++ {
		got := backoff("linear", 500, attempts)
		if got != "500 milliseconds" {
			t.Fatalf("attempt %d: got %q, want constant 500ms delay", attempts, got)
		}
	}
}

func TestBackoffExponential(t *testing.T) {
	cases := []struct {
		attempts int
		want     string
	}{
		{1, "100 milliseconds"},
		{2, "200 milliseconds"},
		{3, "400 milliseconds"},
		{4, "800 milliseconds"},
	}
	for _, c := range cases {
		if got := backoff("exponential", 100, c.attempts); got != c.want {
			t.Errorf("attempt %d: got %q, want %q", c.attempts, got, c.want)
		}
	}
}

func TestBackoffExponentialClampsShift(t *testing.T) {
	// A pathologically large attempt count must not overflow the shift.
	got := backoff("exponential", 1, 1000)
	if got == "" {
		t.Fatal("expected a non-empty interval literal")
	}
}
