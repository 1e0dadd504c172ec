package cronsched

import (
	"testing"
	"time"
)

func TestValidateRejectsBadExpression(t *testing.T) {
	if err := Validate("not a cron expression"); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestValidateAcceptsStandardExpression(t *testing.T) {
	if err := Validate("*/5 * * * *"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNextAdvancesPastReference(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := Next("0 * * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.After(from) {
		t.Fatalf("expected next occurrence after %v, got %v", from, next)
	}
	want := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}
