// Package cronsched wraps robfig/cron/v3's expression parser to compute the
// next occurrence of a schedule after a reference time, matching the
// teacher's scheduler module's use of the same library for job cadence.
package cronsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate returns an error if expr is not a valid standard (5-field) cron
// expression.
func Validate(expr string) error {
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cronsched: %w", err)
	}
	return nil
}

// Next returns the next occurrence of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cronsched: parse %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
