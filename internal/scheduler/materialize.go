// Package scheduler materializes cron-driven scheduled messages into
// concrete messages when their next occurrence is due (§4.5).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybroker/broker/internal/cronsched"
	"github.com/relaybroker/broker/internal/idgen"
	"github.com/relaybroker/broker/internal/store"
)

// ProcessDue claims every due scheduled message with SKIP LOCKED, inserts one
// concrete message per row, advances next_occurrence_at, and increments
// repeats_made -- all in one transaction. Returns the count materialized.
func ProcessDue(ctx context.Context, st *store.Store) (int, error) {
	tx, err := st.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now()
	due, err := st.DueScheduledMessages(ctx, tx, now)
	if err != nil {
		return 0, err
	}

	for _, sched := range due {
		id, err := idgen.New()
		if err != nil {
			return 0, fmt.Errorf("scheduler: mint message id: %w", err)
		}

		deliverAt := sched.DeliverAt
		if deliverAt == nil && sched.DeliverInMs != nil {
			t := now.Add(time.Duration(*sched.DeliverInMs) * time.Millisecond)
			deliverAt = &t
		}

		if err := st.InsertMessageTx(ctx, tx, sched.TopicID, id, sched.Payload, deliverAt, sched.Priority); err != nil {
			return 0, err
		}

		next, err := cronsched.Next(sched.Cron, sched.NextOccurrenceAt)
		if err != nil {
			return 0, fmt.Errorf("scheduler: compute next occurrence for %q: %w", sched.Name, err)
		}
		if err := st.AdvanceScheduledMessage(ctx, tx, sched.TopicID, sched.Name, next); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("scheduler: commit: %w", err)
	}
	return len(due), nil
}
