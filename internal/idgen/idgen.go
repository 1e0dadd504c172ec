// Package idgen generates the time-ordered identifiers used as the canonical
// total order within a topic.
package idgen

import "github.com/google/uuid"

// New returns a UUIDv7: lexicographically and chronologically increasing for
// IDs minted in sequence, which is what lets reservation order messages by
// id alone within a priority class.
func New() (uuid.UUID, error) {
	return uuid.NewV7()
}

// Batch mints n strictly increasing UUIDv7 values, preserving caller order.
func Batch(n int) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, n)
	for i := range out {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
