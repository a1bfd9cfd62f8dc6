// Package postgres holds the PostgreSQL repositories for campaigns, work
// records, events, suppression lookups, and recipient streaming.
package postgres

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockLost is returned when a lock-gated transition matched no row:
	// the lock expired and the record was recovered or re-claimed.
	ErrLockLost = errors.New("work record lock lost")

	// ErrInvalidTransition is returned when a guarded campaign status
	// change found the campaign in a different state.
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)
