// Package lease defines the time-bounded exclusive claim a worker holds
// over a ticket.
package lease

import "time"

// Lease is the tuple (ticket, worker identity, acquired-at, expires-at).
// It is stored inline on the ticket row; this type is the shape recorded
// in lease_acquired / lease_expired events for replay.
type Lease struct {
	TicketID   string
	WorkerID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease has lapsed as of now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
