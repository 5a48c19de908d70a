// Package event defines the append-only audit/fan-out record consumed by
// the real-time bus and available for replay.
package event

import "time"

// Type enumerates the event kinds that flow through the real-time bus, per
// the subscription protocol.
type Type string

const (
	TypeSessionUpdate      Type = "session:update"
	TypeSessionMessage     Type = "session:message"
	TypeApprovalRequested  Type = "approval:requested"
	TypeApprovalResolved   Type = "approval:resolved"
	TypeBuildProgress      Type = "build:progress"
	TypeSpecGenerated      Type = "spec:generated"
	TypeTicketsGenerated   Type = "tickets:generated"
	TypeTicketActivity     Type = "ticket:activity"

	// Internal-only types recorded in the event log but not necessarily
	// forwarded verbatim to bus subscribers as a distinct bus type; they
	// ride inside ticket:activity payloads.
	TypeLeaseAcquired Type = "lease_acquired"
	TypeLeaseExpired  Type = "lease_expired"
	TypeUnblocked     Type = "unblocked"
	TypeTicketHold    Type = "ticket_hold"
)

// Room identifies the pub/sub scope an event belongs to.
type Room string

// SessionRoom returns the room key for a session.
func SessionRoom(sessionID string) Room { return Room("session:" + sessionID) }

// TicketRoom returns the room key for a ticket.
func TicketRoom(ticketID string) Room { return Room("ticket:" + ticketID) }

// Event is an append-only audit/fan-out record.
type Event struct {
	ID        string
	SessionID string
	TicketID  string
	Type      Type
	Payload   map[string]any
	CreatedAt time.Time
}
