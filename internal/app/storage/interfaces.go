// Package storage defines the persistence contracts for every control
// plane entity. Each state-changing method executes in a single
// transaction; the ticket and session transitions that take an event
// write it in that same transaction, while CreateSession, CreateTicket,
// the deletes, Heartbeat and the approval writes record no event.
package storage

import (
	"context"
	"time"

	"github.com/buildforge/controlplane/internal/app/domain/approval"
	"github.com/buildforge/controlplane/internal/app/domain/dependency"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
)

// TicketFilter narrows a ticket listing.
type TicketFilter struct {
	TenantID  string
	ProjectID string
	SessionID string
	State     *ticket.State
	Limit     int
}

// SessionStore persists sessions and their dialogue messages.
type SessionStore interface {
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	GetSession(ctx context.Context, tenantID, id string) (session.Session, error)
	ListSessions(ctx context.Context, tenantID string, state *session.State, limit int) ([]session.Session, error)
	DeleteSession(ctx context.Context, tenantID, id string) error

	// SaveTransition persists an updated session row, zero or more new
	// messages, and an event describing the change, atomically.
	SaveTransition(ctx context.Context, s session.Session, msgs []message.Message, ev event.Event) (session.Session, error)

	ListMessages(ctx context.Context, tenantID, sessionID string) ([]message.Message, error)
}

// TicketStore persists tickets, their dependency edges, and lease state.
type TicketStore interface {
	// CreateBatch atomically inserts tickets and dependency edges for one
	// ticket-generation batch. It rejects the whole batch with
	// apperror.KindIntegrity if the edges would close a cycle. Leaf
	// tickets are seeded ready; all others blocked.
	CreateBatch(ctx context.Context, tickets []ticket.Ticket, edges []dependency.Edge) ([]ticket.Ticket, error)

	GetTicket(ctx context.Context, tenantID, id string) (ticket.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]ticket.Ticket, error)
	CreateTicket(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error)
	DeleteTicket(ctx context.Context, tenantID, id string) error

	// ClaimNext selects and assigns one ready ticket to workerID via a
	// conditional update; ok is false when there is no candidate.
	ClaimNext(ctx context.Context, tenantID, workerID string, leaseDuration time.Duration) (t ticket.Ticket, ok bool, err error)

	// Heartbeat renews a live lease. It fails with apperror.KindConflict
	// if workerID does not hold the current lease.
	Heartbeat(ctx context.Context, ticketID, workerID string, leaseDuration time.Duration) (leaseExpires time.Time, err error)

	// Transition applies mutate to the ticket identified by id after
	// verifying its current state is one of from (empty means any
	// non-terminal state), writes the event, re-evaluates dependency
	// unblock for successors, and propagates session completion when the
	// ticket reaches a terminal state. All in one transaction. The
	// returned events are any derived events discovered during that
	// evaluation (a ticket:unblocked per newly-unblocked successor, a
	// session:update when the ticket's session just completed) that the
	// caller must publish alongside ev; they are also persisted to the
	// event log regardless of whether the caller publishes them.
	Transition(ctx context.Context, id string, from []ticket.State, mutate func(*ticket.Ticket) error, ev event.Event) (ticket.Ticket, []event.Event, error)

	// ReapExpiredLeases returns tickets whose lease has lapsed to ready
	// with incremented retry_count and a backoff-derived retry_after.
	ReapExpiredLeases(ctx context.Context, now time.Time, backoff func(retryCount int) time.Duration) ([]ticket.Ticket, error)

	ListActivity(ctx context.Context, tenantID, ticketID string, limit int) ([]event.Event, error)
	RecordActivity(ctx context.Context, ev event.Event) (event.Event, error)

	// CountNonTerminal returns how many of a session's tickets are not
	// yet done/cancelled, and how many have reached done.
	CountNonTerminal(ctx context.Context, sessionID string) (nonTerminal int, done int, err error)
}

// ApprovalStore persists human gating records.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a approval.Approval) (approval.Approval, error)
	ResolveApproval(ctx context.Context, id string, status approval.Status, resolverID string) (approval.Approval, error)
	GetApproval(ctx context.Context, id string) (approval.Approval, error)
	ListApprovals(ctx context.Context, sessionID string) ([]approval.Approval, error)
}

// EventStore provides replay access to the append-only event log, keyed
// by room for the real-time bus's request-reply reconciliation path.
type EventStore interface {
	ListEvents(ctx context.Context, room event.Room, since time.Time, limit int) ([]event.Event, error)
}

// Store aggregates every persistence concern. Concrete implementations
// live in postgres, sqlite, and memory.
type Store interface {
	SessionStore
	TicketStore
	ApprovalStore
	EventStore
}
