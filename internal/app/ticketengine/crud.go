package ticketengine

import (
	"context"
	"strings"

	"github.com/buildforge/controlplane/internal/app/apperror"
	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/storage"
)

// ListTickets passes the filter straight through, clamping its limit to
// the standard page size bounds.
func (e *Engine) ListTickets(ctx context.Context, filter storage.TicketFilter) ([]ticket.Ticket, error) {
	filter.Limit = core.ClampLimit(filter.Limit, core.DefaultListLimit, core.MaxListLimit)
	return e.tickets.ListTickets(ctx, filter)
}

// CreateTicket inserts an admin-authored ticket directly, bypassing the
// dependency-graph batch path: it always starts ready since it names no
// dependency edges.
func (e *Engine) CreateTicket(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error) {
	if strings.TrimSpace(t.Title) == "" {
		return ticket.Ticket{}, apperror.Validation("title is required")
	}
	if t.State == "" {
		t.State = ticket.StateReady
	}
	created, err := e.tickets.CreateTicket(ctx, t)
	if err != nil {
		return ticket.Ticket{}, err
	}
	ev := event.Event{TicketID: created.ID, SessionID: created.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "created"}}
	if _, err := e.tickets.RecordActivity(ctx, ev); err != nil {
		e.log.WithError(err).WithField("ticket_id", created.ID).Warn("record ticket creation activity failed")
	}
	e.bus.Publish(ev)
	return created, nil
}

func (e *Engine) GetTicket(ctx context.Context, tenantID, id string) (ticket.Ticket, error) {
	return e.tickets.GetTicket(ctx, tenantID, id)
}

// UpdateTicket applies the mutable subset of a ticket via Transition so
// the change is gated (terminal tickets reject edits) and recorded as an
// activity event like every other state change.
func (e *Engine) UpdateTicket(ctx context.Context, tenantID, id string, patch httpapi.TicketPatch) (ticket.Ticket, error) {
	existing, err := e.tickets.GetTicket(ctx, tenantID, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if existing.State.Terminal() {
		return ticket.Ticket{}, apperror.StateConflict("ticket is in a terminal state", string(existing.State))
	}

	ev := event.Event{TicketID: id, SessionID: existing.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "updated"}}
	updated, derived, err := e.tickets.Transition(ctx, id, nil, func(t *ticket.Ticket) error {
		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.AcceptanceCriteria != nil {
			t.AcceptanceCriteria = patch.AcceptanceCriteria
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
		if patch.FileHints != nil {
			t.FileHints = patch.FileHints
		}
		if patch.State != nil {
			t.State = *patch.State
		}
		return nil
	}, ev)
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.bus.Publish(ev)
	e.publishDerived(derived)
	return updated, nil
}

func (e *Engine) DeleteTicket(ctx context.Context, tenantID, id string) error {
	return e.tickets.DeleteTicket(ctx, tenantID, id)
}

func (e *Engine) ListActivity(ctx context.Context, tenantID, ticketID string, limit int) ([]event.Event, error) {
	limit = core.ClampLimit(limit, 100, core.MaxListLimit)
	return e.tickets.ListActivity(ctx, tenantID, ticketID, limit)
}
