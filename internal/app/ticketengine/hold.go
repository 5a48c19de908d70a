package ticketengine

import (
	"context"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
)

// Hold pulls a ticket out of the dispatch cycle regardless of its current
// non-terminal state, recording the state it held so Resume can restore
// it. Not reachable over HTTP, and nothing else in this module calls it.
func (e *Engine) Hold(ctx context.Context, tenantID, id, reason string) (ticket.Ticket, error) {
	t, err := e.tickets.GetTicket(ctx, tenantID, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if t.State.Terminal() || t.State == ticket.StateOnHold {
		return ticket.Ticket{}, apperror.StateConflict("ticket cannot be held from its current state", string(t.State))
	}

	prior := t.State
	ev := event.Event{TicketID: id, SessionID: t.SessionID, Type: event.TypeTicketHold, Payload: map[string]any{"prior_state": string(prior), "reason": reason}}
	updated, derived, err := e.tickets.Transition(ctx, id, []ticket.State{prior}, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateOnHold
		return nil
	}, ev)
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.bus.Publish(ev)
	e.publishDerived(derived)
	return updated, nil
}

// Resume restores a held ticket to the state recorded by its most recent
// hold event, defaulting to ready if no hold event can be found.
func (e *Engine) Resume(ctx context.Context, tenantID, id string) (ticket.Ticket, error) {
	t, err := e.tickets.GetTicket(ctx, tenantID, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if t.State != ticket.StateOnHold {
		return ticket.Ticket{}, apperror.StateConflict("ticket is not on hold", string(t.State))
	}

	activity, err := e.tickets.ListActivity(ctx, tenantID, id, 200)
	if err != nil {
		return ticket.Ticket{}, err
	}
	prior := ticket.StateReady
	for i := len(activity) - 1; i >= 0; i-- {
		if activity[i].Type != event.TypeTicketHold {
			continue
		}
		if raw, ok := activity[i].Payload["prior_state"].(string); ok && raw != "" {
			prior = ticket.State(raw)
		}
		break
	}

	ev := event.Event{TicketID: id, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "resumed", "state": string(prior)}}
	updated, derived, err := e.tickets.Transition(ctx, id, []ticket.State{ticket.StateOnHold}, func(tk *ticket.Ticket) error {
		tk.State = prior
		return nil
	}, ev)
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.bus.Publish(ev)
	e.publishDerived(derived)
	return updated, nil
}
