package ticketengine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/metrics"
)

// Claim selects and assigns one ready ticket to workerID. ok is false
// when there is no eligible candidate; callers (the HTTP claim endpoint
// and the dispatch loop) both treat that as "nothing to do right now".
func (e *Engine) Claim(ctx context.Context, tenantID, workerID string) (ticket.Ticket, httpapi.ProjectSettings, bool, error) {
	t, ok, err := e.tickets.ClaimNext(ctx, tenantID, workerID, e.leaseDuration)
	if err == nil {
		metrics.RecordClaim(ok)
	}
	if err != nil || !ok {
		return ticket.Ticket{}, httpapi.ProjectSettings{}, ok, err
	}

	if t.TraceID == "" {
		traceID := uuid.NewString()
		if updated, derived, terr := e.tickets.Transition(ctx, t.ID, []ticket.State{ticket.StateAssigned}, func(tk *ticket.Ticket) error {
			tk.TraceID = traceID
			return nil
		}, event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "trace_assigned"}}); terr == nil {
			t = updated
			e.publishDerived(derived)
		}
	}

	settings := httpapi.ProjectSettings{RepositoryURL: t.RepositoryURL, LeaseSeconds: int(e.leaseDuration.Seconds())}
	e.bus.Publish(event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "claimed", "worker_id": workerID}})
	return t, settings, true, nil
}

// Heartbeat renews a claimed ticket's lease.
func (e *Engine) Heartbeat(ctx context.Context, ticketID, workerID string) (time.Time, error) {
	return e.tickets.Heartbeat(ctx, ticketID, workerID, e.leaseDuration)
}

// Release hands a claimed ticket back to ready without touching its
// retry count or backoff. The dispatch loop uses this when it claims a
// ticket that would push a session over its concurrency ceiling: the
// claim already happened at the storage layer, so the only way to
// respect the ceiling is to put it back.
func (e *Engine) Release(ctx context.Context, ticketID, workerID string) error {
	ev := event.Event{TicketID: ticketID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "released", "worker_id": workerID}}
	updated, derived, err := e.tickets.Transition(ctx, ticketID, []ticket.State{ticket.StateAssigned}, func(t *ticket.Ticket) error {
		t.State = ticket.StateReady
		t.AssigneeID = nil
		t.AssigneeKind = nil
		t.LeaseExpires = nil
		t.LastHeartbeat = nil
		return nil
	}, ev)
	if err != nil {
		return err
	}
	ev.SessionID = updated.SessionID
	e.bus.Publish(ev)
	e.publishDerived(derived)
	return nil
}

// ReportStarted transitions a freshly claimed ticket to in_progress. It
// is not reachable over HTTP (a worker reporting completion directly may
// skip this state entirely); the dispatch loop calls it best-effort right
// after handing a work unit to a worker.
func (e *Engine) ReportStarted(ctx context.Context, ticketID string) (ticket.Ticket, error) {
	updated, derived, err := e.tickets.Transition(ctx, ticketID, []ticket.State{ticket.StateAssigned}, func(t *ticket.Ticket) error {
		t.State = ticket.StateInProgress
		return nil
	}, event.Event{TicketID: ticketID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "started"}})
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.publishDerived(derived)
	return updated, nil
}
