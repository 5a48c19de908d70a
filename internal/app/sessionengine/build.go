package sessionengine

import (
	"context"

	"github.com/google/uuid"

	"github.com/buildforge/controlplane/internal/app/apperror"
	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/dependency"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/modeladapter"
)

// StartBuild packages the approved spec, hands it to the model adapter
// for ticket drafting, and atomically inserts the resulting tickets and
// dependency edges via the ticket engine's store.
func (e *Engine) StartBuild(ctx context.Context, tenantID, id string) (session.Session, int, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, 0, err
	}
	if sess.State != session.StateApproved {
		return session.Session{}, 0, apperror.StateConflict("session is not approved for build", string(sess.State))
	}

	prompt := e.ticketGenPrompt(sess)
	var resp modeladapter.Response
	callErr := core.Retry(ctx, e.retry, modeladapter.Classify, func() error {
		var err error
		resp, err = e.adapter.Complete(ctx, prompt)
		return err
	})
	if callErr != nil {
		return session.Session{}, 0, apperror.Transient("ticket generation failed", callErr)
	}

	drafts, err := decodeTicketDrafts(resp.Text)
	if err != nil {
		return session.Session{}, 0, apperror.PermanentUpstream("ticket generation returned an unusable response", err)
	}
	if len(drafts) == 0 {
		return session.Session{}, 0, apperror.PermanentUpstream("ticket generation returned no tickets", nil)
	}

	projectID := ""
	if sess.ProjectID != nil {
		projectID = *sess.ProjectID
	}

	ids := make(map[string]string, len(drafts))
	for _, d := range drafts {
		ids[d.Key] = uuid.NewString()
	}

	tickets := make([]ticket.Ticket, 0, len(drafts))
	var edges []dependency.Edge
	for _, d := range drafts {
		tickets = append(tickets, ticket.Ticket{
			ID:                 ids[d.Key],
			TenantID:           tenantID,
			ProjectID:          projectID,
			SessionID:          sess.ID,
			Title:              d.Title,
			Description:        d.Description,
			AcceptanceCriteria: d.AcceptanceCriteria,
			Epic:               d.Epic,
			Scope:              ticket.Scope(parseScope(d.Scope)),
			FileHints:          d.FileHints,
			Priority:           ticket.Priority(parsePriority(d.Priority)),
		})
		for _, dep := range d.DependsOn {
			depID, ok := ids[dep]
			if !ok {
				continue
			}
			edges = append(edges, dependency.Edge{TicketID: ids[d.Key], DependsOnID: depID})
		}
	}

	created, err := e.tickets.CreateBatch(ctx, tickets, edges)
	if err != nil {
		return session.Session{}, 0, err
	}
	e.bus.Publish(event.Event{SessionID: sess.ID, Type: event.TypeTicketsGenerated, Payload: map[string]any{"count": len(created)}})

	sess.State = session.StateBuilding
	ev := event.Event{SessionID: id, Type: event.TypeSessionUpdate, Payload: map[string]any{"state": string(sess.State)}}
	saved, err := e.sessions.SaveTransition(ctx, sess, nil, ev)
	if err != nil {
		return session.Session{}, 0, err
	}
	e.bus.Publish(ev)
	return saved, len(created), nil
}

