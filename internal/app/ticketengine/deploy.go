package ticketengine

import (
	"context"

	"github.com/buildforge/controlplane/internal/app/deploy"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
)

// runDeploy kicks off a deployment for an approved ticket and waits on
// its completion channel in the background, per the deploy collaborator's
// inbound-notification shape. It runs detached from the request that
// triggered the approval, so it is given its own context.
func (e *Engine) runDeploy(ctx context.Context, t ticket.Ticket) {
	prURL := ""
	if t.PullRequestURL != nil {
		prURL = *t.PullRequestURL
	}
	ch, err := e.deployer.Deploy(ctx, deploy.Request{TicketID: t.ID, PullRequestURL: prURL, RepositoryURL: t.RepositoryURL})
	if err != nil {
		e.log.WithError(err).WithField("ticket_id", t.ID).Warn("deploy dispatch failed")
		return
	}
	completion, ok := <-ch
	if !ok {
		return
	}
	if _, err := e.ResolveDeploy(ctx, completion); err != nil {
		e.log.WithError(err).WithField("ticket_id", t.ID).Warn("resolve deploy completion failed")
	}
}

// ResolveDeploy applies an inbound deploy completion notification:
// in_review -> done on success, or back to changes_requested (subject to
// the same retry ceiling as every other rejection path) on failure.
func (e *Engine) ResolveDeploy(ctx context.Context, completion deploy.Completion) (ticket.Ticket, error) {
	if completion.Success {
		ev := event.Event{TicketID: completion.TicketID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "deployed"}}
		updated, derived, err := e.tickets.Transition(ctx, completion.TicketID, []ticket.State{ticket.StateInReview}, func(tk *ticket.Ticket) error {
			tk.State = ticket.StateDone
			return nil
		}, ev)
		if err != nil {
			return ticket.Ticket{}, err
		}
		e.bus.Publish(ev)
		e.publishDerived(derived)
		return updated, nil
	}

	t, err := e.tickets.GetTicket(ctx, "", completion.TicketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	feedback := ticket.FeedbackItem{Severity: "blocking", Category: "deploy", Description: completion.Reason}
	return e.applyRetryOrEscalate(ctx, t, []ticket.State{ticket.StateInReview}, feedback, "deploy_failed")
}
