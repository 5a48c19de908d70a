package ticketengine

import (
	"context"
	"time"

	"github.com/buildforge/controlplane/internal/app/apperror"
	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/critic"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/metrics"
	"github.com/buildforge/controlplane/internal/app/repohost"
	"github.com/buildforge/controlplane/internal/app/worker"
)

// Complete records a worker's report on a claimed ticket and drives it
// through the rest of the resolve pipeline: on failure, the retry/ceiling
// rules from the design notes; on success, critic review, pull-request
// creation, and (if a deploy collaborator is configured) a deploy
// attempt. Both the HTTP completion endpoint and the dispatch loop's
// internal FileDispatcher path call this same method.
func (e *Engine) Complete(ctx context.Context, ticketID, workerID string, report httpapi.CompletionReport) (ticket.Ticket, error) {
	t, err := e.tickets.GetTicket(ctx, "", ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if t.AssigneeID == nil || *t.AssigneeID != workerID {
		return ticket.Ticket{}, apperror.Conflict("lease not held by this worker")
	}

	if !report.Success {
		return e.recordWorkerFailure(ctx, t, report.Error)
	}
	return e.resolveSuccess(ctx, t, report)
}

// recordWorkerFailure applies the same retry/ceiling rules as a critic
// rejection: below the ceiling the ticket returns to changes_requested
// with a backoff; at the ceiling it escalates to needs_review.
func (e *Engine) recordWorkerFailure(ctx context.Context, t ticket.Ticket, reason string) (ticket.Ticket, error) {
	category := classifyWorkerFailure(reason)
	feedback := ticket.FeedbackItem{Severity: "blocking", Category: category, Description: reason}
	return e.applyRetryOrEscalate(ctx, t, []ticket.State{ticket.StateAssigned, ticket.StateInProgress, ticket.StateVerifying}, feedback, "worker_failure")
}

func (e *Engine) resolveSuccess(ctx context.Context, t ticket.Ticket, report httpapi.CompletionReport) (ticket.Ticket, error) {
	ev := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "verifying"}}
	verifying, derived, err := e.tickets.Transition(ctx, t.ID, []ticket.State{ticket.StateAssigned, ticket.StateInProgress}, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateVerifying
		tk.FilesInvolved = report.Files
		return nil
	}, ev)
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.bus.Publish(ev)
	e.publishDerived(derived)
	metrics.RecordTransition(string(verifying.State), "verifying")

	if e.critic == nil {
		return e.approve(ctx, verifying, report, nil)
	}

	files := make([]worker.FileChange, 0, len(report.Files))
	for _, f := range report.Files {
		files = append(files, worker.FileChange{Path: f, Action: "modify"})
	}
	diff := critic.Diff{Summary: verifying.Title, Files: files}

	var verdict critic.Verdict
	callErr := core.Retry(ctx, e.criticRetry, core.AlwaysRetry, func() error {
		var rerr error
		verdict, rerr = e.critic.Review(ctx, diff, verifying.AcceptanceCriteria)
		return rerr
	})
	if callErr != nil {
		unavailable := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "critic_unavailable", "error": callErr.Error()}}
		escalated, derived, terr := e.tickets.Transition(ctx, t.ID, []ticket.State{ticket.StateVerifying}, func(tk *ticket.Ticket) error {
			tk.State = ticket.StateNeedsReview
			return nil
		}, unavailable)
		if terr != nil {
			return ticket.Ticket{}, terr
		}
		e.bus.Publish(unavailable)
		e.publishDerived(derived)
		metrics.RecordTransition(string(escalated.State), "critic_unavailable")
		return escalated, nil
	}

	if verdict.Approved {
		return e.approve(ctx, verifying, report, verdict.Feedback)
	}
	return e.requestChanges(ctx, verifying, verdict.Feedback)
}

func (e *Engine) approve(ctx context.Context, t ticket.Ticket, report httpapi.CompletionReport, feedback []ticket.FeedbackItem) (ticket.Ticket, error) {
	prURL := report.PRUrl
	if prURL == "" && e.repohost != nil {
		res, err := e.repohost.OpenPullRequest(ctx, repohost.PRRequest{
			RepositoryURL: t.RepositoryURL,
			Title:         t.Title,
			Body:          t.Description,
			HeadBranch:    branchFor(t),
			BaseBranch:    "main",
		})
		if err != nil {
			return ticket.Ticket{}, apperror.Transient("opening pull request failed", err)
		}
		prURL = res.URL
	}

	ev := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "approved", "pr_url": prURL}}
	updated, derived, err := e.tickets.Transition(ctx, t.ID, []ticket.State{ticket.StateVerifying}, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateInReview
		if prURL != "" {
			tk.PullRequestURL = &prURL
		}
		if len(feedback) > 0 {
			tk.CriticFeedback = append(tk.CriticFeedback, feedback...)
		}
		return nil
	}, ev)
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.bus.Publish(ev)
	e.publishDerived(derived)
	metrics.RecordTransition(string(updated.State), "approved")

	if e.deployer != nil {
		go e.runDeploy(context.Background(), updated)
	}
	return updated, nil
}

func (e *Engine) requestChanges(ctx context.Context, t ticket.Ticket, feedback []ticket.FeedbackItem) (ticket.Ticket, error) {
	item := ticket.FeedbackItem{Severity: "blocking", Category: "critic_review", Description: "critic requested changes"}
	if len(feedback) > 0 {
		item = feedback[0]
	}
	updated, err := e.applyRetryOrEscalate(ctx, t, []ticket.State{ticket.StateVerifying}, item, "changes_requested")
	if err != nil {
		return ticket.Ticket{}, err
	}
	if len(feedback) > 1 {
		extra := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "critic_feedback", "count": len(feedback)}}
		if merged, derived, terr := e.tickets.Transition(ctx, t.ID, nil, func(tk *ticket.Ticket) error {
			tk.CriticFeedback = append(tk.CriticFeedback, feedback[1:]...)
			return nil
		}, extra); terr == nil {
			updated = merged
			e.bus.Publish(extra)
			e.publishDerived(derived)
		}
	}
	return updated, nil
}

// applyRetryOrEscalate implements the shared retry/ceiling rule used by
// both worker failures and critic rejections: below the configured
// ceiling the ticket returns to changes_requested with an exponential
// backoff; at the ceiling it escalates to needs_review for human
// attention.
func (e *Engine) applyRetryOrEscalate(ctx context.Context, t ticket.Ticket, from []ticket.State, feedback ticket.FeedbackItem, reason string) (ticket.Ticket, error) {
	nextRetry := t.RetryCount + 1
	if nextRetry > e.retryCeiling {
		ev := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "max_attempts", "category": feedback.Category}}
		updated, derived, err := e.tickets.Transition(ctx, t.ID, from, func(tk *ticket.Ticket) error {
			tk.State = ticket.StateNeedsReview
			tk.RetryCount = nextRetry
			tk.LeaseExpires = nil
			tk.AssigneeID = nil
			tk.CriticFeedback = append(tk.CriticFeedback, feedback)
			return nil
		}, ev)
		if err != nil {
			return ticket.Ticket{}, err
		}
		e.bus.Publish(ev)
		e.publishDerived(derived)
		metrics.RecordTransition(string(updated.State), reason+"_max_attempts")
		return updated, nil
	}

	retryAfter := time.Now().UTC().Add(backoffDuration(nextRetry))
	ev := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": reason, "retry_count": nextRetry}}
	updated, derived, err := e.tickets.Transition(ctx, t.ID, from, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateChangesRequested
		tk.RetryCount = nextRetry
		tk.RetryAfter = &retryAfter
		tk.LeaseExpires = nil
		tk.AssigneeID = nil
		tk.CriticFeedback = append(tk.CriticFeedback, feedback)
		return nil
	}, ev)
	if err != nil {
		return ticket.Ticket{}, err
	}
	e.bus.Publish(ev)
	e.publishDerived(derived)
	metrics.RecordTransition(string(updated.State), reason)
	return updated, nil
}

func branchFor(t ticket.Ticket) string {
	if t.BranchName != nil && *t.BranchName != "" {
		return *t.BranchName
	}
	return "ticket/" + t.ID
}
