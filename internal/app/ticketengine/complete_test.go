package ticketengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/controlplane/internal/app/critic"
	"github.com/buildforge/controlplane/internal/app/deploy"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/repohost"
)

// TestCompleteRequestChangesRetriesThenEscalates covers scenario 4 (critic
// rejection loop) and invariant 3 (retry count never exceeds the ceiling
// without landing in needs_review).
func TestCompleteRequestChangesRetriesThenEscalates(t *testing.T) {
	c := &critic.Mock{Verdict: critic.Verdict{Approved: false, Feedback: []ticket.FeedbackItem{{Description: "missing tests"}}}}
	e, store := newTestEngine(t, c, nil, nil)
	ctx := context.Background()

	seeded := mustSeedTicket(t, store, ticket.Ticket{TenantID: "tenant-a", Title: "x"})

	// retryCeiling is 2 (newTestEngine): attempts 1 and 2 retry with
	// backoff, attempt 3 exceeds the ceiling and escalates.
	for attempt := 1; attempt <= 3; attempt++ {
		_, _, ok, err := e.Claim(ctx, "tenant-a", "worker-1")
		require.NoError(t, err)
		require.True(t, ok)

		updated, err := e.Complete(ctx, seeded.ID, "worker-1", httpapi.CompletionReport{Success: true, Files: []string{"main.go"}})
		require.NoError(t, err)
		if attempt <= 2 {
			require.Equal(t, ticket.StateChangesRequested, updated.State)
			require.Equal(t, attempt, updated.RetryCount)
			require.NotNil(t, updated.RetryAfter)

			// force the backoff to have already elapsed so the next
			// claim can pick the ticket back up.
			promoted, _, err := store.Transition(ctx, seeded.ID, []ticket.State{ticket.StateChangesRequested}, func(tk *ticket.Ticket) error {
				tk.State = ticket.StateReady
				tk.RetryAfter = nil
				return nil
			}, event.Event{TicketID: seeded.ID, Type: event.TypeTicketActivity})
			require.NoError(t, err)
			require.Equal(t, ticket.StateReady, promoted.State)
		} else {
			require.Equal(t, ticket.StateNeedsReview, updated.State, "ceiling of 2 exceeded: ticket escalates for human review")
			require.Equal(t, 3, updated.RetryCount)
		}
	}
}

// TestCompleteCriticUnavailableEscalatesAfterRetries covers the "critic
// error treated as transient, retried up to a small cap" rule.
func TestCompleteCriticUnavailableEscalatesAfterRetries(t *testing.T) {
	c := &critic.Mock{Err: context.DeadlineExceeded}
	e, store := newTestEngine(t, c, nil, nil)
	ctx := context.Background()
	seeded := mustSeedTicket(t, store, ticket.Ticket{TenantID: "tenant-a", Title: "x"})

	_, _, ok, err := e.Claim(ctx, "tenant-a", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := e.Complete(ctx, seeded.ID, "worker-1", httpapi.CompletionReport{Success: true})
	require.NoError(t, err)
	require.Equal(t, ticket.StateNeedsReview, updated.State)
}

// TestCompleteApprovedOpensPullRequestThenDeploys exercises the full
// success path through repohost and deploy collaborators.
func TestCompleteApprovedOpensPullRequestThenDeploys(t *testing.T) {
	c := &critic.Mock{Verdict: critic.Verdict{Approved: true}}
	host := &repohost.Mock{NextURL: "https://github.com/acme/repo/pull/7"}
	dep := &deploy.Mock{Result: deploy.Completion{Success: true}}
	e, store := newTestEngine(t, c, host, dep)
	ctx := context.Background()
	seeded := mustSeedTicket(t, store, ticket.Ticket{TenantID: "tenant-a", Title: "x", RepositoryURL: "https://github.com/acme/repo"})

	_, _, ok, err := e.Claim(ctx, "tenant-a", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := e.Complete(ctx, seeded.ID, "worker-1", httpapi.CompletionReport{Success: true, Files: []string{"main.go"}})
	require.NoError(t, err)
	require.Equal(t, ticket.StateInReview, updated.State)
	require.NotNil(t, updated.PullRequestURL)
	require.Equal(t, "https://github.com/acme/repo/pull/7", *updated.PullRequestURL)

	require.Eventually(t, func() bool {
		t, err := store.GetTicket(ctx, "tenant-a", seeded.ID)
		return err == nil && t.State == ticket.StateDone
	}, time.Second, 5*time.Millisecond, "deploy mock resolves its channel immediately in the background goroutine")
}

// TestResolveDeployFailureReturnsToChangesRequested covers the deploy ->
// changes_requested reverse edge on a failed deployment.
func TestResolveDeployFailureReturnsToChangesRequested(t *testing.T) {
	e, store := newTestEngine(t, nil, nil, nil)
	ctx := context.Background()
	seeded := mustSeedTicket(t, store, ticket.Ticket{TenantID: "tenant-a", Title: "x"})

	inReview, _, err := store.Transition(ctx, seeded.ID, nil, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateInReview
		return nil
	}, event.Event{TicketID: seeded.ID, Type: event.TypeTicketActivity})
	require.NoError(t, err)

	updated, err := e.ResolveDeploy(ctx, deploy.Completion{TicketID: inReview.ID, Success: false, Reason: "smoke test failed"})
	require.NoError(t, err)
	require.Equal(t, ticket.StateChangesRequested, updated.State)
	require.Equal(t, 1, updated.RetryCount)
}
