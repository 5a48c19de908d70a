package ticketengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/controlplane/internal/app/critic"
	"github.com/buildforge/controlplane/internal/app/deploy"
	"github.com/buildforge/controlplane/internal/app/domain/dependency"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/repohost"
	"github.com/buildforge/controlplane/internal/app/storage/memory"
)

func newTestEngine(t *testing.T, c critic.Critic, h repohost.Host, d deploy.Executor) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	bus := realtime.NewBus()
	e := New(store, bus, c, h, d, time.Minute, 2, nil)
	return e, store
}

func mustSeedTicket(t *testing.T, store *memory.Store, tk ticket.Ticket) ticket.Ticket {
	t.Helper()
	created, err := store.CreateBatch(context.Background(), []ticket.Ticket{tk}, nil)
	require.NoError(t, err)
	return created[0]
}

// TestClaimSeedsTraceIDAndReturnsProjectSettings covers invariant 4 (a
// claimed ticket holds a live lease) and scenario 2 (claim/lease
// round-trip).
func TestClaimSeedsTraceIDAndReturnsProjectSettings(t *testing.T) {
	e, store := newTestEngine(t, nil, nil, nil)
	ctx := context.Background()

	seeded := mustSeedTicket(t, store, ticket.Ticket{TenantID: "tenant-a", Title: "Do thing", RepositoryURL: "https://github.com/acme/repo"})
	require.Equal(t, ticket.StateReady, seeded.State)

	claimed, settings, ok, err := e.Claim(ctx, "tenant-a", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ticket.StateAssigned, claimed.State)
	require.NotEmpty(t, claimed.TraceID)
	require.Equal(t, "https://github.com/acme/repo", settings.RepositoryURL)
	require.Equal(t, 60, settings.LeaseSeconds)
	require.True(t, claimed.HasLiveLease(time.Now().UTC()))

	_, _, ok2, err := e.Claim(ctx, "tenant-a", "worker-2")
	require.NoError(t, err)
	require.False(t, ok2, "no more ready tickets to claim")
}

func TestHeartbeatRejectsWrongWorker(t *testing.T) {
	e, store := newTestEngine(t, nil, nil, nil)
	ctx := context.Background()
	seeded := mustSeedTicket(t, store, ticket.Ticket{TenantID: "tenant-a", Title: "x"})

	_, _, ok, err := e.Claim(ctx, "tenant-a", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Heartbeat(ctx, seeded.ID, "worker-2")
	require.Error(t, err)

	_, err = e.Heartbeat(ctx, seeded.ID, "worker-1")
	require.NoError(t, err)
}

// TestCreateBatchSeedsBlockedAndReadyByDependency covers invariant 2: a
// ticket only becomes ready once every dependency is terminal.
func TestCreateBatchSeedsBlockedAndReadyByDependency(t *testing.T) {
	e, store := newTestEngine(t, nil, nil, nil)
	ctx := context.Background()

	a := ticket.Ticket{ID: "a", TenantID: "tenant-a", SessionID: "sess-1", Title: "A"}
	b := ticket.Ticket{ID: "b", TenantID: "tenant-a", SessionID: "sess-1", Title: "B"}
	created, err := store.CreateBatch(ctx, []ticket.Ticket{a, b}, []dependency.Edge{{TicketID: "b", DependsOnID: "a"}})
	require.NoError(t, err)
	byID := map[string]ticket.Ticket{}
	for _, tk := range created {
		byID[tk.ID] = tk
	}
	require.Equal(t, ticket.StateReady, byID["a"].State)
	require.Equal(t, ticket.StateBlocked, byID["b"].State)

	_, _, ok, err := e.Claim(ctx, "tenant-a", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	report := httpapi.CompletionReport{Success: true, PRUrl: "https://github.com/acme/repo/pull/1"}
	_, err = e.Complete(ctx, "a", "worker-1", report)
	require.NoError(t, err)

	done, err := store.GetTicket(ctx, "tenant-a", "a")
	require.NoError(t, err)
	require.Equal(t, ticket.StateInReview, done.State, "no critic configured: completion auto-approves straight to in_review")
	require.NotNil(t, done.PullRequestURL)

	unblocked, err := store.GetTicket(ctx, "tenant-a", "b")
	require.NoError(t, err)
	require.Equal(t, ticket.StateBlocked, unblocked.State, "in_review is not terminal yet: b stays blocked until a reaches done")
}
