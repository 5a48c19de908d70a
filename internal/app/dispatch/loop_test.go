package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/controlplane/internal/app/critic"
	"github.com/buildforge/controlplane/internal/app/deploy"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/repohost"
	"github.com/buildforge/controlplane/internal/app/storage/memory"
	"github.com/buildforge/controlplane/internal/app/ticketengine"
	"github.com/buildforge/controlplane/internal/app/worker"
)

func newTestLoop(t *testing.T, w worker.Dispatcher, globalLimit, sessionLimit int) (*Loop, *memory.Store) {
	t.Helper()
	store := memory.New()
	bus := realtime.NewBus()
	c := &critic.Mock{Verdict: critic.Verdict{Approved: true}}
	host := &repohost.Mock{}
	dep := &deploy.Mock{Result: deploy.Completion{Success: true}}
	engine := ticketengine.New(store, bus, c, host, dep, time.Minute, 2, nil)
	loop := New(engine, w, nil, 5*time.Millisecond, globalLimit, sessionLimit, time.Minute, nil)
	return loop, store
}

// TestLoopClaimsDispatchesAndCompletes covers the round trip: a ready
// ticket gets claimed, dispatched to a worker, and resolved to done via
// the shared ticket engine Complete pipeline.
func TestLoopClaimsDispatchesAndCompletes(t *testing.T) {
	w := &worker.Mock{Result: worker.Result{Success: true, Files: []worker.FileChange{{Path: "main.go", Action: "modify"}}}}
	loop, store := newTestLoop(t, w, 10, 10)
	ctx := context.Background()

	_, err := store.CreateBatch(ctx, []ticket.Ticket{{ID: "a", TenantID: "tenant-a", SessionID: "sess-1", Title: "A", RepositoryURL: "https://github.com/acme/repo"}}, nil)
	require.NoError(t, err)

	loop.tick(ctx)
	loop.wg.Wait()

	require.Eventually(t, func() bool {
		tk, err := store.GetTicket(ctx, "tenant-a", "a")
		return err == nil && tk.State == ticket.StateDone
	}, time.Second, 5*time.Millisecond)
}

// TestLoopReleasesOverSessionLimitClaim covers the per-session ceiling:
// a second ticket in the same session claimed while the first is still
// running must be handed back to ready, not silently dropped.
func TestLoopReleasesOverSessionLimitClaim(t *testing.T) {
	block := make(chan struct{})
	w := worker.DispatcherFunc(func(ctx context.Context, unit worker.WorkUnit) (worker.Result, error) {
		<-block
		return worker.Result{Success: true}, nil
	})
	loop, store := newTestLoop(t, w, 10, 1)
	ctx := context.Background()

	_, err := store.CreateBatch(ctx, []ticket.Ticket{
		{ID: "a", TenantID: "tenant-a", SessionID: "sess-1", Title: "A"},
		{ID: "b", TenantID: "tenant-a", SessionID: "sess-1", Title: "B"},
	}, nil)
	require.NoError(t, err)

	loop.tick(ctx)

	require.Eventually(t, func() bool {
		tk, err := store.GetTicket(ctx, "tenant-a", "b")
		return err == nil && tk.State == ticket.StateReady
	}, time.Second, 5*time.Millisecond, "second ticket in the same session should be released back to ready")

	a, err := store.GetTicket(ctx, "tenant-a", "a")
	require.NoError(t, err)
	require.Equal(t, ticket.StateInProgress, a.State)

	close(block)
	loop.wg.Wait()
}

// TestLoopSkipsAlreadyResolvedAttempt covers the idempotence guard: if a
// ticket somehow reaches run() twice under the same retry/trace
// identity, the second pass must not call Complete again.
func TestLoopSkipsAlreadyResolvedAttempt(t *testing.T) {
	w := &worker.Mock{Result: worker.Result{Success: true}}
	loop, store := newTestLoop(t, w, 10, 10)
	ctx := context.Background()

	_, err := store.CreateBatch(ctx, []ticket.Ticket{{ID: "a", TenantID: "tenant-a", SessionID: "sess-1", Title: "A"}}, nil)
	require.NoError(t, err)

	loop.tick(ctx)
	loop.wg.Wait()

	key := idempotenceKey(mustGetTicket(t, store, "a"))
	require.True(t, loop.alreadyResolved(key))

	// re-run directly with the same ticket snapshot; Complete would
	// error on a terminal/non-matching-state ticket if it were reached.
	loop.run(ctx, mustGetTicket(t, store, "a"), httpapi.ProjectSettings{})
}

func mustGetTicket(t *testing.T, store *memory.Store, id string) ticket.Ticket {
	t.Helper()
	tk, err := store.GetTicket(context.Background(), "tenant-a", id)
	require.NoError(t, err)
	return tk
}
