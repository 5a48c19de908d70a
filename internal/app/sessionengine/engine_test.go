package sessionengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/modeladapter"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/internal/app/storage/memory"
)

func newTestEngine(t *testing.T, adapter modeladapter.Adapter) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	bus := realtime.NewBus()
	e := New(store, store, store, bus, adapter, nil, core.DefaultRetryPolicy, nil)
	return e, store
}

func scriptedAdapter(responses ...string) modeladapter.Adapter {
	i := 0
	return modeladapter.AdapterFunc(func(ctx context.Context, p modeladapter.Prompt) (modeladapter.Response, error) {
		if i >= len(responses) {
			i = len(responses) - 1
		}
		r := responses[i]
		i++
		return modeladapter.Response{Text: r}, nil
	})
}

func envelope(t *testing.T, message string, progress map[string]session.CategoryProgress, ready bool) string {
	t.Helper()
	raw, err := json.Marshal(modelEnvelope{
		Message:      message,
		Gathered:     map[string]any{"turn": message},
		Categories:   progress,
		ReadyForSpec: ready,
	})
	require.NoError(t, err)
	return string(raw)
}

// TestSessionLifecycleFollowsLegalTransitionGraph exercises invariant 1:
// every recorded state change is a legal edge of the session transition
// graph, and covers scenario 1 (happy dialogue -> approved).
func TestSessionLifecycleFollowsLegalTransitionGraph(t *testing.T) {
	firstTurn := envelope(t, "What scale?", map[string]session.CategoryProgress{
		"project_type": {Filled: 1, Required: 1},
	}, false)
	readyTurn := envelope(t, "Looks complete.", map[string]session.CategoryProgress{
		"project_type": {Filled: 1, Required: 1},
		"tech_stack":   {Filled: 1, Required: 1},
		"scale":        {Filled: 1, Required: 1},
		"features":     {Filled: 1, Required: 1},
		"constraints":  {Filled: 1, Required: 1},
	}, true)

	adapter := scriptedAdapter(firstTurn, readyTurn, "# Spec\n\nGenerated spec body.")
	e, _ := newTestEngine(t, adapter)
	ctx := context.Background()

	sess, err := e.CreateSession(ctx, "tenant-a", "owner-1", httpapi.CreateSessionInput{
		ProjectName: "TaskApp",
		Description: "task mgmt",
	})
	require.NoError(t, err)
	require.Equal(t, session.StateInput, sess.State)

	_, sess, err = e.Respond(ctx, "tenant-a", sess.ID, "react + node")
	require.NoError(t, err)
	require.Equal(t, session.StateClarifying, sess.State)

	_, sess, err = e.Respond(ctx, "tenant-a", sess.ID, "small team, internal tool")
	require.NoError(t, err)
	require.Equal(t, session.StateReadyForDocs, sess.State)
	require.GreaterOrEqual(t, sess.Clarification.Progress, readyForSpecThreshold)

	sess, err = e.GenerateSpec(ctx, "tenant-a", sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StateReviewing, sess.State)
	require.True(t, sess.HasApprovedSpec())

	sess, err = e.ApproveSpec(ctx, "tenant-a", sess.ID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, session.StateApproved, sess.State)
	require.NotNil(t, sess.ApprovedBy)
	require.Equal(t, "owner-1", *sess.ApprovedBy)
}

func TestRespondRejectsTurnsOutsideDialogueStates(t *testing.T) {
	e, store := newTestEngine(t, scriptedAdapter("{}"))
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{
		TenantID: "tenant-a", OwnerID: "owner-1", State: session.StateCompleted,
		Clarification: session.ClarificationContext{Gathered: map[string]any{}, Categories: map[string]session.CategoryProgress{}},
	})
	require.NoError(t, err)

	_, _, err = e.Respond(ctx, "tenant-a", sess.ID, "hello")
	require.Error(t, err)
}

func TestRespondFallsBackToRawTextOnMalformedJSON(t *testing.T) {
	e, _ := newTestEngine(t, scriptedAdapter("not json at all"))
	ctx := context.Background()

	sess, err := e.CreateSession(ctx, "tenant-a", "owner-1", httpapi.CreateSessionInput{ProjectName: "X"})
	require.NoError(t, err)

	msg, sess, err := e.Respond(ctx, "tenant-a", sess.ID, "hi")
	require.NoError(t, err)
	require.Equal(t, "not json at all", msg.Content)
	require.Equal(t, 0.0, sess.Clarification.Progress, "malformed envelope leaves the clarification context unchanged")
}

func TestGenerateSpecRejectsInputState(t *testing.T) {
	e, store := newTestEngine(t, scriptedAdapter("spec"))
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{
		TenantID: "tenant-a", State: session.StateInput,
		Clarification: session.ClarificationContext{Gathered: map[string]any{}, Categories: map[string]session.CategoryProgress{}},
	})
	require.NoError(t, err)

	_, err = e.GenerateSpec(ctx, "tenant-a", sess.ID)
	require.Error(t, err)
}

func TestGenerateSpecAcceptsOwnerForcedClarifyingState(t *testing.T) {
	e, store := newTestEngine(t, scriptedAdapter("spec"))
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{
		TenantID: "tenant-a", State: session.StateClarifying,
		Clarification: session.ClarificationContext{Gathered: map[string]any{}, Categories: map[string]session.CategoryProgress{}},
	})
	require.NoError(t, err)

	saved, err := e.GenerateSpec(ctx, "tenant-a", sess.ID)
	require.NoError(t, err, "owner can force clarifying -> ready_for_docs -> reviewing")
	require.Equal(t, session.StateReviewing, saved.State)
}

func TestStartBuildCreatesTicketsAndTransitionsToBuilding(t *testing.T) {
	ticketsJSON := `{"tickets":[
		{"key":"A","title":"Scaffold project","description":"init repo","acceptance_criteria":["builds"],"scope":"small","priority":"high"},
		{"key":"B","title":"Add auth","description":"add login","acceptance_criteria":["login works"],"scope":"medium","priority":"medium","depends_on":["A"]}
	]}`
	e, store := newTestEngine(t, scriptedAdapter(ticketsJSON))
	ctx := context.Background()

	approvedSpec := "# Spec"
	sess, err := store.CreateSession(ctx, session.Session{
		TenantID: "tenant-a", State: session.StateApproved, ApprovedSpec: &approvedSpec,
		Clarification: session.ClarificationContext{Gathered: map[string]any{}, Categories: map[string]session.CategoryProgress{}},
	})
	require.NoError(t, err)

	saved, count, err := e.StartBuild(ctx, "tenant-a", sess.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, session.StateBuilding, saved.State)

	created, err := store.ListTickets(ctx, storage.TicketFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, created, 2)
}
