package memory

import (
	"context"
	"testing"
	"time"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/dependency"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
)

func TestCreateBatchSeedsReadyAndBlocked(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{TenantID: "t1", OwnerID: "u1", ProjectName: "demo"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	leaf := ticket.Ticket{TenantID: "t1", SessionID: sess.ID, Title: "leaf", Priority: ticket.PriorityHigh}
	dependent := ticket.Ticket{TenantID: "t1", SessionID: sess.ID, Title: "dependent", Priority: ticket.PriorityMedium}
	leaf.ID = "leaf"
	dependent.ID = "dependent"

	created, err := store.CreateBatch(ctx, []ticket.Ticket{leaf, dependent}, []dependency.Edge{{TicketID: "dependent", DependsOnID: "leaf"}})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(created))
	}

	got, err := store.GetTicket(ctx, "t1", "leaf")
	if err != nil || got.State != ticket.StateReady {
		t.Fatalf("expected leaf ready, got %v err=%v", got.State, err)
	}
	got, err = store.GetTicket(ctx, "t1", "dependent")
	if err != nil || got.State != ticket.StateBlocked {
		t.Fatalf("expected dependent blocked, got %v err=%v", got.State, err)
	}
}

func TestCreateBatchRejectsCycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	a := ticket.Ticket{ID: "a", TenantID: "t1"}
	b := ticket.Ticket{ID: "b", TenantID: "t1"}
	_, err := store.CreateBatch(ctx, []ticket.Ticket{a, b}, []dependency.Edge{
		{TicketID: "a", DependsOnID: "b"},
		{TicketID: "b", DependsOnID: "a"},
	})
	if !apperror.Is(err, apperror.KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestClaimNextThenTransitionUnblocksSuccessorAndCompletesSession(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, session.Session{TenantID: "t1", OwnerID: "u1"})
	leaf := ticket.Ticket{ID: "leaf", TenantID: "t1", SessionID: sess.ID, Priority: ticket.PriorityHigh}
	dependent := ticket.Ticket{ID: "dependent", TenantID: "t1", SessionID: sess.ID, Priority: ticket.PriorityHigh}
	if _, err := store.CreateBatch(ctx, []ticket.Ticket{leaf, dependent}, []dependency.Edge{{TicketID: "dependent", DependsOnID: "leaf"}}); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	claimed, ok, err := store.ClaimNext(ctx, "t1", "worker-1", time.Minute)
	if err != nil || !ok || claimed.ID != "leaf" {
		t.Fatalf("expected to claim leaf, got %#v ok=%v err=%v", claimed, ok, err)
	}
	if !claimed.HasLiveLease(time.Now()) {
		t.Fatalf("expected claimed ticket to hold a live lease")
	}

	_, derived, err := store.Transition(ctx, "leaf", []ticket.State{ticket.StateAssigned}, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateDone
		return nil
	}, event.Event{Type: event.TypeTicketActivity})
	if err != nil {
		t.Fatalf("transition leaf: %v", err)
	}
	if len(derived) != 1 || derived[0].Type != event.TypeUnblocked || derived[0].TicketID != "dependent" {
		t.Fatalf("expected one ticket:unblocked event for dependent, got %#v", derived)
	}

	dep, err := store.GetTicket(ctx, "t1", "dependent")
	if err != nil || dep.State != ticket.StateReady {
		t.Fatalf("expected dependent unblocked to ready, got %v err=%v", dep.State, err)
	}

	_, derived, err = store.Transition(ctx, "dependent", nil, func(tk *ticket.Ticket) error {
		tk.State = ticket.StateDone
		return nil
	}, event.Event{Type: event.TypeTicketActivity})
	if err != nil {
		t.Fatalf("transition dependent: %v", err)
	}
	if len(derived) != 1 || derived[0].Type != event.TypeSessionUpdate || derived[0].SessionID != sess.ID {
		t.Fatalf("expected one session:update event for the completed session, got %#v", derived)
	}

	finalSession, err := store.GetSession(ctx, "t1", sess.ID)
	if err != nil || finalSession.State != session.StateCompleted {
		t.Fatalf("expected session completed, got %v err=%v", finalSession.State, err)
	}
}

func TestReapExpiredLeasesAppliesBackoff(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, session.Session{TenantID: "t1", OwnerID: "u1"})
	_, err := store.CreateBatch(ctx, []ticket.Ticket{{ID: "t", TenantID: "t1", SessionID: sess.ID}}, nil)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, ok, err := store.ClaimNext(ctx, "t1", "worker-1", time.Millisecond); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	reaped, err := store.ReapExpiredLeases(ctx, time.Now().Add(time.Second), func(retryCount int) time.Duration {
		return time.Duration(retryCount) * time.Minute
	})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].RetryCount != 1 || reaped[0].State != ticket.StateReady {
		t.Fatalf("expected one reaped ticket with retry_count=1, got %#v", reaped)
	}
	if reaped[0].RetryAfter == nil {
		t.Fatalf("expected retry_after to be set")
	}
}
