// Package memory provides an in-process Store implementation used by unit
// tests, mirroring the shape of the SQL-backed stores without a database
// dependency. The runtime does not open it; it only opens postgres or sqlite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/approval"
	"github.com/buildforge/controlplane/internal/app/domain/dependency"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	sessions  map[string]session.Session
	messages  map[string][]message.Message // sessionID -> messages
	tickets   map[string]ticket.Ticket
	edges     []dependency.Edge
	approvals map[string]approval.Approval
	events    []event.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]session.Session),
		messages:  make(map[string][]message.Message),
		tickets:   make(map[string]ticket.Ticket),
		approvals: make(map[string]approval.Approval),
	}
}

func newID() string { return uuid.NewString() }

// --- SessionStore ------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = newID()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, tenantID, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || (tenantID != "" && sess.TenantID != tenantID) {
		return session.Session{}, apperror.NotFound("session not found")
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, tenantID string, state *session.State, limit int) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.Session, 0)
	for _, sess := range s.sessions {
		if tenantID != "" && sess.TenantID != tenantID {
			continue
		}
		if state != nil && sess.State != *state {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || (tenantID != "" && sess.TenantID != tenantID) {
		return apperror.NotFound("session not found")
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	for tid, t := range s.tickets {
		if t.SessionID == id {
			delete(s.tickets, tid)
		}
	}
	return nil
}

func (s *Store) SaveTransition(ctx context.Context, sess session.Session, msgs []message.Message, ev event.Event) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return session.Session{}, apperror.NotFound("session not found")
	}
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess

	for _, m := range msgs {
		if m.ID == "" {
			m.ID = newID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		s.messages[sess.ID] = append(s.messages[sess.ID], m)
	}

	s.appendEventLocked(ev)
	return sess, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, sessionID string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; !ok || (tenantID != "" && sess.TenantID != tenantID) {
		return nil, apperror.NotFound("session not found")
	}
	out := append([]message.Message(nil), s.messages[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- TicketStore ---------------------------------------------------------

func (s *Store) CreateTicket(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTicketLocked(t)
}

func (s *Store) insertTicketLocked(t ticket.Ticket) (ticket.Ticket, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tickets[t.ID] = t
	return t, nil
}

func (s *Store) CreateBatch(ctx context.Context, tickets []ticket.Ticket, edges []dependency.Edge) ([]ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(tickets))
	for _, t := range tickets {
		id := t.ID
		if id == "" {
			id = newID()
		}
		ids[id] = struct{}{}
	}

	allEdges := append(append([]dependency.Edge(nil), s.edges...), edges...)
	if hasCycle(allEdges) {
		return nil, apperror.Integrity("dependency graph contains a cycle")
	}

	dependents := make(map[string][]string) // ticketID -> dependsOn list (within this batch)
	for _, e := range edges {
		dependents[e.TicketID] = append(dependents[e.TicketID], e.DependsOnID)
	}

	out := make([]ticket.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.ID == "" {
			t.ID = newID()
		}
		if len(dependents[t.ID]) == 0 {
			t.State = ticket.StateReady
		} else {
			t.State = ticket.StateBlocked
		}
		now := time.Now().UTC()
		t.CreatedAt = now
		t.UpdatedAt = now
		s.tickets[t.ID] = t
		out = append(out, t)
	}
	s.edges = append(s.edges, edges...)

	s.appendEventLocked(event.Event{
		ID:        newID(),
		SessionID: firstSessionID(tickets),
		Type:      event.TypeTicketsGenerated,
		Payload:   map[string]any{"count": len(out)},
		CreatedAt: time.Now().UTC(),
	})

	return out, nil
}

func firstSessionID(tickets []ticket.Ticket) string {
	if len(tickets) == 0 {
		return ""
	}
	return tickets[0].SessionID
}

// hasCycle runs a simple DFS cycle check over the dependent->dependsOn
// edge set.
func hasCycle(edges []dependency.Edge) bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.TicketID] = append(adj[e.TicketID], e.DependsOnID)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for n := range adj {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

func (s *Store) GetTicket(ctx context.Context, tenantID, id string) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || (tenantID != "" && t.TenantID != tenantID) {
		return ticket.Ticket{}, apperror.NotFound("ticket not found")
	}
	return t, nil
}

func (s *Store) DeleteTicket(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || (tenantID != "" && t.TenantID != tenantID) {
		return apperror.NotFound("ticket not found")
	}
	delete(s.tickets, id)
	return nil
}

func (s *Store) ListTickets(ctx context.Context, filter storage.TicketFilter) ([]ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ticket.Ticket, 0)
	for _, t := range s.tickets {
		if filter.TenantID != "" && t.TenantID != filter.TenantID {
			continue
		}
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		if filter.State != nil && t.State != *filter.State {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) dependsOnLocked(ticketID string) []string {
	var out []string
	for _, e := range s.edges {
		if e.TicketID == ticketID {
			out = append(out, e.DependsOnID)
		}
	}
	return out
}

func (s *Store) successorsLocked(ticketID string) []string {
	var out []string
	for _, e := range s.edges {
		if e.DependsOnID == ticketID {
			out = append(out, e.TicketID)
		}
	}
	return out
}

func (s *Store) ClaimNext(ctx context.Context, tenantID, workerID string, leaseDuration time.Duration) (ticket.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []ticket.Ticket
	for _, t := range s.tickets {
		if tenantID != "" && t.TenantID != tenantID {
			continue
		}
		if t.State != ticket.StateReady {
			continue
		}
		if t.AssigneeKind != nil && *t.AssigneeKind != ticket.AssigneeAgent {
			continue
		}
		if t.RetryAfter != nil && t.RetryAfter.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return ticket.Ticket{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := candidates[i].Priority.Weight(), candidates[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	picked := candidates[0]
	expires := now.Add(leaseDuration)
	picked.State = ticket.StateAssigned
	kind := ticket.AssigneeAgent
	picked.AssigneeKind = &kind
	picked.AssigneeID = &workerID
	picked.LeaseExpires = &expires
	picked.LastHeartbeat = &now
	picked.UpdatedAt = now
	s.tickets[picked.ID] = picked

	s.appendEventLocked(event.Event{
		ID:        newID(),
		TicketID:  picked.ID,
		Type:      event.TypeLeaseAcquired,
		Payload:   map[string]any{"worker_id": workerID, "lease_expires": expires},
		CreatedAt: now,
	})
	return picked, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, ticketID, workerID string, leaseDuration time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return time.Time{}, apperror.NotFound("ticket not found")
	}
	if t.AssigneeID == nil || *t.AssigneeID != workerID {
		return time.Time{}, apperror.Conflict("lease not held by this worker")
	}
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)
	t.LeaseExpires = &expires
	t.LastHeartbeat = &now
	t.UpdatedAt = now
	s.tickets[ticketID] = t
	return expires, nil
}

func (s *Store) Transition(ctx context.Context, id string, from []ticket.State, mutate func(*ticket.Ticket) error, ev event.Event) (ticket.Ticket, []event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, nil, apperror.NotFound("ticket not found")
	}
	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if t.State == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return ticket.Ticket{}, nil, apperror.StateConflict("ticket not in an eligible state", string(t.State))
		}
	}
	if mutate != nil {
		if err := mutate(&t); err != nil {
			return ticket.Ticket{}, nil, err
		}
	}
	t.UpdatedAt = time.Now().UTC()
	s.tickets[id] = t

	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.TicketID == "" {
		ev.TicketID = id
	}
	s.appendEventLocked(ev)

	var derived []event.Event
	if t.State.Terminal() {
		derived = append(derived, s.unblockSuccessorsLocked(id)...)
		if sessEv, ok := s.maybeCompleteSessionLocked(t.SessionID); ok {
			derived = append(derived, sessEv)
		}
	}

	return t, derived, nil
}

// unblockSuccessorsLocked promotes blocked successors to ready once every
// dependency has reached a terminal state, appending an unblock event to
// the log for each and returning them so Transition can publish them too.
func (s *Store) unblockSuccessorsLocked(doneTicketID string) []event.Event {
	var events []event.Event
	for _, succID := range s.successorsLocked(doneTicketID) {
		succ, ok := s.tickets[succID]
		if !ok || succ.State != ticket.StateBlocked {
			continue
		}
		ready := true
		for _, depID := range s.dependsOnLocked(succID) {
			dep, ok := s.tickets[depID]
			if !ok || !dep.State.Terminal() {
				ready = false
				break
			}
		}
		if ready {
			succ.State = ticket.StateReady
			succ.UpdatedAt = time.Now().UTC()
			s.tickets[succID] = succ
			unblockEv := event.Event{
				ID:        newID(),
				TicketID:  succID,
				Type:      event.TypeUnblocked,
				CreatedAt: time.Now().UTC(),
			}
			s.appendEventLocked(unblockEv)
			events = append(events, unblockEv)
		}
	}
	return events
}

// maybeCompleteSessionLocked marks a session completed once every one of
// its tickets has reached a terminal state with at least one done,
// appending the resulting session:update event to the log and returning
// it so Transition can publish it too.
func (s *Store) maybeCompleteSessionLocked(sessionID string) (event.Event, bool) {
	if sessionID == "" {
		return event.Event{}, false
	}
	sess, ok := s.sessions[sessionID]
	if !ok || sess.State.Terminal() {
		return event.Event{}, false
	}
	nonTerminal, done := 0, 0
	for _, t := range s.tickets {
		if t.SessionID != sessionID {
			continue
		}
		if t.State.Terminal() {
			if t.State == ticket.StateDone {
				done++
			}
		} else {
			nonTerminal++
		}
	}
	if nonTerminal == 0 && done > 0 {
		sess.State = session.StateCompleted
		sess.UpdatedAt = time.Now().UTC()
		s.sessions[sessionID] = sess
		sessEv := event.Event{
			ID:        newID(),
			SessionID: sessionID,
			Type:      event.TypeSessionUpdate,
			Payload:   map[string]any{"state": string(sess.State)},
			CreatedAt: time.Now().UTC(),
		}
		s.appendEventLocked(sessEv)
		return sessEv, true
	}
	return event.Event{}, false
}

func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time, backoff func(retryCount int) time.Duration) ([]ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []ticket.Ticket
	for id, t := range s.tickets {
		if !t.State.Live() || t.LeaseExpires == nil || t.LeaseExpires.After(now) {
			continue
		}
		t.State = ticket.StateReady
		t.RetryCount++
		retryAfter := now.Add(backoff(t.RetryCount))
		t.RetryAfter = &retryAfter
		t.LeaseExpires = nil
		t.AssigneeID = nil
		t.LastHeartbeat = nil
		t.UpdatedAt = now
		s.tickets[id] = t
		s.appendEventLocked(event.Event{
			ID:        newID(),
			TicketID:  id,
			Type:      event.TypeLeaseExpired,
			Payload:   map[string]any{"retry_count": t.RetryCount},
			CreatedAt: now,
		})
		reaped = append(reaped, t)
	}
	return reaped, nil
}

func (s *Store) ListActivity(ctx context.Context, tenantID, ticketID string, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, 0)
	for _, e := range s.events {
		if e.TicketID == ticketID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordActivity(ctx context.Context, ev event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.appendEventLocked(ev)
	return ev, nil
}

func (s *Store) CountNonTerminal(ctx context.Context, sessionID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonTerminal, done := 0, 0
	for _, t := range s.tickets {
		if t.SessionID != sessionID {
			continue
		}
		if t.State.Terminal() {
			if t.State == ticket.StateDone {
				done++
			}
		} else {
			nonTerminal++
		}
	}
	return nonTerminal, done, nil
}

func (s *Store) appendEventLocked(ev event.Event) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, ev)
}

// --- ApprovalStore -------------------------------------------------------

func (s *Store) CreateApproval(ctx context.Context, a approval.Approval) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = time.Now().UTC()
	s.approvals[a.ID] = a
	return a, nil
}

func (s *Store) ResolveApproval(ctx context.Context, id string, status approval.Status, resolverID string) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return approval.Approval{}, apperror.NotFound("approval not found")
	}
	a.Status = status
	a.ResolverID = &resolverID
	now := time.Now().UTC()
	a.ResolvedAt = &now
	s.approvals[id] = a
	return a, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return approval.Approval{}, apperror.NotFound("approval not found")
	}
	return a, nil
}

func (s *Store) ListApprovals(ctx context.Context, sessionID string) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]approval.Approval, 0)
	for _, a := range s.approvals {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- EventStore ------------------------------------------------------------

func (s *Store) ListEvents(ctx context.Context, room event.Room, since time.Time, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, 0)
	for _, e := range s.events {
		if !eventInRoom(e, room) {
			continue
		}
		if !since.IsZero() && !e.CreatedAt.After(since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func eventInRoom(e event.Event, room event.Room) bool {
	return room == event.SessionRoom(e.SessionID) || room == event.TicketRoom(e.TicketID)
}
