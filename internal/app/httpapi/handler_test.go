package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/auth"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/storage"
)

// stubSessions is a minimal SessionEngine backing router/handler tests.
type stubSessions struct {
	sessions map[string]session.Session
}

func newStubSessions() *stubSessions {
	return &stubSessions{sessions: make(map[string]session.Session)}
}

func (s *stubSessions) CreateSession(ctx context.Context, tenantID, ownerID string, in CreateSessionInput) (session.Session, error) {
	sess := session.Session{ID: "sess-1", TenantID: tenantID, OwnerID: ownerID, ProjectName: in.ProjectName, State: session.StateInput}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *stubSessions) GetSession(ctx context.Context, tenantID, id string) (session.Session, []message.Message, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, nil, apperror.NotFound("session not found")
	}
	if tenantID != "" && sess.TenantID != tenantID {
		return session.Session{}, nil, apperror.NotFound("session not found")
	}
	return sess, nil, nil
}

func (s *stubSessions) ListSessions(ctx context.Context, tenantID string, state *session.State, limit int) ([]session.Session, error) {
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *stubSessions) ListMessages(ctx context.Context, tenantID, id string) ([]message.Message, error) {
	return nil, nil
}

func (s *stubSessions) Respond(ctx context.Context, tenantID, id, text string) (message.Message, session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return message.Message{}, session.Session{}, apperror.NotFound("session not found")
	}
	return message.Message{ID: "m1", SessionID: id, Role: message.RoleAssistant, Content: "ack"}, sess, nil
}

func (s *stubSessions) StartClarification(ctx context.Context, tenantID, id string) (session.Session, error) {
	return s.transitionTo(id, session.StateClarifying)
}

func (s *stubSessions) GenerateSpec(ctx context.Context, tenantID, id string) (session.Session, error) {
	return s.transitionTo(id, session.StateReviewing)
}

func (s *stubSessions) ApproveSpec(ctx context.Context, tenantID, id, approverID string) (session.Session, error) {
	return s.transitionTo(id, session.StateApproved)
}

func (s *stubSessions) RequestRevision(ctx context.Context, tenantID, id, feedback string) (session.Session, error) {
	return s.transitionTo(id, session.StateClarifying)
}

func (s *stubSessions) StartBuild(ctx context.Context, tenantID, id string) (session.Session, int, error) {
	sess, err := s.transitionTo(id, session.StateBuilding)
	return sess, 3, err
}

func (s *stubSessions) DeleteSession(ctx context.Context, tenantID, id, callerID string) error {
	if _, ok := s.sessions[id]; !ok {
		return apperror.NotFound("session not found")
	}
	delete(s.sessions, id)
	return nil
}

func (s *stubSessions) transitionTo(id string, state session.State) (session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, apperror.NotFound("session not found")
	}
	sess.State = state
	s.sessions[id] = sess
	return sess, nil
}

// stubTickets is a minimal TicketEngine backing router/handler tests.
type stubTickets struct {
	tickets    map[string]ticket.Ticket
	claimEmpty bool
}

func newStubTickets() *stubTickets {
	return &stubTickets{tickets: make(map[string]ticket.Ticket)}
}

func (s *stubTickets) ListTickets(ctx context.Context, filter storage.TicketFilter) ([]ticket.Ticket, error) {
	var out []ticket.Ticket
	for _, t := range s.tickets {
		if t.TenantID == filter.TenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTickets) CreateTicket(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error) {
	t.ID = "tk-1"
	s.tickets[t.ID] = t
	return t, nil
}

func (s *stubTickets) GetTicket(ctx context.Context, tenantID, id string) (ticket.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, apperror.NotFound("ticket not found")
	}
	if tenantID != "" && t.TenantID != tenantID {
		return ticket.Ticket{}, apperror.NotFound("ticket not found")
	}
	return t, nil
}

func (s *stubTickets) UpdateTicket(ctx context.Context, tenantID, id string, patch TicketPatch) (ticket.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, apperror.NotFound("ticket not found")
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.State != nil {
		t.State = *patch.State
	}
	s.tickets[id] = t
	return t, nil
}

func (s *stubTickets) DeleteTicket(ctx context.Context, tenantID, id string) error {
	if _, ok := s.tickets[id]; !ok {
		return apperror.NotFound("ticket not found")
	}
	delete(s.tickets, id)
	return nil
}

func (s *stubTickets) Claim(ctx context.Context, tenantID, workerID string) (ticket.Ticket, ProjectSettings, bool, error) {
	if s.claimEmpty {
		return ticket.Ticket{}, ProjectSettings{}, false, nil
	}
	for _, t := range s.tickets {
		if t.TenantID == tenantID && t.State == ticket.StateReady {
			t.State = ticket.StateAssigned
			s.tickets[t.ID] = t
			return t, ProjectSettings{RepositoryURL: "https://example.invalid/repo.git", LeaseSeconds: 600}, true, nil
		}
	}
	return ticket.Ticket{}, ProjectSettings{}, false, nil
}

func (s *stubTickets) Heartbeat(ctx context.Context, ticketID, workerID string) (time.Time, error) {
	if _, ok := s.tickets[ticketID]; !ok {
		return time.Time{}, apperror.NotFound("ticket not found")
	}
	return time.Now().Add(10 * time.Minute), nil
}

func (s *stubTickets) Complete(ctx context.Context, ticketID, workerID string, report CompletionReport) (ticket.Ticket, error) {
	t, ok := s.tickets[ticketID]
	if !ok {
		return ticket.Ticket{}, apperror.NotFound("ticket not found")
	}
	if report.Success {
		t.State = ticket.StateDone
	} else {
		t.State = ticket.StateChangesRequested
	}
	s.tickets[ticketID] = t
	return t, nil
}

func (s *stubTickets) ListActivity(ctx context.Context, tenantID, ticketID string, limit int) ([]event.Event, error) {
	return nil, nil
}

// stubAuthManager is a minimal authManager for router tests.
type stubAuthManager struct {
	principal auth.Principal
	err       error
}

func (m stubAuthManager) HasUsers() bool { return true }

func (m stubAuthManager) Authenticate(username, password string) (auth.Principal, error) {
	if m.err != nil {
		return auth.Principal{}, m.err
	}
	return m.principal, nil
}

func (m stubAuthManager) Issue(principal auth.Principal, ttl time.Duration) (string, time.Time, error) {
	return "signed-token", time.Now().Add(ttl), nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	return logrus.NewEntry(log)
}

func newTestRouter(t *testing.T) (http.Handler, *stubSessions, *stubTickets) {
	t.Helper()
	sessions := newStubSessions()
	tickets := newStubTickets()
	am := stubAuthManager{principal: auth.Principal{Subject: "user-1", TenantID: "tenant-1", Role: "admin"}}
	validator := auth.NewManager("test-signing-key-0123456789", map[string]auth.Principal{
		"tenant-token": {Subject: "user-1", TenantID: "tenant-1", Role: "admin"},
	}, nil)
	hub := realtime.NewHub(realtime.NewBus(), testLog(), nil, validator)
	opts := Options{Validator: validator, RateLimitRequests: 1000, RateLimitWindow: time.Minute, RequestTimeout: 5 * time.Second}
	router := NewRouter(sessions, tickets, am, hub, time.Hour, testLog(), opts)
	return router, sessions, tickets
}

func authedRequest(method, path string, body any) *http.Request {
	var reader *bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewBuffer(b)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer tenant-token")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthIsPublic(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/hitl", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAndGetSession(t *testing.T) {
	router, _, _ := newTestRouter(t)

	createReq := authedRequest(http.MethodPost, "/api/hitl", CreateSessionInput{ProjectName: "widget-api"})
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}

	var created session.Session
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}
	if created.ProjectName != "widget-api" {
		t.Fatalf("expected project name to round-trip, got %q", created.ProjectName)
	}

	getReq := authedRequest(http.MethodGet, "/api/hitl/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestGetSessionNotFoundMapsTo404(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := authedRequest(http.MethodGet, "/api/hitl/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestClaimTicketReturnsNoContentWhenEmpty(t *testing.T) {
	router, _, tickets := newTestRouter(t)
	tickets.claimEmpty = true

	req := authedRequest(http.MethodPost, "/api/tickets/claim", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestClaimTicketReturnsReadyTicket(t *testing.T) {
	router, _, tickets := newTestRouter(t)
	tickets.tickets["tk-1"] = ticket.Ticket{ID: "tk-1", TenantID: "tenant-1", State: ticket.StateReady, Title: "wire up routes"}

	req := authedRequest(http.MethodPost, "/api/tickets/claim", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginIssuesToken(t *testing.T) {
	sessions := newStubSessions()
	tickets := newStubTickets()
	am := stubAuthManager{principal: auth.Principal{Subject: "alice", TenantID: "tenant-1", Role: "admin"}}
	validator := auth.NewManager("test-signing-key-0123456789", nil, nil)
	hub := realtime.NewHub(realtime.NewBus(), testLog(), nil, validator)
	opts := Options{Validator: validator, RateLimitRequests: 1000, RateLimitWindow: time.Minute, RequestTimeout: 5 * time.Second}
	router := NewRouter(sessions, tickets, am, hub, time.Hour, testLog(), opts)

	body, _ := json.Marshal(loginRequest{Email: "alice@example.com", Password: "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	sessions := newStubSessions()
	tickets := newStubTickets()
	am := stubAuthManager{err: errors.New("invalid credentials")}
	validator := auth.NewManager("test-signing-key-0123456789", nil, nil)
	hub := realtime.NewHub(realtime.NewBus(), testLog(), nil, validator)
	opts := Options{Validator: validator, RateLimitRequests: 1000, RateLimitWindow: time.Minute, RequestTimeout: 5 * time.Second}
	router := NewRouter(sessions, tickets, am, hub, time.Hour, testLog(), opts)

	body, _ := json.Marshal(loginRequest{Email: "mallory@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}
