// Package httpapi exposes the control plane's REST and WebSocket surface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/buildforge/controlplane/internal/app/auth"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/internal/version"
)

// authManager is the subset of auth.Manager the HTTP layer depends on.
type authManager interface {
	HasUsers() bool
	Authenticate(username, password string) (auth.Principal, error)
	Issue(principal auth.Principal, ttl time.Duration) (string, time.Time, error)
}

// SessionEngine drives the HITL dialogue state machine. Implemented by
// internal/app/sessionengine.Engine.
type SessionEngine interface {
	CreateSession(ctx context.Context, tenantID, ownerID string, in CreateSessionInput) (session.Session, error)
	GetSession(ctx context.Context, tenantID, id string) (session.Session, []message.Message, error)
	ListSessions(ctx context.Context, tenantID string, state *session.State, limit int) ([]session.Session, error)
	ListMessages(ctx context.Context, tenantID, id string) ([]message.Message, error)
	Respond(ctx context.Context, tenantID, id, text string) (message.Message, session.Session, error)
	StartClarification(ctx context.Context, tenantID, id string) (session.Session, error)
	GenerateSpec(ctx context.Context, tenantID, id string) (session.Session, error)
	ApproveSpec(ctx context.Context, tenantID, id, approverID string) (session.Session, error)
	RequestRevision(ctx context.Context, tenantID, id, feedback string) (session.Session, error)
	StartBuild(ctx context.Context, tenantID, id string) (session.Session, int, error)
	DeleteSession(ctx context.Context, tenantID, id, callerID string) error
}

// CreateSessionInput is the body of POST /api/hitl.
type CreateSessionInput struct {
	ProjectName string             `json:"project_name"`
	Description string             `json:"description"`
	ProjectType session.ProjectType `json:"project_type,omitempty"`
	ProjectID   *string            `json:"project_id,omitempty"`
}

// TicketEngine owns ticket CRUD, the claim/lease protocol, and activity
// history. Implemented by internal/app/ticketengine.Engine.
type TicketEngine interface {
	ListTickets(ctx context.Context, filter storage.TicketFilter) ([]ticket.Ticket, error)
	CreateTicket(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error)
	GetTicket(ctx context.Context, tenantID, id string) (ticket.Ticket, error)
	UpdateTicket(ctx context.Context, tenantID, id string, patch TicketPatch) (ticket.Ticket, error)
	DeleteTicket(ctx context.Context, tenantID, id string) error
	Claim(ctx context.Context, tenantID, workerID string) (ticket.Ticket, ProjectSettings, bool, error)
	Heartbeat(ctx context.Context, ticketID, workerID string) (time.Time, error)
	Complete(ctx context.Context, ticketID, workerID string, report CompletionReport) (ticket.Ticket, error)
	ListActivity(ctx context.Context, tenantID, ticketID string, limit int) ([]event.Event, error)
}

// TicketPatch carries the mutable subset of a ticket for PUT /api/tickets/:id.
type TicketPatch struct {
	Title              *string         `json:"title,omitempty"`
	Description        *string         `json:"description,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
	State              *ticket.State   `json:"state,omitempty"`
	Priority           *ticket.Priority `json:"priority,omitempty"`
	FileHints          []string        `json:"file_hints,omitempty"`
}

// ProjectSettings is returned alongside a claimed ticket so the worker
// knows how to reach the target repository.
type ProjectSettings struct {
	RepositoryURL string `json:"repository_url"`
	LeaseSeconds  int    `json:"lease_seconds"`
}

// CompletionReport is the body of POST /api/tickets/:id/complete.
type CompletionReport struct {
	Success bool     `json:"success"`
	PRUrl   string   `json:"pr_url,omitempty"`
	Error   string   `json:"error,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// handler bundles every HTTP endpoint over the session and ticket
// engines.
type handler struct {
	sessions    SessionEngine
	tickets     TicketEngine
	authManager authManager
	hub         *realtime.Hub
	jwtExpiry   time.Duration
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) systemVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"git_commit": version.GitCommit,
		"build_time": version.BuildTime,
		"go_version": version.GoVersion,
	})
}
