package sessionengine

import (
	"context"
	"strings"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/httpapi"
)

// CreateSession provisions a new session in state input.
func (e *Engine) CreateSession(ctx context.Context, tenantID, ownerID string, in httpapi.CreateSessionInput) (session.Session, error) {
	if strings.TrimSpace(in.ProjectName) == "" {
		return session.Session{}, apperror.Validation("project_name is required")
	}

	sess := session.Session{
		TenantID:    tenantID,
		OwnerID:     ownerID,
		ProjectType: normalizeProjectType(in.ProjectType),
		ProjectName: in.ProjectName,
		Description: in.Description,
		ProjectID:   in.ProjectID,
		State:       session.StateInput,
		Clarification: session.ClarificationContext{
			Gathered:   map[string]any{},
			Categories: map[string]session.CategoryProgress{},
		},
	}

	created, err := e.sessions.CreateSession(ctx, sess)
	if err != nil {
		return session.Session{}, err
	}
	e.bus.Publish(event.Event{
		SessionID: created.ID,
		Type:      event.TypeSessionUpdate,
		Payload:   map[string]any{"state": string(created.State)},
	})
	return created, nil
}

// GetSession returns a session and its full dialogue history.
func (e *Engine) GetSession(ctx context.Context, tenantID, id string) (session.Session, []message.Message, error) {
	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, nil, err
	}
	msgs, err := e.sessions.ListMessages(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, nil, err
	}
	return sess, msgs, nil
}

// ListSessions lists sessions for a tenant, optionally filtered by state.
func (e *Engine) ListSessions(ctx context.Context, tenantID string, state *session.State, limit int) ([]session.Session, error) {
	return e.sessions.ListSessions(ctx, tenantID, state, limit)
}

// ListMessages returns the dialogue history for a session.
func (e *Engine) ListMessages(ctx context.Context, tenantID, id string) ([]message.Message, error) {
	return e.sessions.ListMessages(ctx, tenantID, id)
}

// DeleteSession removes a session and its tickets. Only the owner may
// delete their own session.
func (e *Engine) DeleteSession(ctx context.Context, tenantID, id, callerID string) error {
	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if sess.OwnerID != "" && callerID != "" && sess.OwnerID != callerID {
		return apperror.Forbidden("only the session owner may delete this session")
	}
	return e.sessions.DeleteSession(ctx, tenantID, id)
}
