package sessionengine

import (
	"context"
	"time"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/approval"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
)

// ApproveSpec records approval of the generated spec and advances the
// session to approved.
func (e *Engine) ApproveSpec(ctx context.Context, tenantID, id, approverID string) (session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.State != session.StateReviewing {
		return session.Session{}, apperror.StateConflict("session is not awaiting spec approval", string(sess.State))
	}
	if !sess.HasApprovedSpec() {
		return session.Session{}, apperror.Validation("session has no generated spec to approve")
	}

	now := time.Now().UTC()
	sess.State = session.StateApproved
	sess.ApprovedBy = &approverID
	sess.ApprovedAt = &now

	ev := event.Event{SessionID: id, Type: event.TypeApprovalResolved, Payload: map[string]any{"approver_id": approverID}}
	saved, err := e.sessions.SaveTransition(ctx, sess, nil, ev)
	if err != nil {
		return session.Session{}, err
	}
	if e.approvals != nil {
		if _, aerr := e.approvals.CreateApproval(ctx, approval.Approval{
			SessionID:    id,
			Type:         approval.TypeSpecApproval,
			TargetAction: "approve-spec",
			Status:       approval.StatusApproved,
			ResolverID:   &approverID,
		}); aerr != nil {
			e.log.WithError(aerr).WithField("session_id", id).Warn("failed to record spec approval")
		}
	}
	e.bus.Publish(ev)
	return saved, nil
}

// RequestRevision sends the session back to clarifying, appending the
// reviewer's feedback as a message.
func (e *Engine) RequestRevision(ctx context.Context, tenantID, id, feedback string) (session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.State != session.StateReviewing {
		return session.Session{}, apperror.StateConflict("session is not awaiting spec review", string(sess.State))
	}

	sess.State = session.StateClarifying
	msg := message.Message{SessionID: id, Role: message.RoleUser, Type: message.TypeAnswer, Content: feedback}
	ev := event.Event{SessionID: id, Type: event.TypeSessionUpdate, Payload: map[string]any{"state": string(sess.State), "reason": "revision_requested"}}

	saved, err := e.sessions.SaveTransition(ctx, sess, []message.Message{msg}, ev)
	if err != nil {
		return session.Session{}, err
	}
	e.bus.Publish(ev)
	return saved, nil
}
