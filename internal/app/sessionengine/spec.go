package sessionengine

import (
	"context"

	"github.com/buildforge/controlplane/internal/app/apperror"
	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/modeladapter"
)

// GenerateSpec produces the project specification from the gathered
// clarification context. It accepts a session already at ready_for_docs
// (the model's own readiness signal from Respond) or still clarifying,
// in which case the owner is forcing readiness; the forced promotion is
// persisted and published before spec generation proceeds. On success
// the session moves to reviewing; on failure it reverts to clarifying
// with a note explaining why, per the session engine's
// generating_spec -> clarifying transition.
func (e *Engine) GenerateSpec(ctx context.Context, tenantID, id string) (session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, err
	}
	switch sess.State {
	case session.StateReadyForDocs:
	case session.StateClarifying:
		sess.State = session.StateReadyForDocs
		ev := event.Event{SessionID: id, Type: event.TypeSessionUpdate, Payload: map[string]any{"state": string(sess.State), "reason": "owner_forced_readiness"}}
		saved, err := e.sessions.SaveTransition(ctx, sess, nil, ev)
		if err != nil {
			return session.Session{}, err
		}
		e.bus.Publish(ev)
		sess = saved
	default:
		return session.Session{}, apperror.StateConflict("session is not ready for spec generation", string(sess.State))
	}

	prompt := e.specPrompt(sess)
	var resp modeladapter.Response
	callErr := core.Retry(ctx, e.retry, modeladapter.Classify, func() error {
		var err error
		resp, err = e.adapter.Complete(ctx, prompt)
		return err
	})
	if callErr != nil {
		reverted := sess
		reverted.State = session.StateClarifying
		note := message.Message{
			SessionID: id,
			Role:      message.RoleSystem,
			Type:      message.TypeProgress,
			Content:   formatFailureNote("spec generation", callErr),
		}
		ev := event.Event{SessionID: id, Type: event.TypeSessionUpdate, Payload: map[string]any{"state": string(reverted.State), "reason": "spec_generation_failed"}}
		if saved, saveErr := e.sessions.SaveTransition(ctx, reverted, []message.Message{note}, ev); saveErr == nil {
			e.bus.Publish(ev)
			return saved, apperror.PermanentUpstream("spec generation failed", callErr)
		}
		return session.Session{}, apperror.PermanentUpstream("spec generation failed", callErr)
	}

	specText := resp.Text
	updated := sess
	updated.State = session.StateReviewing
	updated.ApprovedSpec = &specText

	msg := message.Message{SessionID: id, Role: message.RoleAssistant, Type: message.TypeSpec, Content: specText}
	ev := event.Event{SessionID: id, Type: event.TypeSpecGenerated, Payload: map[string]any{"length": len(specText)}}

	saved, err := e.sessions.SaveTransition(ctx, updated, []message.Message{msg}, ev)
	if err != nil {
		return session.Session{}, err
	}
	e.bus.Publish(ev)
	return saved, nil
}
