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

// StartClarification moves a session from input to clarifying, resolving
// a repository-analysis snapshot first for build-feature sessions.
func (e *Engine) StartClarification(ctx context.Context, tenantID, id string) (session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.State != session.StateInput {
		return session.Session{}, apperror.StateConflict("session is not awaiting clarification start", string(sess.State))
	}

	e.ensureRepoSnapshot(ctx, &sess)
	sess.State = session.StateClarifying

	ev := event.Event{SessionID: id, Type: event.TypeSessionUpdate, Payload: map[string]any{"state": string(sess.State)}}
	saved, err := e.sessions.SaveTransition(ctx, sess, nil, ev)
	if err != nil {
		return session.Session{}, err
	}
	e.bus.Publish(ev)
	return saved, nil
}

// Respond processes one dialogue turn: it loads history, calls the model
// adapter, merges the returned context, and persists both the user and
// assistant turns in one transaction.
func (e *Engine) Respond(ctx context.Context, tenantID, id, text string) (message.Message, session.Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	sess, err := e.sessions.GetSession(ctx, tenantID, id)
	if err != nil {
		return message.Message{}, session.Session{}, err
	}
	switch sess.State {
	case session.StateInput:
		sess.State = session.StateClarifying
	case session.StateClarifying:
		// self-loop
	default:
		return message.Message{}, session.Session{}, apperror.StateConflict("session is not accepting dialogue turns", string(sess.State))
	}

	e.ensureRepoSnapshot(ctx, &sess)

	history, err := e.sessions.ListMessages(ctx, tenantID, id)
	if err != nil {
		return message.Message{}, session.Session{}, err
	}
	userMsg := message.Message{SessionID: id, Role: message.RoleUser, Type: message.TypeAnswer, Content: text}
	prompt := e.buildPrompt(sess, append(history, userMsg))

	var resp modeladapter.Response
	callErr := core.Retry(ctx, e.retry, modeladapter.Classify, func() error {
		var err error
		resp, err = e.adapter.Complete(ctx, prompt)
		return err
	})
	if callErr != nil {
		// Model-adapter failure: the session state does not advance.
		return message.Message{}, session.Session{}, apperror.Transient("dialogue turn failed", callErr)
	}

	assistantContent := resp.Text
	if env, ok := parseEnvelope(resp.Text); ok {
		assistantContent = env.Message
		sess.Clarification.Gathered = mergeGathered(sess.Clarification.Gathered, env.Gathered)
		sess.Clarification.Categories = mergeCategories(sess.Clarification.Categories, env.Categories)
		sess.Clarification.Progress = computeProgress(sess.Clarification.Categories)
		if env.ReadyForSpec && sess.Clarification.Progress >= readyForSpecThreshold {
			sess.State = session.StateReadyForDocs
		}
	}
	// Malformed JSON falls back to the raw text as the assistant message;
	// the clarification context is left unchanged.

	assistantMsg := message.Message{SessionID: id, Role: message.RoleAssistant, Type: message.TypeAnswer, Content: assistantContent}
	ev := event.Event{SessionID: id, Type: event.TypeSessionMessage, Payload: map[string]any{"progress": sess.Clarification.Progress}}

	saved, err := e.sessions.SaveTransition(ctx, sess, []message.Message{userMsg, assistantMsg}, ev)
	if err != nil {
		return message.Message{}, session.Session{}, err
	}
	e.bus.Publish(ev)
	if saved.State == session.StateReadyForDocs {
		e.bus.Publish(event.Event{SessionID: id, Type: event.TypeSessionUpdate, Payload: map[string]any{"state": string(saved.State)}})
	}
	return assistantMsg, saved, nil
}
