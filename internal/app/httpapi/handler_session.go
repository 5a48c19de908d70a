package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/session"
)

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var in CreateSessionInput
	if err := decodeJSON(r.Body, &in); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if in.ProjectName == "" {
		writeError(w, r, apperror.Validation("project_name is required"))
		return
	}

	tenant := tenantFromCtx(r.Context())
	owner := subjectFromCtx(r.Context())
	sess, err := h.sessions.CreateSession(r.Context(), tenant, owner, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	sess, msgs, err := h.sessions.GetSession(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "messages": msgs})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	q := r.URL.Query()

	var statePtr *session.State
	if raw := q.Get("state"); raw != "" {
		s := session.State(raw)
		statePtr = &s
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	sessions, err := h.sessions.ListSessions(r.Context(), tenant, statePtr, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handler) listSessionMessages(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	msgs, err := h.sessions.ListMessages(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	caller := subjectFromCtx(r.Context())
	if err := h.sessions.DeleteSession(r.Context(), tenant, id, caller); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type respondRequest struct {
	Message string `json:"message"`
}

func (h *handler) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]

	reply, sess, err := h.sessions.Respond(r.Context(), tenant, id, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  reply,
		"progress": sess.Clarification.Progress,
		"session":  sess,
	})
}

func (h *handler) startClarification(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	sess, err := h.sessions.StartClarification(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) generateSpec(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	sess, err := h.sessions.GenerateSpec(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) approveSpec(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	approver := subjectFromCtx(r.Context())
	sess, err := h.sessions.ApproveSpec(r.Context(), tenant, id, approver)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type requestRevisionRequest struct {
	Feedback string `json:"feedback"`
}

func (h *handler) requestRevision(w http.ResponseWriter, r *http.Request) {
	var req requestRevisionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	sess, err := h.sessions.RequestRevision(r.Context(), tenant, id, req.Feedback)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type startBuildRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (h *handler) startBuild(w http.ResponseWriter, r *http.Request) {
	var req startBuildRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if !req.Confirmed {
		writeError(w, r, apperror.Validation("confirmed must be true to start a build"))
		return
	}
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]

	sess, ticketCount, err := h.sessions.StartBuild(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "ticket_count": ticketCount})
}
