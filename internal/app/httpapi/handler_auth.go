package httpapi

import (
	"fmt"
	"net/http"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  auth.Principal `json:"user"`
	Token string         `json:"token"`
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	principal, err := h.authManager.Authenticate(req.Email, req.Password)
	if err != nil {
		writeError(w, r, apperror.Auth("invalid credentials"))
		return
	}

	token, _, err := h.authManager.Issue(principal, h.jwtExpiry)
	if err != nil {
		writeError(w, r, apperror.Internal("issue token", err))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{User: principal, Token: token})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal := auth.Principal{
		Subject:  subjectFromCtx(r.Context()),
		Role:     roleFromCtx(r.Context()),
		TenantID: tenantFromCtx(r.Context()),
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": principal})
}
