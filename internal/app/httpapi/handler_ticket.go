package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/storage"
)

func (h *handler) listTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.TicketFilter{
		TenantID:  tenantFromCtx(r.Context()),
		ProjectID: q.Get("project"),
		SessionID: q.Get("session_id"),
		Limit:     50,
	}
	if raw := q.Get("state"); raw != "" {
		s := ticket.State(raw)
		filter.State = &s
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			filter.Limit = v
		}
	}

	tickets, err := h.tickets.ListTickets(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *handler) createTicket(w http.ResponseWriter, r *http.Request) {
	role := roleFromCtx(r.Context())
	if role != "admin" && role != "generator" {
		writeError(w, r, apperror.Forbidden("admin or generator role required"))
		return
	}
	var t ticket.Ticket
	if err := decodeJSON(r.Body, &t); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	t.TenantID = tenantFromCtx(r.Context())

	created, err := h.tickets.CreateTicket(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) ticketResource(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]

	switch r.Method {
	case http.MethodGet:
		t, err := h.tickets.GetTicket(r.Context(), tenant, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPut:
		var patch TicketPatch
		if err := decodeJSON(r.Body, &patch); err != nil {
			writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
			return
		}
		t, err := h.tickets.UpdateTicket(r.Context(), tenant, id, patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodDelete:
		if err := h.tickets.DeleteTicket(r.Context(), tenant, id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) claimTicket(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	worker := subjectFromCtx(r.Context())

	t, settings, ok, err := h.tickets.Claim(r.Context(), tenant, worker)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": t, "projectSettings": settings})
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker := subjectFromCtx(r.Context())

	leaseExpires, err := h.tickets.Heartbeat(r.Context(), id, worker)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lease_expires": leaseExpires})
}

func (h *handler) completeTicket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker := subjectFromCtx(r.Context())

	var report CompletionReport
	if err := decodeJSON(r.Body, &report); err != nil {
		writeError(w, r, apperror.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	t, err := h.tickets.Complete(r.Context(), id, worker, report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) ticketActivity(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromCtx(r.Context())
	id := mux.Vars(r)["id"]
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	activity, err := h.tickets.ListActivity(r.Context(), tenant, id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}
