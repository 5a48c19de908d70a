package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/buildforge/controlplane/internal/app/auth"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/metrics"
	"github.com/buildforge/controlplane/internal/app/realtime"
)

// Options configures the router's cross-cutting middleware.
type Options struct {
	Validator         auth.Validator
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RequestTimeout    time.Duration
}

// NewRouter builds the full mux.Router: every route wired to its handler,
// wrapped in the recovery -> tracing -> logging -> CORS -> rate limit ->
// auth -> timeout middleware chain. The /ws endpoint bypasses the bearer
// auth middleware (it authenticates via its own query parameter) but
// still passes through recovery/tracing/logging/CORS.
func NewRouter(sessions SessionEngine, tickets TicketEngine, authMgr authManager, hub *realtime.Hub, jwtExpiry time.Duration, log *logrus.Entry, opts Options) http.Handler {
	h := &handler{sessions: sessions, tickets: tickets, authManager: authMgr, hub: hub, jwtExpiry: jwtExpiry}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/system/version", h.systemVersion).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", h.login).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/auth/me", h.me).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/api/hitl", h.createSession).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl", h.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/hitl/{id}", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/api/hitl/{id}", h.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/hitl/{id}/respond", h.respond).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl/{id}/start-clarification", h.startClarification).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl/{id}/generate-spec", h.generateSpec).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl/{id}/approve", h.approveSpec).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl/{id}/request-revision", h.requestRevision).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl/{id}/start-build", h.startBuild).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/hitl/{id}/messages", h.listSessionMessages).Methods(http.MethodGet)

	r.HandleFunc("/api/tickets", h.listTickets).Methods(http.MethodGet)
	r.HandleFunc("/api/tickets", h.createTicket).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/tickets/claim", h.claimTicket).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/tickets/{id}", h.ticketResource).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/api/tickets/{id}/heartbeat", h.heartbeat).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/tickets/{id}/complete", h.completeTicket).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/tickets/{id}/activity", h.ticketActivity).Methods(http.MethodGet)

	r.HandleFunc("/ws", h.serveWS)

	limiter := newRateLimiter(opts.RateLimitRequests, opts.RateLimitWindow)

	var chain http.Handler = r
	chain = wrapWithTimeout(chain, opts.RequestTimeout)
	chain = wrapWithAuthExceptWS(chain, opts.Validator)
	chain = limiter.handler(chain)
	chain = wrapWithCORS(chain)
	chain = wrapWithLogging(chain, log)
	chain = wrapWithTracing(chain)
	chain = metrics.InstrumentHandler(chain)
	chain = wrapWithRecovery(chain, log)
	return chain
}

// wrapWithAuthExceptWS skips bearer-token enforcement for the websocket
// upgrade path, which authenticates from its own token query parameter
// inside realtime.Hub.ServeWS.
func wrapWithAuthExceptWS(next http.Handler, validator auth.Validator) http.Handler {
	authed := wrapWithAuth(next, validator)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
}

// RoomAuthorizer builds a realtime.RoomAuthorizer backed by the session
// and ticket engines: a room exists if its target session/ticket exists
// under any tenant, and is authorized only when it belongs to the
// requesting tenant.
func RoomAuthorizer(sessions SessionEngine, tickets TicketEngine) realtime.RoomAuthorizer {
	return func(tenantID string, room event.Room) (ok bool, exists bool) {
		ctx := context.Background()
		key := string(room)
		switch {
		case strings.HasPrefix(key, "session:"):
			id := strings.TrimPrefix(key, "session:")
			if _, _, err := sessions.GetSession(ctx, "", id); err != nil {
				return false, false
			}
			if _, _, err := sessions.GetSession(ctx, tenantID, id); err != nil {
				return false, true
			}
			return true, true
		case strings.HasPrefix(key, "ticket:"):
			id := strings.TrimPrefix(key, "ticket:")
			if _, err := tickets.GetTicket(ctx, "", id); err != nil {
				return false, false
			}
			if _, err := tickets.GetTicket(ctx, tenantID, id); err != nil {
				return false, true
			}
			return true, true
		default:
			return false, false
		}
	}
}
