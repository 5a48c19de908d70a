package httpapi

import (
	"net/http"

	"github.com/google/uuid"
)

// wrapWithTracing assigns every request a trace id, reusing one supplied
// by the caller so traces survive a proxy hop, and surfaces it on both
// the request context and the response.
func wrapWithTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		r.Header.Set("X-Trace-ID", traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(withTrace(r.Context(), traceID)))
	})
}
