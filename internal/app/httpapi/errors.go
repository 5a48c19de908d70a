package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/buildforge/controlplane/internal/app/apperror"
)

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError is the single place that turns an error into an HTTP
// response. Handlers never call http.Error directly.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	if e, ok := err.(*apperror.Error); ok {
		status = e.HTTPStatus()
		body["error"] = e.Message
		body["code"] = string(e.Kind)
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
	}
	if traceID := traceFromCtx(r.Context()); traceID != "" {
		body["trace_id"] = traceID
		w.Header().Set("X-Trace-ID", traceID)
	}
	writeJSON(w, status, body)
}
