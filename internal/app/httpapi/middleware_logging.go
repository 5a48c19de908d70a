package httpapi

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// wrapWithLogging logs one structured line per request with its trace id,
// method, path, status, and latency.
func wrapWithLogging(next http.Handler, log *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.WithFields(logrus.Fields{
			"trace_id": traceFromCtx(r.Context()),
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.status,
			"duration": time.Since(start).String(),
			"tenant":   tenantFromCtx(r.Context()),
		}).Info("http request")
	})
}
