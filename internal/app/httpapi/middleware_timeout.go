package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/buildforge/controlplane/internal/app/apperror"
)

const defaultRequestTimeout = 30 * time.Second

// wrapWithTimeout enforces a per-request deadline so a stuck downstream
// collaborator (model adapter, critic, deploy) cannot pin an HTTP worker
// goroutine forever.
func wrapWithTimeout(next http.Handler, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		tw := &timeoutWriter{ResponseWriter: w}
		done := make(chan struct{})
		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			tw.mu.Lock()
			wrote := tw.wrote
			tw.mu.Unlock()
			if !wrote {
				writeError(w, r, apperror.Transient("request timed out", fmt.Errorf("deadline exceeded after %s", timeout)))
			}
		}
	})
}

type timeoutWriter struct {
	http.ResponseWriter
	mu    sync.Mutex
	wrote bool
}

func (w *timeoutWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wrote {
		return
	}
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.wrote = true
	w.mu.Unlock()
	return w.ResponseWriter.Write(b)
}
