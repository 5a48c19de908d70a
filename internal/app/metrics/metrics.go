// Package metrics exposes the control plane's Prometheus collectors: HTTP
// request instrumentation plus counters/histograms for the ticket,
// dispatch, and session subsystems.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector this service registers, kept
	// separate from prometheus.DefaultRegisterer so tests can build a
	// throwaway registry without colliding with package state.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	ticketClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "tickets",
		Name:      "claims_total",
		Help:      "Total number of ticket claim attempts.",
	}, []string{"result"})

	ticketTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "tickets",
		Name:      "transitions_total",
		Help:      "Total number of ticket state transitions.",
	}, []string{"state", "reason"})

	ticketLeaseExpirations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "tickets",
		Name:      "lease_expirations_total",
		Help:      "Total number of ticket leases reclaimed by the reaper.",
	}, []string{})

	dispatchRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "dispatch",
		Name:      "runs_total",
		Help:      "Total number of dispatch loop worker invocations.",
	}, []string{"success"})

	dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "dispatch",
		Name:      "run_duration_seconds",
		Help:      "Duration of a single dispatch loop worker invocation.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	dispatchActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "dispatch",
		Name:      "active_workers",
		Help:      "Current number of in-flight dispatch worker invocations.",
	}, []string{"scope"})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Current number of non-terminal build sessions.",
	})

	realtimeSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "realtime",
		Name:      "subscribers",
		Help:      "Current number of realtime websocket subscribers.",
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ticketClaims,
		ticketTransitions,
		ticketLeaseExpirations,
		dispatchRuns,
		dispatchDuration,
		dispatchActive,
		sessionsActive,
		realtimeSubscribers,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for a Prometheus scrape.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request counters, a duration
// histogram, and an in-flight gauge. The /metrics path itself is passed
// straight through to avoid it scraping its own request.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordClaim records whether a claim attempt found an eligible ticket.
func RecordClaim(found bool) {
	result := "empty"
	if found {
		result = "claimed"
	}
	ticketClaims.WithLabelValues(result).Inc()
}

// RecordTransition records a ticket landing in state for reason.
func RecordTransition(state, reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	ticketTransitions.WithLabelValues(state, reason).Inc()
}

// RecordLeaseExpiration records one lease reclaimed by the reaper.
func RecordLeaseExpiration() {
	ticketLeaseExpirations.WithLabelValues().Inc()
}

// RecordDispatchRun records one dispatch loop worker invocation.
func RecordDispatchRun(success bool, duration time.Duration) {
	result := "false"
	if success {
		result = "true"
	}
	dispatchRuns.WithLabelValues(result).Inc()
	if duration > 0 {
		dispatchDuration.Observe(duration.Seconds())
	}
}

// SetDispatchActive reports the current number of in-flight dispatch
// worker invocations for a scope ("global" or a session id).
func SetDispatchActive(scope string, n int) {
	dispatchActive.WithLabelValues(scope).Set(float64(n))
}

// SetSessionsActive reports the current count of non-terminal sessions.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// SetRealtimeSubscribers reports the current websocket subscriber count.
func SetRealtimeSubscribers(n int) {
	realtimeSubscribers.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters into a fixed placeholder so
// high-cardinality ticket/session ids never become label values.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "/" + strings.Join(parts, "/")
	}
	switch parts[0] {
	case "api":
		if len(parts) >= 2 {
			resource := parts[1]
			if len(parts) == 2 {
				return "/api/" + resource
			}
			// /api/<resource>/<id>[/<action>]
			rest := parts[3:]
			if len(rest) == 0 {
				return "/api/" + resource + "/:id"
			}
			return "/api/" + resource + "/:id/" + strings.Join(rest, "/")
		}
	}
	return "/" + parts[0]
}
