package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if !metricCounterGreaterOrEqual(t, "controlplane_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/api/tickets",
		"status": "202",
	}, 1) {
		t.Fatal("expected http request counter to increment")
	}

	if !metricHistogramCountGreaterOrEqual(t, "controlplane_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/api/tickets",
	}, 1) {
		t.Fatal("expected http duration histogram to record samples")
	}
}

func TestInstrumentHandlerMetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected /metrics path to pass through to handler")
	}
}

func TestRecordClaim(t *testing.T) {
	RecordClaim(true)
	if !metricCounterGreaterOrEqual(t, "controlplane_tickets_claims_total", map[string]string{"result": "claimed"}, 1) {
		t.Fatal("expected claimed counter to increment")
	}
	RecordClaim(false)
	if !metricCounterGreaterOrEqual(t, "controlplane_tickets_claims_total", map[string]string{"result": "empty"}, 1) {
		t.Fatal("expected empty counter to increment")
	}
}

func TestRecordTransition(t *testing.T) {
	RecordTransition("in_review", "approved")
	if !metricCounterGreaterOrEqual(t, "controlplane_tickets_transitions_total", map[string]string{"state": "in_review", "reason": "approved"}, 1) {
		t.Fatal("expected transition counter to increment")
	}
	RecordTransition("ready", "")
	if !metricCounterGreaterOrEqual(t, "controlplane_tickets_transitions_total", map[string]string{"state": "ready", "reason": "unspecified"}, 1) {
		t.Fatal("expected empty reason to fall back to unspecified")
	}
}

func TestRecordDispatchRun(t *testing.T) {
	RecordDispatchRun(true, 100*time.Millisecond)
	if !metricCounterGreaterOrEqual(t, "controlplane_dispatch_runs_total", map[string]string{"success": "true"}, 1) {
		t.Fatal("expected dispatch run counter to increment")
	}
	if !metricHistogramCountGreaterOrEqual(t, "controlplane_dispatch_run_duration_seconds", nil, 1) {
		t.Fatal("expected dispatch duration histogram to record")
	}
}

func TestSetDispatchActiveAndSessionsActive(t *testing.T) {
	SetDispatchActive("global", 3)
	if !metricGaugeEquals(t, "controlplane_dispatch_active_workers", map[string]string{"scope": "global"}, 3) {
		t.Fatal("expected dispatch active gauge to be set")
	}
	SetSessionsActive(5)
	if !metricGaugeEquals(t, "controlplane_sessions_active", nil, 5) {
		t.Fatal("expected sessions active gauge to be set")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct{ input, expected string }{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/healthz", "/healthz"},
		{"/api/tickets", "/api/tickets"},
		{"/api/tickets/abc-123", "/api/tickets/:id"},
		{"/api/tickets/abc-123/heartbeat", "/api/tickets/:id/heartbeat"},
		{"/api/hitl/s-1/respond", "/api/hitl/:id/respond"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := canonicalPath(tt.input); got != tt.expected {
				t.Errorf("canonicalPath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusNotFound)
	if sr.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", sr.status)
	}

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2}
	if _, err := sr2.Write([]byte("hello")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if sr2.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", sr2.status)
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricGaugeEquals(t *testing.T, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				return metric.GetGauge().GetValue() == expected
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
