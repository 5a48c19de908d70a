package httpapi

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/buildforge/controlplane/internal/app/auth"
	"github.com/buildforge/controlplane/internal/app/realtime"
)

func TestServiceRecordsBoundAddress(t *testing.T) {
	sessions := newStubSessions()
	tickets := newStubTickets()
	am := stubAuthManager{principal: auth.Principal{Subject: "u1", TenantID: "t1", Role: "admin"}}
	validator := auth.NewManager("test-signing-key-0123456789", nil, nil)
	hub := realtime.NewHub(realtime.NewBus(), testLog(), nil, validator)
	opts := Options{Validator: validator, RateLimitRequests: 1000, RateLimitWindow: time.Minute, RequestTimeout: 5 * time.Second}

	svc := NewService("127.0.0.1:0", sessions, tickets, am, time.Hour, hub, testLog(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())

	bound := svc.Addr()
	if bound == "" || bound == "127.0.0.1:0" || !strings.HasPrefix(bound, "127.0.0.1:") {
		t.Fatalf("expected bound addr resolved, got %q", bound)
	}

	resp, err := http.Get("http://" + bound + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}
}

func TestServiceStopIsIdempotentBeforeStart(t *testing.T) {
	svc := &Service{}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("expected no error stopping an unstarted service, got %v", err)
	}
}
