package realtime

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/buildforge/controlplane/internal/app/auth"
	"github.com/buildforge/controlplane/internal/app/domain/event"
)

var errInvalidToken = errors.New("invalid token")

type stubValidator struct {
	principal auth.Principal
	err       error
}

func (s stubValidator) Validate(token string) (auth.Principal, error) {
	if s.err != nil {
		return auth.Principal{}, s.err
	}
	return s.principal, nil
}

func discardLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := NewBus()
	authz := func(tenantID string, room event.Room) (bool, bool) { return true, true }
	validator := stubValidator{principal: auth.Principal{Subject: "u1", TenantID: "t1", Role: "admin"}}
	hub := NewHub(bus, discardLog(), authz, validator)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv, "anything")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "room": "session:s1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// give the subscribe a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(event.Event{SessionID: "s1", Type: event.TypeSessionUpdate})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got["Type"] != string(event.TypeSessionUpdate) {
		t.Fatalf("expected forwarded session update, got %+v", got)
	}
}

func TestHubRejectsSubscribeToForbiddenRoom(t *testing.T) {
	bus := NewBus()
	authz := func(tenantID string, room event.Room) (bool, bool) { return false, true }
	validator := stubValidator{principal: auth.Principal{Subject: "u1", TenantID: "t1"}}
	hub := NewHub(bus, discardLog(), authz, validator)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv, "anything")
	defer conn.Close()

	_ = conn.WriteJSON(map[string]string{"type": "subscribe", "room": "session:other-tenant"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got outboundError
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "error" || got.Message != "forbidden" {
		t.Fatalf("expected forbidden error frame, got %+v", got)
	}
}

func TestHubClosesUnauthorizedConnection(t *testing.T) {
	bus := NewBus()
	validator := stubValidator{err: errInvalidToken}
	hub := NewHub(bus, discardLog(), nil, validator)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bad"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != CloseUnauthorized {
		t.Fatalf("expected close code %d, got %d", CloseUnauthorized, closeErr.Code)
	}
}
