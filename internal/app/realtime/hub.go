package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/buildforge/controlplane/internal/app/auth"
	"github.com/buildforge/controlplane/internal/app/domain/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Close codes used on the subscription socket beyond the standard set.
// These are permanent: a client that receives one must not reconnect
// automatically.
const (
	CloseUnauthorized = 4001 // missing or invalid token on connect
	CloseForbidden    = 4002 // caller lacks access; not sent by this hub, which answers a forbidden or unknown room with an error frame
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RoomAuthorizer reports whether the caller identified by tenantID may
// subscribe to room, and whether room names a session/ticket that
// currently exists at all.
type RoomAuthorizer func(tenantID string, room event.Room) (ok bool, exists bool)

// inbound is the client->server message envelope: {type:"subscribe"|
// "unsubscribe", room:<id>}.
type inbound struct {
	Type string     `json:"type"`
	Room event.Room `json:"room"`
}

// outboundError is sent back on a subscribe request the server rejects;
// unlike an auth failure this does not close the connection, since one
// socket may hold several unrelated subscriptions.
type outboundError struct {
	Type    string     `json:"type"`
	Room    event.Room `json:"room,omitempty"`
	Message string     `json:"message"`
}

// Hub upgrades HTTP requests to a single multiplexed WebSocket per
// client and bridges bus rooms the client subscribes to onto it.
type Hub struct {
	bus       *Bus
	log       *logrus.Entry
	authz     RoomAuthorizer
	validator auth.Validator
}

// NewHub creates a Hub over bus. authz is consulted on every subscribe
// message; a nil authz allows every subscription. validator resolves the
// token query parameter to a Principal; a connection with no valid
// token is closed immediately with CloseUnauthorized.
func NewHub(bus *Bus, log *logrus.Entry, authz RoomAuthorizer, validator auth.Validator) *Hub {
	return &Hub{bus: bus, log: log, authz: authz, validator: validator}
}

// ServeWS upgrades the connection and then multiplexes every room the
// client subscribes to over it until it disconnects. Path: /ws?token=.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var principal auth.Principal
	var authErr error
	if h.validator != nil {
		principal, authErr = h.validator.Validate(r.URL.Query().Get("token"))
	} else {
		authErr = errors.New("websocket auth not configured")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	if authErr != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "invalid or missing token"), deadline)
		conn.Close()
		return
	}

	c := &wsConn{
		hub:      h,
		conn:     conn,
		tenantID: principal.TenantID,
		out:      make(chan any, DefaultSubscriberBuffer),
		subs:     make(map[event.Room]<-chan event.Event),
		closed:   make(chan struct{}),
	}
	go c.readPump()
	c.writePump()
}

// wsConn is one client's multiplexed socket: it may hold any number of
// active room subscriptions, each forwarded onto the same outgoing
// channel by its own goroutine.
type wsConn struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID string

	out chan any

	mu     sync.Mutex
	subs   map[event.Room]<-chan event.Event
	closed chan struct{}
}

func (c *wsConn) readPump() {
	defer c.shutdown()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.Room)
		case "unsubscribe":
			c.unsubscribe(msg.Room)
		}
	}
}

func (c *wsConn) subscribe(room event.Room) {
	if room == "" {
		return
	}
	if c.hub.authz != nil {
		ok, exists := c.hub.authz(c.tenantID, room)
		if !exists {
			c.sendError(room, "room not found")
			return
		}
		if !ok {
			c.sendError(room, "forbidden")
			return
		}
	}

	c.mu.Lock()
	if _, already := c.subs[room]; already {
		c.mu.Unlock()
		return
	}
	sub := c.hub.bus.Subscribe(room, DefaultSubscriberBuffer)
	c.subs[room] = sub
	c.mu.Unlock()

	go c.forward(room, sub)
}

func (c *wsConn) unsubscribe(room event.Room) {
	c.mu.Lock()
	sub, ok := c.subs[room]
	delete(c.subs, room)
	c.mu.Unlock()
	if ok {
		c.hub.bus.Unsubscribe(room, sub)
	}
}

func (c *wsConn) forward(room event.Room, sub <-chan event.Event) {
	for e := range sub {
		select {
		case c.out <- e:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) sendError(room event.Room, msg string) {
	select {
	case c.out <- outboundError{Type: "error", Room: room, Message: msg}:
	default:
	}
}

func (c *wsConn) shutdown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for room, sub := range subs {
		c.hub.bus.Unsubscribe(room, sub)
	}
	close(c.closed)
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				c.hub.log.WithError(err).Warn("marshal websocket frame")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
