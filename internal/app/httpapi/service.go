package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/system"
)

// Service exposes the HTTP and WebSocket API and fits into the system
// manager lifecycle.
type Service struct {
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logrus.Entry

	mu       sync.Mutex
	boundAddr string
}

// NewService builds the HTTP Service over the given engines and hub.
func NewService(addr string, sessions SessionEngine, tickets TicketEngine, authMgr authManager, jwtExpiry time.Duration, hub *realtime.Hub, log *logrus.Entry, opts Options) *Service {
	handler := NewRouter(sessions, tickets, authMgr, hub, jwtExpiry, log, opts)
	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the server's bound address, resolved after Start (useful
// when addr was given as ":0").
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
