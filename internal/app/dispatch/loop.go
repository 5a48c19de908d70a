// Package dispatch drives ready tickets through a worker without any
// HTTP round-trip: it claims a ticket via the same ticket engine method
// an external worker's HTTP claim request uses, hands it to a
// worker.Dispatcher, and reports the result back through the same
// ticket engine Complete path, so the retry/critic/deploy pipeline never
// has to know which caller produced the completion report.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/metrics"
	"github.com/buildforge/controlplane/internal/app/retrieval"
	"github.com/buildforge/controlplane/internal/app/system"
	"github.com/buildforge/controlplane/internal/app/worker"
	"github.com/buildforge/controlplane/pkg/logger"
)

// ticketEngine is the subset of ticketengine.Engine the loop depends on.
// Declared here, consumer-side, so this package never imports
// ticketengine directly and the two remain independently testable.
type ticketEngine interface {
	Claim(ctx context.Context, tenantID, workerID string) (ticket.Ticket, httpapi.ProjectSettings, bool, error)
	Heartbeat(ctx context.Context, ticketID, workerID string) (time.Time, error)
	Complete(ctx context.Context, ticketID, workerID string, report httpapi.CompletionReport) (ticket.Ticket, error)
	ReportStarted(ctx context.Context, ticketID string) (ticket.Ticket, error)
	Release(ctx context.Context, ticketID, workerID string) error
}

// workerIdentity is the fixed assignee id the loop claims and completes
// tickets under; it never holds a lease concurrently under two different
// identities, so a single shared constant is enough to satisfy the
// ticket engine's lease-ownership check.
const workerIdentity = "dispatch-loop"

// heartbeatFraction keeps a claimed ticket's lease alive by renewing it
// well before it would otherwise expire while a worker is running.
const heartbeatFraction = 4

// Loop is the ticker-driven internal dispatcher described by the
// concurrency model: it claims ready tickets up to a global and a
// per-session ceiling, and resolves each through the ticket engine.
type Loop struct {
	engine     ticketEngine
	dispatcher worker.Dispatcher
	analyzer   retrieval.Analyzer

	tickInterval  time.Duration
	globalLimit   int
	sessionLimit  int
	leaseDuration time.Duration

	log *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	countersMu    sync.Mutex
	globalActive  int
	sessionActive map[string]int

	resolvedMu sync.Mutex
	resolved   map[string]struct{}
}

var _ system.Service = (*Loop)(nil)

// New builds a dispatch loop. analyzer may be nil, in which case work
// units carry no retrieved repository context.
func New(engine ticketEngine, dispatcher worker.Dispatcher, analyzer retrieval.Analyzer, tickInterval time.Duration, globalLimit, sessionLimit int, leaseDuration time.Duration, log *logger.Logger) *Loop {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if globalLimit <= 0 {
		globalLimit = 20
	}
	if sessionLimit <= 0 {
		sessionLimit = 4
	}
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("dispatch-loop")
	}
	return &Loop{
		engine:        engine,
		dispatcher:    dispatcher,
		analyzer:      analyzer,
		tickInterval:  tickInterval,
		globalLimit:   globalLimit,
		sessionLimit:  sessionLimit,
		leaseDuration: leaseDuration,
		log:           log,
		sessionActive: make(map[string]int),
		resolved:      make(map[string]struct{}),
	}
}

func (l *Loop) Name() string { return "dispatch-loop" }

func (l *Loop) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "dispatch-loop", Domain: "tickets", Layer: core.LayerEngine}.
		WithCapabilities("claim", "dispatch", "concurrency-ceiling")
}

func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.tick(runCtx)
			}
		}
	}()

	l.log.WithField("tick_interval", l.tickInterval).Info("dispatch loop started")
	return nil
}

func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.log.Info("dispatch loop stopped")
	return nil
}

// maxClaimAttemptsPerTick bounds how many candidates a single tick will
// examine, so a session-limit cascade of releases cannot spin forever.
const maxClaimAttemptsPerTick = 64

func (l *Loop) tick(ctx context.Context) {
	for attempt := 0; attempt < maxClaimAttemptsPerTick; attempt++ {
		l.countersMu.Lock()
		full := l.globalActive >= l.globalLimit
		l.countersMu.Unlock()
		if full {
			return
		}

		t, settings, ok, err := l.engine.Claim(ctx, "", workerIdentity)
		if err != nil {
			l.log.WithError(err).Warn("dispatch claim failed")
			return
		}
		if !ok {
			return
		}

		l.countersMu.Lock()
		if l.sessionActive[t.SessionID] >= l.sessionLimit {
			l.countersMu.Unlock()
			if rerr := l.engine.Release(ctx, t.ID, workerIdentity); rerr != nil {
				l.log.WithError(rerr).WithField("ticket_id", t.ID).Warn("failed to release over-limit claim")
			}
			continue
		}
		l.sessionActive[t.SessionID]++
		l.globalActive++
		metrics.SetDispatchActive("global", l.globalActive)
		metrics.SetDispatchActive(t.SessionID, l.sessionActive[t.SessionID])
		l.countersMu.Unlock()

		l.wg.Add(1)
		go func(t ticket.Ticket, settings httpapi.ProjectSettings) {
			defer l.wg.Done()
			defer l.finish(t.SessionID)
			l.run(ctx, t, settings)
		}(t, settings)
	}
}

func (l *Loop) finish(sessionID string) {
	l.countersMu.Lock()
	defer l.countersMu.Unlock()
	l.globalActive--
	if l.globalActive < 0 {
		l.globalActive = 0
	}
	l.sessionActive[sessionID]--
	if l.sessionActive[sessionID] <= 0 {
		delete(l.sessionActive, sessionID)
	}
	metrics.SetDispatchActive("global", l.globalActive)
	metrics.SetDispatchActive(sessionID, l.sessionActive[sessionID])
}

// run carries a single claimed ticket through a worker dispatch and back
// into the ticket engine's resolve pipeline.
func (l *Loop) run(ctx context.Context, t ticket.Ticket, settings httpapi.ProjectSettings) {
	key := idempotenceKey(t)
	if l.alreadyResolved(key) {
		l.log.WithField("ticket_id", t.ID).Warn("skipping already-resolved dispatch attempt")
		return
	}

	if _, err := l.engine.ReportStarted(ctx, t.ID); err != nil {
		l.log.WithError(err).WithField("ticket_id", t.ID).Debug("report-started transition skipped")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	l.wg.Add(1)
	go l.renewHeartbeat(hbCtx, t.ID)

	unit := l.buildWorkUnit(ctx, t, settings)
	start := time.Now()
	result, err := l.dispatcher.Dispatch(ctx, unit)
	stopHeartbeat()
	metrics.RecordDispatchRun(err == nil && result.Success, time.Since(start))

	report := reportFromResult(result, err)
	if _, cerr := l.engine.Complete(ctx, t.ID, workerIdentity, report); cerr != nil {
		l.log.WithError(cerr).WithField("ticket_id", t.ID).Warn("completion report failed")
		return
	}
	l.markResolved(key)
}

func (l *Loop) renewHeartbeat(ctx context.Context, ticketID string) {
	defer l.wg.Done()
	interval := l.leaseDuration / heartbeatFraction
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.engine.Heartbeat(ctx, ticketID, workerIdentity); err != nil {
				l.log.WithError(err).WithField("ticket_id", ticketID).Warn("heartbeat renewal failed")
				return
			}
		}
	}
}

// reportFromResult converts a worker's result (or dispatch error) into
// the completion report shape the ticket engine expects, the same shape
// an HTTP worker would have submitted by hand.
func reportFromResult(result worker.Result, err error) httpapi.CompletionReport {
	if err != nil {
		return httpapi.CompletionReport{Success: false, Error: err.Error()}
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("worker reported failure (%s)", result.FailureKind)
		}
		return httpapi.CompletionReport{Success: false, Error: msg}
	}
	files := make([]string, 0, len(result.Files))
	for _, f := range result.Files {
		files = append(files, f.Path)
	}
	return httpapi.CompletionReport{Success: true, Files: files}
}

func (l *Loop) alreadyResolved(key string) bool {
	l.resolvedMu.Lock()
	defer l.resolvedMu.Unlock()
	_, seen := l.resolved[key]
	return seen
}

func (l *Loop) markResolved(key string) {
	l.resolvedMu.Lock()
	defer l.resolvedMu.Unlock()
	l.resolved[key] = struct{}{}
}

func idempotenceKey(t ticket.Ticket) string {
	return fmt.Sprintf("%s:%d:%s", t.ID, t.RetryCount, t.TraceID)
}
