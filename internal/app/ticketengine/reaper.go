package ticketengine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/metrics"
	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/internal/app/system"
	"github.com/buildforge/controlplane/pkg/logger"
)

// DefaultReaperSchedule runs the reaper every fifteen seconds.
const DefaultReaperSchedule = "@every 15s"

// Reaper is a lifecycle-managed background job that reclaims expired
// leases and promotes backed-off changes_requested tickets back to
// ready once their retry_after has elapsed.
type Reaper struct {
	engine   *Engine
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

var _ system.Service = (*Reaper)(nil)

// NewReaper builds a reaper ticking on schedule (a robfig/cron
// expression; "" uses DefaultReaperSchedule).
func NewReaper(e *Engine, schedule string, log *logger.Logger) *Reaper {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	if log == nil {
		log = logger.NewDefault("ticket-reaper")
	}
	return &Reaper{engine: e, schedule: schedule, log: log}
}

func (r *Reaper) Name() string { return "ticket-reaper" }

func (r *Reaper) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "ticket-reaper", Domain: "tickets", Layer: core.LayerEngine}.
		WithCapabilities("lease-reap", "retry-promotion")
}

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(r.schedule, func() { r.tick(ctx) })
	if err != nil {
		return err
	}
	r.cron = c
	r.entryID = id
	c.Start()
	r.log.WithField("schedule", r.schedule).Info("ticket reaper started")
	return nil
}

func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("ticket reaper stopped")
	return nil
}

func (r *Reaper) tick(ctx context.Context) {
	now := time.Now().UTC()
	reaped, err := r.engine.tickets.ReapExpiredLeases(ctx, now, backoffDuration)
	if err != nil {
		r.log.WithError(err).Warn("reap expired leases failed")
	}
	for _, t := range reaped {
		r.engine.bus.Publish(event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeLeaseExpired, Payload: map[string]any{"retry_count": t.RetryCount}})
		metrics.RecordLeaseExpiration()
		metrics.RecordTransition(string(t.State), "lease_expired")
	}

	if err := r.promoteRetries(ctx, now); err != nil {
		r.log.WithError(err).Warn("promote retries failed")
	}
}

// promoteRetries scans changes_requested tickets whose backoff has
// elapsed and returns them to ready so ClaimNext can pick them up again.
func (r *Reaper) promoteRetries(ctx context.Context, now time.Time) error {
	state := ticket.StateChangesRequested
	candidates, err := r.engine.tickets.ListTickets(ctx, storage.TicketFilter{State: &state, Limit: core.MaxListLimit})
	if err != nil {
		return err
	}
	for _, t := range candidates {
		if t.RetryAfter == nil || t.RetryAfter.After(now) {
			continue
		}
		ev := event.Event{TicketID: t.ID, SessionID: t.SessionID, Type: event.TypeTicketActivity, Payload: map[string]any{"reason": "retry_promoted"}}
		_, derived, terr := r.engine.tickets.Transition(ctx, t.ID, []ticket.State{ticket.StateChangesRequested}, func(tk *ticket.Ticket) error {
			tk.State = ticket.StateReady
			tk.RetryAfter = nil
			return nil
		}, ev)
		if terr != nil {
			r.log.WithError(terr).WithField("ticket_id", t.ID).Warn("retry promotion transition failed")
			continue
		}
		r.engine.bus.Publish(ev)
		r.engine.publishDerived(derived)
	}
	return nil
}
