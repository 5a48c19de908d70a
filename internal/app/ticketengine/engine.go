// Package ticketengine owns ticket CRUD, the lease-based claim protocol,
// and the retry/feedback loop that drives a claimed ticket through critic
// review, pull-request creation, and deploy to a terminal state. Both the
// HTTP worker-facing endpoints and the internal dispatch loop resolve
// through the same Engine methods, so a pull-based external worker and an
// in-process dispatcher are indistinguishable to the ticket state machine.
package ticketengine

import (
	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/critic"
	"github.com/buildforge/controlplane/internal/app/deploy"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/repohost"
	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/pkg/logger"

	"time"
)

// Engine implements httpapi.TicketEngine.
type Engine struct {
	tickets storage.TicketStore
	bus     *realtime.Bus

	critic   critic.Critic
	repohost repohost.Host
	deployer deploy.Executor

	leaseDuration time.Duration
	retryCeiling  int
	criticRetry   core.RetryPolicy

	log *logger.Logger
}

// New builds a ticket engine. critic, repohost, and deployer may be nil,
// in which case their respective stage of the resolve pipeline is
// skipped (critic nil auto-approves; repohost nil requires the worker to
// have reported its own pr_url; deployer nil leaves an approved ticket in
// in_review awaiting an out-of-band completion signal).
func New(
	tickets storage.TicketStore,
	bus *realtime.Bus,
	c critic.Critic,
	h repohost.Host,
	d deploy.Executor,
	leaseDuration time.Duration,
	retryCeiling int,
	log *logger.Logger,
) *Engine {
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Minute
	}
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	if log == nil {
		log = logger.NewDefault("ticketengine")
	}
	return &Engine{
		tickets:       tickets,
		bus:           bus,
		critic:        c,
		repohost:      h,
		deployer:      d,
		leaseDuration: leaseDuration,
		retryCeiling:  retryCeiling,
		criticRetry:   core.RetryPolicy{Attempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2},
		log:           log,
	}
}

var _ httpapi.TicketEngine = (*Engine)(nil)

// publishDerived publishes every event storage.TicketStore.Transition
// surfaced alongside the primary event it was given: a ticket:unblocked
// per newly-unblocked successor, and a session:update when the
// transitioned ticket's session just completed.
func (e *Engine) publishDerived(events []event.Event) {
	for _, ev := range events {
		e.bus.Publish(ev)
	}
}

// Descriptor advertises the engine's architectural placement.
func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   "ticketengine",
		Domain: "tickets",
		Layer:  core.LayerEngine,
	}.WithCapabilities("claim", "lease", "retry", "critic-gate", "deploy-gate")
}
