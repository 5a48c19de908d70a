// Package sessionengine drives the HITL dialogue state machine: session
// CRUD, clarification turns, spec generation, approval, and the
// start-build action that hands an approved spec to the ticket engine.
package sessionengine

import (
	"context"
	"strings"

	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/modeladapter"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/retrieval"
	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/pkg/logger"
)

// Engine implements httpapi.SessionEngine.
type Engine struct {
	sessions  storage.SessionStore
	tickets   storage.TicketStore
	approvals storage.ApprovalStore
	bus       *realtime.Bus
	adapter   modeladapter.Adapter
	analyzer  retrieval.Analyzer
	retry     core.RetryPolicy
	log       *logger.Logger
	locks     *lockTable
}

// New builds a session engine. analyzer may be nil when no retrieval
// collaborator is configured, in which case build-feature sessions skip
// repository-analysis injection.
func New(
	sessions storage.SessionStore,
	tickets storage.TicketStore,
	approvals storage.ApprovalStore,
	bus *realtime.Bus,
	adapter modeladapter.Adapter,
	analyzer retrieval.Analyzer,
	retry core.RetryPolicy,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.NewDefault("sessionengine")
	}
	return &Engine{
		sessions:  sessions,
		tickets:   tickets,
		approvals: approvals,
		bus:       bus,
		adapter:   adapter,
		analyzer:  analyzer,
		retry:     retry,
		log:       log,
		locks:     newLockTable(),
	}
}

// Descriptor advertises this engine's placement and capabilities.
func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "sessionengine",
		Domain:       "session",
		Layer:        core.LayerEngine,
		Capabilities: []string{"dialogue", "spec-generation", "ticket-generation"},
	}
}

var _ httpapi.SessionEngine = (*Engine)(nil)

func normalizeProjectType(pt session.ProjectType) session.ProjectType {
	switch pt {
	case session.ProjectTypeBuildFeature, session.ProjectTypeMCPServer:
		return pt
	default:
		return session.ProjectTypeNewApplication
	}
}

// ensureRepoSnapshot lazily resolves and caches the repository-analysis
// snapshot for build-feature sessions the first time it is needed,
// tolerating analyzer failures as non-fatal enrichment.
func (e *Engine) ensureRepoSnapshot(ctx context.Context, sess *session.Session) {
	if sess.ProjectType != session.ProjectTypeBuildFeature {
		return
	}
	if sess.RepoAnalysisSnapshot != nil || e.analyzer == nil {
		return
	}
	if sess.ProjectID == nil || strings.TrimSpace(*sess.ProjectID) == "" {
		return
	}
	snap, err := e.analyzer.Analyze(ctx, *sess.ProjectID)
	if err != nil {
		e.log.WithError(err).WithField("session_id", sess.ID).Warn("repository analysis unavailable")
		return
	}
	sess.RepoAnalysisSnapshot = snapshotToMap(snap)
}
