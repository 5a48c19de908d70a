// Package runtime assembles every control plane collaborator into one
// Application: storage, the session and ticket engines, the background
// reaper and dispatch loop, the real-time hub, and the HTTP service. It
// is the composition root the cmd/controlplaned binary drives; nothing
// else in the module imports runtime.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/buildforge/controlplane/internal/app/auth"
	core "github.com/buildforge/controlplane/internal/app/core/service"
	"github.com/buildforge/controlplane/internal/app/critic"
	"github.com/buildforge/controlplane/internal/app/deploy"
	"github.com/buildforge/controlplane/internal/app/dispatch"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/modeladapter"
	"github.com/buildforge/controlplane/internal/app/realtime"
	"github.com/buildforge/controlplane/internal/app/repohost"
	"github.com/buildforge/controlplane/internal/app/retrieval"
	"github.com/buildforge/controlplane/internal/app/sessionengine"
	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/internal/app/storage/postgres"
	"github.com/buildforge/controlplane/internal/app/storage/sqlite"
	"github.com/buildforge/controlplane/internal/app/system"
	"github.com/buildforge/controlplane/internal/app/ticketengine"
	"github.com/buildforge/controlplane/internal/app/worker"
	"github.com/buildforge/controlplane/internal/config"
	"github.com/buildforge/controlplane/internal/platform/database"
	pgmigrations "github.com/buildforge/controlplane/internal/platform/migrations/postgres"
	litemigrations "github.com/buildforge/controlplane/internal/platform/migrations/sqlite"
	"github.com/buildforge/controlplane/pkg/logger"
)

// httpRequestTimeout bounds how long a single HTTP handler may run
// before the timeout middleware aborts it.
const httpRequestTimeout = 30 * time.Second

// Application owns every long-lived collaborator plus the system.Manager
// that starts and stops them, in registration order, on Start/Stop.
type Application struct {
	cfg *config.Config
	log *logger.Logger
	db  *sql.DB

	manager *system.Manager

	Sessions *sessionengine.Engine
	Tickets  *ticketengine.Engine
	Reaper   *ticketengine.Reaper
	Dispatch *dispatch.Loop
	Bus      *realtime.Bus
	Hub      *realtime.Hub
	HTTP     *httpapi.Service
}

// New wires every collaborator from cfg and registers the resulting
// background services with a system.Manager. It opens the configured
// database and applies its embedded migrations, but starts nothing; call
// Start to bring the application up.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("controlplane")
	}

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus := realtime.NewBus()
	authMgr := auth.NewManager(cfg.JWTSigningKey, staticPrincipals(cfg.APITokens), nil)

	adapter := buildModelAdapter(cfg)
	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	criticCollab, err := buildCritic(cfg)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	host := buildRepoHost(cfg)
	deployer, err := buildDeployer(cfg)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	dispatcher, err := worker.NewFileDispatcher(cfg.WorkerInboxDir, cfg.WorkerOutboxDir)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("build worker dispatcher: %w", err)
	}

	sessions := sessionengine.New(store, store, store, bus, adapter, analyzer, core.DefaultRetryPolicy, log)
	tickets := ticketengine.New(store, bus, criticCollab, host, deployer, cfg.TicketLeaseDuration, cfg.TicketRetryCeiling, log)
	reaper := ticketengine.NewReaper(tickets, reaperSchedule(cfg.ReaperInterval), log)
	dispatchLoop := dispatch.New(tickets, dispatcher, analyzer, cfg.DispatchTickInterval, cfg.DispatchGlobalLimit, cfg.DispatchSessionLimit, cfg.TicketLeaseDuration, log)

	hub := realtime.NewHub(bus, log.WithField("component", "realtime-hub"), httpapi.RoomAuthorizer(sessions, tickets), authMgr)

	httpOpts := httpapi.Options{
		Validator:         authMgr,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		RequestTimeout:    httpRequestTimeout,
	}
	httpService := httpapi.NewService(cfg.ListenAddr, sessions, tickets, authMgr, cfg.JWTExpiry, hub, log.WithField("component", "httpapi"), httpOpts)

	manager := system.NewManager()
	for _, svc := range []system.Service{reaper, dispatchLoop, httpService} {
		if err := manager.Register(svc); err != nil {
			closeDB(db)
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		cfg:      cfg,
		log:      log,
		db:       db,
		manager:  manager,
		Sessions: sessions,
		Tickets:  tickets,
		Reaper:   reaper,
		Dispatch: dispatchLoop,
		Bus:      bus,
		Hub:      hub,
		HTTP:     httpService,
	}, nil
}

// Start brings up every registered background service in registration
// order (reaper, dispatch loop, HTTP listener).
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	a.log.WithField("addr", a.HTTP.Addr()).Info("control plane started")
	return nil
}

// Stop tears down every registered service in reverse registration order
// and closes the database connection, if one is open.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("stop services: %w", err)
	}
	a.log.Info("control plane stopped")
	return nil
}

// openStore opens the database configured by cfg, applies its embedded
// migrations, and wraps it as a storage.Store for the configured dialect.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *sql.DB, error) {
	var driver database.Driver
	switch cfg.DBDriver {
	case "postgres":
		driver = database.DriverPostgres
	case "sqlite":
		driver = database.DriverSQLite
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}

	db, err := database.Open(ctx, driver, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case database.DriverPostgres:
		if err := pgmigrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		return postgres.New(db), db, nil
	default:
		if err := litemigrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply sqlite migrations: %w", err)
		}
		return sqlite.New(db), db, nil
	}
}

func closeDB(db *sql.DB) {
	if db != nil {
		db.Close()
	}
}

// staticPrincipals resolves each configured API token to a service
// principal. Tokens granted this way authenticate as a fixed "service"
// role; operators who need per-token tenancy issue JWTs instead.
func staticPrincipals(tokens []string) map[string]auth.Principal {
	out := make(map[string]auth.Principal, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		out[tok] = auth.Principal{Subject: "service", TenantID: "", Role: "service"}
	}
	return out
}

// buildModelAdapter returns an HTTP-backed adapter when ModelAdapterURL
// is configured, and a scripted Mock otherwise so clarification sessions
// remain usable in zero-config development mode.
func buildModelAdapter(cfg *config.Config) modeladapter.Adapter {
	if strings.TrimSpace(cfg.ModelAdapterURL) == "" {
		return &modeladapter.Mock{}
	}
	adapter, err := modeladapter.NewHTTPAdapter(nil, cfg.ModelAdapterURL, cfg.ModelAdapterKey, cfg.ModelAdapterTimeout)
	if err != nil {
		return &modeladapter.Mock{}
	}
	return adapter
}

// buildAnalyzer returns nil (no retrieval augmentation) when
// RetrievalURL is unset, matching sessionengine/dispatch's documented
// tolerance for a nil Analyzer.
func buildAnalyzer(cfg *config.Config) (retrieval.Analyzer, error) {
	if strings.TrimSpace(cfg.RetrievalURL) == "" {
		return nil, nil
	}
	return retrieval.NewHTTPAnalyzer(nil, cfg.RetrievalURL)
}

// buildCritic returns nil (auto-approve) when CriticURL is unset,
// matching ticketengine.New's documented nil-critic behavior.
func buildCritic(cfg *config.Config) (critic.Critic, error) {
	if strings.TrimSpace(cfg.CriticURL) == "" {
		return nil, nil
	}
	return critic.NewHTTPCritic(nil, cfg.CriticURL, cfg.CriticKey, cfg.CriticTimeout)
}

// buildRepoHost returns nil (worker must self-report pr_url) when no
// GitHub token is configured.
func buildRepoHost(cfg *config.Config) repohost.Host {
	if strings.TrimSpace(cfg.GitHubToken) == "" {
		return nil
	}
	return repohost.NewGitHubHost(cfg.GitHubToken)
}

// buildDeployer returns nil (leave approved tickets in_review awaiting
// an out-of-band deploy signal) when no deploy command is configured.
func buildDeployer(cfg *config.Config) (deploy.Executor, error) {
	if strings.TrimSpace(cfg.DeployURL) == "" {
		return nil, nil
	}
	return deploy.NewShellExecutor(cfg.DeployURL, cfg.DeployKey), nil
}

func reaperSchedule(interval time.Duration) string {
	if interval <= 0 {
		return ticketengine.DefaultReaperSchedule
	}
	return fmt.Sprintf("@every %s", interval)
}

