package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/kvadmin/pkg/admin"
	"github.com/txn2/kvadmin/pkg/audit"
	auditpg "github.com/txn2/kvadmin/pkg/audit/postgres"
	"github.com/txn2/kvadmin/pkg/auth"
	"github.com/txn2/kvadmin/pkg/database/migrate"
	"github.com/txn2/kvadmin/pkg/health"
	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/kvstore/redis"
	"github.com/txn2/kvadmin/pkg/metrics"
	"github.com/txn2/kvadmin/pkg/registry"
	"github.com/txn2/kvadmin/pkg/scan"
	scanpg "github.com/txn2/kvadmin/pkg/scan/postgres"
	"github.com/txn2/kvadmin/pkg/session"
	sessionpg "github.com/txn2/kvadmin/pkg/session/postgres"
	"github.com/txn2/kvadmin/pkg/telemetry"
)

// runMigrations is swapped in tests that hand the platform a mock DB.
var runMigrations = migrate.Run

// Platform is the console's composition root.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle

	db     *sql.DB
	ownsDB bool

	sessions  session.Store
	registry  *registry.Registry
	scanTable scan.Table
	scans     *scan.Orchestrator
	engine    *metrics.Engine
	audit     audit.Logger
	telemetry *telemetry.Collector
	health    *health.Checker

	handler http.Handler
}

// New validates the configuration and builds every component. Nothing runs
// in the background until Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
	}
	if err := p.initializeComponents(options); err != nil {
		p.closeDB()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	if p.config.Telemetry.Enabled {
		p.telemetry = telemetry.New(p.config.Telemetry.Namespace)
	}
	if err := p.initRegistry(opts); err != nil {
		return err
	}
	if err := p.initScans(opts); err != nil {
		return err
	}
	if err := p.initAudit(opts); err != nil {
		return err
	}
	if !p.config.Metrics.Disabled {
		p.engine = metrics.NewEngine(metrics.WithThresholds(p.config.Metrics.thresholds()))
		p.registry.OnPurge(p.engine.Forget)
	}
	p.initHealth()
	p.buildHandler()
	p.registerLifecycle()
	return nil
}

// needsDatabase reports whether any configured backend is postgres.
func (p *Platform) needsDatabase(opts *Options) bool {
	c := p.config
	return (opts.SessionStore == nil && c.Sessions.Store == BackendPostgres) ||
		(opts.ScanTable == nil && c.Scan.Table == BackendPostgres) ||
		(opts.AuditLogger == nil && c.Audit.Enabled && c.Audit.Store == BackendPostgres)
}

// initDatabase opens the database when a postgres backend needs one and
// applies the schema migrations.
func (p *Platform) initDatabase(opts *Options) error {
	p.db = opts.DB
	if p.db == nil {
		if !p.needsDatabase(opts) {
			return nil
		}
		db, err := sql.Open("postgres", p.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		if p.config.Database.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(p.config.Database.ConnMaxLifetime)
		}
		p.db = db
		p.ownsDB = true
	}

	if err := runMigrations(p.db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

func (p *Platform) initRegistry(opts *Options) error {
	switch {
	case opts.SessionStore != nil:
		p.sessions = opts.SessionStore
	case p.config.Sessions.Store == BackendPostgres:
		p.sessions = sessionpg.New(p.db)
	default:
		p.sessions = session.NewMemoryStore()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = redis.NewDialer(p.config.Connections.DialTimeout, p.config.Connections.PoolSize)
	}

	var regOpts []registry.Option
	if p.telemetry != nil {
		regOpts = append(regOpts, registry.WithObserver(p.telemetry))
	}
	p.registry = registry.New(p.sessions, dialer, regOpts...)
	if p.telemetry != nil {
		p.telemetry.WatchRegistry(p.config.Telemetry.Namespace, p.registry)
	}
	return nil
}

func (p *Platform) initScans(opts *Options) error {
	switch {
	case opts.ScanTable != nil:
		p.scanTable = opts.ScanTable
	case p.config.Scan.Table == BackendPostgres:
		p.scanTable = scanpg.New(p.db)
	default:
		p.scanTable = scan.NewMemoryTable()
	}

	var scanOpts []scan.Option
	if p.telemetry != nil {
		scanOpts = append(scanOpts, scan.WithObserver(p.telemetry))
	}
	p.scans = scan.New(p.scanTable, scan.Config{
		BatchSize:   p.config.Scan.BatchSize,
		Concurrency: p.config.Scan.Concurrency,
		RateLimit:   p.config.Scan.RateLimit,
		ResultTTL:   p.config.Scan.ResultTTL,
	}, scanOpts...)
	return nil
}

func (p *Platform) initAudit(opts *Options) error {
	switch {
	case opts.AuditLogger != nil:
		p.audit = opts.AuditLogger
	case !p.config.Audit.Enabled:
		p.audit = audit.NoopLogger{}
	case p.config.Audit.Store == BackendPostgres:
		p.audit = auditpg.New(p.db, auditpg.Config{RetentionDays: p.config.Audit.RetentionDays})
	default:
		p.audit = audit.NewMemoryLogger(p.config.Audit.MemoryCapacity)
	}
	return nil
}

func (p *Platform) initHealth() {
	p.health.AddProbe("sessions", func(ctx context.Context) (any, error) {
		return p.registry.Stats(ctx)
	})
	if db := p.db; db != nil {
		p.health.AddProbe("database", func(ctx context.Context) (any, error) {
			return nil, db.PingContext(ctx)
		})
	}
}

func (p *Platform) buildHandler() {
	deps := admin.Deps{
		Profiles:    kvstore.NewProfileSet(p.config.Profiles),
		Connections: p.registry,
		Scans:       p.scans,
		Audit:       p.audit,
		Session: session.MiddlewareConfig{
			CookieName: p.config.Sessions.CookieName,
			MaxAge:     p.config.Sessions.CookieMaxAge,
			Secure:     p.config.Sessions.SecureCookie,
		},
		StreamTimeout: p.config.Scan.StreamTimeout,
	}
	if p.engine != nil {
		deps.Metrics = p.engine
	}
	if p.telemetry != nil {
		deps.Instrument = p.telemetry.InstrumentRoute
	}

	var api http.Handler = admin.NewHandler(deps)
	if keys := p.config.Server.APIKeys; len(keys) > 0 {
		api = auth.Middleware(auth.NewAPIKeyAuthenticator(keys))(api)
	}

	mux := http.NewServeMux()
	mux.Handle(admin.APIPrefix+"/", api)
	mux.Handle("GET /healthz", p.health.LivenessHandler())
	mux.Handle("GET /readyz", p.health.ReadinessHandler())
	if p.telemetry != nil {
		mux.Handle("GET "+p.config.Telemetry.Path, p.telemetry.Handler())
	}
	p.handler = mux
}

// cleaner is a backend with a periodic expiry routine.
type cleaner interface {
	StartCleanupRoutine(interval time.Duration)
}

// registerLifecycle orders the components so that Stop drains readiness
// first and closes the database last.
func (p *Platform) registerLifecycle() {
	p.lifecycle.OnStop("database", func(context.Context) error {
		p.closeDB()
		return nil
	})
	p.lifecycle.RegisterCloser("session store", p.sessions)
	p.lifecycle.Register("scan table",
		p.startCleanup(p.scanTable, p.config.Scan.CleanupInterval),
		func(context.Context) error { return p.scanTable.Close() })
	p.lifecycle.Register("audit",
		p.startCleanup(p.audit, p.config.Audit.CleanupInterval),
		func(context.Context) error { return p.audit.Close() })
	p.lifecycle.Register("registry",
		func(context.Context) error {
			p.registry.StartSweepRoutine(p.config.Sessions.SweepInterval, p.config.Sessions.IdleTimeout)
			return nil
		},
		func(context.Context) error { return p.registry.Close() })
	p.lifecycle.RegisterCloser("scans", p.scans)
	p.lifecycle.Register("health",
		func(context.Context) error {
			p.health.SetReady()
			return nil
		},
		func(context.Context) error {
			p.health.SetDraining()
			return nil
		})
}

// startCleanup returns a start callback for backends that expire rows
// themselves. Memory backends have nothing to start.
func (*Platform) startCleanup(backend any, interval time.Duration) func(context.Context) error {
	c, ok := backend.(cleaner)
	if !ok {
		return nil
	}
	return func(context.Context) error {
		c.StartCleanupRoutine(interval)
		return nil
	}
}

func (p *Platform) closeDB() {
	if p.db == nil || !p.ownsDB {
		return
	}
	if err := p.db.Close(); err != nil {
		slog.Warn("platform: closing database", "error", err)
	}
}

// Start starts background routines and marks the platform ready.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop drains readiness, stops running scans, and closes every connection
// and backend.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Handler returns the HTTP handler serving the API, health and telemetry
// endpoints.
func (p *Platform) Handler() http.Handler {
	return p.handler
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Registry returns the session registry.
func (p *Platform) Registry() *registry.Registry {
	return p.registry
}

// Scans returns the scan orchestrator.
func (p *Platform) Scans() *scan.Orchestrator {
	return p.scans
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}
