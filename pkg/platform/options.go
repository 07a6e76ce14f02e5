package platform

import (
	"database/sql"

	"github.com/txn2/kvadmin/pkg/audit"
	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/scan"
	"github.com/txn2/kvadmin/pkg/session"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// DB is the PostgreSQL handle used by the postgres backends. When nil
	// and a postgres backend is selected, one is opened from database.dsn.
	DB *sql.DB

	// Dialer opens store connections. Defaults to the redis dialer.
	Dialer kvstore.Dialer

	// SessionStore overrides sessions.store.
	SessionStore session.Store

	// ScanTable overrides scan.table.
	ScanTable scan.Table

	// AuditLogger overrides audit.store.
	AuditLogger audit.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithDialer sets the store dialer.
func WithDialer(d kvstore.Dialer) Option {
	return func(o *Options) {
		o.Dialer = d
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) {
		o.SessionStore = store
	}
}

// WithScanTable sets the job status table.
func WithScanTable(t scan.Table) Option {
	return func(o *Options) {
		o.ScanTable = t
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}
