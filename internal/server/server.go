// Package server assembles the console's HTTP server and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/txn2/kvadmin/pkg/platform"
)

// Build metadata, set at link time with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// VersionString returns the human-readable build description.
func VersionString() string {
	return fmt.Sprintf("kvadmin %s (commit %s, built %s)", Version, Commit, Date)
}

// NewWithConfig loads the configuration at path and builds the platform.
func NewWithConfig(path string) (*platform.Platform, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating platform: %w", err)
	}
	return p, nil
}

// NewHTTPServer builds the http.Server for h. WriteTimeout stays zero so
// scan and monitor streams are not cut off; the base context is cancelled
// when Shutdown begins so those streams end instead of holding it open.
func NewHTTPServer(cfg platform.ServerConfig, h http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return base
		},
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

// Run starts the platform, serves on ln until ctx is done, then drains and
// stops everything within the configured shutdown timeout.
func Run(ctx context.Context, p *platform.Platform, ln net.Listener) error {
	cfg := p.Config().Server
	srv := NewHTTPServer(cfg, p.Handler())

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			err = srv.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		serveErr <- err
	}()
	slog.Info("server: listening", "address", ln.Addr().String(), "version", Version, "tls", cfg.TLS.Enabled)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serving: %w", err)
		}
	}

	slog.Info("server: shutting down")
	p.Health().SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutting down http server: %w", err))
	}
	if err := p.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stopping platform: %w", err))
	}
	return runErr
}
