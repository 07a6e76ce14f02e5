// Package main provides the entry point for the kvadmin console server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/txn2/kvadmin/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address, overrides server.address")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Println(server.VersionString())
		return nil
	}
	if opts.configPath == "" {
		return fmt.Errorf("-config is required")
	}

	p, err := server.NewWithConfig(opts.configPath)
	if err != nil {
		return err
	}

	cfg := p.Config()
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	slog.SetDefault(logger)

	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, p, ln)
}
