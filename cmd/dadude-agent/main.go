// Package main is the entry point for the dadude-agent binary.
// It wires the scanner, the RPC executor and the connection manager
// together and keeps the agent connected to its server.
//
// Startup sequence:
//  1. Load DADUDE_* environment configuration
//  2. Build logger
//  3. Probe scan tool availability (nmap, ping, snmpget)
//  4. Build executor (request queue + device drivers)
//  5. Build connection manager (WebSocket dial loop + persisted state)
//  6. Start executor workers and the connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/agent/connection"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/executor"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/netdev"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/scan"
	"github.com/grandir66/dadude2.0-sub000/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dadude-agent",
		Short: "dadude agent — on-site probe for network discovery and device backups",
		Long: `dadude-agent runs inside a customer network. It dials out to the
dadude server over a single WebSocket, receives scan, backup and command
requests, and executes them against the local network.

All configuration comes from DADUDE_* environment variables. On first
contact set DADUDE_ENROLL_TOKEN; after approval the agent persists its
identity and token under the state directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dadude-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadAgent(ctx)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting dadude agent",
		zap.String("version", version),
		zap.String("server", cfg.ServerURL),
		zap.String("state_dir", cfg.StateDir),
		zap.String("kind", cfg.Kind),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Scan capability depends on which tools are on PATH; whatever is
	// missing just narrows what the agent advertises in its hello.
	scanner := scan.New(cfg.NmapPath, cfg.PingPath, cfg.SNMPGetPath, logger)
	capabilities := scanner.Capabilities()
	logger.Info("scan tools probed", zap.Strings("capabilities", capabilities))

	exec := executor.New(scanner, netdev.Dial, version, logger)

	mgr, err := connection.New(cfg, exec, capabilities, version, logger)
	if err != nil {
		return err
	}

	// The executor workers and the connection loop run concurrently; the
	// manager is the executor's sink for progress, results and chunks.
	go exec.Run(ctx, mgr)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("dadude agent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
