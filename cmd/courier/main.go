// Package main provides the CLI entry point for the courier messaging
// gateway.
//
// Courier manages per-tenant WhatsApp channel sessions for outbound
// logistics notifications: pairing, send rate governance, offline mutation
// sync, and an optional AI auto-responder.
//
// # Basic Usage
//
// Start the server:
//
//	courier serve --config courier.yaml
//
// # Environment Variables
//
//   - COURIER_CONFIG: Path to configuration file (default: courier.yaml)
//   - OPENAI_API_KEY: API key for the auto-responder
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/config"
	"github.com/cargoops/courier/internal/conflict"
	"github.com/cargoops/courier/internal/gateway"
	"github.com/cargoops/courier/internal/observability"
	"github.com/cargoops/courier/internal/ratelimit"
	"github.com/cargoops/courier/internal/responder"
	"github.com/cargoops/courier/internal/session"
	"github.com/cargoops/courier/internal/session/whatsapp"
	"github.com/cargoops/courier/internal/store"
	"github.com/cargoops/courier/internal/syncq"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "courier",
		Short:        "Courier - multi-tenant WhatsApp messaging gateway",
		Long:         "Courier manages per-tenant WhatsApp channel sessions: pairing,\nrate governance, offline mutation sync, and an AI auto-responder.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the courier gateway server",
		Long: `Start the courier gateway server.

The server will:
1. Load configuration from the specified file
2. Open the document store
3. Recover persisted channel sessions for configured tenants
4. Start the HTTP API with metrics and health endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("COURIER_CONFIG")
			}
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting courier gateway",
		"version", version, "commit", commit, "config", configPath)

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		st, err = store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to set up audit log: %w", err)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Warn("failed to close audit log", "error", err)
		}
	}()

	metrics := observability.NewMetrics(nil)

	governor := ratelimit.NewGovernor(st, auditLog, logger,
		ratelimit.WithDefaults(cfg.Limits),
		ratelimit.WithOverrides(cfg.Overrides),
	)
	sync := syncq.NewCoordinator(st, conflict.NewResolver(auditLog), auditLog, logger)

	managerOpts := []session.ManagerOption{
		session.WithGovernor(governor),
		session.WithMetrics(metrics),
	}
	if cfg.Responder.Enabled {
		managerOpts = append(managerOpts,
			session.WithResponder(responder.NewOpenAI(cfg.Responder, logger)))
	}
	dialer := whatsapp.NewDialer(cfg.WhatsApp, logger)
	sessions := session.NewManager(cfg.Session, dialer, st, auditLog, logger, managerOpts...)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := gateway.New(gateway.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Logger:   logger,
		Metrics:  metrics,
		Sessions: sessions,
		Governor: governor,
		Sync:     sync,
	})
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// Reconnect tenants that were connected before the last shutdown.
	if len(cfg.Tenants) > 0 {
		go sessions.Restore(ctx, cfg.Tenants)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown error", "error", err)
	}
	if err := sessions.Close(); err != nil {
		logger.Warn("session manager shutdown error", "error", err)
	}

	logger.Info("courier gateway stopped")
	return nil
}
