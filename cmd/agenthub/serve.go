package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/adapter"
	"github.com/coswise/claude-code-by-agents/internal/api"
	"github.com/coswise/claude-code-by-agents/internal/config"
	"github.com/coswise/claude-code-by-agents/internal/exec"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/internal/registry"
	"github.com/coswise/claude-code-by-agents/internal/roster"
	"github.com/coswise/claude-code-by-agents/internal/router"
	"github.com/coswise/claude-code-by-agents/internal/server"
	"github.com/coswise/claude-code-by-agents/internal/session"
	"github.com/coswise/claude-code-by-agents/internal/state"
	"github.com/coswise/claude-code-by-agents/internal/tracing"
)

var (
	serveAddr   string
	serveRoster string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub HTTP server",
	Long: `Start the hub and serve the chat, abort and plan endpoints.

The agent roster is read from roster.path (or --roster) and reloaded when the
file changes. Requests may also carry their own roster in availableAgents.
The orchestrator is only available when an Anthropic API key or Bedrock
credentials are configured.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.host:server.port)")
	serveCmd.Flags().StringVar(&serveRoster, "roster", "", "Agent roster file (overrides roster.path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveRoster != "" {
		cfg.Roster.Path = serveRoster
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	rosters, err := roster.NewStore(cfg.Roster.Path, logger)
	if err != nil {
		return err
	}
	if cfg.Roster.Path != "" && cfg.Roster.Watch {
		if err := rosters.Watch(ctx); err != nil {
			logger.Warn("roster hot reload disabled", "error", err)
		}
	}

	if info, err := exec.ProbeClaude(ctx, exec.NewRunner(), cfg.Claude.Path); err != nil {
		logger.Warn("claude CLI unavailable, local agents will fail", "error", err)
	} else {
		logger.Info("claude CLI found", "path", info.Path, "version", info.Version)
	}

	m := metrics.New()
	reg := registry.New()
	deps := adapter.Deps{Registry: reg, Metrics: m, Logger: logger}

	adapters := router.Adapters{
		Local: adapter.NewLocal(deps, cfg.Claude.Path),
		Relay: adapter.NewRelay(deps, adapter.WithReadTimeout(cfg.Relay.ReadTimeout)),
	}
	if planner, err := newPlanner(cfg); err != nil {
		logger.Warn("orchestrator disabled", "error", err)
	} else {
		adapters.Workflow = adapter.NewWorkflow(deps, planner)
	}

	dispatcher := router.New(adapters,
		router.WithOrchestratorDir(cfg.Router.OrchestratorDir),
		router.WithRoster(rosters.Roster),
		router.WithMetrics(m),
		router.WithLogger(logger),
	)

	srvDeps := server.Deps{
		Dispatcher: dispatcher,
		Registry:   reg,
		Roster:     rosters.Roster,
		Sessions:   session.NewStore(),
		Metrics:    m,
		Logger:     logger,
	}
	if cfg.State.Enabled {
		db, err := openLedger(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		srvDeps.Plans = db
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr()
	}
	srv := server.New(server.Config{
		Addr:            addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxParallel:     cfg.Scheduler.MaxParallel,
	}, srvDeps)

	logger.Info("agenthub starting",
		"version", Version(),
		"addr", addr,
		"agents", len(rosters.Roster()),
		"orchestrator", adapters.Workflow != nil)

	return srv.ListenAndServe(ctx)
}

// newPlanner creates the Anthropic client used by the orchestrator.
func newPlanner(cfg *config.Config) (*api.Client, error) {
	clientCfg := api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		MaxTokens:     cfg.Anthropic.MaxTokens,
		BaseURL:       cfg.Anthropic.BaseURL,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}
	if !cfg.Anthropic.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		clientCfg.APIKey = key
	}
	return api.NewClient(clientCfg)
}

// openLedger opens the plan ledger and drops runs past the retention window.
func openLedger(cfg *config.Config, logger *slog.Logger) (*state.DB, error) {
	path := cfg.State.DBPath
	if path == "" {
		path = state.DefaultDBPath()
	}
	db, err := state.OpenAndMigrate(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan ledger: %w", err)
	}

	if cfg.State.Retention > 0 {
		n, err := db.PurgeOldPlans(cfg.State.Retention)
		if err != nil {
			logger.Warn("purging old plan runs failed", "error", err)
		} else if n > 0 {
			logger.Info("purged old plan runs", "count", n)
		}
	}
	logger.Debug("plan ledger open", "path", db.Path())
	return db, nil
}
