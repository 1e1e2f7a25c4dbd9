package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/config"
	"github.com/coswise/claude-code-by-agents/internal/logging"
)

var (
	configPath string
	logLevel   string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "agenthub",
	Short: "Hub for independent Claude Code agents",
	Long: `agenthub lets you converse with several independent agents, each bound to
its own working directory, and lets an orchestrator agent split a task into a
dependency-ordered plan executed by the others.

The hub routes every chat request to one of three execution strategies:
- a local claude CLI subprocess in the agent's working directory
- a relay to the agent's own hub when the orchestrator is addressed with a
  single @mention
- an orchestrator planning call to the Anthropic API

Run 'agenthub serve' to start the hub, then use 'agenthub chat' or any
HTTP client against /api/chat.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/agenthub/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Hub URL for client commands (default from server.host and server.port)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration, honouring --config and --log-level.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// setupLogger builds the process logger and installs it as the slog default.
func setupLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// hubURL returns the hub address client commands talk to.
func hubURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}
