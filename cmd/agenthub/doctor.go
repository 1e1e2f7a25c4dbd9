package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/client"
	"github.com/coswise/claude-code-by-agents/internal/config"
	"github.com/coswise/claude-code-by-agents/internal/exec"
	"github.com/coswise/claude-code-by-agents/internal/roster"
)

const healthTimeout = 3 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local setup",
	Long: `Check that the hub can run: the claude CLI, the Anthropic credentials used
by the orchestrator, the agent roster and its working directories, and
whether a hub is reachable at the configured address.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printStatus("✗", fmt.Sprintf("Config: %v", err), color.FgRed)
		return err
	}
	printStatus("✓", "Config loaded", color.FgGreen)

	problems := 0
	ctx := cmd.Context()

	if info, err := exec.ProbeClaude(ctx, exec.NewRunner(), cfg.Claude.Path); err != nil {
		printStatus("✗", "Claude Code CLI not found", color.FgRed)
		fmt.Println("  " + err.Error())
		problems++
	} else {
		printStatus("✓", fmt.Sprintf("Claude Code CLI %s (%s)", info.Version, info.Path), color.FgGreen)
	}

	problems += checkCredentials(cfg)
	problems += checkRoster(cfg)

	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	url := hubURL(cfg)
	if err := client.New(url).Health(hctx); err != nil {
		printStatus("⚠", fmt.Sprintf("No hub at %s (start one with 'agenthub serve')", url), color.FgYellow)
	} else {
		printStatus("✓", fmt.Sprintf("Hub reachable at %s", url), color.FgGreen)
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	return nil
}

// checkCredentials reports what the orchestrator would authenticate with.
// A missing key is a warning since only the orchestrator needs it.
func checkCredentials(cfg *config.Config) int {
	if cfg.Anthropic.UseBedrock {
		printStatus("✓", fmt.Sprintf("Orchestrator uses AWS Bedrock (region %q)", cfg.Anthropic.AWSRegion), color.FgGreen)
		return 0
	}

	key, err := config.GetAPIKey(cfg)
	if err != nil {
		printStatus("⚠", "Neither ANTHROPIC_API_KEY nor CLAUDE_API_KEY is set, the orchestrator is disabled", color.FgYellow)
		return 0
	}
	source := config.GetAPIKeySource(cfg)
	if err := config.ValidateAPIKey(key); err != nil {
		printStatus("✗", fmt.Sprintf("API key from %s: %v", source, err), color.FgRed)
		return 1
	}
	printStatus("✓", fmt.Sprintf("API key %s from %s", config.MaskAPIKey(key), source), color.FgGreen)
	return 0
}

// checkRoster loads the roster and checks every local agent's directory.
func checkRoster(cfg *config.Config) int {
	if cfg.Roster.Path == "" {
		printStatus("⚠", "No roster configured (roster.path); requests must carry availableAgents", color.FgYellow)
		return 0
	}

	agents, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		printStatus("✗", fmt.Sprintf("Roster: %v", err), color.FgRed)
		return 1
	}
	printStatus("✓", fmt.Sprintf("Roster %s: %d agents", cfg.Roster.Path, len(agents)), color.FgGreen)

	problems := 0
	if _, ok := agents.Orchestrator(); !ok {
		printStatus("⚠", "Roster has no enabled orchestrator", color.FgYellow)
	}
	for _, a := range agents.Workers() {
		if a.WorkingDirectory == "" {
			continue
		}
		if fi, err := os.Stat(a.WorkingDirectory); err != nil || !fi.IsDir() {
			printStatus("✗", fmt.Sprintf("@%s: working directory %s does not exist", a.ID, a.WorkingDirectory), color.FgRed)
			problems++
		}
	}
	return problems
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
