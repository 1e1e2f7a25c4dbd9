package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coswise/claude-code-by-agents/internal/client"
	"github.com/coswise/claude-code-by-agents/internal/config"
	"github.com/coswise/claude-code-by-agents/internal/graph"
	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/session"
	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

var (
	planDryRun bool
	planDirect bool
)

var planCmd = &cobra.Command{
	Use:   "plan <file>",
	Short: "Execute a plan file",
	Long: `Execute the steps of a plan file, wave by wave.

The file holds a "steps" list in JSON or YAML, in the same shape the
orchestrator returns:

  steps:
    - id: schema
      agent: db
      message: Add the orders table
    - id: api
      agent: backend
      message: Expose GET /orders
      dependencies: [schema]

The hub executes the plan unless --direct is given, in which case every step
is posted to its agent's endpoint from this process. --dry-run prints the
waves without running anything.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planDryRun, "dry-run", false, "Print the execution order and exit")
	planCmd.Flags().BoolVar(&planDirect, "direct", false, "Post steps to agent endpoints instead of the hub")
}

func runPlan(cmd *cobra.Command, args []string) error {
	steps, err := readPlanFile(args[0])
	if err != nil {
		return err
	}

	if planDryRun {
		return printDryRun(steps)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	agents, err := loadRoster(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := client.New(hubURL(cfg), client.WithLogger(logger))
	return executePlan(ctx, cfg, logger, hub, steps, agents, session.NewStore(), planDirect)
}

// readPlanFile loads plan steps from a JSON or YAML file.
func readPlanFile(path string) ([]*models.ExecutionStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing plan %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("parsing plan %s: %w", path, err)
		}
	}

	steps, err := stream.ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return steps, nil
}

// planWaves groups steps into the waves a scheduler would run if every
// step succeeded. Steps that can never run are returned as blocked.
func planWaves(steps []*models.ExecutionStep) ([][]string, []graph.Blocked, error) {
	plan := make([]*models.ExecutionStep, 0, len(steps))
	for _, s := range steps {
		cp := *s
		cp.Status = models.StepPending
		plan = append(plan, &cp)
	}

	g := graph.New()
	if err := g.Build(plan); err != nil {
		return nil, nil, err
	}

	var waves [][]string
	for {
		ready := g.Ready()
		if len(ready) == 0 {
			break
		}
		for _, id := range ready {
			g.MarkComplete(id)
		}
		waves = append(waves, ready)
	}
	return waves, g.Blocked(), nil
}

func printDryRun(steps []*models.ExecutionStep) error {
	waves, blocked, err := planWaves(steps)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.ExecutionStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	fmt.Println(planColor.Sprintf("%d steps in %d waves", len(steps), len(waves)))
	for i, wave := range waves {
		fmt.Printf("\nWave %d\n", i+1)
		for _, id := range wave {
			s := byID[id]
			fmt.Printf("  %s → @%s: %s\n", id, s.Agent, s.Message)
		}
	}
	if len(blocked) > 0 {
		fmt.Println()
		fmt.Println(errorColor.Sprint("Steps that can never run:"))
		for _, b := range blocked {
			fmt.Printf("  %s: %s\n", b.StepID, b.Reason)
		}
		return fmt.Errorf("%d of %d steps are blocked", len(blocked), len(steps))
	}
	return nil
}

// executePlan runs steps on the hub, or from this process when direct is
// set, and renders progress.
func executePlan(ctx context.Context, cfg *config.Config, logger *slog.Logger, hub *client.Client, steps []*models.ExecutionStep, agents models.Roster, sessions *session.Store, direct bool) error {
	out := newRenderer(os.Stdout)
	out.prefixAgent = true
	fmt.Println()

	var err error
	if direct {
		runner := client.NewStepRunner(agents, sessions,
			client.WithClientOptions(client.WithLogger(logger)),
			client.WithEventHandler(out.event),
			client.WithRunnerLogger(logger),
		)
		sched := orchestrator.NewScheduler(runner,
			orchestrator.WithMaxParallel(cfg.Scheduler.MaxParallel),
			orchestrator.WithObserver(out.planEvent),
			orchestrator.WithLogger(logger),
		)
		_, err = sched.Run(ctx, steps)
	} else {
		var last *orchestrator.Event
		last, err = hub.ExecutePlan(ctx, models.PlanRequest{Steps: steps, AvailableAgents: agents}, out.planEvent)
		if err == nil {
			err = planOutcome(last)
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, orchestrator.ErrStalled):
		return errors.New("plan stalled")
	}
	return err
}

// planOutcome converts the last event of a hub plan stream into an error.
func planOutcome(last *orchestrator.Event) error {
	if last == nil {
		return fmt.Errorf("plan stream ended without a terminal event")
	}
	switch last.Type {
	case orchestrator.EventPlanStalled:
		return orchestrator.ErrStalled
	case orchestrator.EventPlanCancelled:
		return fmt.Errorf("plan cancelled on the hub: %s", last.Error)
	}
	return nil
}
