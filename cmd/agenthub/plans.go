package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/state"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

var plansLimit int

var plansCmd = &cobra.Command{
	Use:   "plans [plan-id]",
	Short: "Show recorded plan runs",
	Long: `List the plan runs recorded in the local plan ledger, newest first.
With a plan id, show the run's steps and their final status.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlans,
}

func init() {
	plansCmd.Flags().IntVarP(&plansLimit, "limit", "n", 20, "Maximum number of runs to list")
}

func runPlans(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.State.Enabled {
		return fmt.Errorf("plan ledger is disabled (state.enabled=false)")
	}

	path := cfg.State.DBPath
	if path == "" {
		path = state.DefaultDBPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No plan runs recorded yet.")
		return nil
	}

	db, err := state.OpenAndMigrate(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		run, err := db.GetPlan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printPlanRun(run)
		return nil
	}

	runs, err := db.ListPlans(cmd.Context(), plansLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No plan runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Status, r.StepCount, r.StartedAt.Local().Format(time.DateTime), runDuration(r.StartedAt, r.FinishedAt))
	}
	return w.Flush()
}

func printPlanRun(run *state.PlanRun) {
	fmt.Printf("Plan %s\n", run.ID)
	fmt.Printf("  status:   %s\n", run.Status)
	fmt.Printf("  started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Printf("  duration: %s\n\n", runDuration(run.StartedAt, run.FinishedAt))

	for _, s := range run.Steps {
		line := fmt.Sprintf("%s %s → @%s", stepMark(s.Status), s.ID, s.Agent)
		if len(s.Dependencies) > 0 {
			line += " (after " + strings.Join(s.Dependencies, ", ") + ")"
		}
		fmt.Println(line)
		if s.Error != "" {
			fmt.Printf("    %s\n", errorColor.Sprint(s.Error))
		}
	}
}

func stepMark(status models.StepStatus) string {
	switch status {
	case models.StepCompleted:
		return successColor.Sprint("✓")
	case models.StepFailed:
		return errorColor.Sprint("✗")
	case models.StepRunning:
		return abortColor.Sprint("▶")
	default:
		return systemColor.Sprint("·")
	}
}

// runDuration formats how long a run took, or "running" while unfinished.
func runDuration(started time.Time, finished *time.Time) string {
	if finished == nil {
		return "running"
	}
	return finished.Sub(started).Round(time.Second).String()
}
