package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

var (
	systemColor  = color.New(color.FgHiBlack)
	toolColor    = color.New(color.FgCyan)
	resultColor  = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed, color.Bold)
	abortColor   = color.New(color.FgYellow)
	planColor    = color.New(color.FgMagenta, color.Bold)
	agentColor   = color.New(color.FgBlue, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
)

// renderer prints transcript messages and plan progress. It is safe for
// concurrent use, since plan steps stream in parallel.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
	// prefixAgent tags every line with the agent id.
	prefixAgent bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// event renders one stream event of agentID.
func (r *renderer) event(agentID string, ev models.StreamEvent) {
	msgs := stream.Classify(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.message(agentID, m)
	}
}

func (r *renderer) message(agentID string, m models.ChatMessage) {
	prefix := ""
	if r.prefixAgent && agentID != "" {
		prefix = agentColor.Sprintf("[%s] ", agentID)
	}

	switch m.Kind {
	case models.MessageSystem:
		fmt.Fprintf(r.out, "%s%s\n", prefix, systemColor.Sprint(m.Content))
	case models.MessageAssistant:
		fmt.Fprintf(r.out, "%s%s\n", prefix, m.Content)
	case models.MessageTool:
		fmt.Fprintf(r.out, "%s%s\n", prefix, toolColor.Sprint("⚙ "+m.Content))
	case models.MessageResult:
		fmt.Fprintf(r.out, "%s%s\n", prefix, resultColor.Sprint(m.Content))
	case models.MessagePlan:
		fmt.Fprintf(r.out, "%s%s\n", prefix, planColor.Sprintf("Plan with %d steps:", len(m.Steps)))
		for _, s := range m.Steps {
			deps := ""
			if len(s.Dependencies) > 0 {
				deps = " (after " + strings.Join(s.Dependencies, ", ") + ")"
			}
			fmt.Fprintf(r.out, "%s  %s → @%s%s: %s\n", prefix, s.ID, s.Agent, deps, s.Message)
		}
	case models.MessageError:
		fmt.Fprintf(r.out, "%s%s\n", prefix, errorColor.Sprint("✗ "+m.Content))
	case models.MessageAborted:
		fmt.Fprintf(r.out, "%s%s\n", prefix, abortColor.Sprint("⚠ "+m.Content))
	}
}

// planEvent renders one scheduler event.
func (r *renderer) planEvent(ev orchestrator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case orchestrator.EventWaveStarted:
		fmt.Fprintf(r.out, "%s\n", planColor.Sprintf("── wave %d: %s", ev.Wave, strings.Join(ev.Steps, ", ")))
	case orchestrator.EventStepStarted:
		fmt.Fprintf(r.out, "%s step %s started on @%s\n", systemColor.Sprint("▶"), ev.StepID, ev.Agent)
	case orchestrator.EventStepCompleted:
		fmt.Fprintf(r.out, "%s step %s completed\n", successColor.Sprint("✓"), ev.StepID)
	case orchestrator.EventStepFailed:
		fmt.Fprintf(r.out, "%s step %s failed: %s\n", errorColor.Sprint("✗"), ev.StepID, ev.Error)
	case orchestrator.EventPlanCompleted:
		fmt.Fprintf(r.out, "%s\n", successColor.Sprint("Plan completed"))
	case orchestrator.EventPlanCancelled:
		fmt.Fprintf(r.out, "%s\n", abortColor.Sprint("Plan cancelled"))
	case orchestrator.EventPlanStalled:
		fmt.Fprintf(r.out, "%s\n", errorColor.Sprint("Plan stalled; blocked steps:"))
		for _, b := range ev.Blocked {
			fmt.Fprintf(r.out, "  %s: %s\n", b.StepID, b.Reason)
		}
	}
}
