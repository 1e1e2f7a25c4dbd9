package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/router"
	"github.com/coswise/claude-code-by-agents/internal/session"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

var (
	// ErrUnknownAgent indicates a step names an agent missing from the roster.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrStepAborted indicates a step's stream ended with aborted.
	ErrStepAborted = errors.New("step aborted")
	// ErrNoTerminal indicates a step's stream closed without a terminal event.
	ErrNoTerminal = errors.New("stream ended without a terminal event")
)

// DispatchRunner runs steps in-process through the router. Each step is a
// normal chat request addressed to the step agent's working directory, and
// its events are recorded in the session store under the agent's ID.
type DispatchRunner struct {
	dispatcher router.Dispatcher
	roster     func() models.Roster
	sessions   *session.Store
	newID      func() string
	logger     *slog.Logger
}

// NewDispatchRunner creates a DispatchRunner. roster is consulted for every
// step so a reloaded roster takes effect between waves.
func NewDispatchRunner(d router.Dispatcher, roster func() models.Roster, sessions *session.Store, logger *slog.Logger) *DispatchRunner {
	if sessions == nil {
		sessions = session.NewStore()
	}
	return &DispatchRunner{
		dispatcher: d,
		roster:     roster,
		sessions:   sessions,
		newID:      uuid.NewString,
		logger:     logging.OrDefault(logger),
	}
}

// RunStep dispatches step and drains its stream.
func (r *DispatchRunner) RunStep(ctx context.Context, step models.ExecutionStep) error {
	var roster models.Roster
	if r.roster != nil {
		roster = r.roster()
	}
	agent, ok := roster.Find(step.Agent)
	if !ok || !agent.Enabled() {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, step.Agent)
	}

	req := models.ChatRequest{
		Message:          step.Message,
		RequestID:        r.newID(),
		SessionID:        r.sessions.Token(agent.ID),
		WorkingDirectory: agent.WorkingDirectory,
		AvailableAgents:  roster,
	}
	r.sessions.AppendUser(agent.ID, req.RequestID, step.Message)

	events, err := r.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return fmt.Errorf("dispatch step %s: %w", step.ID, err)
	}

	r.logger.Debug("step dispatched", "step", step.ID, "agent", agent.ID, "request_id", req.RequestID)

	var terminal *models.StreamEvent
	for ev := range events {
		r.sessions.Apply(agent.ID, req.RequestID, ev)
		if ev.Type.Terminal() {
			terminal = &ev
		}
	}

	return TerminalError(terminal)
}

// TerminalError maps the terminal event of a step's stream to the step
// outcome: done completes the step, aborted and error fail it. A nil event
// means the stream closed early.
func TerminalError(ev *models.StreamEvent) error {
	if ev == nil {
		return ErrNoTerminal
	}
	switch ev.Type {
	case models.EventDone:
		return nil
	case models.EventAborted:
		return ErrStepAborted
	default:
		if ev.Error == "" {
			return errors.New("step failed")
		}
		return errors.New(ev.Error)
	}
}
