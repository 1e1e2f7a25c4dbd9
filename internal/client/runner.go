package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/session"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// abortTimeout bounds the best-effort abort sent after a cancelled step.
const abortTimeout = 5 * time.Second

// StepRunner executes plan steps by posting each one to the chat endpoint of
// the step's agent. The agent's hub runs it in the agent's own directory.
type StepRunner struct {
	roster   models.Roster
	sessions *session.Store
	opts     []Option
	newID    func() string
	onEvent  func(agentID string, ev models.StreamEvent)
	logger   *slog.Logger
}

// StepRunnerOption configures a StepRunner.
type StepRunnerOption func(*StepRunner)

// WithClientOptions passes options to the per-agent clients.
func WithClientOptions(opts ...Option) StepRunnerOption {
	return func(r *StepRunner) { r.opts = append(r.opts, opts...) }
}

// WithEventHandler sets a callback for every event of every step. It may be
// called from several goroutines at once.
func WithEventHandler(fn func(agentID string, ev models.StreamEvent)) StepRunnerOption {
	return func(r *StepRunner) { r.onEvent = fn }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) StepRunnerOption {
	return func(r *StepRunner) { r.logger = l }
}

// NewStepRunner creates a StepRunner over roster. Transcripts go to
// sessions, which may be nil.
func NewStepRunner(roster models.Roster, sessions *session.Store, opts ...StepRunnerOption) *StepRunner {
	if sessions == nil {
		sessions = session.NewStore()
	}
	r := &StepRunner{
		roster:   roster,
		sessions: sessions,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

var _ orchestrator.StepRunner = (*StepRunner)(nil)

// RunStep posts step to its agent's endpoint and waits for the terminal
// event.
func (r *StepRunner) RunStep(ctx context.Context, step models.ExecutionStep) error {
	agent, ok := r.roster.Find(step.Agent)
	if !ok || !agent.Enabled() {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownAgent, step.Agent)
	}
	if agent.APIEndpoint == "" {
		return fmt.Errorf("agent %s has no endpoint", agent.ID)
	}

	req := models.ChatRequest{
		Message:          step.Message,
		RequestID:        r.newID(),
		SessionID:        r.sessions.Token(agent.ID),
		WorkingDirectory: agent.WorkingDirectory,
	}
	r.sessions.AppendUser(agent.ID, req.RequestID, step.Message)
	r.logger.Debug("posting step", "step", step.ID, "agent", agent.ID, "endpoint", agent.APIEndpoint)

	c := New(agent.APIEndpoint, r.opts...)
	terminal, err := c.Collect(ctx, req, func(ev models.StreamEvent) {
		r.sessions.Apply(agent.ID, req.RequestID, ev)
		if r.onEvent != nil {
			r.onEvent(agent.ID, ev)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			r.abort(c, req.RequestID)
		}
		return fmt.Errorf("step %s: %w", step.ID, err)
	}
	return orchestrator.TerminalError(terminal)
}

// abort asks the agent's hub to cancel a request whose stream this side
// stopped reading.
func (r *StepRunner) abort(c *Client, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if _, err := c.Abort(ctx, requestID); err != nil {
		r.logger.Warn("abort after cancellation failed", "request_id", requestID, "error", err)
	}
}
