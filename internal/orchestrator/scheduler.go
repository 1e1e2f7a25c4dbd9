package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coswise/claude-code-by-agents/internal/graph"
	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/internal/tracing"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// ErrStalled indicates that unfinished steps remain but none can run.
var ErrStalled = errors.New("plan stalled")

// StallError lists the steps that can never run and why.
type StallError struct {
	Blocked []graph.Blocked
}

func (e *StallError) Error() string {
	parts := make([]string, 0, len(e.Blocked))
	for _, b := range e.Blocked {
		parts = append(parts, fmt.Sprintf("%s (%s)", b.StepID, b.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrStalled, strings.Join(parts, "; "))
}

// Unwrap returns ErrStalled.
func (e *StallError) Unwrap() error { return ErrStalled }

// StepRunner executes one plan step end to end. A nil error marks the step
// completed; any error marks it failed.
type StepRunner interface {
	RunStep(ctx context.Context, step models.ExecutionStep) error
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, step models.ExecutionStep) error

// RunStep calls f.
func (f StepRunnerFunc) RunStep(ctx context.Context, step models.ExecutionStep) error {
	return f(ctx, step)
}

// Ledger records plan runs. Ledger failures are logged and never fail a plan.
type Ledger interface {
	PlanStarted(ctx context.Context, planID string, steps []*models.ExecutionStep) error
	StepFinished(ctx context.Context, planID string, step models.ExecutionStep) error
	PlanFinished(ctx context.Context, planID, outcome string) error
}

// Plan outcomes recorded in metrics and the ledger.
const (
	OutcomeCompleted = "completed"
	OutcomeStalled   = "stalled"
	OutcomeCancelled = "cancelled"
)

// Result is the final state of a plan run.
type Result struct {
	PlanID string
	// Steps holds the final copy of every step, in plan order.
	Steps []models.ExecutionStep
	// Waves is the number of waves that ran.
	Waves int
}

// Completed returns the IDs of completed steps.
func (r *Result) Completed() []string { return r.withStatus(models.StepCompleted) }

// Failed returns the IDs of failed steps.
func (r *Result) Failed() []string { return r.withStatus(models.StepFailed) }

// Pending returns the IDs of steps that never ran.
func (r *Result) Pending() []string { return r.withStatus(models.StepPending) }

func (r *Result) withStatus(status models.StepStatus) []string {
	var ids []string
	for _, s := range r.Steps {
		if s.Status == status {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Scheduler runs plans wave by wave.
type Scheduler struct {
	runner      StepRunner
	maxParallel int
	observer    func(Event)
	observeMu   sync.Mutex
	ledger      Ledger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	newID       func() string
	now         func() time.Time
}

// NewScheduler creates a scheduler that executes steps with runner.
func NewScheduler(runner StepRunner, opts ...Option) *Scheduler {
	o := &schedulerOptions{newID: uuid.NewString}
	for _, opt := range opts {
		opt(o)
	}

	return &Scheduler{
		runner:      runner,
		maxParallel: o.maxParallel,
		observer:    o.observer,
		ledger:      o.ledger,
		metrics:     o.metrics,
		logger:      logging.OrDefault(o.logger).With("component", "scheduler"),
		newID:       o.newID,
		now:         time.Now,
	}
}

// Run executes steps until every step is completed or failed, or until no
// step can make progress. The input steps are not modified.
//
// It returns a *StallError when unfinished steps remain that can never run,
// and the context error when ctx is cancelled. Failed steps with no
// dependents do not make Run fail; inspect Result.Failed.
func (s *Scheduler) Run(ctx context.Context, steps []*models.ExecutionStep) (*Result, error) {
	plan := make([]*models.ExecutionStep, 0, len(steps))
	for _, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("build plan: nil step")
		}
		cp := *step
		cp.Dependencies = append([]string(nil), step.Dependencies...)
		cp.Status = models.StepPending
		cp.Error = ""
		plan = append(plan, &cp)
	}

	g := graph.New()
	g.SetDebugLog(debugLogFunc(s.logger))
	if err := g.Build(plan); err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	planID := s.newID()
	logger := s.logger.With("plan", planID)

	ctx, span := tracing.StartSpan(ctx, "plan.run",
		attribute.String("agenthub.plan_id", planID),
		attribute.Int("agenthub.steps", len(plan)))
	defer span.End()

	if s.ledger != nil {
		if err := s.ledger.PlanStarted(ctx, planID, plan); err != nil {
			logger.Warn("ledger: record plan start", "error", err)
		}
	}
	logger.Info("plan started", "steps", len(plan))

	result := &Result{PlanID: planID}
	finish := func(outcome string, err error) (*Result, error) {
		for _, step := range g.Steps() {
			result.Steps = append(result.Steps, *step)
		}
		s.metrics.PlanFinished(outcome)
		if s.ledger != nil {
			// The plan context may already be cancelled.
			if lerr := s.ledger.PlanFinished(context.WithoutCancel(ctx), planID, outcome); lerr != nil {
				logger.Warn("ledger: record plan finish", "error", lerr)
			}
		}
		if err != nil {
			tracing.RecordError(span, err)
		} else {
			tracing.SetOK(span)
		}
		logger.Info("plan finished", "outcome", outcome, "waves", result.Waves)
		return result, err
	}

	for {
		if err := ctx.Err(); err != nil {
			s.observe(Event{Type: EventPlanCancelled, PlanID: planID, Error: err.Error()})
			return finish(OutcomeCancelled, err)
		}

		ready := g.Ready()
		if len(ready) == 0 {
			if len(g.Unfinished()) > 0 {
				stall := &StallError{Blocked: g.Blocked()}
				logger.Warn("plan stalled", "blocked", len(stall.Blocked))
				s.observe(Event{Type: EventPlanStalled, PlanID: planID, Blocked: stall.Blocked, Error: stall.Error()})
				return finish(OutcomeStalled, stall)
			}
			s.observe(Event{Type: EventPlanCompleted, PlanID: planID})
			return finish(OutcomeCompleted, nil)
		}

		result.Waves++
		s.runWave(ctx, g, planID, result.Waves, ready)
	}
}

// runWave starts every ready step, bounded by maxParallel, and waits for all
// of them to finish.
func (s *Scheduler) runWave(ctx context.Context, g *graph.Graph, planID string, wave int, ready []string) {
	s.logger.Debug("wave started", "plan", planID, "wave", wave, "steps", ready)
	s.observe(Event{Type: EventWaveStarted, PlanID: planID, Wave: wave, Steps: ready})

	var sem chan struct{}
	if s.maxParallel > 0 {
		sem = make(chan struct{}, s.maxParallel)
	}

	var wg sync.WaitGroup
	for _, id := range ready {
		if err := g.MarkRunning(id); err != nil {
			// Ready only returns runnable steps; this is a bug.
			s.logger.Error("mark running", "plan", planID, "step", id, "error", err)
			g.MarkFailed(id, err.Error())
			continue
		}
		step := *g.Step(id)

		wg.Add(1)
		go func() {
			defer wg.Done()

			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					s.finishStep(ctx, g, planID, wave, step, ctx.Err())
					return
				}
			}

			s.observe(Event{Type: EventStepStarted, PlanID: planID, StepID: step.ID, Agent: step.Agent, Wave: wave})
			err := s.runStep(ctx, wave, step)
			s.finishStep(ctx, g, planID, wave, step, err)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) runStep(ctx context.Context, wave int, step models.ExecutionStep) (err error) {
	ctx, span := tracing.StartSpan(ctx, "plan.step",
		tracing.KeyStepID.String(step.ID),
		tracing.KeyAgentID.String(step.Agent),
		tracing.KeyWave.Int(wave))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step runner panic: %v", r)
		}
		if err != nil {
			tracing.RecordError(span, err)
		} else {
			tracing.SetOK(span)
		}
	}()

	return s.runner.RunStep(ctx, step)
}

func (s *Scheduler) finishStep(ctx context.Context, g *graph.Graph, planID string, wave int, step models.ExecutionStep, err error) {
	ev := Event{PlanID: planID, StepID: step.ID, Agent: step.Agent, Wave: wave}
	if err != nil {
		g.MarkFailed(step.ID, err.Error())
		ev.Type = EventStepFailed
		ev.Error = err.Error()
		s.metrics.StepFinished(string(models.StepFailed))
		s.logger.Warn("step failed", "plan", planID, "step", step.ID, "agent", step.Agent, "error", err)
	} else {
		g.MarkComplete(step.ID)
		ev.Type = EventStepCompleted
		s.metrics.StepFinished(string(models.StepCompleted))
		s.logger.Info("step completed", "plan", planID, "step", step.ID, "agent", step.Agent)
	}

	if s.ledger != nil {
		final := *g.Step(step.ID)
		if lerr := s.ledger.StepFinished(context.WithoutCancel(ctx), planID, final); lerr != nil {
			s.logger.Warn("ledger: record step", "plan", planID, "step", step.ID, "error", lerr)
		}
	}
	s.observe(ev)
}

func (s *Scheduler) observe(ev Event) {
	if s.observer == nil {
		return
	}
	ev.Timestamp = s.now()

	s.observeMu.Lock()
	defer s.observeMu.Unlock()
	s.observer(ev)
}
