package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coswise/claude-code-by-agents/internal/graph"
	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

func step(id string, deps ...string) *models.ExecutionStep {
	return &models.ExecutionStep{ID: id, Agent: "agent-" + id, Message: "do " + id, Dependencies: deps}
}

// recorder collects scheduler events and the order steps ran in.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ran    []string
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []EventType
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func (r *recorder) waves() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var waves [][]string
	for _, ev := range r.events {
		if ev.Type == EventWaveStarted {
			waves = append(waves, ev.Steps)
		}
	}
	return waves
}

// runner returns a StepRunner that fails the steps named in fail.
func (r *recorder) runner(fail ...string) StepRunner {
	failing := make(map[string]bool)
	for _, id := range fail {
		failing[id] = true
	}
	return StepRunnerFunc(func(ctx context.Context, s models.ExecutionStep) error {
		r.mu.Lock()
		r.ran = append(r.ran, s.ID)
		r.mu.Unlock()
		if failing[s.ID] {
			return fmt.Errorf("%s exploded", s.ID)
		}
		return nil
	})
}

func newTestScheduler(runner StepRunner, rec *recorder, opts ...Option) *Scheduler {
	base := []Option{
		WithObserver(rec.observe),
		WithLogger(logging.Discard()),
		WithMetrics(metrics.New()),
		WithPlanIDFunc(func() string { return "plan-1" }),
	}
	return NewScheduler(runner, append(base, opts...)...)
}

func TestScheduler_StallsOnMissingPrerequisite(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner(), rec)

	result, err := s.Run(context.Background(), []*models.ExecutionStep{step("A"), step("B", "A"), step("C", "X")})

	if !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v, want ErrStalled", err)
	}
	var stall *StallError
	if !errors.As(err, &stall) {
		t.Fatalf("err is %T, want *StallError", err)
	}
	want := []graph.Blocked{{StepID: "C", Reason: "missing prerequisite X"}}
	if !reflect.DeepEqual(stall.Blocked, want) {
		t.Errorf("Blocked = %v, want %v", stall.Blocked, want)
	}

	if got, want := rec.waves(), [][]string{{"A"}, {"B"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("waves = %v, want %v", got, want)
	}
	if result.Waves != 2 {
		t.Errorf("Waves = %d, want 2", result.Waves)
	}
	if got, want := result.Completed(), []string{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Completed = %v, want %v", got, want)
	}
	if got, want := result.Pending(), []string{"C"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}

	types := rec.types()
	if last := types[len(types)-1]; last != EventPlanStalled {
		t.Errorf("last event = %s, want plan_stalled", last)
	}
}

func TestScheduler_CompletesDiamond(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner(), rec)

	result, err := s.Run(context.Background(), []*models.ExecutionStep{
		step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := rec.waves(), [][]string{{"a"}, {"b", "c"}, {"d"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("waves = %v, want %v", got, want)
	}
	if len(result.Completed()) != 4 || len(result.Failed()) != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.PlanID != "plan-1" {
		t.Errorf("PlanID = %q", result.PlanID)
	}

	types := rec.types()
	if types[0] != EventWaveStarted || types[len(types)-1] != EventPlanCompleted {
		t.Errorf("events = %v", types)
	}
}

func TestScheduler_FailureIsolation(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner("A"), rec)

	result, err := s.Run(context.Background(), []*models.ExecutionStep{
		step("A"), step("B", "A"), step("D"), step("E", "D"),
	})

	var stall *StallError
	if !errors.As(err, &stall) {
		t.Fatalf("err = %v, want *StallError", err)
	}
	want := []graph.Blocked{{StepID: "B", Reason: "prerequisite A failed"}}
	if !reflect.DeepEqual(stall.Blocked, want) {
		t.Errorf("Blocked = %v, want %v", stall.Blocked, want)
	}

	if got, want := result.Completed(), []string{"D", "E"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Completed = %v, want %v", got, want)
	}
	if got, want := result.Failed(), []string{"A"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Failed = %v, want %v", got, want)
	}
	if a := result.Steps[0]; a.Error != "A exploded" {
		t.Errorf("A.Error = %q", a.Error)
	}
	for _, id := range rec.ran {
		if id == "B" {
			t.Error("B ran although its prerequisite failed")
		}
	}
}

func TestScheduler_FailedLeafStillCompletes(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner("b"), rec)

	result, err := s.Run(context.Background(), []*models.ExecutionStep{step("a"), step("b", "a")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := result.Failed(), []string{"b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Failed = %v, want %v", got, want)
	}
}

func TestScheduler_StallsOnCycle(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner(), rec)

	done := make(chan struct{})
	var err error
	var result *Result
	go func() {
		defer close(done)
		result, err = s.Run(context.Background(), []*models.ExecutionStep{step("x", "y"), step("y", "x")})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler looped on a cyclic plan")
	}

	if !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v, want ErrStalled", err)
	}
	if result.Waves != 0 || len(rec.ran) != 0 {
		t.Errorf("waves = %d, ran = %v; nothing should run", result.Waves, rec.ran)
	}
}

func TestScheduler_EmptyPlan(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner(), rec)

	result, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Waves != 0 {
		t.Errorf("Waves = %d", result.Waves)
	}
	if got := rec.types(); !reflect.DeepEqual(got, []EventType{EventPlanCompleted}) {
		t.Errorf("events = %v", got)
	}
}

func TestScheduler_DuplicateStep(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner(), rec)

	_, err := s.Run(context.Background(), []*models.ExecutionStep{step("a"), step("a")})
	if !errors.Is(err, graph.ErrDuplicateStep) {
		t.Fatalf("err = %v, want ErrDuplicateStep", err)
	}
	if len(rec.types()) != 0 {
		t.Errorf("events = %v, want none", rec.types())
	}
}

func TestScheduler_DoesNotModifyInput(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec.runner("a"), rec)

	in := []*models.ExecutionStep{step("a")}
	if _, err := s.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if in[0].Status != "" || in[0].Error != "" {
		t.Errorf("input mutated: %+v", in[0])
	}
}

func TestScheduler_MaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	runner := StepRunnerFunc(func(ctx context.Context, s models.ExecutionStep) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	rec := &recorder{}
	s := newTestScheduler(runner, rec, WithMaxParallel(2))

	steps := make([]*models.ExecutionStep, 0, 6)
	for i := 0; i < 6; i++ {
		steps = append(steps, step(fmt.Sprintf("s%d", i)))
	}
	result, err := s.Run(context.Background(), steps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if len(result.Completed()) != 6 {
		t.Errorf("completed %d steps, want 6", len(result.Completed()))
	}
	if result.Waves != 1 {
		t.Errorf("Waves = %d, the bound must not split the wave", result.Waves)
	}
}

func TestScheduler_UnboundedRunsWaveConcurrently(t *testing.T) {
	const n = 5
	started := make(chan string, n)
	release := make(chan struct{})
	runner := StepRunnerFunc(func(ctx context.Context, s models.ExecutionStep) error {
		started <- s.ID
		<-release
		return nil
	})

	rec := &recorder{}
	s := newTestScheduler(runner, rec)

	steps := make([]*models.ExecutionStep, 0, n)
	for i := 0; i < n; i++ {
		steps = append(steps, step(fmt.Sprintf("s%d", i)))
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), steps)
		errc <- err
	}()

	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d steps started concurrently", i, n)
		}
	}
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	runner := StepRunnerFunc(func(ctx context.Context, s models.ExecutionStep) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	rec := &recorder{}
	s := newTestScheduler(runner, rec)

	errc := make(chan error, 1)
	var result *Result
	go func() {
		var err error
		result, err = s.Run(ctx, []*models.ExecutionStep{step("a"), step("b", "a")})
		errc <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if got, want := result.Failed(), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Failed = %v, want %v", got, want)
	}
	types := rec.types()
	if last := types[len(types)-1]; last != EventPlanCancelled {
		t.Errorf("last event = %s, want plan_cancelled", last)
	}
}

func TestScheduler_RunnerPanic(t *testing.T) {
	runner := StepRunnerFunc(func(ctx context.Context, s models.ExecutionStep) error {
		panic("boom")
	})

	rec := &recorder{}
	s := newTestScheduler(runner, rec)

	result, err := s.Run(context.Background(), []*models.ExecutionStep{step("a")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := result.Steps[0]; got.Status != models.StepFailed || got.Error != "step runner panic: boom" {
		t.Errorf("step = %+v", got)
	}
}

type fakeLedger struct {
	mu       sync.Mutex
	started  []string
	steps    []models.ExecutionStep
	outcomes []string
}

func (l *fakeLedger) PlanStarted(_ context.Context, planID string, steps []*models.ExecutionStep) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, planID)
	return nil
}

func (l *fakeLedger) StepFinished(_ context.Context, _ string, step models.ExecutionStep) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
	return nil
}

func (l *fakeLedger) PlanFinished(_ context.Context, _ string, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcome)
	if outcome == OutcomeStalled {
		return errors.New("disk full")
	}
	return nil
}

func TestScheduler_Ledger(t *testing.T) {
	ledger := &fakeLedger{}
	rec := &recorder{}
	s := newTestScheduler(rec.runner("b"), rec, WithLedger(ledger))

	_, err := s.Run(context.Background(), []*models.ExecutionStep{step("a"), step("b"), step("c", "b")})
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v, ledger failures must not replace the plan outcome", err)
	}

	if !reflect.DeepEqual(ledger.started, []string{"plan-1"}) {
		t.Errorf("started = %v", ledger.started)
	}
	if len(ledger.steps) != 2 {
		t.Errorf("recorded %d steps, want 2", len(ledger.steps))
	}
	for _, st := range ledger.steps {
		if st.ID == "b" && (st.Status != models.StepFailed || st.Error != "b exploded") {
			t.Errorf("b recorded as %+v", st)
		}
	}
	if !reflect.DeepEqual(ledger.outcomes, []string{OutcomeStalled}) {
		t.Errorf("outcomes = %v", ledger.outcomes)
	}
}

func TestStallError(t *testing.T) {
	err := &StallError{Blocked: []graph.Blocked{
		{StepID: "C", Reason: "missing prerequisite X"},
		{StepID: "D", Reason: "dependency cycle"},
	}}
	want := "plan stalled: C (missing prerequisite X); D (dependency cycle)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
