// Package graph provides the dependency graph that orders plan steps.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the plan.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrDuplicateStep indicates two steps with the same id.
var ErrDuplicateStep = errors.New("duplicate step id")

// Blocked describes a step that can never become ready.
type Blocked struct {
	StepID string `json:"stepId"`
	Reason string `json:"reason"`
}

// Graph is the dependency graph of one plan. Steps are nodes and edges point
// from a step to the steps it depends on. Unknown dependencies and cycles
// are kept rather than rejected so the scheduler can report them as blocked.
type Graph struct {
	mu sync.RWMutex
	// nodes maps step ID to the step itself.
	nodes map[string]*models.ExecutionStep
	// order is the plan order; every listing follows it.
	order []string
	// edges maps step ID to the IDs it depends on.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*models.ExecutionStep),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build adds steps to the graph. Steps without a status are set to pending.
func (g *Graph) Build(steps []*models.ExecutionStep) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d steps", len(steps))

	for _, step := range steps {
		if step == nil || step.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if _, exists := g.nodes[step.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
		}
		if step.Status == "" {
			step.Status = models.StepPending
		}
		g.nodes[step.ID] = step
		g.order = append(g.order, step.ID)
		g.edges[step.ID] = append([]string(nil), step.Dependencies...)
		g.debugLog("[graph.Build] added step: id=%s agent=%s depends_on=%v", step.ID, step.Agent, step.Dependencies)
	}

	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cycleMembersLocked()) > 0
}

// cycleMembersLocked returns every step that lies on a dependency cycle.
// Uses depth-first search with coloring to find back edges.
func (g *Graph) cycleMembersLocked() map[string]bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	members := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			if _, known := g.nodes[depID]; !known {
				continue
			}
			switch colors[depID] {
			case 1:
				// Back edge: everything on the stack from depID is a cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					members[stack[i]] = true
					if stack[i] == depID {
						break
					}
				}
			case 0:
				visit(depID)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			visit(id)
		}
	}
	return members
}

// TopologicalSort returns step IDs in an order where all dependencies come
// before the steps that depend on them. Unknown dependencies are ignored.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.cycleMembersLocked()) > 0 {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool)
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			if _, known := g.nodes[depID]; known {
				visit(depID)
			}
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Ready returns pending steps whose every prerequisite is completed, in plan
// order. These steps can run in parallel.
func (g *Graph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		step := g.nodes[id]
		if step.Status != models.StepPending {
			continue
		}
		if g.prerequisitesMetLocked(id) {
			ready = append(ready, id)
		}
	}

	g.debugLog("[graph.Ready] %d ready steps: %v", len(ready), ready)
	return ready
}

func (g *Graph) prerequisitesMetLocked(id string) bool {
	for _, depID := range g.edges[id] {
		dep, ok := g.nodes[depID]
		if !ok || dep.Status != models.StepCompleted {
			return false
		}
	}
	return true
}

// MarkRunning moves a step from pending to running.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	step, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("unknown step %s", id)
	}
	if step.Status != models.StepPending {
		return fmt.Errorf("step %s is %s, not pending", id, step.Status)
	}
	if !g.prerequisitesMetLocked(id) {
		return fmt.Errorf("step %s has unmet prerequisites", id)
	}
	step.Status = models.StepRunning
	return nil
}

// MarkComplete marks a step completed.
func (g *Graph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.MarkComplete] step %s completed", id)
	if step, ok := g.nodes[id]; ok {
		step.Status = models.StepCompleted
		step.Error = ""
	}
}

// MarkFailed marks a step failed with reason.
func (g *Graph) MarkFailed(id, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.MarkFailed] step %s failed: %s", id, reason)
	if step, ok := g.nodes[id]; ok {
		step.Status = models.StepFailed
		step.Error = reason
	}
}

// Step returns the step for a given ID, or nil if not found.
func (g *Graph) Step(id string) *models.ExecutionStep {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Steps returns all steps in plan order.
func (g *Graph) Steps() []*models.ExecutionStep {
	g.mu.RLock()
	defer g.mu.RUnlock()

	steps := make([]*models.ExecutionStep, 0, len(g.order))
	for _, id := range g.order {
		steps = append(steps, g.nodes[id])
	}
	return steps
}

// Size returns the number of steps in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs the given step depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[id]
}

// Dependents returns the IDs of steps that depend on the given step, in
// plan order.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, other := range g.order {
		for _, depID := range g.edges[other] {
			if depID == id {
				dependents = append(dependents, other)
				break
			}
		}
	}
	return dependents
}

// Unfinished returns the IDs of steps that are neither completed nor failed.
func (g *Graph) Unfinished() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.order {
		if !g.nodes[id].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts returns the number of steps per status.
func (g *Graph) Counts() map[models.StepStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[models.StepStatus]int)
	for _, step := range g.nodes {
		counts[step.Status]++
	}
	return counts
}

// Blocked explains, for every unfinished step that is not ready, why it can
// never run: a missing prerequisite, a failed prerequisite, a dependency
// cycle, or a prerequisite that is itself blocked.
func (g *Graph) Blocked() []Blocked {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cycle := g.cycleMembersLocked()
	var blocked []Blocked

	for _, id := range g.order {
		step := g.nodes[id]
		if step.Status.Terminal() || step.Status == models.StepRunning {
			continue
		}
		if step.Status == models.StepPending && g.prerequisitesMetLocked(id) {
			continue
		}
		blocked = append(blocked, Blocked{StepID: id, Reason: g.blockReasonLocked(id, cycle)})
	}
	return blocked
}

func (g *Graph) blockReasonLocked(id string, cycle map[string]bool) string {
	deps := g.edges[id]

	var missing, failed, waiting []string
	for _, depID := range deps {
		dep, ok := g.nodes[depID]
		switch {
		case !ok:
			missing = append(missing, depID)
		case dep.Status == models.StepFailed:
			failed = append(failed, depID)
		case dep.Status != models.StepCompleted:
			waiting = append(waiting, depID)
		}
	}

	switch {
	case len(missing) > 0:
		return fmt.Sprintf("missing prerequisite %s", joinSorted(missing))
	case len(failed) > 0:
		return fmt.Sprintf("prerequisite %s failed", joinSorted(failed))
	case cycle[id]:
		return "dependency cycle"
	case len(waiting) > 0:
		return fmt.Sprintf("waiting on blocked prerequisite %s", joinSorted(waiting))
	default:
		return "blocked"
	}
}

func joinSorted(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := sorted[0]
	for _, id := range sorted[1:] {
		out += ", " + id
	}
	return out
}
