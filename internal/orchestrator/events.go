package orchestrator

import (
	"time"

	"github.com/coswise/claude-code-by-agents/internal/graph"
)

// EventType represents the type of scheduler event.
type EventType string

const (
	// EventWaveStarted indicates a new wave of ready steps is starting.
	EventWaveStarted EventType = "wave_started"
	// EventStepStarted indicates a step has started execution.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted indicates a step's stream ended with done.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed indicates a step's stream ended with error or aborted.
	EventStepFailed EventType = "step_failed"
	// EventPlanStalled indicates no step can run although some are unfinished.
	EventPlanStalled EventType = "plan_stalled"
	// EventPlanCompleted indicates every step reached a terminal status.
	EventPlanCompleted EventType = "plan_completed"
	// EventPlanCancelled indicates the plan context was cancelled.
	EventPlanCancelled EventType = "plan_cancelled"
)

// Terminal reports whether t is the last event of a plan run.
func (t EventType) Terminal() bool {
	return t == EventPlanStalled || t == EventPlanCompleted || t == EventPlanCancelled
}

// Event represents a progress notification emitted by the scheduler. It is
// also the NDJSON line streamed by POST /api/plans.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// PlanID identifies the plan run.
	PlanID string `json:"planId,omitempty"`
	// StepID is the ID of the related step, if applicable.
	StepID string `json:"stepId,omitempty"`
	// Agent is the agent of the related step, if applicable.
	Agent string `json:"agent,omitempty"`
	// Wave is the 1-based wave number.
	Wave int `json:"wave,omitempty"`
	// Steps lists the step IDs of a starting wave.
	Steps []string `json:"steps,omitempty"`
	// Error contains the failure message of a failed step or plan.
	Error string `json:"error,omitempty"`
	// Blocked lists the steps that can never run, for stall events.
	Blocked []graph.Blocked `json:"blocked,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
