package models

// StepStatus represents the state of a plan step.
type StepStatus string

const (
	// StepPending indicates the step has not started.
	StepPending StepStatus = "pending"
	// StepRunning indicates the step's request is in flight.
	StepRunning StepStatus = "running"
	// StepCompleted indicates the step's stream ended with done.
	StepCompleted StepStatus = "completed"
	// StepFailed indicates the step's stream ended with error or aborted.
	StepFailed StepStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// ExecutionStep is one node of an execution plan.
type ExecutionStep struct {
	// ID is unique within the plan.
	ID string `json:"id"`
	// Agent is the id of the agent that runs the step.
	Agent string `json:"agent"`
	// Message is the instruction sent to the agent.
	Message string `json:"message"`
	// OutputFile is where the agent is asked to write its result.
	OutputFile string `json:"output_file,omitempty"`
	// Dependencies lists the step ids that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Status is the current state. Empty is treated as pending.
	Status StepStatus `json:"status,omitempty"`
	// Error holds the failure message of a failed step.
	Error string `json:"error,omitempty"`
}

// Plan is the argument object of the plan tool.
type Plan struct {
	Steps []*ExecutionStep `json:"steps"`
}

// PlanToolName is the tool through which the orchestrator returns a plan.
const PlanToolName = "orchestrate_execution"
