package server

import (
	"time"

	"github.com/coswise/claude-code-by-agents/internal/state"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// planView is the JSON shape of a recorded plan run.
type planView struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	StepCount  int        `json:"stepCount"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Steps      []stepView `json:"steps,omitempty"`
}

type stepView struct {
	models.ExecutionStep
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func newPlanView(p state.PlanRun) planView {
	v := planView{
		ID:         p.ID,
		Status:     p.Status,
		StepCount:  p.StepCount,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
	}
	for _, s := range p.Steps {
		v.Steps = append(v.Steps, stepView{ExecutionStep: s.ExecutionStep, FinishedAt: s.FinishedAt})
	}
	return v
}
