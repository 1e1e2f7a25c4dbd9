package state

import (
	"context"
	"io"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// PlanRecorder records plan runs as the scheduler executes them. It matches
// the scheduler's ledger interface.
type PlanRecorder interface {
	PlanStarted(ctx context.Context, planID string, steps []*models.ExecutionStep) error
	StepFinished(ctx context.Context, planID string, step models.ExecutionStep) error
	PlanFinished(ctx context.Context, planID, outcome string) error
}

// PlanReader reads recorded plan runs.
type PlanReader interface {
	GetPlan(ctx context.Context, id string) (*PlanRun, error)
	ListPlans(ctx context.Context, limit int) ([]PlanRun, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Ledger composes the recording and reading sides of the plan ledger.
type Ledger interface {
	PlanRecorder
	PlanReader
	Migrator
	io.Closer
}

// Ensure DB implements Ledger at compile time.
var _ Ledger = (*DB)(nil)
