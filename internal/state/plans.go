package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// ErrPlanNotFound is returned when a plan ID is not in the ledger.
var ErrPlanNotFound = errors.New("plan not found")

// PlanStatusRunning is the status of a plan that has not finished. Finished
// plans carry the scheduler's outcome (completed, stalled or cancelled).
const PlanStatusRunning = "running"

// PlanRun is one recorded plan execution.
type PlanRun struct {
	ID         string
	Status     string
	StepCount  int
	StartedAt  time.Time
	FinishedAt *time.Time
	// Steps is filled by GetPlan, in plan order.
	Steps []StepRecord
}

// StepRecord is the recorded state of one plan step.
type StepRecord struct {
	models.ExecutionStep
	FinishedAt *time.Time
}

// PlanStarted records a new plan and all its steps as pending.
func (db *DB) PlanStarted(ctx context.Context, planID string, steps []*models.ExecutionStep) error {
	now := formatTime(time.Now())

	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, status, step_count, started_at) VALUES (?, ?, ?, ?)
		`, planID, PlanStatusRunning, len(steps), now); err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}

		for i, s := range steps {
			deps, err := json.Marshal(s.Dependencies)
			if err != nil {
				return fmt.Errorf("marshal dependencies: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO plan_steps (plan_id, step_id, position, agent, message, output_file, depends_on, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, planID, s.ID, i, s.Agent, s.Message, s.OutputFile, string(deps), string(models.StepPending)); err != nil {
				return fmt.Errorf("insert step %s: %w", s.ID, err)
			}
		}
		return nil
	})
}

// StepFinished records the final status of a step.
func (db *DB) StepFinished(ctx context.Context, planID string, step models.ExecutionStep) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE plan_steps SET status = ?, error = ?, finished_at = ?
		WHERE plan_id = ? AND step_id = ?
	`, string(step.Status), step.Error, formatTime(time.Now()), planID, step.ID)
	if err != nil {
		return fmt.Errorf("update step %s: %w", step.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("step %s of plan %s: %w", step.ID, planID, ErrPlanNotFound)
	}
	return nil
}

// PlanFinished records the outcome of a plan.
func (db *DB) PlanFinished(ctx context.Context, planID, outcome string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE plans SET status = ?, finished_at = ? WHERE id = ?
	`, outcome, formatTime(time.Now()), planID)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", planID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("plan %s: %w", planID, ErrPlanNotFound)
	}
	return nil
}

// GetPlan returns a plan with its steps.
func (db *DB) GetPlan(ctx context.Context, id string) (*PlanRun, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, status, step_count, started_at, finished_at FROM plans WHERE id = ?
	`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrPlanNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT step_id, agent, message, output_file, depends_on, status, error, finished_at
		FROM plan_steps WHERE plan_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                       StepRecord
			status                    string
			outputFile, deps, errText sql.NullString
			finishedAt                sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Agent, &rec.Message, &outputFile, &deps, &status, &errText, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.OutputFile = outputFile.String
		rec.Status = models.StepStatus(status)
		rec.Error = errText.String
		rec.FinishedAt = parseNullableTime(finishedAt)
		if deps.Valid && deps.String != "" && deps.String != "null" {
			if err := json.Unmarshal([]byte(deps.String), &rec.Dependencies); err != nil {
				return nil, fmt.Errorf("decode dependencies of %s: %w", rec.ID, err)
			}
		}
		plan.Steps = append(plan.Steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return plan, nil
}

// ListPlans returns the most recent plans, newest first, without steps.
// A limit of zero or less returns all plans.
func (db *DB) ListPlans(ctx context.Context, limit int) ([]PlanRun, error) {
	if limit <= 0 {
		limit = -1
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, status, step_count, started_at, finished_at
		FROM plans ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []PlanRun
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*PlanRun, error) {
	var (
		plan       PlanRun
		startedAt  string
		finishedAt sql.NullString
	)
	if err := s.Scan(&plan.ID, &plan.Status, &plan.StepCount, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	plan.StartedAt = t
	plan.FinishedAt = parseNullableTime(finishedAt)
	return &plan, nil
}
