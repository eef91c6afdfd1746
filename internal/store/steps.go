package store

import (
	"context"
	"time"
)

// ListSteps returns all steps of a pipeline ordered by position, then
// creation order within a position.
func (s *Store) ListSteps(ctx context.Context, pipelineID string) ([]*PipelineStep, error) {
	var steps []*PipelineStep
	err := s.ro.SelectContext(ctx, &steps, `
		SELECT * FROM pipeline_steps WHERE pipeline_id = ?
		ORDER BY position, created_at
	`, pipelineID)
	return steps, err
}

// GetStep retrieves a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*PipelineStep, error) {
	var step PipelineStep
	err := s.ro.GetContext(ctx, &step, `SELECT * FROM pipeline_steps WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// SetStepRunning transitions an agent step to running with its task id.
func (s *Store) SetStepRunning(ctx context.Context, id, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = 'running', task_id = ?, started_at = ?, updated_at = ?
		WHERE id = ?
	`, taskID, now, now, id)
	return err
}

// SetStepWaiting transitions a gate step to waiting.
func (s *Store) SetStepWaiting(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = 'waiting', started_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	return err
}

// SetStepCompleted records a successful step with its truncated result
// summary and cost.
func (s *Store) SetStepCompleted(ctx context.Context, id, resultSummary string, costUSD float64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = 'completed', result_summary = ?, cost_usd = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ?
	`, resultSummary, costUSD, now, now, id)
	return err
}

// SetStepError records a failed step.
func (s *Store) SetStepError(ctx context.Context, id, resultSummary string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = 'error', result_summary = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, resultSummary, now, now, id)
	return err
}

// SetStepStatus sets a bare status transition (skip, cancel).
func (s *Store) SetStepStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_steps SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

// ResetStep returns a step to pending and clears its volatile fields. When
// bumpIteration is set the iteration counter is incremented (revision loop);
// when bumpRetry is set the retry counter is incremented (auto-retry).
func (s *Store) ResetStep(ctx context.Context, id string, bumpIteration, bumpRetry bool) error {
	iter := 0
	if bumpIteration {
		iter = 1
	}
	retry := 0
	if bumpRetry {
		retry = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps
		SET status = 'pending', task_id = NULL, result_summary = '',
			started_at = NULL, completed_at = NULL,
			iteration = iteration + ?, retry_count = retry_count + ?, updated_at = ?
		WHERE id = ?
	`, iter, retry, time.Now().UTC(), id)
	return err
}

// DecideGate performs the optimistic compare-and-swap on a waiting gate:
// the transition only succeeds while the step is still waiting. Returns
// false when the CAS loses.
func (s *Store) DecideGate(ctx context.Context, id, gateResult, feedback string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps
		SET status = 'completed', gate_result = ?, gate_feedback = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'waiting'
	`, gateResult, feedback, now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SkipStep marks a step skipped iff it is pending, waiting, or error.
// Returns false when the step was not in a skippable state.
func (s *Store) SkipStep(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = 'skipped', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'waiting', 'error')
	`, now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListStepsByStatus returns steps of a pipeline in a given status.
func (s *Store) ListStepsByStatus(ctx context.Context, pipelineID, status string) ([]*PipelineStep, error) {
	var steps []*PipelineStep
	err := s.ro.SelectContext(ctx, &steps, `
		SELECT * FROM pipeline_steps WHERE pipeline_id = ? AND status = ?
		ORDER BY position, created_at
	`, pipelineID, status)
	return steps, err
}
