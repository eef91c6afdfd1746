package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreatePipeline inserts a pipeline and its steps in one transaction.
func (s *Store) CreatePipeline(ctx context.Context, p *Pipeline, steps []*PipelineStep) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PipelineStatusDraft
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO pipelines (id, env_id, name, description, template_id, status,
			current_position, total_cost, error_message, output_artifacts, created_at, updated_at)
		VALUES (:id, :env_id, :name, :description, :template_id, :status,
			:current_position, :total_cost, :error_message, :output_artifacts, :created_at, :updated_at)
	`, p); err != nil {
		return err
	}

	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.PipelineID = p.ID
		step.CreatedAt = now
		step.UpdatedAt = now
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO pipeline_steps (id, pipeline_id, position, type, label, persona_id,
				devcontainer_id, prompt_template, gate_instructions, status, task_id,
				result_summary, gate_result, gate_feedback, iteration, max_retries,
				retry_count, cost_usd, started_at, completed_at, created_at, updated_at)
			VALUES (:id, :pipeline_id, :position, :type, :label, :persona_id,
				:devcontainer_id, :prompt_template, :gate_instructions, :status, :task_id,
				:result_summary, :gate_result, :gate_feedback, :iteration, :max_retries,
				:retry_count, :cost_usd, :started_at, :completed_at, :created_at, :updated_at)
		`, step); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetPipeline retrieves a pipeline by id.
func (s *Store) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	err := s.ro.GetContext(ctx, &p, `SELECT * FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPipelines returns pipelines, optionally filtered by environment.
func (s *Store) ListPipelines(ctx context.Context, envID string) ([]*Pipeline, error) {
	var ps []*Pipeline
	var err error
	if envID != "" {
		err = s.ro.SelectContext(ctx, &ps,
			`SELECT * FROM pipelines WHERE env_id = ? ORDER BY created_at DESC`, envID)
	} else {
		err = s.ro.SelectContext(ctx, &ps, `SELECT * FROM pipelines ORDER BY created_at DESC`)
	}
	return ps, err
}

// ListPipelinesByStatus returns pipelines in any of the given statuses.
func (s *Store) ListPipelinesByStatus(ctx context.Context, statuses ...string) ([]*Pipeline, error) {
	query, args, err := inQuery(`SELECT * FROM pipelines WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, err
	}
	var ps []*Pipeline
	err = s.ro.SelectContext(ctx, &ps, query, args...)
	return ps, err
}

// UpdatePipelineStatus sets status; current position is untouched.
func (s *Store) UpdatePipelineStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

// SetPipelinePosition moves current_position, optionally updating status in
// the same statement.
func (s *Store) SetPipelinePosition(ctx context.Context, id string, position int, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET current_position = ?, status = ?, updated_at = ? WHERE id = ?`,
		position, status, time.Now().UTC(), id)
	return err
}

// SetPipelineFailed marks a pipeline failed with its aggregated error.
func (s *Store) SetPipelineFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id)
	return err
}

// SetPipelineCompleted marks a pipeline completed, recording the summed cost
// and the cached output artifacts blob.
func (s *Store) SetPipelineCompleted(ctx context.Context, id string, totalCost float64, artifacts string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET status = 'completed', total_cost = ?, output_artifacts = ?, updated_at = ?
		WHERE id = ?
	`, totalCost, artifacts, time.Now().UTC(), id)
	return err
}

// SetPipelineArtifacts updates the cached artifacts blob (rescan path).
func (s *Store) SetPipelineArtifacts(ctx context.Context, id, artifacts string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET output_artifacts = ?, updated_at = ? WHERE id = ?`,
		artifacts, time.Now().UTC(), id)
	return err
}

// DeletePipeline removes a pipeline and its steps/snapshots via cascade.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSnapshot appends a context snapshot row.
func (s *Store) CreateSnapshot(ctx context.Context, snap *ContextSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pipeline_context_snapshots (id, pipeline_id, step_id, snapshot_type,
			diff, git_status, commit_hash, created_at)
		VALUES (:id, :pipeline_id, :step_id, :snapshot_type, :diff, :git_status, :commit_hash, :created_at)
	`, snap)
	return err
}

// LatestSnapshot returns the most recent snapshot of the given type for a
// pipeline, or ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, pipelineID, snapshotType string) (*ContextSnapshot, error) {
	var snap ContextSnapshot
	err := s.ro.GetContext(ctx, &snap, `
		SELECT * FROM pipeline_context_snapshots
		WHERE pipeline_id = ? AND snapshot_type = ?
		ORDER BY created_at DESC LIMIT 1
	`, pipelineID, snapshotType)
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// ListSnapshots returns all snapshots for a pipeline, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, pipelineID string) ([]*ContextSnapshot, error) {
	var snaps []*ContextSnapshot
	err := s.ro.SelectContext(ctx, &snaps,
		`SELECT * FROM pipeline_context_snapshots WHERE pipeline_id = ? ORDER BY created_at`, pipelineID)
	return snaps, err
}
