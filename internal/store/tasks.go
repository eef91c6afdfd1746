package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTaskActive is returned by CreateTask when a non-terminal task already
// exists for the same (environment, dev-container) scope.
var ErrTaskActive = errors.New("environment already has an active task")

func fillTaskDefaults(task *ClaudeTask) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
}

// CreateTask inserts a task row after verifying no non-terminal task exists
// for the same (env_id, devcontainer_id) pair. The check and insert run in
// one transaction so concurrent dispatches cannot both pass.
func (s *Store) CreateTask(ctx context.Context, task *ClaudeTask) error {
	fillTaskDefaults(task)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if task.DevcontainerID != nil {
		err = tx.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM claude_tasks
			WHERE env_id = ? AND devcontainer_id = ? AND status IN ('pending', 'running')
		`, task.EnvID, *task.DevcontainerID)
	} else {
		err = tx.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM claude_tasks
			WHERE env_id = ? AND devcontainer_id IS NULL AND status IN ('pending', 'running')
		`, task.EnvID)
	}
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrTaskActive
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO claude_tasks (id, env_id, devcontainer_id, prompt, status, output, result,
			session_id, cost_usd, error_message, error_code, max_retries, created_at, updated_at)
		VALUES (:id, :env_id, :devcontainer_id, :prompt, :status, :output, :result,
			:session_id, :cost_usd, :error_message, :error_code, :max_retries, :created_at, :updated_at)
	`, task)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CreateConcurrentTask inserts a task row without the per-environment
// singleton check. Orchestrator-spawned lightweight agents share their
// environment with the supervising task, so the check does not apply.
func (s *Store) CreateConcurrentTask(ctx context.Context, task *ClaudeTask) error {
	fillTaskDefaults(task)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO claude_tasks (id, env_id, devcontainer_id, prompt, status, output, result,
			session_id, cost_usd, error_message, error_code, max_retries, created_at, updated_at)
		VALUES (:id, :env_id, :devcontainer_id, :prompt, :status, :output, :result,
			:session_id, :cost_usd, :error_message, :error_code, :max_retries, :created_at, :updated_at)
	`, task)
	return err
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*ClaudeTask, error) {
	var task ClaudeTask
	err := s.ro.GetContext(ctx, &task, `SELECT * FROM claude_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// ListTasks returns tasks, optionally filtered by environment, newest first.
func (s *Store) ListTasks(ctx context.Context, envID string) ([]*ClaudeTask, error) {
	var tasks []*ClaudeTask
	var err error
	if envID != "" {
		err = s.ro.SelectContext(ctx, &tasks,
			`SELECT * FROM claude_tasks WHERE env_id = ? ORDER BY created_at DESC`, envID)
	} else {
		err = s.ro.SelectContext(ctx, &tasks,
			`SELECT * FROM claude_tasks ORDER BY created_at DESC`)
	}
	return tasks, err
}

// CountActiveTasks returns the number of tasks in pending or running status.
func (s *Store) CountActiveTasks(ctx context.Context) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM claude_tasks WHERE status IN ('pending', 'running')`)
	return count, err
}

// SetTaskRunning transitions a task to running.
func (s *Store) SetTaskRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE claude_tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	return err
}

// AppendTaskOutput appends a chunk to the accumulated raw output. Terminal
// rows are left alone; a late chunk from a torn-down channel is dropped.
func (s *Store) AppendTaskOutput(ctx context.Context, id, chunk string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE claude_tasks SET output = output || ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		chunk, time.Now().UTC(), id)
	return err
}

// SetTaskComplete records a successful completion. It refuses to overwrite a
// terminal status so a late callback cannot resurrect a cancelled task.
func (s *Store) SetTaskComplete(ctx context.Context, id, result, sessionID string, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE claude_tasks
		SET status = 'complete', result = ?, session_id = ?, cost_usd = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, result, sessionID, costUSD, time.Now().UTC(), id)
	return err
}

// SetTaskError records a failure with its taxonomy code. auth-related codes
// map to the auth_required status by the caller. Terminal rows are untouched.
func (s *Store) SetTaskError(ctx context.Context, id, status, errMsg, errCode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE claude_tasks
		SET status = ?, error_message = ?, error_code = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, status, errMsg, errCode, time.Now().UTC(), id)
	return err
}

// SetTaskSessionID stores the CLI session id as soon as it is known.
func (s *Store) SetTaskSessionID(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE claude_tasks SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), id)
	return err
}

// CancelTask marks a task cancelled iff it is still pending or running.
// Returns true if the row transitioned.
func (s *Store) CancelTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE claude_tasks SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteTask removes a task and its events.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claude_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTaskEvent persists the next event for a task. The sequence number is
// assigned inside a transaction: max(seq)+1, starting at 1, so (task_id, seq)
// is gap-free and strictly increasing.
func (s *Store) AppendTaskEvent(ctx context.Context, event *TaskEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq,
		`SELECT MAX(seq) FROM claude_task_events WHERE task_id = ?`, event.TaskID); err != nil {
		return err
	}
	event.Seq = maxSeq.Int64 + 1

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO claude_task_events (id, task_id, seq, type, summary, payload, created_at)
		VALUES (:id, :task_id, :seq, :type, :summary, :payload, :created_at)
	`, event); err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}
	return tx.Commit()
}

// ListTaskEvents returns the durable event log of a task in sequence order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	var evs []*TaskEvent
	err := s.ro.SelectContext(ctx, &evs,
		`SELECT * FROM claude_task_events WHERE task_id = ? ORDER BY seq`, taskID)
	return evs, err
}
