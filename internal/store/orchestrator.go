package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts an orchestrator session row.
func (s *Store) CreateSession(ctx context.Context, sess *OrchestratorSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionStatusPending
	}
	if sess.Model == "" {
		sess.Model = "sonnet"
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orchestrator_sessions (id, env_id, goal, system_prompt, model, status,
			task_id, wave_count, agent_count, total_cost, result_summary, created_at, updated_at)
		VALUES (:id, :env_id, :goal, :system_prompt, :model, :status,
			:task_id, :wave_count, :agent_count, :total_cost, :result_summary, :created_at, :updated_at)
	`, sess)
	return err
}

// GetSession retrieves an orchestrator session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*OrchestratorSession, error) {
	var sess OrchestratorSession
	err := s.ro.GetContext(ctx, &sess, `SELECT * FROM orchestrator_sessions WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// ListSessions returns all orchestrator sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*OrchestratorSession, error) {
	var sessions []*OrchestratorSession
	err := s.ro.SelectContext(ctx, &sessions,
		`SELECT * FROM orchestrator_sessions ORDER BY created_at DESC`)
	return sessions, err
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...string) ([]*OrchestratorSession, error) {
	query, args, err := inQuery(`SELECT * FROM orchestrator_sessions WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, err
	}
	var sessions []*OrchestratorSession
	err = s.ro.SelectContext(ctx, &sessions, query, args...)
	return sessions, err
}

// UpdateSessionStatus sets a session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orchestrator_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

// SetSessionTask links the supervising dispatcher task to the session.
func (s *Store) SetSessionTask(ctx context.Context, id, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orchestrator_sessions SET task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, time.Now().UTC(), id)
	return err
}

// SetSessionResult records the final summary and status.
func (s *Store) SetSessionResult(ctx context.Context, id, status, resultSummary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_sessions SET status = ?, result_summary = ?, updated_at = ? WHERE id = ?
	`, status, resultSummary, time.Now().UTC(), id)
	return err
}

// IncrementWaveCount bumps wave_count once per spawned batch and adds the
// batch size to agent_count.
func (s *Store) IncrementWaveCount(ctx context.Context, id string, agents int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_sessions
		SET wave_count = wave_count + 1, agent_count = agent_count + ?, updated_at = ?
		WHERE id = ?
	`, agents, time.Now().UTC(), id)
	return err
}

// AddSessionCost accumulates cost onto a session.
func (s *Store) AddSessionCost(ctx context.Context, id string, costUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orchestrator_sessions SET total_cost = total_cost + ?, updated_at = ? WHERE id = ?`,
		costUSD, time.Now().UTC(), id)
	return err
}

// DeleteSession removes an orchestrator session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orchestrator_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAgent inserts a lightweight agent row.
func (s *Store) CreateAgent(ctx context.Context, agent *LightweightAgent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusPending
	}
	if agent.Model == "" {
		agent.Model = "haiku"
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO lightweight_agents (id, env_id, orchestrator_id, name, role, persona_id,
			task_prompt, task_id, model, status, wave_id, wave_position, result_summary,
			cost_usd, context, created_at, updated_at)
		VALUES (:id, :env_id, :orchestrator_id, :name, :role, :persona_id,
			:task_prompt, :task_id, :model, :status, :wave_id, :wave_position, :result_summary,
			:cost_usd, :context, :created_at, :updated_at)
	`, agent)
	return err
}

// GetAgent retrieves a lightweight agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*LightweightAgent, error) {
	var agent LightweightAgent
	err := s.ro.GetContext(ctx, &agent, `SELECT * FROM lightweight_agents WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &agent, nil
}

// ListAgents returns agents, optionally filtered by orchestrator session.
func (s *Store) ListAgents(ctx context.Context, orchestratorID string) ([]*LightweightAgent, error) {
	var agents []*LightweightAgent
	var err error
	if orchestratorID != "" {
		err = s.ro.SelectContext(ctx, &agents, `
			SELECT * FROM lightweight_agents WHERE orchestrator_id = ?
			ORDER BY wave_id, wave_position, created_at
		`, orchestratorID)
	} else {
		err = s.ro.SelectContext(ctx, &agents,
			`SELECT * FROM lightweight_agents ORDER BY created_at DESC`)
	}
	return agents, err
}

// CountActiveAgents returns the number of non-terminal agents in a session.
func (s *Store) CountActiveAgents(ctx context.Context, orchestratorID string) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM lightweight_agents
		WHERE orchestrator_id = ? AND status IN ('pending', 'spawning', 'running')
	`, orchestratorID)
	return count, err
}

// UpdateAgentStatus sets an agent status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lightweight_agents SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

// SetAgentTask links a dispatcher task to the agent and marks it running.
func (s *Store) SetAgentTask(ctx context.Context, id, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lightweight_agents SET task_id = ?, status = 'running', updated_at = ? WHERE id = ?
	`, taskID, time.Now().UTC(), id)
	return err
}

// SetAgentResult records a terminal agent outcome.
func (s *Store) SetAgentResult(ctx context.Context, id, status, resultSummary string, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lightweight_agents
		SET status = ?, result_summary = ?, cost_usd = ?, updated_at = ?
		WHERE id = ?
	`, status, resultSummary, costUSD, time.Now().UTC(), id)
	return err
}

// DeleteAgent removes a lightweight agent row.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lightweight_agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
