package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store provides SQLite-backed persistence for all Spyre entities.
// It holds a single-connection writer and a read-only pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a Store over existing database connections and initializes the
// schema. Passing the writer twice is valid for tests.
func New(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connections.
func (s *Store) Close() error {
	if s.ro != nil && s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initEnvironmentSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initPipelineSchema(); err != nil {
		return err
	}
	if err := s.initOrchestratorSchema(); err != nil {
		return err
	}
	return s.initSupportSchema()
}

func (s *Store) initEnvironmentSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		vmid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		address TEXT DEFAULT '',
		ssh_user TEXT DEFAULT 'root',
		metadata TEXT DEFAULT '{}',
		persona_id TEXT,
		repo_url TEXT DEFAULT '',
		repo_branch TEXT DEFAULT '',
		working_dir TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devcontainers (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (env_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_devcontainers_env_id ON devcontainers(env_id);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS claude_tasks (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		devcontainer_id TEXT,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		output TEXT DEFAULT '',
		result TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		error_code TEXT DEFAULT '',
		max_retries INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (env_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_claude_tasks_env_id ON claude_tasks(env_id);
	CREATE INDEX IF NOT EXISTS idx_claude_tasks_status ON claude_tasks(status);

	CREATE TABLE IF NOT EXISTS claude_task_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		summary TEXT DEFAULT '',
		payload TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES claude_tasks(id) ON DELETE CASCADE,
		UNIQUE(task_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_claude_task_events_task_id ON claude_task_events(task_id, seq);
	`)
	return err
}

func (s *Store) initPipelineSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		template_id TEXT,
		status TEXT NOT NULL DEFAULT 'draft',
		current_position INTEGER,
		total_cost REAL NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		output_artifacts TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (env_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pipelines_env_id ON pipelines(env_id);
	CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status);

	CREATE TABLE IF NOT EXISTS pipeline_steps (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		label TEXT NOT NULL,
		persona_id TEXT,
		devcontainer_id TEXT,
		prompt_template TEXT DEFAULT '',
		gate_instructions TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		task_id TEXT,
		result_summary TEXT DEFAULT '',
		gate_result TEXT,
		gate_feedback TEXT DEFAULT '',
		iteration INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_steps_pipeline ON pipeline_steps(pipeline_id, position);
	CREATE INDEX IF NOT EXISTS idx_pipeline_steps_status ON pipeline_steps(status);

	CREATE TABLE IF NOT EXISTS pipeline_context_snapshots (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		step_id TEXT,
		snapshot_type TEXT NOT NULL,
		diff TEXT DEFAULT '',
		git_status TEXT DEFAULT '',
		commit_hash TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_snapshots ON pipeline_context_snapshots(pipeline_id, snapshot_type, created_at DESC);
	`)
	return err
}

func (s *Store) initOrchestratorSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS orchestrator_sessions (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		system_prompt TEXT DEFAULT '',
		model TEXT NOT NULL DEFAULT 'sonnet',
		status TEXT NOT NULL DEFAULT 'pending',
		task_id TEXT,
		wave_count INTEGER NOT NULL DEFAULT 0,
		agent_count INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		result_summary TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (env_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_orchestrator_sessions_env ON orchestrator_sessions(env_id);
	CREATE INDEX IF NOT EXISTS idx_orchestrator_sessions_status ON orchestrator_sessions(status);

	CREATE TABLE IF NOT EXISTS lightweight_agents (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		orchestrator_id TEXT,
		name TEXT NOT NULL,
		role TEXT DEFAULT '',
		persona_id TEXT,
		task_prompt TEXT NOT NULL,
		task_id TEXT,
		model TEXT NOT NULL DEFAULT 'haiku',
		status TEXT NOT NULL DEFAULT 'pending',
		wave_id TEXT,
		wave_position INTEGER,
		result_summary TEXT DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		context TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (env_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_lightweight_agents_orch ON lightweight_agents(orchestrator_id);
	CREATE INDEX IF NOT EXISTS idx_lightweight_agents_wave ON lightweight_agents(wave_id, wave_position);

	CREATE TABLE IF NOT EXISTS ask_user_requests (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		orchestrator_id TEXT NOT NULL,
		agent_id TEXT,
		question TEXT NOT NULL,
		options TEXT DEFAULT '',
		response TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (env_id) REFERENCES environments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_ask_user_requests_orch ON ask_user_requests(orchestrator_id, status);
	`)
	return err
}

func (s *Store) initSupportSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT DEFAULT '',
		prompt TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS provisioning_log (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_provisioning_log_env ON provisioning_log(env_id, created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}
