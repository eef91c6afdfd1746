// Package store persists Spyre's entities in SQLite and is the
// synchronization point for all shared engine state.
package store

import "time"

// Environment statuses.
const (
	EnvStatusPending      = "pending"
	EnvStatusProvisioning = "provisioning"
	EnvStatusRunning      = "running"
	EnvStatusStopped      = "stopped"
	EnvStatusError        = "error"
	EnvStatusDestroying   = "destroying"
)

// Task statuses.
const (
	TaskStatusPending      = "pending"
	TaskStatusRunning      = "running"
	TaskStatusComplete     = "complete"
	TaskStatusError        = "error"
	TaskStatusAuthRequired = "auth_required"
	TaskStatusCancelled    = "cancelled"
)

// Task event types.
const (
	TaskEventInit       = "init"
	TaskEventText       = "text"
	TaskEventToolUse    = "tool_use"
	TaskEventToolResult = "tool_result"
	TaskEventResult     = "result"
)

// Pipeline statuses.
const (
	PipelineStatusDraft     = "draft"
	PipelineStatusRunning   = "running"
	PipelineStatusPaused    = "paused"
	PipelineStatusCompleted = "completed"
	PipelineStatusFailed    = "failed"
	PipelineStatusCancelled = "cancelled"
)

// Pipeline step types and statuses.
const (
	StepTypeAgent = "agent"
	StepTypeGate  = "gate"

	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusSkipped   = "skipped"
	StepStatusError     = "error"
	StepStatusWaiting   = "waiting"
	StepStatusCancelled = "cancelled"
)

// Gate results.
const (
	GateApproved = "approved"
	GateRejected = "rejected"
	GateRevised  = "revised"
)

// Context snapshot types.
const (
	SnapshotStart        = "start"
	SnapshotStepComplete = "step_complete"
	SnapshotGateDecision = "gate_decision"
)

// Orchestrator session statuses.
const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusPaused    = "paused"
	SessionStatusCompleted = "completed"
	SessionStatusError     = "error"
	SessionStatusCancelled = "cancelled"
)

// Lightweight agent statuses.
const (
	AgentStatusPending   = "pending"
	AgentStatusSpawning  = "spawning"
	AgentStatusRunning   = "running"
	AgentStatusCompleted = "completed"
	AgentStatusError     = "error"
	AgentStatusCancelled = "cancelled"
)

// Ask-user request statuses.
const (
	AskUserPending   = "pending"
	AskUserAnswered  = "answered"
	AskUserCancelled = "cancelled"
	AskUserExpired   = "expired"
)

// TaskTerminal reports whether a task status is terminal. Terminal statuses
// are monotonic: once set, no field except updated_at changes.
func TaskTerminal(status string) bool {
	switch status {
	case TaskStatusComplete, TaskStatusError, TaskStatusAuthRequired, TaskStatusCancelled:
		return true
	}
	return false
}

// StepTerminal reports whether a step status is terminal.
func StepTerminal(status string) bool {
	switch status {
	case StepStatusCompleted, StepStatusSkipped, StepStatusError, StepStatusCancelled:
		return true
	}
	return false
}

// AgentTerminal reports whether an agent status is terminal.
func AgentTerminal(status string) bool {
	switch status {
	case AgentStatusCompleted, AgentStatusError, AgentStatusCancelled:
		return true
	}
	return false
}

// Environment is a provisioned container managed by the controller.
type Environment struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	VMID       int        `db:"vmid" json:"vmid"`
	Status     string     `db:"status" json:"status"`
	Address    string     `db:"address" json:"address"`
	SSHUser    string     `db:"ssh_user" json:"ssh_user"`
	Metadata   string     `db:"metadata" json:"metadata"` // JSON blob, contains root password
	PersonaID  *string    `db:"persona_id" json:"persona_id,omitempty"`
	RepoURL    string     `db:"repo_url" json:"repo_url,omitempty"`
	RepoBranch string     `db:"repo_branch" json:"repo_branch,omitempty"`
	WorkingDir string     `db:"working_dir" json:"working_dir,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// DevContainer is a Docker container inside an environment hosting an
// isolated agent instance.
type DevContainer struct {
	ID        string    `db:"id" json:"id"`
	EnvID     string    `db:"env_id" json:"env_id"`
	Name      string    `db:"name" json:"name"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ClaudeTask is one CLI invocation inside one environment (or one
// dev-container within it).
type ClaudeTask struct {
	ID             string    `db:"id" json:"id"`
	EnvID          string    `db:"env_id" json:"env_id"`
	DevcontainerID *string   `db:"devcontainer_id" json:"devcontainer_id,omitempty"`
	Prompt         string    `db:"prompt" json:"prompt"`
	Status         string    `db:"status" json:"status"`
	Output         string    `db:"output" json:"output,omitempty"`
	Result         string    `db:"result" json:"result,omitempty"`
	SessionID      string    `db:"session_id" json:"session_id,omitempty"`
	CostUSD        float64   `db:"cost_usd" json:"cost_usd"`
	ErrorMessage   string    `db:"error_message" json:"error_message,omitempty"`
	ErrorCode      string    `db:"error_code" json:"error_code,omitempty"`
	MaxRetries     int       `db:"max_retries" json:"max_retries"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// TaskEvent is one persisted, sequenced projection of a stream event.
// (task_id, seq) is unique; seq starts at 1 and has no gaps.
type TaskEvent struct {
	ID        string    `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	Seq       int64     `db:"seq" json:"seq"`
	Type      string    `db:"type" json:"type"`
	Summary   string    `db:"summary" json:"summary"`
	Payload   string    `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Pipeline is a named workflow tied to one environment.
type Pipeline struct {
	ID              string    `db:"id" json:"id"`
	EnvID           string    `db:"env_id" json:"env_id"`
	Name            string    `db:"name" json:"name"`
	Description     string    `db:"description" json:"description,omitempty"`
	TemplateID      *string   `db:"template_id" json:"template_id,omitempty"`
	Status          string    `db:"status" json:"status"`
	CurrentPosition *int      `db:"current_position" json:"current_position,omitempty"`
	TotalCost       float64   `db:"total_cost" json:"total_cost"`
	ErrorMessage    string    `db:"error_message" json:"error_message,omitempty"`
	OutputArtifacts string    `db:"output_artifacts" json:"output_artifacts,omitempty"` // JSON blob
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// PipelineStep is a single unit at a position within a pipeline.
type PipelineStep struct {
	ID               string     `db:"id" json:"id"`
	PipelineID       string     `db:"pipeline_id" json:"pipeline_id"`
	Position         int        `db:"position" json:"position"`
	Type             string     `db:"type" json:"type"`
	Label            string     `db:"label" json:"label"`
	PersonaID        *string    `db:"persona_id" json:"persona_id,omitempty"`
	DevcontainerID   *string    `db:"devcontainer_id" json:"devcontainer_id,omitempty"`
	PromptTemplate   string     `db:"prompt_template" json:"prompt_template,omitempty"`
	GateInstructions string     `db:"gate_instructions" json:"gate_instructions,omitempty"`
	Status           string     `db:"status" json:"status"`
	TaskID           *string    `db:"task_id" json:"task_id,omitempty"`
	ResultSummary    string     `db:"result_summary" json:"result_summary,omitempty"`
	GateResult       *string    `db:"gate_result" json:"gate_result,omitempty"`
	GateFeedback     string     `db:"gate_feedback" json:"gate_feedback,omitempty"`
	Iteration        int        `db:"iteration" json:"iteration"`
	MaxRetries       int        `db:"max_retries" json:"max_retries"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	CostUSD          float64    `db:"cost_usd" json:"cost_usd"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// ContextSnapshot is an append-only record of git diff/status/HEAD captured
// at pipeline start, step completion, and gate decisions.
type ContextSnapshot struct {
	ID           string    `db:"id" json:"id"`
	PipelineID   string    `db:"pipeline_id" json:"pipeline_id"`
	StepID       *string   `db:"step_id" json:"step_id,omitempty"`
	SnapshotType string    `db:"snapshot_type" json:"snapshot_type"`
	Diff         string    `db:"diff" json:"diff,omitempty"`
	GitStatus    string    `db:"git_status" json:"git_status,omitempty"`
	CommitHash   string    `db:"commit_hash" json:"commit_hash,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// OrchestratorSession is a supervising task run that spawns waves of
// lightweight agents via tool calls.
type OrchestratorSession struct {
	ID            string    `db:"id" json:"id"`
	EnvID         string    `db:"env_id" json:"env_id"`
	Goal          string    `db:"goal" json:"goal"`
	SystemPrompt  string    `db:"system_prompt" json:"system_prompt,omitempty"`
	Model         string    `db:"model" json:"model"`
	Status        string    `db:"status" json:"status"`
	TaskID        *string   `db:"task_id" json:"task_id,omitempty"`
	WaveCount     int       `db:"wave_count" json:"wave_count"`
	AgentCount    int       `db:"agent_count" json:"agent_count"`
	TotalCost     float64   `db:"total_cost" json:"total_cost"`
	ResultSummary string    `db:"result_summary" json:"result_summary,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// LightweightAgent is a child task spawned by (or on behalf of) an
// orchestrator. Agents in a wave share wave_id and have dense wave_position
// values in dispatch order.
type LightweightAgent struct {
	ID             string    `db:"id" json:"id"`
	EnvID          string    `db:"env_id" json:"env_id"`
	OrchestratorID *string   `db:"orchestrator_id" json:"orchestrator_id,omitempty"`
	Name           string    `db:"name" json:"name"`
	Role           string    `db:"role" json:"role"`
	PersonaID      *string   `db:"persona_id" json:"persona_id,omitempty"`
	TaskPrompt     string    `db:"task_prompt" json:"task_prompt"`
	TaskID         *string   `db:"task_id" json:"task_id,omitempty"`
	Model          string    `db:"model" json:"model"`
	Status         string    `db:"status" json:"status"`
	WaveID         *string   `db:"wave_id" json:"wave_id,omitempty"`
	WavePosition   *int      `db:"wave_position" json:"wave_position,omitempty"`
	ResultSummary  string    `db:"result_summary" json:"result_summary,omitempty"`
	CostUSD        float64   `db:"cost_usd" json:"cost_usd"`
	Context        string    `db:"context" json:"context,omitempty"` // JSON blob
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// AskUserRequest is a question raised by an orchestrator awaiting a human
// response.
type AskUserRequest struct {
	ID             string    `db:"id" json:"id"`
	EnvID          string    `db:"env_id" json:"env_id"`
	OrchestratorID string    `db:"orchestrator_id" json:"orchestrator_id"`
	AgentID        *string   `db:"agent_id" json:"agent_id,omitempty"`
	Question       string    `db:"question" json:"question"`
	Options        string    `db:"options" json:"options,omitempty"` // JSON array
	Response       *string   `db:"response" json:"response,omitempty"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Persona describes an agent identity used in prompt framing.
type Persona struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role"`
	Prompt    string    `db:"prompt" json:"prompt,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ProvisioningLogEntry is one durable provisioning event for an environment.
type ProvisioningLogEntry struct {
	ID        string    `db:"id" json:"id"`
	EnvID     string    `db:"env_id" json:"env_id"`
	Phase     string    `db:"phase" json:"phase"`
	Status    string    `db:"status" json:"status"`
	Message   string    `db:"message" json:"message,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Setting is a key/value controller setting.
type Setting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
