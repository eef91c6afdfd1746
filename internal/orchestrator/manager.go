// Package orchestrator runs supervising agent sessions that spawn waves of
// lightweight child agents through intercepted tool calls, plus the
// ask-user request/reply channel between those sessions and a human.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/dispatcher"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
	"github.com/spyre-sh/spyre/pkg/claudecode"
)

// MaxAgentsPerWave caps concurrent lightweight agents per orchestrator.
const MaxAgentsPerWave = 8

const agentSummaryMax = 500

// TaskRunner is the dispatcher surface the manager needs.
type TaskRunner interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*store.ClaudeTask, error)
	Cancel(ctx context.Context, taskID string) error
	IsActive(taskID string) bool
}

// Options tunes orchestrator behavior.
type Options struct {
	DefaultModel string
	// An environment runs one task at a time, so agents in a wave queue
	// behind each other; dispatch retries on busy until this deadline.
	DispatchRetryInterval time.Duration
	DispatchRetryTimeout  time.Duration
	// AskUserTTL expires unanswered requests; zero disables expiry.
	AskUserTTL time.Duration
}

// Manager owns orchestrator sessions and their agent waves.
type Manager struct {
	st     *store.Store
	bus    bus.EventBus
	runner TaskRunner
	opts   Options
	log    *logger.Logger

	mu   sync.Mutex
	subs map[string][]bus.Subscription

	stopGC chan struct{}
	gcDone chan struct{}
}

// NewManager creates an orchestrator manager and starts the ask-user expiry
// loop when a TTL is configured.
func NewManager(st *store.Store, eventBus bus.EventBus, runner TaskRunner, opts Options, log *logger.Logger) *Manager {
	if opts.DefaultModel == "" {
		opts.DefaultModel = "sonnet"
	}
	if opts.DispatchRetryInterval <= 0 {
		opts.DispatchRetryInterval = 500 * time.Millisecond
	}
	if opts.DispatchRetryTimeout <= 0 {
		opts.DispatchRetryTimeout = 10 * time.Minute
	}
	m := &Manager{
		st:     st,
		bus:    eventBus,
		runner: runner,
		opts:   opts,
		log:    log,
		subs:   make(map[string][]bus.Subscription),
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Close stops background work. In-flight sessions keep running.
func (m *Manager) Close() {
	close(m.stopGC)
	<-m.gcDone
}

// StartRequest starts a supervising session.
type StartRequest struct {
	EnvID      string   `json:"envId"`
	Goal       string   `json:"goal"`
	Model      string   `json:"model,omitempty"`
	PersonaIDs []string `json:"personaIds,omitempty"`
}

// Start creates a session row, composes the supervising prompt, and
// dispatches the supervising task.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*store.OrchestratorSession, error) {
	if req.Goal == "" {
		return nil, apperrors.Validation("goal is required")
	}
	env, err := m.st.GetEnvironment(ctx, req.EnvID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("environment", req.EnvID)
		}
		return nil, err
	}
	if env.Status != store.EnvStatusRunning {
		return nil, apperrors.InvalidState(fmt.Sprintf("environment is %s, not running", env.Status))
	}

	var personas []*store.Persona
	for _, id := range req.PersonaIDs {
		p, err := m.st.GetPersona(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperrors.NotFound("persona", id)
			}
			return nil, err
		}
		personas = append(personas, p)
	}

	model := req.Model
	if model == "" {
		model = m.opts.DefaultModel
	}
	sess := &store.OrchestratorSession{
		EnvID:        env.ID,
		Goal:         req.Goal,
		Model:        model,
		SystemPrompt: buildSystemPrompt(req.Goal, personas),
	}
	if err := m.st.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	task, err := m.runner.Dispatch(ctx, dispatcher.Request{
		EnvID:  env.ID,
		Prompt: sess.SystemPrompt,
		Model:  sess.Model,
	})
	if err != nil {
		_ = m.st.SetSessionResult(ctx, sess.ID, store.SessionStatusError, err.Error())
		return nil, err
	}
	if err := m.st.SetSessionTask(ctx, sess.ID, task.ID); err != nil {
		return nil, err
	}
	if err := m.st.UpdateSessionStatus(ctx, sess.ID, store.SessionStatusRunning); err != nil {
		return nil, err
	}
	sess.TaskID = &task.ID
	sess.Status = store.SessionStatusRunning

	if err := m.attachSupervisor(sess.ID, env.ID, task.ID); err != nil {
		return nil, err
	}
	m.publish(events.OrchestratorEvent(sess.ID), "orchestrator.started", map[string]any{
		"orchestrator_id": sess.ID,
		"task_id":         task.ID,
		"goal":            sess.Goal,
	})
	return sess, nil
}

// ReattachSession restores the event wiring of a supervising task after a
// process restart.
func (m *Manager) ReattachSession(sess *store.OrchestratorSession) error {
	if sess.TaskID == nil {
		return fmt.Errorf("session %s has no supervising task", sess.ID)
	}
	return m.attachSupervisor(sess.ID, sess.EnvID, *sess.TaskID)
}

// RecoverSession reconciles one session with live dispatcher state after a
// restart: re-attach the supervising task if it still runs, apply its
// outcome if it finished while we were down, or fail the session. Running
// agents are reconciled the same way.
func (m *Manager) RecoverSession(ctx context.Context, sess *store.OrchestratorSession) error {
	agents, err := m.st.ListAgents(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if store.AgentTerminal(agent.Status) {
			continue
		}
		if agent.TaskID == nil {
			_ = m.st.SetAgentResult(ctx, agent.ID, store.AgentStatusError, "Task lost during restart", 0)
			continue
		}
		switch {
		case m.runner.IsActive(*agent.TaskID):
			if err := m.ReattachAgent(agent); err != nil {
				return err
			}
		case m.taskFinished(ctx, *agent.TaskID):
			m.onAgentComplete(agent.ID, agent.OrchestratorID, *agent.TaskID)
		default:
			_ = m.st.SetAgentResult(ctx, agent.ID, store.AgentStatusError, "Task lost during restart", 0)
		}
	}

	if sess.TaskID == nil {
		return m.st.SetSessionResult(ctx, sess.ID, store.SessionStatusError, "Task lost during restart")
	}
	switch {
	case m.runner.IsActive(*sess.TaskID):
		return m.ReattachSession(sess)
	case m.taskFinished(ctx, *sess.TaskID):
		m.onSupervisorComplete(sess.ID, *sess.TaskID)
		return nil
	default:
		_ = m.st.CancelAskUserRequests(ctx, sess.ID)
		return m.st.SetSessionResult(ctx, sess.ID, store.SessionStatusError, "Task lost during restart")
	}
}

func (m *Manager) taskFinished(ctx context.Context, taskID string) bool {
	task, err := m.st.GetTask(ctx, taskID)
	return err == nil && store.TaskTerminal(task.Status)
}

// ReattachAgent restores the completion listener for a running agent.
func (m *Manager) ReattachAgent(agent *store.LightweightAgent) error {
	if agent.TaskID == nil {
		return fmt.Errorf("agent %s has no task", agent.ID)
	}
	return m.subscribeAgentComplete(agent.ID, agent.OrchestratorID, *agent.TaskID)
}

func (m *Manager) attachSupervisor(sessionID, envID, taskID string) error {
	evSub, err := m.bus.Subscribe(events.TaskEvent(taskID), func(ctx context.Context, ev *bus.Event) error {
		m.handleToolEvent(ctx, sessionID, envID, ev)
		return nil
	})
	if err != nil {
		return err
	}
	doneSub, err := m.bus.Subscribe(events.TaskComplete(taskID), func(ctx context.Context, ev *bus.Event) error {
		m.onSupervisorComplete(sessionID, taskID)
		return nil
	})
	if err != nil {
		_ = evSub.Unsubscribe()
		return err
	}
	m.mu.Lock()
	m.subs[sessionID] = append(m.subs[sessionID], evSub, doneSub)
	m.mu.Unlock()
	return nil
}

// handleToolEvent intercepts spyre_spawn_agent / spyre_ask_user tool calls
// from the supervising task's event stream.
func (m *Manager) handleToolEvent(ctx context.Context, sessionID, envID string, ev *bus.Event) {
	if t, _ := ev.Data["type"].(string); t != claudecode.EventToolUse {
		return
	}
	payload, _ := ev.Data["payload"].(string)
	if payload == "" {
		return
	}
	var msg claudecode.CLIMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != claudecode.BlockTypeToolUse {
			continue
		}
		switch block.Name {
		case ToolSpawnAgent:
			m.handleSpawnTool(ctx, sessionID, envID, block.Input)
		case ToolAskUser:
			m.handleAskTool(ctx, sessionID, envID, block.Input)
		}
	}
}

// AgentSpec describes one lightweight agent to spawn.
type AgentSpec struct {
	Name      string         `json:"name"`
	Role      string         `json:"role,omitempty"`
	PersonaID *string        `json:"persona_id,omitempty"`
	Task      string         `json:"task"`
	Model     string         `json:"model,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (m *Manager) handleSpawnTool(ctx context.Context, sessionID, envID string, input map[string]any) {
	data, err := json.Marshal(input)
	if err != nil {
		return
	}
	var batch struct {
		Agents []AgentSpec `json:"agents"`
	}
	_ = json.Unmarshal(data, &batch)
	if len(batch.Agents) == 0 {
		var single AgentSpec
		if err := json.Unmarshal(data, &single); err == nil && single.Task != "" {
			batch.Agents = []AgentSpec{single}
		}
	}
	if len(batch.Agents) == 0 {
		m.log.Warn("spawn_agent tool call without agents", zap.String("orchestrator_id", sessionID))
		return
	}
	if _, err := m.SpawnAgents(ctx, envID, &sessionID, batch.Agents); err != nil {
		m.log.WithError(err).Warn("agent wave rejected", zap.String("orchestrator_id", sessionID))
		m.publish(events.OrchestratorEvent(sessionID), "orchestrator.spawn_rejected", map[string]any{
			"orchestrator_id": sessionID,
			"error":           err.Error(),
		})
	}
}

// SpawnAgents creates one wave: all agents share a wave id with dense
// positions in submission order, and dispatch concurrently. Dispatch
// failures land on the agent row, not on the returned error.
func (m *Manager) SpawnAgents(ctx context.Context, envID string, orchestratorID *string, specs []AgentSpec) ([]*store.LightweightAgent, error) {
	if len(specs) == 0 {
		return nil, apperrors.Validation("at least one agent is required")
	}
	for _, spec := range specs {
		if spec.Task == "" {
			return nil, apperrors.Validation("every agent needs a task")
		}
	}
	if len(specs) > MaxAgentsPerWave {
		return nil, apperrors.RateLimited(fmt.Sprintf(
			"wave of %d exceeds the limit of %d agents", len(specs), MaxAgentsPerWave))
	}
	if _, err := m.st.GetEnvironment(ctx, envID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("environment", envID)
		}
		return nil, err
	}

	if orchestratorID != nil {
		active, err := m.st.CountActiveAgents(ctx, *orchestratorID)
		if err != nil {
			return nil, err
		}
		if active+len(specs) > MaxAgentsPerWave {
			return nil, apperrors.RateLimited(fmt.Sprintf(
				"wave of %d exceeds the limit of %d concurrent agents (%d active)",
				len(specs), MaxAgentsPerWave, active))
		}
		if err := m.st.IncrementWaveCount(ctx, *orchestratorID, len(specs)); err != nil {
			return nil, err
		}
	}

	waveID := uuid.New().String()
	agents := make([]*store.LightweightAgent, len(specs))
	for i, spec := range specs {
		pos := i
		contextJSON := ""
		if len(spec.Context) > 0 {
			if data, err := json.Marshal(spec.Context); err == nil {
				contextJSON = string(data)
			}
		}
		agent := &store.LightweightAgent{
			EnvID:          envID,
			OrchestratorID: orchestratorID,
			Name:           spec.Name,
			Role:           spec.Role,
			PersonaID:      spec.PersonaID,
			TaskPrompt:     spec.Task,
			Model:          spec.Model,
			Status:         store.AgentStatusSpawning,
			WaveID:         &waveID,
			WavePosition:   &pos,
			Context:        contextJSON,
		}
		if err := m.st.CreateAgent(ctx, agent); err != nil {
			return nil, err
		}
		agents[i] = agent
	}

	var g errgroup.Group
	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			m.dispatchAgent(context.Background(), agent)
			return nil
		})
	}
	if orchestratorID == nil {
		// Standalone spawns report synchronously.
		_ = g.Wait()
	} else {
		go func() { _ = g.Wait() }()
	}
	return agents, nil
}

// dispatchAgent runs one agent through the dispatcher, queueing behind the
// environment's active task when necessary.
func (m *Manager) dispatchAgent(ctx context.Context, agent *store.LightweightAgent) {
	var persona *store.Persona
	if agent.PersonaID != nil {
		persona, _ = m.st.GetPersona(ctx, *agent.PersonaID)
	}
	prompt := buildAgentPrompt(agent, persona)

	deadline := time.Now().Add(m.opts.DispatchRetryTimeout)
	var task *store.ClaudeTask
	for {
		var err error
		task, err = m.runner.Dispatch(ctx, dispatcher.Request{
			EnvID:           agent.EnvID,
			Prompt:          prompt,
			Model:           agent.Model,
			AllowConcurrent: true,
		})
		if err == nil {
			break
		}
		if !isEnvBusy(err) || time.Now().After(deadline) {
			m.log.WithError(err).Warn("agent dispatch failed", zap.String("agent_id", agent.ID))
			_ = m.st.SetAgentResult(ctx, agent.ID, store.AgentStatusError,
				claudecode.Truncate(err.Error(), agentSummaryMax), 0)
			m.publishAgentComplete(agent.OrchestratorID, agent.ID, store.AgentStatusError, err.Error(), 0)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.DispatchRetryInterval):
		}
	}

	if err := m.st.SetAgentTask(ctx, agent.ID, task.ID); err != nil {
		m.log.WithError(err).Error("failed to link agent task", zap.String("agent_id", agent.ID))
		return
	}
	if agent.OrchestratorID != nil {
		m.publish(events.OrchestratorAgentSpawn(*agent.OrchestratorID), "orchestrator.agent_spawn", map[string]any{
			"orchestrator_id": *agent.OrchestratorID,
			"agent_id":        agent.ID,
			"task_id":         task.ID,
			"name":            agent.Name,
		})
	}
	m.publish(events.Agent(agent.ID, "running"), "agent.running", map[string]any{
		"agent_id": agent.ID,
		"task_id":  task.ID,
		"name":     agent.Name,
	})
	if err := m.subscribeAgentComplete(agent.ID, agent.OrchestratorID, task.ID); err != nil {
		m.log.WithError(err).Error("failed to subscribe agent completion", zap.String("agent_id", agent.ID))
	}
}

func (m *Manager) subscribeAgentComplete(agentID string, orchestratorID *string, taskID string) error {
	key := "agent:" + agentID
	sub, err := m.bus.Subscribe(events.TaskComplete(taskID), func(ctx context.Context, ev *bus.Event) error {
		m.onAgentComplete(agentID, orchestratorID, taskID)
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.subs[key] = append(m.subs[key], sub)
	m.mu.Unlock()
	return nil
}

func (m *Manager) onAgentComplete(agentID string, orchestratorID *string, taskID string) {
	ctx := context.Background()
	m.dropSubs("agent:" + agentID)

	task, err := m.st.GetTask(ctx, taskID)
	if err != nil {
		m.log.WithError(err).Error("agent completion lost task row", zap.String("agent_id", agentID))
		return
	}

	status := store.AgentStatusError
	summary := task.ErrorMessage
	switch task.Status {
	case store.TaskStatusComplete:
		status = store.AgentStatusCompleted
		summary = task.Result
	case store.TaskStatusCancelled:
		status = store.AgentStatusCancelled
	}
	summary = claudecode.Truncate(summary, agentSummaryMax)

	if err := m.st.SetAgentResult(ctx, agentID, status, summary, task.CostUSD); err != nil {
		m.log.WithError(err).Error("failed to record agent result", zap.String("agent_id", agentID))
		return
	}
	if orchestratorID != nil && task.CostUSD > 0 {
		_ = m.st.AddSessionCost(ctx, *orchestratorID, task.CostUSD)
	}
	kind := "complete"
	if status == store.AgentStatusError {
		kind = "error"
	}
	m.publish(events.Agent(agentID, kind), "agent."+kind, map[string]any{
		"agent_id":       agentID,
		"status":         status,
		"result_summary": summary,
		"cost_usd":       task.CostUSD,
	})
	m.publishAgentComplete(orchestratorID, agentID, status, summary, task.CostUSD)
}

func (m *Manager) publishAgentComplete(orchestratorID *string, agentID, status, summary string, cost float64) {
	if orchestratorID == nil {
		return
	}
	m.publish(events.OrchestratorAgentComplete(*orchestratorID), "orchestrator.agent_complete", map[string]any{
		"orchestrator_id": *orchestratorID,
		"agent_id":        agentID,
		"status":          status,
		"result_summary":  summary,
		"cost_usd":        cost,
	})
}

func (m *Manager) handleAskTool(ctx context.Context, sessionID, envID string, input map[string]any) {
	question, _ := input["question"].(string)
	if question == "" {
		return
	}
	optionsJSON := ""
	if opts, ok := input["options"]; ok {
		if data, err := json.Marshal(opts); err == nil {
			optionsJSON = string(data)
		}
	}
	req := &store.AskUserRequest{
		EnvID:          envID,
		OrchestratorID: sessionID,
		Question:       question,
		Options:        optionsJSON,
	}
	if err := m.st.CreateAskUserRequest(ctx, req); err != nil {
		m.log.WithError(err).Error("failed to persist ask-user request",
			zap.String("orchestrator_id", sessionID))
		return
	}
	data := map[string]any{
		"request_id":      req.ID,
		"orchestrator_id": sessionID,
		"question":        question,
		"options":         optionsJSON,
	}
	m.publish(events.AskUser(envID), "ask-user.pending", data)
	m.publish(events.OrchestratorEvent(sessionID), "orchestrator.ask_user", data)
}

// AnswerAskUser resolves a pending ask-user request with the operator's
// response. The supervising agent polls the row for it.
func (m *Manager) AnswerAskUser(ctx context.Context, requestID, response string) (*store.AskUserRequest, error) {
	req, err := m.st.GetAskUserRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("ask-user request", requestID)
		}
		return nil, err
	}
	ok, err := m.st.AnswerAskUserRequest(ctx, requestID, response)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.BadRequest(fmt.Sprintf("request is %s, not pending", req.Status))
	}
	m.publish(events.AskUser(req.EnvID), "ask-user.answered", map[string]any{
		"request_id": requestID,
		"response":   response,
	})
	return m.st.GetAskUserRequest(ctx, requestID)
}

func (m *Manager) onSupervisorComplete(sessionID, taskID string) {
	ctx := context.Background()

	sess, err := m.st.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Status != store.SessionStatusRunning && sess.Status != store.SessionStatusPaused {
		return
	}
	task, err := m.st.GetTask(ctx, taskID)
	if err != nil {
		return
	}

	m.dropSubs(sessionID)
	_ = m.st.CancelAskUserRequests(ctx, sessionID)

	status := store.SessionStatusError
	summary := task.ErrorMessage
	switch task.Status {
	case store.TaskStatusComplete:
		status = store.SessionStatusCompleted
		summary = task.Result
	case store.TaskStatusCancelled:
		status = store.SessionStatusCancelled
	}
	if err := m.st.SetSessionResult(ctx, sessionID, status, claudecode.Truncate(summary, agentSummaryMax)); err != nil {
		m.log.WithError(err).Error("failed to record session result",
			zap.String("orchestrator_id", sessionID))
		return
	}
	if task.CostUSD > 0 {
		_ = m.st.AddSessionCost(ctx, sessionID, task.CostUSD)
	}
	m.publish(events.OrchestratorComplete(sessionID), "orchestrator.complete", map[string]any{
		"orchestrator_id": sessionID,
		"status":          status,
		"result_summary":  claudecode.Truncate(summary, agentSummaryMax),
	})
	m.log.Info("orchestrator session finished",
		zap.String("orchestrator_id", sessionID), zap.String("status", status))
}

// Cancel stops the supervising task, its non-terminal agents, and any
// pending ask-user requests.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	sess, err := m.st.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("orchestrator session", sessionID)
		}
		return err
	}
	switch sess.Status {
	case store.SessionStatusCompleted, store.SessionStatusError, store.SessionStatusCancelled:
		return apperrors.InvalidState(fmt.Sprintf("session is already %s", sess.Status))
	}

	m.dropSubs(sessionID)
	if err := m.st.UpdateSessionStatus(ctx, sessionID, store.SessionStatusCancelled); err != nil {
		return err
	}
	if sess.TaskID != nil {
		_ = m.runner.Cancel(ctx, *sess.TaskID)
	}

	agents, err := m.st.ListAgents(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if store.AgentTerminal(agent.Status) {
			continue
		}
		m.dropSubs("agent:" + agent.ID)
		if agent.TaskID != nil {
			_ = m.runner.Cancel(ctx, *agent.TaskID)
		}
		if err := m.st.UpdateAgentStatus(ctx, agent.ID, store.AgentStatusCancelled); err != nil {
			return err
		}
	}
	_ = m.st.CancelAskUserRequests(ctx, sessionID)

	m.publish(events.OrchestratorComplete(sessionID), "orchestrator.complete", map[string]any{
		"orchestrator_id": sessionID,
		"status":          store.SessionStatusCancelled,
	})
	return nil
}

func (m *Manager) dropSubs(key string) {
	m.mu.Lock()
	subs := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (m *Manager) publish(topic, eventType string, data map[string]any) {
	ev := bus.NewEvent(eventType, "orchestrator", data)
	if err := m.bus.Publish(context.Background(), topic, ev); err != nil {
		m.log.WithError(err).Warn("orchestrator event publish failed", zap.String("topic", topic))
	}
}

// gcLoop expires stale ask-user requests.
func (m *Manager) gcLoop() {
	defer close(m.gcDone)
	if m.opts.AskUserTTL <= 0 {
		<-m.stopGC
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopGC:
			return
		case <-ticker.C:
			n, err := m.st.ExpireAskUserRequests(context.Background(), time.Now().Add(-m.opts.AskUserTTL))
			if err != nil {
				m.log.WithError(err).Warn("ask-user expiry sweep failed")
			} else if n > 0 {
				m.log.Info("expired stale ask-user requests", zap.Int64("count", n))
			}
		}
	}
}

// isEnvBusy reports whether a dispatch failure means "try again shortly":
// the environment already runs a task or the global concurrency cap is hit.
func isEnvBusy(err error) bool {
	if errors.Is(err, store.ErrTaskActive) {
		return true
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == apperrors.ErrCodeConflict || appErr.Code == apperrors.ErrCodeRateLimited
	}
	return false
}
