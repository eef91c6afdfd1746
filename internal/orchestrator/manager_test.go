package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/db"
	"github.com/spyre-sh/spyre/internal/dispatcher"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
)

type fakeRunner struct {
	st *store.Store

	mu        sync.Mutex
	reqs      []dispatcher.Request
	cancelled []string
}

func (f *fakeRunner) Dispatch(ctx context.Context, req dispatcher.Request) (*store.ClaudeTask, error) {
	task := &store.ClaudeTask{EnvID: req.EnvID, Prompt: req.Prompt}
	var err error
	if req.AllowConcurrent {
		err = f.st.CreateConcurrentTask(ctx, task)
	} else {
		err = f.st.CreateTask(ctx, task)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return task, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	f.mu.Unlock()
	_, err := f.st.CancelTask(ctx, taskID)
	return err
}

func (f *fakeRunner) IsActive(taskID string) bool { return false }

type orchHarness struct {
	st     *store.Store
	bus    *bus.MemoryEventBus
	runner *fakeRunner
	mgr    *Manager
	env    *store.Environment
}

func newOrchHarness(t *testing.T) *orchHarness {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	st, err := store.New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	runner := &fakeRunner{st: st}
	mgr := NewManager(st, memBus, runner, Options{
		DispatchRetryInterval: time.Millisecond,
		DispatchRetryTimeout:  100 * time.Millisecond,
	}, logger.Default())
	t.Cleanup(mgr.Close)

	env := &store.Environment{Name: "env-1", Status: store.EnvStatusRunning, Address: "10.0.0.3"}
	require.NoError(t, st.CreateEnvironment(context.Background(), env))

	return &orchHarness{st: st, bus: memBus, runner: runner, mgr: mgr, env: env}
}

func (h *orchHarness) startSession(t *testing.T) *store.OrchestratorSession {
	t.Helper()
	sess, err := h.mgr.Start(context.Background(), StartRequest{
		EnvID: h.env.ID,
		Goal:  "Refactor the storage layer",
	})
	require.NoError(t, err)
	return sess
}

// emitToolUse feeds a tool_use event into the supervising task's event
// stream, the way the dispatcher publishes them.
func (h *orchHarness) emitToolUse(t *testing.T, taskID, tool, inputJSON string) {
	t.Helper()
	payload := fmt.Sprintf(
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":%q,"input":%s}]}}`,
		tool, inputJSON)
	ev := bus.NewEvent("task.event", "dispatcher", map[string]any{
		"task_id": taskID,
		"type":    "tool_use",
		"summary": tool,
		"payload": payload,
	})
	require.NoError(t, h.bus.Publish(context.Background(), events.TaskEvent(taskID), ev))
}

func (h *orchHarness) finishTask(t *testing.T, taskID, result string, cost float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.st.SetTaskComplete(ctx, taskID, result, "sess-1", cost))
	ev := bus.NewEvent("task.complete", "dispatcher", map[string]any{"task_id": taskID})
	require.NoError(t, h.bus.Publish(ctx, events.TaskComplete(taskID), ev))
}

func TestStartOrchestrator(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	persona := &store.Persona{Name: "Reviewer", Role: "code review"}
	require.NoError(t, h.st.CreatePersona(ctx, persona))

	sess, err := h.mgr.Start(ctx, StartRequest{
		EnvID:      h.env.ID,
		Goal:       "Ship the feature",
		Model:      "opus",
		PersonaIDs: []string{persona.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusRunning, sess.Status)
	require.NotNil(t, sess.TaskID)

	prompt := h.runner.reqs[0].Prompt
	assert.Contains(t, prompt, "Ship the feature")
	assert.Contains(t, prompt, ToolSpawnAgent)
	assert.Contains(t, prompt, ToolAskUser)
	assert.Contains(t, prompt, "Reviewer")
	assert.Equal(t, "opus", h.runner.reqs[0].Model)
}

func TestStartRequiresGoalAndRunningEnv(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Start(ctx, StartRequest{EnvID: h.env.ID})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.AsAppError(err).Code)

	stopped := &store.Environment{Name: "stopped", Status: store.EnvStatusStopped}
	require.NoError(t, h.st.CreateEnvironment(ctx, stopped))
	_, err = h.mgr.Start(ctx, StartRequest{EnvID: stopped.ID, Goal: "g"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestSpawnToolDispatchesWave(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	sess := h.startSession(t)

	h.emitToolUse(t, *sess.TaskID, ToolSpawnAgent,
		`{"agents":[{"name":"worker-1","role":"backend","task":"Port the handlers"},
		            {"name":"worker-2","role":"tests","task":"Write the tests"}]}`)

	var agents []*store.LightweightAgent
	require.Eventually(t, func() bool {
		var err error
		agents, err = h.st.ListAgents(ctx, sess.ID)
		if err != nil || len(agents) != 2 {
			return false
		}
		for _, a := range agents {
			if a.Status != store.AgentStatusRunning {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.NotNil(t, agents[0].WaveID)
	assert.Equal(t, *agents[0].WaveID, *agents[1].WaveID)
	assert.Equal(t, 0, *agents[0].WavePosition)
	assert.Equal(t, 1, *agents[1].WavePosition)

	updated, err := h.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.WaveCount)
	assert.Equal(t, 2, updated.AgentCount)

	// Agent prompts carry name, role, and task. The two dispatches race,
	// so find worker-1 by content.
	h.runner.mu.Lock()
	var prompt string
	for _, req := range h.runner.reqs[1:] {
		assert.True(t, req.AllowConcurrent)
		if strings.Contains(req.Prompt, "worker-1") {
			prompt = req.Prompt
		}
	}
	h.runner.mu.Unlock()
	assert.Contains(t, prompt, "backend")
	assert.Contains(t, prompt, "Port the handlers")

	h.finishTask(t, *agents[0].TaskID, "handlers ported", 0.05)
	a0, err := h.st.GetAgent(ctx, agents[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusCompleted, a0.Status)
	assert.Equal(t, "handlers ported", a0.ResultSummary)
	assert.InDelta(t, 0.05, a0.CostUSD, 1e-9)

	updated, err = h.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, updated.TotalCost, 1e-9)
}

func TestSpawnSingleAgentInput(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	sess := h.startSession(t)

	h.emitToolUse(t, *sess.TaskID, ToolSpawnAgent,
		`{"name":"solo","task":"Investigate the flaky test"}`)

	require.Eventually(t, func() bool {
		agents, err := h.st.ListAgents(ctx, sess.ID)
		return err == nil && len(agents) == 1 && agents[0].Status == store.AgentStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWaveCapEnforced(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	sess := h.startSession(t)

	specs := make([]AgentSpec, MaxAgentsPerWave+1)
	for i := range specs {
		specs[i] = AgentSpec{Name: fmt.Sprintf("a%d", i), Task: "t"}
	}
	_, err := h.mgr.SpawnAgents(ctx, h.env.ID, &sess.ID, specs)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRateLimited, apperrors.AsAppError(err).Code)

	agents, err := h.st.ListAgents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestAskUserFlow(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	sess := h.startSession(t)

	var askEvents []string
	_, err := h.bus.Subscribe(events.AskUser(h.env.ID), func(ctx context.Context, ev *bus.Event) error {
		askEvents = append(askEvents, ev.Type)
		return nil
	})
	require.NoError(t, err)

	h.emitToolUse(t, *sess.TaskID, ToolAskUser,
		`{"question":"Deploy to staging first?","options":["yes","no"]}`)

	reqs, err := h.st.ListAskUserRequests(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, store.AskUserPending, reqs[0].Status)
	assert.Equal(t, "Deploy to staging first?", reqs[0].Question)
	assert.Contains(t, reqs[0].Options, "yes")
	assert.Equal(t, []string{"ask-user.pending"}, askEvents)

	answered, err := h.mgr.AnswerAskUser(ctx, reqs[0].ID, "yes")
	require.NoError(t, err)
	assert.Equal(t, store.AskUserAnswered, answered.Status)
	require.NotNil(t, answered.Response)
	assert.Equal(t, "yes", *answered.Response)

	// A second answer hits a non-pending row: client error, not conflict.
	_, err = h.mgr.AnswerAskUser(ctx, reqs[0].ID, "no")
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.ErrCodeBadRequest, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
}

func TestSupervisorCompleteFinalizesSession(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	sess := h.startSession(t)

	var completeEvents int
	_, err := h.bus.Subscribe(events.OrchestratorComplete(sess.ID), func(ctx context.Context, ev *bus.Event) error {
		completeEvents++
		return nil
	})
	require.NoError(t, err)

	h.finishTask(t, *sess.TaskID, "All waves done; storage layer refactored.", 1.25)

	final, err := h.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, final.Status)
	assert.Equal(t, "All waves done; storage layer refactored.", final.ResultSummary)
	assert.InDelta(t, 1.25, final.TotalCost, 1e-9)
	assert.Equal(t, 1, completeEvents)
}

func TestCancelOrchestrator(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	sess := h.startSession(t)

	h.emitToolUse(t, *sess.TaskID, ToolSpawnAgent, `{"name":"w","task":"long job"}`)
	require.Eventually(t, func() bool {
		agents, err := h.st.ListAgents(ctx, sess.ID)
		return err == nil && len(agents) == 1 && agents[0].Status == store.AgentStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	h.emitToolUse(t, *sess.TaskID, ToolAskUser, `{"question":"Continue?"}`)

	require.NoError(t, h.mgr.Cancel(ctx, sess.ID))

	final, err := h.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCancelled, final.Status)

	agents, err := h.st.ListAgents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusCancelled, agents[0].Status)

	reqs, err := h.st.ListAskUserRequests(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AskUserCancelled, reqs[0].Status)

	assert.Contains(t, h.runner.cancelled, *sess.TaskID)
	assert.Contains(t, h.runner.cancelled, *agents[0].TaskID)

	err = h.mgr.Cancel(ctx, sess.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}
