package pipeline

import (
	"context"
	"errors"
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
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
)

// fakeRunner stands in for the dispatcher: every Dispatch creates a real
// task row so the engine's completion callback can read it back.
type fakeRunner struct {
	st *store.Store

	mu          sync.Mutex
	reqs        []dispatcher.Request
	cancelled   []string
	active      map[string]bool
	dispatchErr error
}

func (f *fakeRunner) Dispatch(ctx context.Context, req dispatcher.Request) (*store.ClaudeTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	task := &store.ClaudeTask{
		EnvID:          req.EnvID,
		DevcontainerID: req.DevcontainerID,
		Prompt:         req.Prompt,
	}
	if err := f.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	f.reqs = append(f.reqs, req)
	f.active[task.ID] = true
	return task, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	delete(f.active, taskID)
	f.mu.Unlock()
	_, err := f.st.CancelTask(ctx, taskID)
	return err
}

func (f *fakeRunner) IsActive(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[taskID]
}

func (f *fakeRunner) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeRunner) lastRequest() dispatcher.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// fakeExec answers remote commands; git diff gets the configured diff, all
// other commands succeed with empty output.
type fakeExec struct {
	mu   sync.Mutex
	cmds []string
	diff string
}

func (f *fakeExec) Exec(ctx context.Context, envID, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, command)
	diff := f.diff
	f.mu.Unlock()
	if diff != "" && strings.Contains(command, "git diff") {
		return &sshpool.ExecResult{ExitCode: 0, Stdout: diff}, nil
	}
	return &sshpool.ExecResult{ExitCode: 0}, nil
}

type engineHarness struct {
	st     *store.Store
	bus    *bus.MemoryEventBus
	runner *fakeRunner
	exec   *fakeExec
	eng    *Engine
	env    *store.Environment

	mu        sync.Mutex
	eventLog  []string
	eventSubs []bus.Subscription
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	st, err := store.New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	runner := &fakeRunner{st: st, active: make(map[string]bool)}
	exec := &fakeExec{}
	eng := New(st, memBus, runner, exec, Options{
		ReadinessPollInterval: time.Millisecond,
		ReadinessTimeout:      50 * time.Millisecond,
	}, logger.Default())

	env := &store.Environment{Name: "env-1", Status: store.EnvStatusRunning,
		Address: "10.0.0.9", WorkingDir: "/workspace/app"}
	require.NoError(t, st.CreateEnvironment(context.Background(), env))

	return &engineHarness{st: st, bus: memBus, runner: runner, exec: exec, eng: eng, env: env}
}

func (h *engineHarness) makePipeline(t *testing.T, steps ...*store.PipelineStep) *store.Pipeline {
	t.Helper()
	p := &store.Pipeline{EnvID: h.env.ID, Name: "build-and-review"}
	require.NoError(t, h.st.CreatePipeline(context.Background(), p, steps))

	sub, err := h.bus.Subscribe(events.Pipeline(p.ID), func(ctx context.Context, ev *bus.Event) error {
		h.mu.Lock()
		h.eventLog = append(h.eventLog, ev.Type)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	h.eventSubs = append(h.eventSubs, sub)
	return p
}

func (h *engineHarness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.eventLog...)
}

func (h *engineHarness) step(t *testing.T, id string) *store.PipelineStep {
	t.Helper()
	s, err := h.st.GetStep(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *engineHarness) pipeline(t *testing.T, id string) *store.Pipeline {
	t.Helper()
	p, err := h.st.GetPipeline(context.Background(), id)
	require.NoError(t, err)
	return p
}

// completeStepTask finishes the task behind a running step and fires the
// completion event the engine listens for.
func (h *engineHarness) completeStepTask(t *testing.T, stepID, result string, cost float64) {
	t.Helper()
	ctx := context.Background()
	s := h.step(t, stepID)
	require.NotNil(t, s.TaskID, "step %s has no task", s.Label)
	taskID := *s.TaskID

	h.runner.mu.Lock()
	delete(h.runner.active, taskID)
	h.runner.mu.Unlock()

	require.NoError(t, h.st.SetTaskComplete(ctx, taskID, result, "sess-1", cost))
	ev := bus.NewEvent("task.complete", "dispatcher", map[string]any{"task_id": taskID})
	require.NoError(t, h.bus.Publish(ctx, events.TaskComplete(taskID), ev))
}

func (h *engineHarness) failStepTask(t *testing.T, stepID, code, msg string) {
	t.Helper()
	ctx := context.Background()
	s := h.step(t, stepID)
	require.NotNil(t, s.TaskID, "step %s has no task", s.Label)
	taskID := *s.TaskID

	h.runner.mu.Lock()
	delete(h.runner.active, taskID)
	h.runner.mu.Unlock()

	require.NoError(t, h.st.SetTaskError(ctx, taskID, store.TaskStatusError, msg, code))
	ev := bus.NewEvent("task.complete", "dispatcher", map[string]any{"task_id": taskID})
	require.NoError(t, h.bus.Publish(ctx, events.TaskComplete(taskID), ev))
}

func agentStep(id, label string, pos int) *store.PipelineStep {
	return &store.PipelineStep{ID: id, Position: pos, Type: store.StepTypeAgent,
		Label: label, PromptTemplate: "Work on " + label + "."}
}

func gateStep(id, label string, pos int) *store.PipelineStep {
	return &store.PipelineStep{ID: id, Position: pos, Type: store.StepTypeGate, Label: label}
}

func TestPipelineHappyPath(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t,
		agentStep("a", "Implement", 0),
		gateStep("g", "Review", 1),
		agentStep("b", "Polish", 2),
	)

	require.NoError(t, h.eng.Start(ctx, p.ID))
	assert.Equal(t, store.StepStatusRunning, h.step(t, "a").Status)

	h.completeStepTask(t, "a", "implemented the feature", 0.01)
	assert.Equal(t, store.StepStatusWaiting, h.step(t, "g").Status)
	assert.Equal(t, store.PipelineStatusPaused, h.pipeline(t, p.ID).Status)

	require.NoError(t, h.eng.Decide(ctx, p.ID, "g", ActionApprove, "", nil))
	assert.Equal(t, store.StepStatusRunning, h.step(t, "b").Status)

	h.completeStepTask(t, "b", "polished", 0.02)

	final := h.pipeline(t, p.ID)
	assert.Equal(t, store.PipelineStatusCompleted, final.Status)
	assert.InDelta(t, 0.03, final.TotalCost, 1e-9)
	assert.Equal(t, store.StepStatusCompleted, h.step(t, "a").Status)
	assert.Equal(t, "implemented the feature", h.step(t, "a").ResultSummary)

	assert.Equal(t, []string{
		"pipeline.started",
		"pipeline.step_started",
		"pipeline.step_completed",
		"pipeline.gate_waiting",
		"pipeline.paused",
		"pipeline.gate_approved",
		"pipeline.step_started",
		"pipeline.step_completed",
		"pipeline.completed",
	}, h.eventTypes())
}

func TestStartRequiresRunningEnvironment(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	stopped := &store.Environment{Name: "stopped", Status: store.EnvStatusStopped}
	require.NoError(t, h.st.CreateEnvironment(ctx, stopped))

	p := &store.Pipeline{EnvID: stopped.ID, Name: "p"}
	require.NoError(t, h.st.CreatePipeline(ctx, p, []*store.PipelineStep{agentStep("a", "A", 0)}))

	err := h.eng.Start(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestStartRejectsRunningPipeline(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0))
	require.NoError(t, h.eng.Start(ctx, p.ID))

	err := h.eng.Start(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestGateReject(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0), gateStep("g", "Review", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "done", 0.01)

	require.NoError(t, h.eng.Decide(ctx, p.ID, "g", ActionReject, "not good enough", nil))

	final := h.pipeline(t, p.ID)
	assert.Equal(t, store.PipelineStatusFailed, final.Status)
	assert.Equal(t, "not good enough", final.ErrorMessage)
	g := h.step(t, "g")
	require.NotNil(t, g.GateResult)
	assert.Equal(t, store.GateRejected, *g.GateResult)
}

func TestGateDecisionConflict(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0), gateStep("g", "Review", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "done", 0.01)
	require.NoError(t, h.eng.Decide(ctx, p.ID, "g", ActionApprove, "", nil))

	err := h.eng.Decide(ctx, p.ID, "g", ActionApprove, "", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.AsAppError(err).Code)
}

func TestGateReviseRerunsTarget(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "Implement", 0), gateStep("g", "Review", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "first attempt", 0.01)
	require.NoError(t, h.eng.Decide(ctx, p.ID, "g", ActionRevise, "tighten error handling", nil))

	a := h.step(t, "a")
	assert.Equal(t, store.StepStatusRunning, a.Status)
	assert.Equal(t, 1, a.Iteration)

	g := h.step(t, "g")
	assert.Equal(t, store.StepStatusPending, g.Status)
	require.NotNil(t, g.GateResult)
	assert.Equal(t, store.GateRevised, *g.GateResult)
	assert.Equal(t, "tighten error handling", g.GateFeedback)

	require.Equal(t, 2, h.runner.dispatchCount())
	prompt := h.runner.lastRequest().Prompt
	assert.Contains(t, prompt, "> tighten error handling")
	assert.Contains(t, prompt, "This is revision #1.")

	// Completing the rework brings the gate back to waiting.
	h.completeStepTask(t, "a", "second attempt", 0.01)
	assert.Equal(t, store.StepStatusWaiting, h.step(t, "g").Status)
}

func TestReviseIterationCapFailsPipeline(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "Implement", 0), gateStep("g", "Review", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	for i := 0; i < 2; i++ {
		h.completeStepTask(t, "a", "attempt", 0.01)
		require.NoError(t, h.eng.Decide(ctx, p.ID, "g", ActionRevise, "again", nil))
	}
	h.completeStepTask(t, "a", "attempt", 0.01)
	require.NoError(t, h.eng.Decide(ctx, p.ID, "g", ActionRevise, "again", nil))

	final := h.pipeline(t, p.ID)
	assert.Equal(t, store.PipelineStatusFailed, final.Status)
	assert.Equal(t, "Maximum revision iterations reached", final.ErrorMessage)
	assert.Equal(t, 3, h.step(t, "a").Iteration)
}

func TestReviseWithoutPrecedingStep(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, gateStep("g", "Approve Plan", 0), agentStep("a", "A", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	assert.Equal(t, store.StepStatusWaiting, h.step(t, "g").Status)

	err := h.eng.Decide(ctx, p.ID, "g", ActionRevise, "redo", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
	// The gate survives the rejected decision.
	assert.Equal(t, store.StepStatusWaiting, h.step(t, "g").Status)
}

func TestStepAutoRetryThenFail(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	a := agentStep("a", "Flaky", 0)
	a.MaxRetries = 1
	p := h.makePipeline(t, a, agentStep("b", "Later", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.failStepTask(t, "a", "PROCESS_CRASH", "exited 137")

	// Auto-retry: a second dispatch with the retry counter bumped.
	s := h.step(t, "a")
	assert.Equal(t, store.StepStatusRunning, s.Status)
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, 2, h.runner.dispatchCount())

	h.failStepTask(t, "a", "PROCESS_CRASH", "exited 137")

	final := h.pipeline(t, p.ID)
	assert.Equal(t, store.PipelineStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "Flaky")
	assert.Equal(t, store.StepStatusError, h.step(t, "a").Status)
	assert.Equal(t, store.StepStatusPending, h.step(t, "b").Status)
}

func TestRetryFailedStep(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0), agentStep("b", "B", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.failStepTask(t, "a", "TIMEOUT", "no output")
	require.Equal(t, store.PipelineStatusFailed, h.pipeline(t, p.ID).Status)

	require.NoError(t, h.eng.RetryFailedStep(ctx, p.ID, "a"))
	assert.Equal(t, store.StepStatusRunning, h.step(t, "a").Status)
	assert.Equal(t, store.PipelineStatusRunning, h.pipeline(t, p.ID).Status)

	h.completeStepTask(t, "a", "recovered", 0.01)
	h.completeStepTask(t, "b", "done", 0.01)
	assert.Equal(t, store.PipelineStatusCompleted, h.pipeline(t, p.ID).Status)
}

func TestSkipGateResumesPipeline(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0), gateStep("g", "Review", 1), agentStep("b", "B", 2))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "done", 0.01)
	require.Equal(t, store.PipelineStatusPaused, h.pipeline(t, p.ID).Status)

	require.NoError(t, h.eng.Skip(ctx, p.ID, "g"))
	assert.Equal(t, store.StepStatusSkipped, h.step(t, "g").Status)
	assert.Equal(t, store.StepStatusRunning, h.step(t, "b").Status)
	assert.Equal(t, store.PipelineStatusRunning, h.pipeline(t, p.ID).Status)
}

func TestSkipRejectsCompletedStep(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "done", 0.01)

	err := h.eng.Skip(ctx, p.ID, "a")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestCancelPipeline(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0), agentStep("b", "B", 1))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	taskID := *h.step(t, "a").TaskID

	require.NoError(t, h.eng.Cancel(ctx, p.ID))
	assert.Equal(t, store.PipelineStatusCancelled, h.pipeline(t, p.ID).Status)
	assert.Equal(t, store.StepStatusCancelled, h.step(t, "a").Status)
	assert.Equal(t, store.StepStatusCancelled, h.step(t, "b").Status)
	assert.Contains(t, h.runner.cancelled, taskID)

	err := h.eng.Cancel(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestRestartFromFailedResetsSteps(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.failStepTask(t, "a", "SSH_ERROR", "connection reset")
	require.Equal(t, store.PipelineStatusFailed, h.pipeline(t, p.ID).Status)

	require.NoError(t, h.eng.Start(ctx, p.ID))
	assert.Equal(t, store.StepStatusRunning, h.step(t, "a").Status)

	h.completeStepTask(t, "a", "done", 0.01)
	assert.Equal(t, store.PipelineStatusCompleted, h.pipeline(t, p.ID).Status)
}

func TestDispatchFailureMarksStepError(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	a := agentStep("a", "A", 0)
	a.MaxRetries = 0
	p := h.makePipeline(t, a)
	h.runner.dispatchErr = errors.New("ssh dial refused")

	require.NoError(t, h.eng.Start(ctx, p.ID))

	final := h.pipeline(t, p.ID)
	assert.Equal(t, store.PipelineStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "ssh dial refused")
	assert.Equal(t, store.StepStatusError, h.step(t, "a").Status)
}

func TestPipelineSnapshotsCaptured(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.exec.diff = "diff --git a/x b/x\n+x\n"
	p := h.makePipeline(t, agentStep("a", "A", 0))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "done", 0.01)

	snaps, err := h.st.ListSnapshots(ctx, p.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(snaps))
	for _, s := range snaps {
		types = append(types, s.SnapshotType)
	}
	assert.Contains(t, types, store.SnapshotStart)
	assert.Contains(t, types, store.SnapshotStepComplete)

	latest, err := h.st.LatestSnapshot(ctx, p.ID, store.SnapshotStepComplete)
	require.NoError(t, err)
	assert.Contains(t, latest.Diff, "diff --git")
}

func TestRescanCollectsArtifacts(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	p := h.makePipeline(t, agentStep("a", "A", 0))

	require.NoError(t, h.eng.Start(ctx, p.ID))
	h.completeStepTask(t, "a", "Created internal/server/http.go", 0.01)

	blob, err := h.eng.Rescan(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, blob, "internal/server/http.go")
	assert.Contains(t, h.pipeline(t, p.ID).OutputArtifacts, "internal/server/http.go")
}
