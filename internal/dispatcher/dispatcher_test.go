package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/credentials"
	"github.com/spyre-sh/spyre/internal/db"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
)

// scriptedChannel plays back canned stdout for Stream and succeeds on all
// probe Execs.
type scriptedChannel struct {
	mu        sync.Mutex
	stdout    []string
	exitCode  int
	execCmds  []string
	streamCmd string
}

func (s *scriptedChannel) Exec(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	s.mu.Lock()
	s.execCmds = append(s.execCmds, command)
	s.mu.Unlock()
	if strings.Contains(command, "command -v") {
		return &sshpool.ExecResult{ExitCode: 0, Stdout: "/usr/local/bin/claude\n"}, nil
	}
	return &sshpool.ExecResult{ExitCode: 1}, nil
}

func (s *scriptedChannel) Stream(ctx context.Context, command string, onStdout, onStderr func([]byte)) (int, error) {
	s.mu.Lock()
	s.streamCmd = command
	lines := s.stdout
	code := s.exitCode
	s.mu.Unlock()
	for _, line := range lines {
		onStdout([]byte(line + "\n"))
	}
	return code, nil
}

func (s *scriptedChannel) Addr() string { return "10.0.0.5:22" }
func (s *scriptedChannel) Close() error { return nil }

type fixture struct {
	st   *store.Store
	bus  *bus.MemoryEventBus
	disp *Dispatcher
	ch   *scriptedChannel
	env  *store.Environment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ch := &scriptedChannel{exitCode: 0}
	f := newFixtureWith(t, ch, time.Hour) // watchdog quiet during tests
	f.ch = ch
	return f
}

func newFixtureWith(t *testing.T, ch sshpool.Channel, watchdog time.Duration) *fixture {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	st, err := store.New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	pool := sshpool.New(sshpool.Options{
		KeepaliveInterval: time.Hour,
		Dial: func(ctx context.Context, target sshpool.Target) (sshpool.Channel, error) {
			return ch, nil
		},
	}, logger.Default())
	t.Cleanup(pool.Close)

	creds := credentials.NewManager(filepath.Join(t.TempDir(), "creds.json"), logger.Default())
	t.Cleanup(creds.Close)

	disp := New(st, memBus, pool, creds, Options{
		TaskTimeout:        10 * time.Second,
		NoOutputWatchdog:   watchdog,
		MaxConcurrentTasks: 5,
	}, logger.Default())

	env := &store.Environment{Name: "env-1", Status: store.EnvStatusRunning, Address: "10.0.0.5"}
	require.NoError(t, st.CreateEnvironment(context.Background(), env))

	return &fixture{st: st, bus: memBus, disp: disp, env: env}
}

func waitTerminal(t *testing.T, st *store.Store, taskID string) *store.ClaudeTask {
	t.Helper()
	var task *store.ClaudeTask
	require.Eventually(t, func() bool {
		var err error
		task, err = st.GetTask(context.Background(), taskID)
		return err == nil && store.TaskTerminal(task.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestDispatchHappyPath(t *testing.T) {
	f := newFixture(t)
	f.ch.stdout = []string{
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}`,
		`{"type":"result","result":"tests pass","cost_usd":0.42,"duration_ms":3000}`,
	}

	task, err := f.disp.Dispatch(context.Background(), Request{EnvID: f.env.ID, Prompt: "run tests"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, task.Status)

	final := waitTerminal(t, f.st, task.ID)
	assert.Equal(t, store.TaskStatusComplete, final.Status)
	assert.Equal(t, "tests pass", final.Result)
	assert.Equal(t, "sess-1", final.SessionID)
	assert.InDelta(t, 0.42, final.CostUSD, 1e-9)

	evs, err := f.st.ListTaskEvents(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, store.TaskEventInit, evs[0].Type)
	assert.Equal(t, store.TaskEventToolUse, evs[1].Type)
	assert.Equal(t, "Bash: go test ./...", evs[1].Summary)
	assert.Equal(t, store.TaskEventResult, evs[2].Type)
}

func TestDispatchEnvironmentNotRunning(t *testing.T) {
	f := newFixture(t)
	stopped := &store.Environment{Name: "stopped", Status: store.EnvStatusStopped}
	require.NoError(t, f.st.CreateEnvironment(context.Background(), stopped))

	_, err := f.disp.Dispatch(context.Background(), Request{EnvID: stopped.ID, Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestDispatchRateLimited(t *testing.T) {
	f := newFixture(t)
	f.disp.opts.MaxConcurrentTasks = 1

	// Occupy the only slot with a pending task in another environment.
	other := &store.Environment{Name: "other", Status: store.EnvStatusRunning, Address: "10.0.0.6"}
	require.NoError(t, f.st.CreateEnvironment(context.Background(), other))
	require.NoError(t, f.st.CreateTask(context.Background(), &store.ClaudeTask{EnvID: other.ID, Prompt: "busy"}))

	_, err := f.disp.Dispatch(context.Background(), Request{EnvID: f.env.ID, Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRateLimited, apperrors.AsAppError(err).Code)

	tasks, err := f.st.ListTasks(context.Background(), f.env.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected dispatch does not enqueue")
}

func TestDispatchConflictOnActiveTask(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.CreateTask(context.Background(), &store.ClaudeTask{EnvID: f.env.ID, Prompt: "busy"}))

	_, err := f.disp.Dispatch(context.Background(), Request{EnvID: f.env.ID, Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.AsAppError(err).Code)
}

func TestDispatchFailureCategorized(t *testing.T) {
	f := newFixture(t)
	f.ch.exitCode = 1
	f.ch.stdout = []string{"Error: not authenticated"}

	task, err := f.disp.Dispatch(context.Background(), Request{EnvID: f.env.ID, Prompt: "p"})
	require.NoError(t, err)

	final := waitTerminal(t, f.st, task.ID)
	assert.Equal(t, store.TaskStatusAuthRequired, final.Status)
	assert.Equal(t, CodeAuthExpired, final.ErrorCode)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	task := &store.ClaudeTask{EnvID: f.env.ID, Prompt: "p"}
	require.NoError(t, f.st.CreateTask(context.Background(), task))

	require.NoError(t, f.disp.Cancel(context.Background(), task.ID))
	require.NoError(t, f.disp.Cancel(context.Background(), task.ID))

	got, err := f.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, got.Status)
}

// hungChannel never produces stream output; the auth probe reports a
// logged-out CLI.
type hungChannel struct{}

func (hungChannel) Exec(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	if strings.HasPrefix(command, "command -v") {
		return &sshpool.ExecResult{ExitCode: 0, Stdout: "/usr/local/bin/claude\n"}, nil
	}
	if strings.Contains(command, "auth status") {
		return &sshpool.ExecResult{ExitCode: 1, Stdout: "Not logged in\n"}, nil
	}
	return &sshpool.ExecResult{ExitCode: 1}, nil
}

func (hungChannel) Stream(ctx context.Context, command string, onStdout, onStderr func([]byte)) (int, error) {
	<-ctx.Done()
	return 1, ctx.Err()
}

func (hungChannel) Addr() string { return "10.0.0.5:22" }
func (hungChannel) Close() error { return nil }

func TestWatchdogFlagsAuthHang(t *testing.T) {
	f := newFixtureWith(t, hungChannel{}, 25*time.Millisecond)

	task, err := f.disp.Dispatch(context.Background(), Request{EnvID: f.env.ID, Prompt: "p"})
	require.NoError(t, err)

	final := waitTerminal(t, f.st, task.ID)
	assert.Equal(t, store.TaskStatusAuthRequired, final.Status)
	assert.Equal(t, CodeAuthHang, final.ErrorCode)
}

// pausingChannel emits one chunk, waits for cancellation, then flushes one
// more buffered chunk the way a closing SSH session can.
type pausingChannel struct {
	firstChunk chan struct{}
	drained    chan struct{}
}

func (c *pausingChannel) Exec(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	if strings.HasPrefix(command, "command -v") {
		return &sshpool.ExecResult{ExitCode: 0, Stdout: "/usr/local/bin/claude\n"}, nil
	}
	return &sshpool.ExecResult{ExitCode: 1}, nil
}

func (c *pausingChannel) Stream(ctx context.Context, command string, onStdout, onStderr func([]byte)) (int, error) {
	onStdout([]byte("early output\n"))
	close(c.firstChunk)
	<-ctx.Done()
	onStdout([]byte("late output\n"))
	onStderr([]byte("late stderr\n"))
	close(c.drained)
	return 130, ctx.Err()
}

func (c *pausingChannel) Addr() string { return "10.0.0.5:22" }
func (c *pausingChannel) Close() error { return nil }

func TestCancelMidStreamDropsLateOutput(t *testing.T) {
	ch := &pausingChannel{firstChunk: make(chan struct{}), drained: make(chan struct{})}
	f := newFixtureWith(t, ch, time.Hour)

	task, err := f.disp.Dispatch(context.Background(), Request{EnvID: f.env.ID, Prompt: "p"})
	require.NoError(t, err)

	<-ch.firstChunk
	require.NoError(t, f.disp.Cancel(context.Background(), task.ID))
	<-ch.drained

	final := waitTerminal(t, f.st, task.ID)
	assert.Equal(t, store.TaskStatusCancelled, final.Status)
	assert.Contains(t, final.Output, "early output")
	assert.NotContains(t, final.Output, "late output")
	assert.NotContains(t, final.Output, "late stderr")
}

func TestResumeRequiresSession(t *testing.T) {
	f := newFixture(t)
	task := &store.ClaudeTask{EnvID: f.env.ID, Prompt: "original"}
	require.NoError(t, f.st.CreateTask(context.Background(), task))

	_, err := f.disp.Resume(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)
}

func TestResumeBuildsResumeCommand(t *testing.T) {
	f := newFixture(t)
	f.ch.stdout = []string{`{"type":"result","result":"resumed"}`}

	orig := &store.ClaudeTask{EnvID: f.env.ID, Prompt: "original"}
	require.NoError(t, f.st.CreateTask(context.Background(), orig))
	require.NoError(t, f.st.SetTaskComplete(context.Background(), orig.ID, "done", "sess-42", 0))

	task, err := f.disp.Resume(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "[resume] original", task.Prompt)

	waitTerminal(t, f.st, task.ID)
	assert.Contains(t, f.ch.streamCmd, "--resume")
	assert.Contains(t, f.ch.streamCmd, "sess-42")
}

func TestDispatchDevcontainerChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dc := &store.DevContainer{EnvID: f.env.ID, Name: "web", Status: "stopped"}
	require.NoError(t, f.st.CreateDevContainer(ctx, dc))

	_, err := f.disp.Dispatch(ctx, Request{EnvID: f.env.ID, Prompt: "p", DevcontainerID: &dc.ID})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.AsAppError(err).Code)

	require.NoError(t, f.st.UpdateDevContainerStatus(ctx, dc.ID, "running"))
	f.ch.stdout = []string{`{"type":"result","result":"ok"}`}
	task, err := f.disp.Dispatch(ctx, Request{EnvID: f.env.ID, Prompt: "p", DevcontainerID: &dc.ID})
	require.NoError(t, err)

	waitTerminal(t, f.st, task.ID)
	assert.True(t, strings.HasPrefix(f.ch.streamCmd, "docker exec 'web'"),
		"dev-container dispatch wraps in docker exec")
}
