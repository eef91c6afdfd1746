// Package dispatcher runs Claude CLI invocations in managed environments.
// It is the sole mutator of task rows: preconditions, command composition,
// stream wiring, watchdogs, error categorization, and completion all live
// here.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/credentials"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
	"github.com/spyre-sh/spyre/pkg/claudecode"
)

// Request describes one dispatch.
type Request struct {
	EnvID          string
	Prompt         string
	WorkingDir     string
	DevcontainerID *string
	Model          string
	AllowedTools   []string
	MaxRetries     int

	// AllowConcurrent skips the per-environment singleton check. Used for
	// orchestrator-spawned agents, which run alongside their supervisor.
	AllowConcurrent bool

	// resumeSession is set internally by Resume.
	resumeSession string
}

// Options configures the dispatcher.
type Options struct {
	Binary             string
	TaskTimeout        time.Duration
	NoOutputWatchdog   time.Duration
	MaxConcurrentTasks int
}

type activeTask struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Dispatcher executes tasks. One instance per process.
type Dispatcher struct {
	st    *store.Store
	bus   bus.EventBus
	pool  *sshpool.Pool
	creds *credentials.Manager
	opts  Options
	log   *logger.Logger

	mu     sync.Mutex
	active map[string]*activeTask

	// cliOK caches per-environment CLI discoverability for the process
	// lifetime, keyed by env id (plus container name when scoped).
	cliOK sync.Map
}

// New creates a dispatcher.
func New(st *store.Store, eventBus bus.EventBus, pool *sshpool.Pool,
	creds *credentials.Manager, opts Options, log *logger.Logger) *Dispatcher {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 600 * time.Second
	}
	if opts.NoOutputWatchdog <= 0 {
		opts.NoOutputWatchdog = 5 * time.Second
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 5
	}
	return &Dispatcher{
		st:     st,
		bus:    eventBus,
		pool:   pool,
		creds:  creds,
		opts:   opts,
		log:    log,
		active: make(map[string]*activeTask),
	}
}

// IsActive reports whether the dispatcher is currently running a task.
func (d *Dispatcher) IsActive(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[taskID]
	return ok
}

// Dispatch validates preconditions, creates the task row, and starts
// execution in the background. The returned task is in pending status.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*store.ClaudeTask, error) {
	env, err := d.st.GetEnvironment(ctx, req.EnvID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("environment", req.EnvID)
		}
		return nil, err
	}
	if env.Status != store.EnvStatusRunning || env.Address == "" {
		return nil, apperrors.InvalidState(
			fmt.Sprintf("environment %s is %s, not running", env.ID, env.Status))
	}

	var container *store.DevContainer
	if req.DevcontainerID != nil {
		container, err = d.st.GetDevContainer(ctx, *req.DevcontainerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperrors.NotFound("devcontainer", *req.DevcontainerID)
			}
			return nil, err
		}
		if container.EnvID != env.ID {
			return nil, apperrors.BadRequest("devcontainer does not belong to this environment")
		}
		if container.Status != "running" {
			return nil, apperrors.InvalidState(
				fmt.Sprintf("devcontainer %s is %s, not running", container.ID, container.Status))
		}
	}

	activeCount, err := d.st.CountActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	if activeCount >= d.opts.MaxConcurrentTasks {
		return nil, apperrors.RateLimited(
			fmt.Sprintf("active task limit reached (%d)", d.opts.MaxConcurrentTasks))
	}

	task := &store.ClaudeTask{
		EnvID:          env.ID,
		DevcontainerID: req.DevcontainerID,
		Prompt:         req.Prompt,
		MaxRetries:     req.MaxRetries,
	}
	if req.AllowConcurrent {
		err = d.st.CreateConcurrentTask(ctx, task)
	} else {
		err = d.st.CreateTask(ctx, task)
	}
	if err != nil {
		if errors.Is(err, store.ErrTaskActive) {
			return nil, apperrors.Conflict("environment already has an active task")
		}
		return nil, err
	}

	ch, err := d.pool.Get(ctx, env.ID, targetFor(env))
	if err != nil {
		d.failBeforeStart(task.ID, CodeSSHError, err.Error())
		return nil, apperrors.Internal("failed to reach environment", err)
	}

	containerName := ""
	if container != nil {
		containerName = container.Name
	}
	if err := d.ensureCLI(ctx, ch, env.ID, containerName); err != nil {
		d.failBeforeStart(task.ID, CodeCLINotFound, err.Error())
		return nil, err
	}

	// Fresh credentials before launch; both steps are best-effort.
	d.creds.PropagateAuth(ctx, env.ID, ch)

	runCtx, cancel := context.WithCancel(context.Background())
	at := &activeTask{cancel: cancel}
	d.mu.Lock()
	d.active[task.ID] = at
	d.mu.Unlock()

	go d.run(runCtx, at, task, env, container, ch, req)
	return task, nil
}

// Exec runs an auxiliary command in an environment over the pooled
// connection. Used for git snapshots, artifact checks, and probes.
func (d *Dispatcher) Exec(ctx context.Context, envID, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	env, err := d.st.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	ch, err := d.pool.Get(ctx, env.ID, targetFor(env))
	if err != nil {
		return nil, err
	}
	return ch.Exec(ctx, command, timeout)
}

// Cancel aborts a task. Idempotent: a terminal or unknown task is a no-op
// beyond the conditional row update.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	d.mu.Lock()
	at, ok := d.active[taskID]
	if ok {
		at.aborted.Store(true)
		delete(d.active, taskID)
	}
	d.mu.Unlock()
	if ok {
		at.cancel()
	}

	changed, err := d.st.CancelTask(ctx, taskID)
	if err != nil {
		return err
	}
	if changed {
		d.publishComplete(taskID, map[string]any{
			"task_id": taskID,
			"status":  store.TaskStatusCancelled,
		})
	}
	return nil
}

// Resume creates a new task that continues a previous session. Valid iff
// the original task recorded a session id.
func (d *Dispatcher) Resume(ctx context.Context, taskID string) (*store.ClaudeTask, error) {
	orig, err := d.st.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("task", taskID)
		}
		return nil, err
	}
	if orig.SessionID == "" {
		return nil, apperrors.InvalidState("task has no session to resume")
	}
	return d.Dispatch(ctx, Request{
		EnvID:          orig.EnvID,
		Prompt:         "[resume] " + orig.Prompt,
		DevcontainerID: orig.DevcontainerID,
		MaxRetries:     orig.MaxRetries,
		resumeSession:  orig.SessionID,
	})
}

// run executes the task to completion. It owns all task row mutations past
// the pending state.
func (d *Dispatcher) run(ctx context.Context, at *activeTask, task *store.ClaudeTask,
	env *store.Environment, container *store.DevContainer, ch sshpool.Channel, req Request) {

	log := d.log.WithTaskID(task.ID).WithEnvID(env.ID)
	bg := context.Background()

	defer func() {
		d.mu.Lock()
		delete(d.active, task.ID)
		d.mu.Unlock()
	}()

	// Frame the prompt with persona and project context.
	var persona *store.Persona
	if env.PersonaID != nil {
		persona, _ = d.st.GetPersona(bg, *env.PersonaID)
	}
	var siblings []*store.DevContainer
	if container != nil {
		all, err := d.st.ListDevContainers(bg, env.ID)
		if err == nil {
			for _, dc := range all {
				if dc.ID != container.ID {
					siblings = append(siblings, dc)
				}
			}
		}
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = env.WorkingDir
	}
	progress := readProgress(ctx, ch, workingDir)
	framed := framePrompt(req.Prompt, env, persona, progress, siblings)

	containerName := ""
	if container != nil {
		containerName = container.Name
	}
	model := req.Model
	if model == "" {
		model, _ = d.st.GetSetting(bg, "default_model")
	}
	cmd := compose(commandSpec{
		binary:        d.opts.Binary,
		prompt:        framed,
		resumeSession: req.resumeSession,
		model:         model,
		allowedTools:  req.AllowedTools,
		workingDir:    workingDir,
		container:     containerName,
	})

	if err := d.st.SetTaskRunning(bg, task.ID); err != nil {
		log.WithError(err).Error("failed to mark task running")
	}

	parser := claudecode.NewStreamParser(func(ev claudecode.Event) {
		d.recordEvent(bg, task.ID, ev)
	})

	var gotOutput atomic.Bool
	var stderrBuf strings.Builder
	var stderrMu sync.Mutex

	// No-output watchdog: a single auth probe if nothing arrived in time.
	watchdogDone := make(chan struct{})
	watchdogStop := make(chan struct{})
	watchdogFired := make(chan string, 1)
	go func() {
		defer close(watchdogDone)
		select {
		case <-ctx.Done():
			return
		case <-watchdogStop:
			return
		case <-time.After(d.opts.NoOutputWatchdog):
		}
		if gotOutput.Load() {
			return
		}
		if reason := d.probeAuth(ctx, ch); reason != "" {
			watchdogFired <- reason
			at.aborted.Store(true)
			at.cancel()
		}
	}()

	execCtx, cancelExec := context.WithTimeout(ctx, d.opts.TaskTimeout)
	defer cancelExec()

	exitCode, execErr := ch.Stream(execCtx, cmd,
		func(chunk []byte) {
			// Buffered chunks can still arrive after Cancel tore the
			// session down; the row is terminal by then.
			if at.aborted.Load() {
				return
			}
			gotOutput.Store(true)
			text := string(chunk)
			if err := d.st.AppendTaskOutput(bg, task.ID, text); err != nil {
				log.WithError(err).Warn("failed to append task output")
			}
			d.publish(events.TaskOutput(task.ID), "task.output", map[string]any{
				"task_id": task.ID,
				"chunk":   text,
			})
			parser.Write(chunk)
		},
		func(chunk []byte) {
			if at.aborted.Load() {
				return
			}
			text := string(chunk)
			stderrMu.Lock()
			stderrBuf.WriteString(text)
			stderrMu.Unlock()
			if err := d.st.AppendTaskOutput(bg, task.ID, text); err != nil {
				log.WithError(err).Warn("failed to append task stderr")
			}
			if containsAny(strings.ToLower(text), "auth", "login", "unauthorized") {
				d.publish(events.TaskOutput(task.ID), "task.auth_required", map[string]any{
					"task_id": task.ID,
					"signal":  "auth_required",
				})
			}
		},
	)

	close(watchdogStop)
	parser.Flush()
	<-watchdogDone

	if at.aborted.Load() {
		select {
		case <-watchdogFired:
			d.finishError(bg, task.ID, CodeAuthHang, "no output before watchdog; auth probe failed")
		default:
			// Cancelled externally; Cancel already updated the row.
		}
		return
	}

	stderrMu.Lock()
	stderrText := stderrBuf.String()
	stderrMu.Unlock()

	task2, err := d.st.GetTask(bg, task.ID)
	if err != nil {
		log.WithError(err).Error("failed to reload task after execution")
		return
	}

	switch {
	case execErr != nil && errors.Is(execErr, context.DeadlineExceeded):
		d.finishError(bg, task.ID, CodeTimeout,
			fmt.Sprintf("task exceeded %s timeout", d.opts.TaskTimeout))
	case execErr != nil:
		d.finishError(bg, task.ID, CodeSSHError, execErr.Error())
	case exitCode == 0:
		result, ok := parser.Result()
		if !ok {
			result = scanResultLine(task2.Output)
		}
		if err := d.st.SetTaskComplete(bg, task.ID, result, parser.SessionID(), parser.CostUSD()); err != nil {
			log.WithError(err).Error("failed to mark task complete")
		}
		d.publishComplete(task.ID, map[string]any{
			"task_id":    task.ID,
			"status":     store.TaskStatusComplete,
			"result":     result,
			"cost_usd":   parser.CostUSD(),
			"session_id": parser.SessionID(),
		})
		log.Info("task completed",
			zap.Float64("cost_usd", parser.CostUSD()),
			zap.String("session_id", parser.SessionID()))
	default:
		code := CategorizeError(exitCode, stderrText, task2.Output)
		d.finishError(bg, task.ID, code,
			claudecode.Truncate(fmt.Sprintf("exit %d: %s", exitCode, firstNonEmpty(stderrText, task2.Output)), 500))
	}

	if sid := parser.SessionID(); sid != "" {
		if err := d.st.SetTaskSessionID(bg, task.ID, sid); err != nil {
			log.WithError(err).Warn("failed to store session id")
		}
	}
}

// probeAuth checks remote login state. A non-empty return is the abort
// reason.
func (d *Dispatcher) probeAuth(ctx context.Context, ch sshpool.Channel) string {
	res, err := ch.Exec(ctx, authProbe(d.opts.Binary), 10*time.Second)
	if err != nil {
		return ""
	}
	out := strings.ToLower(res.Stdout + res.Stderr)
	if containsAny(out, "not logged in", "not authenticated") {
		return "not logged in"
	}
	// The probe output includes the remote credentials file; compare its
	// expiry against wall clock.
	if idx := strings.Index(res.Stdout, `"expiresAt"`); idx >= 0 {
		var file credentials.CredentialsFile
		if start := strings.Index(res.Stdout, "{"); start >= 0 {
			if json.Unmarshal([]byte(res.Stdout[start:]), &file) == nil &&
				file.ClaudeAiOauth != nil &&
				time.UnixMilli(file.ClaudeAiOauth.ExpiresAt).Before(time.Now()) {
				return "remote token expired"
			}
		}
	}
	return ""
}

func (d *Dispatcher) ensureCLI(ctx context.Context, ch sshpool.Channel, envID, container string) error {
	key := envID
	if container != "" {
		key = envID + "/" + container
	}
	if ok, cached := d.cliOK.Load(key); cached && ok.(bool) {
		return nil
	}
	res, err := ch.Exec(ctx, cliProbe(d.opts.Binary, container), 10*time.Second)
	if err != nil {
		return apperrors.Internal("CLI probe failed", err)
	}
	if res.ExitCode != 0 {
		return apperrors.NotInstalled(
			fmt.Sprintf("%s binary not found in environment %s", d.opts.Binary, envID))
	}
	d.cliOK.Store(key, true)
	return nil
}

func (d *Dispatcher) recordEvent(ctx context.Context, taskID string, ev claudecode.Event) {
	row := &store.TaskEvent{
		TaskID:  taskID,
		Type:    ev.Type,
		Summary: ev.Summary,
		Payload: string(ev.Payload),
	}
	if err := d.st.AppendTaskEvent(ctx, row); err != nil {
		d.log.WithTaskID(taskID).WithError(err).Warn("failed to persist task event")
	}
	d.publish(events.TaskEvent(taskID), "task.event", map[string]any{
		"task_id": taskID,
		"seq":     row.Seq,
		"type":    ev.Type,
		"summary": ev.Summary,
		"payload": string(ev.Payload),
	})
}

func (d *Dispatcher) finishError(ctx context.Context, taskID, code, message string) {
	status := taskStatusForCode(code)
	if err := d.st.SetTaskError(ctx, taskID, status, message, code); err != nil {
		d.log.WithTaskID(taskID).WithError(err).Error("failed to mark task failed")
	}
	d.publishComplete(taskID, map[string]any{
		"task_id":    taskID,
		"status":     status,
		"error_code": code,
		"error":      message,
	})
	d.log.WithTaskID(taskID).Warn("task failed",
		zap.String("code", code), zap.String("message", message))
}

// failBeforeStart records a failure for a task that never launched.
func (d *Dispatcher) failBeforeStart(taskID, code, message string) {
	d.finishError(context.Background(), taskID, code, message)
}

func (d *Dispatcher) publish(topic, eventType string, data map[string]any) {
	if err := d.bus.Publish(context.Background(), topic, bus.NewEvent(eventType, "dispatcher", data)); err != nil {
		d.log.WithError(err).Warn("event publish failed", zap.String("topic", topic))
	}
}

func (d *Dispatcher) publishComplete(taskID string, data map[string]any) {
	d.publish(events.TaskComplete(taskID), "task.complete", data)
}

// targetFor derives the SSH target from an environment row. The root
// password lives in the metadata blob.
func targetFor(env *store.Environment) sshpool.Target {
	var meta struct {
		RootPassword string `json:"rootPassword"`
	}
	_ = json.Unmarshal([]byte(env.Metadata), &meta)
	return sshpool.Target{
		Addr:     env.Address,
		User:     env.SSHUser,
		Password: meta.RootPassword,
	}
}

// scanResultLine is the fallback when the parser saw no result object: the
// last parseable result line in the accumulated output wins.
func scanResultLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var msg claudecode.CLIMessage
		if json.Unmarshal([]byte(line), &msg) == nil && msg.Type == claudecode.MessageTypeResult {
			if s := msg.ResultString(); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
