// Package pipeline drives pipelines through their positions: dispatching
// agent steps, pausing on gates, handling revise loops, and collecting
// output artifacts. All transitions funnel through advance, which is
// serialized per pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/dispatcher"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
	"github.com/spyre-sh/spyre/pkg/claudecode"
)

// MaxIteration bounds the revise loop per step.
const MaxIteration = 3

const maxIterationMessage = "Maximum revision iterations reached"

const stepSummaryMax = 500

// Gate decision actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionRevise  = "revise"
)

// TaskRunner is the dispatcher surface the engine needs.
type TaskRunner interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*store.ClaudeTask, error)
	Cancel(ctx context.Context, taskID string) error
	IsActive(taskID string) bool
}

// RemoteExec runs auxiliary commands in an environment.
type RemoteExec interface {
	Exec(ctx context.Context, envID, command string, timeout time.Duration) (*sshpool.ExecResult, error)
}

// Options tunes engine timings.
type Options struct {
	ReadinessPollInterval time.Duration // dev-container readiness poll
	ReadinessTimeout      time.Duration
}

// Engine is the pipeline state machine.
type Engine struct {
	st        *store.Store
	bus       bus.EventBus
	runner    TaskRunner
	exec      RemoteExec
	extractor PathExtractor
	opts      Options
	log       *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	subs  map[string]bus.Subscription // keyed by task id
}

// New creates a pipeline engine.
func New(st *store.Store, eventBus bus.EventBus, runner TaskRunner, exec RemoteExec,
	opts Options, log *logger.Logger) *Engine {
	if opts.ReadinessPollInterval <= 0 {
		opts.ReadinessPollInterval = 3 * time.Second
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 300 * time.Second
	}
	return &Engine{
		st:        st,
		bus:       eventBus,
		runner:    runner,
		exec:      exec,
		extractor: regexExtractor{},
		opts:      opts,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
		subs:      make(map[string]bus.Subscription),
	}
}

// SetPathExtractor swaps the artifact path heuristic.
func (e *Engine) SetPathExtractor(x PathExtractor) { e.extractor = x }

func (e *Engine) lockFor(pipelineID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pipelineID] = l
	}
	return l
}

// Start transitions a draft or failed pipeline to running and advances it.
func (e *Engine) Start(ctx context.Context, pipelineID string) error {
	p, err := e.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("pipeline", pipelineID)
		}
		return err
	}
	if p.Status != store.PipelineStatusDraft && p.Status != store.PipelineStatusFailed {
		return apperrors.InvalidState(fmt.Sprintf("pipeline is %s, expected draft or failed", p.Status))
	}
	env, err := e.st.GetEnvironment(ctx, p.EnvID)
	if err != nil {
		return err
	}
	if env.Status != store.EnvStatusRunning {
		return apperrors.InvalidState(fmt.Sprintf("environment is %s, not running", env.Status))
	}

	steps, err := e.st.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return apperrors.Validation("pipeline has no steps")
	}

	if p.Status == store.PipelineStatusFailed {
		for _, s := range steps {
			if s.Status == store.StepStatusError || s.Status == store.StepStatusCancelled {
				if err := e.st.ResetStep(ctx, s.ID, false, false); err != nil {
					return err
				}
			}
		}
	}

	minPos := steps[0].Position
	for _, s := range steps {
		if s.Position < minPos {
			minPos = s.Position
		}
	}
	if err := e.st.SetPipelinePosition(ctx, pipelineID, minPos, store.PipelineStatusRunning); err != nil {
		return err
	}
	e.captureSnapshot(ctx, p, nil, store.SnapshotStart)
	e.publish(pipelineID, "pipeline.started", map[string]any{"pipeline_id": pipelineID})
	return e.Advance(ctx, pipelineID)
}

// Advance moves the pipeline forward. It is the only mutator of step
// status and pipeline position/status, serialized per pipeline.
func (e *Engine) Advance(ctx context.Context, pipelineID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()
	return e.advanceLocked(ctx, pipelineID)
}

func (e *Engine) advanceLocked(ctx context.Context, pipelineID string) error {
	for {
		p, err := e.st.GetPipeline(ctx, pipelineID)
		if err != nil {
			return err
		}
		if p.Status != store.PipelineStatusRunning && p.Status != store.PipelineStatusPaused {
			return nil
		}
		if p.CurrentPosition == nil {
			return nil
		}
		pos := *p.CurrentPosition

		steps, err := e.st.ListSteps(ctx, pipelineID)
		if err != nil {
			return err
		}
		var current []*store.PipelineStep
		for _, s := range steps {
			if s.Position == pos {
				current = append(current, s)
			}
		}
		if len(current) == 0 {
			if done, err := e.moveOrComplete(ctx, p, steps, pos); done || err != nil {
				return err
			}
			continue
		}

		// 1. In-flight work at this position: wait for its events.
		for _, s := range current {
			if s.Status == store.StepStatusRunning || s.Status == store.StepStatusWaiting {
				return nil
			}
		}

		// 2. Dispatch pending steps, then re-read: dispatch failures fall
		// through to the error branch on the next pass.
		var pending []*store.PipelineStep
		for _, s := range current {
			if s.Status == store.StepStatusPending {
				pending = append(pending, s)
			}
		}
		if len(pending) > 0 {
			gateOnly := true
			for _, s := range pending {
				if s.Type == store.StepTypeGate {
					if err := e.st.SetStepWaiting(ctx, s.ID); err != nil {
						return err
					}
					e.publish(pipelineID, "pipeline.gate_waiting", map[string]any{
						"pipeline_id": pipelineID,
						"step_id":     s.ID,
						"label":       s.Label,
					})
					continue
				}
				gateOnly = false
				if err := e.dispatchStep(ctx, p, steps, s); err != nil {
					e.log.WithPipelineID(pipelineID).WithError(err).Warn("step dispatch failed",
						zap.String("step_id", s.ID))
					if serr := e.st.SetStepError(ctx, s.ID, claudecode.Truncate(err.Error(), stepSummaryMax)); serr != nil {
						return serr
					}
				}
			}
			if gateOnly {
				if err := e.st.UpdatePipelineStatus(ctx, pipelineID, store.PipelineStatusPaused); err != nil {
					return err
				}
				e.publish(pipelineID, "pipeline.paused", map[string]any{"pipeline_id": pipelineID})
				return nil
			}
			continue
		}

		// 3. Errors: auto-retry or fail.
		if handled, failed, err := e.handleErrors(ctx, p, current); err != nil || failed {
			return err
		} else if handled {
			continue
		}

		// 4. Everything here is completed or skipped.
		allDone := true
		for _, s := range current {
			if s.Status != store.StepStatusCompleted && s.Status != store.StepStatusSkipped {
				allDone = false
			}
		}
		if !allDone {
			return nil
		}
		if done, err := e.moveOrComplete(ctx, p, steps, pos); done || err != nil {
			return err
		}
	}
}

// handleErrors applies retry policy at the current position. Returns
// handled=true when steps were reset for retry, failed=true when the
// pipeline transitioned to failed.
func (e *Engine) handleErrors(ctx context.Context, p *store.Pipeline, current []*store.PipelineStep) (handled, failed bool, err error) {
	var exhausted []*store.PipelineStep
	for _, s := range current {
		if s.Status != store.StepStatusError {
			continue
		}
		if s.RetryCount < s.MaxRetries {
			if err := e.st.ResetStep(ctx, s.ID, false, true); err != nil {
				return false, false, err
			}
			handled = true
		} else {
			exhausted = append(exhausted, s)
		}
	}
	if len(exhausted) == 0 {
		return handled, false, nil
	}

	// No retries left: cancel siblings still in flight and fail.
	var messages []string
	for _, s := range exhausted {
		messages = append(messages, fmt.Sprintf("%s: %s", s.Label, s.ResultSummary))
	}
	for _, s := range current {
		if s.Status == store.StepStatusPending || s.Status == store.StepStatusRunning {
			if s.TaskID != nil {
				_ = e.runner.Cancel(ctx, *s.TaskID)
			}
			if err := e.st.SetStepStatus(ctx, s.ID, store.StepStatusCancelled); err != nil {
				return false, false, err
			}
		}
	}
	msg := strings.Join(messages, "; ")
	if err := e.st.SetPipelineFailed(ctx, p.ID, msg); err != nil {
		return false, false, err
	}
	e.publish(p.ID, "pipeline.failed", map[string]any{"pipeline_id": p.ID, "error": msg})
	return false, true, nil
}

// moveOrComplete advances current_position to the next populated position,
// or completes the pipeline when none remains.
func (e *Engine) moveOrComplete(ctx context.Context, p *store.Pipeline, steps []*store.PipelineStep, pos int) (done bool, err error) {
	next := -1
	for _, s := range steps {
		if s.Position > pos && (next == -1 || s.Position < next) {
			next = s.Position
		}
	}
	if next >= 0 {
		if err := e.st.SetPipelinePosition(ctx, p.ID, next, store.PipelineStatusRunning); err != nil {
			return true, err
		}
		return false, nil
	}

	var total float64
	for _, s := range steps {
		total += s.CostUSD
	}
	blob := e.collectArtifacts(ctx, p, steps)
	if err := e.st.SetPipelineCompleted(ctx, p.ID, total, blob); err != nil {
		return true, err
	}
	e.publish(p.ID, "pipeline.completed", map[string]any{
		"pipeline_id": p.ID,
		"total_cost":  total,
	})
	e.log.WithPipelineID(p.ID).Info("pipeline completed", zap.Float64("total_cost", total))
	return true, nil
}

// dispatchStep runs one agent step through the dispatcher and registers
// the completion listener.
func (e *Engine) dispatchStep(ctx context.Context, p *store.Pipeline, steps []*store.PipelineStep, s *store.PipelineStep) error {
	if s.DevcontainerID != nil {
		if err := e.waitDevcontainer(ctx, *s.DevcontainerID); err != nil {
			return err
		}
	}

	personas := map[string]*store.Persona{}
	for _, st := range steps {
		if st.PersonaID != nil {
			if _, ok := personas[*st.PersonaID]; !ok {
				if per, err := e.st.GetPersona(ctx, *st.PersonaID); err == nil {
					personas[*st.PersonaID] = per
				}
			}
		}
	}

	prompt := buildStepPrompt(framingInput{
		Pipeline: p,
		Step:     s,
		Steps:    steps,
		Personas: personas,
		Diff:     e.latestDiff(ctx, p.ID),
	})

	task, err := e.runner.Dispatch(ctx, dispatcher.Request{
		EnvID:          p.EnvID,
		Prompt:         prompt,
		DevcontainerID: s.DevcontainerID,
		MaxRetries:     0, // retries are the engine's job
	})
	if err != nil {
		return err
	}
	if err := e.st.SetStepRunning(ctx, s.ID, task.ID); err != nil {
		return err
	}

	stepID, pipelineID := s.ID, p.ID
	sub, err := e.bus.Subscribe(events.TaskComplete(task.ID), func(ctx context.Context, ev *bus.Event) error {
		e.onTaskComplete(task.ID, stepID, pipelineID)
		return nil
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.subs[task.ID] = sub
	e.mu.Unlock()

	e.publish(pipelineID, "pipeline.step_started", map[string]any{
		"pipeline_id": pipelineID,
		"step_id":     stepID,
		"task_id":     task.ID,
		"label":       s.Label,
	})
	return nil
}

// onTaskComplete applies a finished task to its step, then advances.
func (e *Engine) onTaskComplete(taskID, stepID, pipelineID string) {
	ctx := context.Background()

	e.mu.Lock()
	if sub, ok := e.subs[taskID]; ok {
		delete(e.subs, taskID)
		_ = sub.Unsubscribe()
	}
	e.mu.Unlock()

	task, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		e.log.WithPipelineID(pipelineID).WithError(err).Error("completion callback lost task row")
		return
	}

	if task.Status == store.TaskStatusComplete {
		summary := claudecode.Truncate(task.Result, stepSummaryMax)
		if err := e.st.SetStepCompleted(ctx, stepID, summary, task.CostUSD); err != nil {
			e.log.WithPipelineID(pipelineID).WithError(err).Error("failed to complete step")
			return
		}
		if p, err := e.st.GetPipeline(ctx, pipelineID); err == nil {
			e.captureSnapshot(ctx, p, &stepID, store.SnapshotStepComplete)
		}
		e.publish(pipelineID, "pipeline.step_completed", map[string]any{
			"pipeline_id": pipelineID,
			"step_id":     stepID,
			"task_id":     taskID,
			"cost_usd":    task.CostUSD,
		})
	} else {
		msg := task.ErrorMessage
		if msg == "" {
			msg = "task ended with status " + task.Status
		}
		if task.ErrorCode != "" {
			msg = task.ErrorCode + ": " + msg
		}
		if err := e.st.SetStepError(ctx, stepID, claudecode.Truncate(msg, stepSummaryMax)); err != nil {
			e.log.WithPipelineID(pipelineID).WithError(err).Error("failed to mark step error")
			return
		}
		e.publish(pipelineID, "pipeline.step_error", map[string]any{
			"pipeline_id": pipelineID,
			"step_id":     stepID,
			"task_id":     taskID,
			"error":       msg,
		})
	}

	if err := e.Advance(ctx, pipelineID); err != nil {
		e.log.WithPipelineID(pipelineID).WithError(err).Error("advance after task completion failed")
	}
}

// waitDevcontainer polls until the container is running, or fails when it
// lands in error/stopped or the timeout elapses.
func (e *Engine) waitDevcontainer(ctx context.Context, devcontainerID string) error {
	deadline := time.Now().Add(e.opts.ReadinessTimeout)
	for {
		dc, err := e.st.GetDevContainer(ctx, devcontainerID)
		if err != nil {
			return err
		}
		switch dc.Status {
		case "running":
			return nil
		case "error", "stopped":
			return fmt.Errorf("devcontainer %s is %s", dc.Name, dc.Status)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("devcontainer %s not ready after %s", dc.Name, e.opts.ReadinessTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.ReadinessPollInterval):
		}
	}
}

func (e *Engine) publish(pipelineID, eventType string, data map[string]any) {
	ev := bus.NewEvent(eventType, "pipeline", data)
	if err := e.bus.Publish(context.Background(), events.Pipeline(pipelineID), ev); err != nil {
		e.log.WithPipelineID(pipelineID).WithError(err).Warn("pipeline event publish failed")
	}
}
