package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
)

const lostTaskMessage = "Task lost during restart"

// Recover reconciles one pipeline's running steps with live dispatcher
// state after a process restart: re-attach listeners for tasks the
// dispatcher still runs, apply outcomes of tasks that finished while we
// were down, and fail steps whose tasks are simply gone. Then advance.
func (e *Engine) Recover(ctx context.Context, pipelineID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()

	steps, err := e.st.ListSteps(ctx, pipelineID)
	if err != nil {
		l.Unlock()
		return err
	}

	type finished struct{ taskID, stepID string }
	var done []finished
	for _, s := range steps {
		if s.Status != store.StepStatusRunning {
			continue
		}
		if s.TaskID == nil {
			if err := e.st.SetStepError(ctx, s.ID, lostTaskMessage); err != nil {
				l.Unlock()
				return err
			}
			continue
		}
		taskID := *s.TaskID

		if e.runner.IsActive(taskID) {
			stepID, pid := s.ID, pipelineID
			sub, err := e.bus.Subscribe(events.TaskComplete(taskID), func(ctx context.Context, ev *bus.Event) error {
				e.onTaskComplete(taskID, stepID, pid)
				return nil
			})
			if err != nil {
				l.Unlock()
				return err
			}
			e.mu.Lock()
			e.subs[taskID] = sub
			e.mu.Unlock()
			e.log.WithPipelineID(pipelineID).Info("re-attached running step",
				zap.String("step_id", s.ID), zap.String("task_id", taskID))
			continue
		}

		task, err := e.st.GetTask(ctx, taskID)
		if err == nil && store.TaskTerminal(task.Status) {
			done = append(done, finished{taskID: taskID, stepID: s.ID})
			continue
		}
		if err := e.st.SetStepError(ctx, s.ID, lostTaskMessage); err != nil {
			l.Unlock()
			return err
		}
		e.log.WithPipelineID(pipelineID).Warn("step task lost during restart",
			zap.String("step_id", s.ID), zap.String("task_id", taskID))
	}
	l.Unlock()

	// Outcomes that landed while we were down route through the normal
	// completion path, which re-acquires the pipeline lock.
	for _, f := range done {
		e.onTaskComplete(f.taskID, f.stepID, pipelineID)
	}
	if len(done) > 0 {
		return nil // onTaskComplete already advanced
	}
	return e.Advance(ctx, pipelineID)
}
