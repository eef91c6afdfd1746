package pipeline

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/store"
)

// Decide resolves a waiting gate. Exactly one decision wins; a concurrent
// second decision gets a conflict error.
func (e *Engine) Decide(ctx context.Context, pipelineID, stepID, action, feedback string, reviseToStepID *string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("pipeline", pipelineID)
		}
		return err
	}
	gate, err := e.st.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("step", stepID)
		}
		return err
	}
	if gate.PipelineID != pipelineID || gate.Type != store.StepTypeGate {
		return apperrors.Validation("step is not a gate of this pipeline")
	}

	var gateResult string
	switch action {
	case ActionApprove:
		gateResult = store.GateApproved
	case ActionReject:
		gateResult = store.GateRejected
	case ActionRevise:
		gateResult = store.GateRevised
		if feedback == "" {
			return apperrors.Validation("revise requires feedback")
		}
	default:
		return apperrors.Validation("action must be approve, reject or revise")
	}

	steps, err := e.st.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}

	// Resolve the revise target before committing the decision so a bad
	// target leaves the gate waiting.
	target := -1
	if action == ActionRevise {
		if reviseToStepID != nil {
			for _, s := range steps {
				if s.ID == *reviseToStepID {
					target = s.Position
				}
			}
			if target < 0 {
				return apperrors.NotFound("step", *reviseToStepID)
			}
			if target >= gate.Position {
				return apperrors.Validation("revise target must precede the gate")
			}
		} else {
			for _, s := range steps {
				if s.Position < gate.Position && s.Position > target {
					target = s.Position
				}
			}
			if target < 0 {
				return apperrors.InvalidState("gate has no preceding step to revise")
			}
		}
	}

	won, err := e.st.DecideGate(ctx, stepID, gateResult, feedback)
	if err != nil {
		return err
	}
	if !won {
		return apperrors.Conflict("gate already decided")
	}
	e.captureSnapshot(ctx, p, &stepID, store.SnapshotGateDecision)

	switch action {
	case ActionApprove:
		if err := e.st.UpdatePipelineStatus(ctx, pipelineID, store.PipelineStatusRunning); err != nil {
			return err
		}
		e.publish(pipelineID, "pipeline.gate_approved", map[string]any{
			"pipeline_id": pipelineID,
			"step_id":     stepID,
		})
		return e.advanceLocked(ctx, pipelineID)

	case ActionReject:
		msg := feedback
		if msg == "" {
			msg = fmt.Sprintf("rejected at gate %q", gate.Label)
		}
		if err := e.st.SetPipelineFailed(ctx, pipelineID, msg); err != nil {
			return err
		}
		e.publish(pipelineID, "pipeline.failed", map[string]any{
			"pipeline_id": pipelineID,
			"step_id":     stepID,
			"error":       msg,
		})
		return nil

	default: // revise
		// Reset everything from the target onward. The gate goes back to
		// pending too, but without an iteration bump and with its result
		// and feedback intact: they are the revision context, and the
		// gate must be decidable again on the next arrival.
		for _, s := range steps {
			if s.Position < target {
				continue
			}
			if err := e.st.ResetStep(ctx, s.ID, s.ID != stepID, false); err != nil {
				return err
			}
		}
		// The cap is checked post-bump so the exhausted iteration count
		// lands on the step row.
		fresh, err := e.st.ListSteps(ctx, pipelineID)
		if err != nil {
			return err
		}
		for _, s := range fresh {
			if s.Position == target && s.Iteration >= MaxIteration {
				if err := e.st.SetPipelineFailed(ctx, pipelineID, maxIterationMessage); err != nil {
					return err
				}
				e.publish(pipelineID, "pipeline.failed", map[string]any{
					"pipeline_id": pipelineID,
					"error":       maxIterationMessage,
				})
				return nil
			}
		}
		if err := e.st.SetPipelinePosition(ctx, pipelineID, target, store.PipelineStatusRunning); err != nil {
			return err
		}
		e.publish(pipelineID, "pipeline.gate_revised", map[string]any{
			"pipeline_id": pipelineID,
			"step_id":     stepID,
			"to_position": target,
		})
		return e.advanceLocked(ctx, pipelineID)
	}
}

// Skip marks a pending, waiting or errored step skipped and advances. A
// skipped gate resumes a paused pipeline.
func (e *Engine) Skip(ctx context.Context, pipelineID, stepID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	step, err := e.st.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("step", stepID)
		}
		return err
	}
	if step.PipelineID != pipelineID {
		return apperrors.Validation("step does not belong to this pipeline")
	}
	ok, err := e.st.SkipStep(ctx, stepID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.InvalidState(fmt.Sprintf("step is %s, cannot skip", step.Status))
	}

	p, err := e.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status == store.PipelineStatusPaused {
		if err := e.st.UpdatePipelineStatus(ctx, pipelineID, store.PipelineStatusRunning); err != nil {
			return err
		}
	}
	e.publish(pipelineID, "pipeline.step_skipped", map[string]any{
		"pipeline_id": pipelineID,
		"step_id":     stepID,
	})
	return e.advanceLocked(ctx, pipelineID)
}

// RetryFailedStep re-runs one errored step of a failed pipeline.
func (e *Engine) RetryFailedStep(ctx context.Context, pipelineID, stepID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("pipeline", pipelineID)
		}
		return err
	}
	if p.Status != store.PipelineStatusFailed {
		return apperrors.InvalidState(fmt.Sprintf("pipeline is %s, expected failed", p.Status))
	}
	step, err := e.st.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("step", stepID)
		}
		return err
	}
	if step.PipelineID != pipelineID {
		return apperrors.Validation("step does not belong to this pipeline")
	}
	if step.Status != store.StepStatusError {
		return apperrors.InvalidState(fmt.Sprintf("step is %s, expected error", step.Status))
	}

	if err := e.st.ResetStep(ctx, stepID, false, false); err != nil {
		return err
	}
	if err := e.st.SetPipelinePosition(ctx, pipelineID, step.Position, store.PipelineStatusRunning); err != nil {
		return err
	}
	e.publish(pipelineID, "pipeline.step_retried", map[string]any{
		"pipeline_id": pipelineID,
		"step_id":     stepID,
	})
	return e.advanceLocked(ctx, pipelineID)
}

// Cancel aborts a running or paused pipeline, cancelling in-flight tasks.
func (e *Engine) Cancel(ctx context.Context, pipelineID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("pipeline", pipelineID)
		}
		return err
	}
	if p.Status != store.PipelineStatusRunning && p.Status != store.PipelineStatusPaused {
		return apperrors.InvalidState(fmt.Sprintf("pipeline is %s, cannot cancel", p.Status))
	}

	steps, err := e.st.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if store.StepTerminal(s.Status) {
			continue
		}
		if s.Status == store.StepStatusRunning && s.TaskID != nil {
			_ = e.runner.Cancel(ctx, *s.TaskID)
		}
		if err := e.st.SetStepStatus(ctx, s.ID, store.StepStatusCancelled); err != nil {
			return err
		}
	}
	if err := e.st.UpdatePipelineStatus(ctx, pipelineID, store.PipelineStatusCancelled); err != nil {
		return err
	}
	e.publish(pipelineID, "pipeline.cancelled", map[string]any{"pipeline_id": pipelineID})
	return nil
}
