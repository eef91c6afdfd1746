// Package recovery reconciles durable state with live dispatcher state at
// process start: pipelines and orchestrator sessions that were in flight
// when the previous process died are re-attached, finished, or failed.
package recovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/orchestrator"
	"github.com/spyre-sh/spyre/internal/pipeline"
	"github.com/spyre-sh/spyre/internal/store"
)

// Reconciler scans in-flight rows once at startup.
type Reconciler struct {
	st     *store.Store
	engine *pipeline.Engine
	orch   *orchestrator.Manager
	log    *logger.Logger
}

// New creates a reconciler.
func New(st *store.Store, engine *pipeline.Engine, orch *orchestrator.Manager, log *logger.Logger) *Reconciler {
	return &Reconciler{st: st, engine: engine, orch: orch, log: log}
}

// Run performs the startup scan. Failures on individual rows are logged
// and do not block the rest of the scan.
func (r *Reconciler) Run(ctx context.Context) error {
	pipelines, err := r.st.ListPipelinesByStatus(ctx,
		store.PipelineStatusRunning, store.PipelineStatusPaused)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		if err := r.engine.Recover(ctx, p.ID); err != nil {
			r.log.WithPipelineID(p.ID).WithError(err).Error("pipeline recovery failed")
		}
	}

	sessions, err := r.st.ListSessionsByStatus(ctx,
		store.SessionStatusRunning, store.SessionStatusPaused)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := r.orch.RecoverSession(ctx, sess); err != nil {
			r.log.WithError(err).Error("orchestrator recovery failed",
				zap.String("orchestrator_id", sess.ID))
		}
	}

	r.log.Info("startup recovery finished",
		zap.Int("pipelines", len(pipelines)),
		zap.Int("sessions", len(sessions)))
	return nil
}
