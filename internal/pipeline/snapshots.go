package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/spyre-sh/spyre/internal/common/shellq"
	"github.com/spyre-sh/spyre/internal/store"
)

// captureSnapshot records git diff/status/HEAD for the pipeline's project
// directory. Best-effort: a missing repo yields an empty snapshot row so
// the timeline stays complete.
func (e *Engine) captureSnapshot(ctx context.Context, p *store.Pipeline, stepID *string, snapshotType string) {
	env, err := e.st.GetEnvironment(ctx, p.EnvID)
	if err != nil {
		return
	}
	dir := env.WorkingDir
	if dir == "" {
		dir = "."
	}
	git := func(args string) string {
		cmd := "cd " + shellq.Quote(dir) + " && git " + args + " 2>/dev/null"
		res, err := e.exec.Exec(ctx, p.EnvID, cmd, 30*time.Second)
		if err != nil || res.ExitCode != 0 {
			return ""
		}
		return strings.TrimRight(res.Stdout, "\n")
	}

	snap := &store.ContextSnapshot{
		PipelineID:   p.ID,
		StepID:       stepID,
		SnapshotType: snapshotType,
		Diff:         git("diff HEAD"),
		GitStatus:    git("status --porcelain"),
		CommitHash:   git("rev-parse HEAD"),
	}
	if err := e.st.CreateSnapshot(ctx, snap); err != nil {
		e.log.WithPipelineID(p.ID).WithError(err).Warn("failed to persist context snapshot")
	}
}

// latestDiff returns the diff of the most recent step_complete snapshot.
func (e *Engine) latestDiff(ctx context.Context, pipelineID string) string {
	snap, err := e.st.LatestSnapshot(ctx, pipelineID, store.SnapshotStepComplete)
	if err != nil {
		return ""
	}
	return snap.Diff
}
