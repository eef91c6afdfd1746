package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spyre-sh/spyre/internal/common/shellq"
	"github.com/spyre-sh/spyre/internal/store"
)

// PathExtractor produces candidate project-relative paths from step result
// summaries. Pluggable so path heuristics can evolve without touching the
// engine.
type PathExtractor interface {
	Extract(summaries []string) []string
}

// regexExtractor is the default: path-looking tokens with a file extension.
type regexExtractor struct{}

var pathPattern = regexp.MustCompile(`(?:^|[\s\x60'"(])((?:[\w.-]+/)+[\w.-]+\.\w{1,10})`)

func (regexExtractor) Extract(summaries []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, summary := range summaries {
		for _, m := range pathPattern.FindAllStringSubmatch(summary, -1) {
			p := strings.TrimPrefix(m[1], "./")
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// artifacts is the cached blob stored on the pipeline row.
type artifacts struct {
	Files    []string `json:"files"`
	Services []string `json:"services"`
}

// collectArtifacts extracts candidate paths from completed step summaries,
// verifies them remotely under the project dir, and detects running
// services. Best-effort throughout.
func (e *Engine) collectArtifacts(ctx context.Context, p *store.Pipeline, steps []*store.PipelineStep) string {
	var summaries []string
	for _, s := range steps {
		if s.Status == store.StepStatusCompleted && s.ResultSummary != "" {
			summaries = append(summaries, s.ResultSummary)
		}
	}

	env, err := e.st.GetEnvironment(ctx, p.EnvID)
	if err != nil {
		return ""
	}
	projectDir := env.WorkingDir
	if projectDir == "" {
		projectDir = "."
	}

	result := artifacts{}
	for _, candidate := range e.extractor.Extract(summaries) {
		full := projectDir + "/" + candidate
		res, err := e.exec.Exec(ctx, p.EnvID, "test -e "+shellq.Quote(full), 10*time.Second)
		if err == nil && res.ExitCode == 0 {
			result.Files = append(result.Files, candidate)
		}
	}
	result.Services = e.detectServices(ctx, p.EnvID)

	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(data)
}

// Rescan re-collects artifacts on demand and refreshes the cached blob.
func (e *Engine) Rescan(ctx context.Context, pipelineID string) (string, error) {
	p, err := e.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	steps, err := e.st.ListSteps(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	blob := e.collectArtifacts(ctx, p, steps)
	if err := e.st.SetPipelineArtifacts(ctx, pipelineID, blob); err != nil {
		return "", err
	}
	return blob, nil
}

// detectServices lists listening TCP services and running containers.
func (e *Engine) detectServices(ctx context.Context, envID string) []string {
	var services []string
	if res, err := e.exec.Exec(ctx, envID,
		"ss -tlnp 2>/dev/null | awk 'NR>1 {print $4}'", 10*time.Second); err == nil && res.ExitCode == 0 {
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			if line != "" {
				services = append(services, "listen "+line)
			}
		}
	}
	if res, err := e.exec.Exec(ctx, envID,
		"docker ps --format '{{.Names}}' 2>/dev/null", 10*time.Second); err == nil && res.ExitCode == 0 {
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			if line != "" {
				services = append(services, "container "+line)
			}
		}
	}
	return services
}
