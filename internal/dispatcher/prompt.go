package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spyre-sh/spyre/internal/common/shellq"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
	"github.com/spyre-sh/spyre/pkg/claudecode"
)

const personaInstructionsMax = 500

// progressSnapshot is the subset of a project's progress.json quoted into
// the prompt preamble.
type progressSnapshot struct {
	LastActivity string   `json:"last_activity"`
	Blockers     []string `json:"blockers"`
	ActivePhase  string   `json:"active_phase"`
}

// framePrompt wraps the raw prompt with persona and project context. With
// no persona and no project context the raw prompt passes through
// unchanged. Framing is deterministic: identical inputs produce identical
// output.
func framePrompt(raw string, env *store.Environment, persona *store.Persona,
	progress *progressSnapshot, siblings []*store.DevContainer) string {

	hasContext := env != nil && (env.RepoURL != "" || env.WorkingDir != "")
	if persona == nil && !hasContext && progress == nil && len(siblings) == 0 {
		return raw
	}

	var b strings.Builder
	if persona != nil {
		fmt.Fprintf(&b, "You are %s, a %s.\n", persona.Name, persona.Role)
		if persona.Prompt != "" {
			b.WriteString(claudecode.Truncate(persona.Prompt, personaInstructionsMax))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if hasContext {
		b.WriteString("## Project Context\n")
		if env.WorkingDir != "" {
			fmt.Fprintf(&b, "Working directory: %s\n", env.WorkingDir)
		}
		if env.RepoURL != "" {
			fmt.Fprintf(&b, "Repository: %s", env.RepoURL)
			if env.RepoBranch != "" {
				fmt.Fprintf(&b, " (branch %s)", env.RepoBranch)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if progress != nil {
		b.WriteString("## Current Progress\n")
		if progress.ActivePhase != "" {
			fmt.Fprintf(&b, "Active phase: %s\n", progress.ActivePhase)
		}
		if progress.LastActivity != "" {
			fmt.Fprintf(&b, "Last activity: %s\n", progress.LastActivity)
		}
		if len(progress.Blockers) > 0 {
			fmt.Fprintf(&b, "Blockers: %s\n", strings.Join(progress.Blockers, "; "))
		}
		b.WriteString("\n")
	}
	if len(siblings) > 0 {
		b.WriteString("## Sibling Dev-Containers\n")
		for _, dc := range siblings {
			fmt.Fprintf(&b, "- %s (%s)\n", dc.Name, dc.Status)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Task\n")
	b.WriteString(raw)
	return b.String()
}

// readProgress fetches and parses progress.json from the working directory.
// Absence is normal; any failure returns nil.
func readProgress(ctx context.Context, ch sshpool.Channel, workingDir string) *progressSnapshot {
	if workingDir == "" {
		return nil
	}
	res, err := ch.Exec(ctx, "cat "+shellq.Quote(workingDir+"/progress.json")+" 2>/dev/null", 5*time.Second)
	if err != nil || res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return nil
	}
	var snap progressSnapshot
	if err := json.Unmarshal([]byte(res.Stdout), &snap); err != nil {
		return nil
	}
	return &snap
}
