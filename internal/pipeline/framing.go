package pipeline

import (
	"fmt"
	"strings"

	"github.com/spyre-sh/spyre/internal/store"
	"github.com/spyre-sh/spyre/pkg/claudecode"
)

const (
	diffMax           = 5000
	diffTruncatedNote = "\n[diff truncated at 5000 characters]"

	defaultStepPrompt = "Complete the next stage of work."
)

// framingInput is everything a step prompt depends on. Building twice with
// the same input yields byte-identical output.
type framingInput struct {
	Pipeline *store.Pipeline
	Step     *store.PipelineStep
	Steps    []*store.PipelineStep // all steps, position order
	Personas map[string]*store.Persona
	Diff     string // most recent step_complete snapshot diff
}

// buildStepPrompt composes the framed prompt for an agent step: header,
// prior work stanzas, reviewer feedback, cumulative diff, the step's own
// template, and a revision note.
func buildStepPrompt(in framingInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline: %s\n", in.Pipeline.Name)
	if in.Pipeline.Description != "" {
		b.WriteString(in.Pipeline.Description + "\n")
	}
	b.WriteString("\n")

	writePriorWork(&b, in)
	writeReviewerFeedback(&b, in)
	writeDiff(&b, in.Diff)

	template := strings.TrimSpace(in.Step.PromptTemplate)
	if template == "" {
		template = defaultStepPrompt
	}
	b.WriteString(template)

	if in.Step.Iteration > 0 {
		fmt.Fprintf(&b, "\n\nThis is revision #%d. Address the reviewer feedback above.", in.Step.Iteration)
	}
	return b.String()
}

// writePriorWork adds one stanza per completed or skipped step at an
// earlier position.
func writePriorWork(b *strings.Builder, in framingInput) {
	var stanzas []string
	for _, s := range in.Steps {
		if s.Position >= in.Step.Position {
			continue
		}
		if s.Status != store.StepStatusCompleted && s.Status != store.StepStatusSkipped {
			continue
		}
		var stanza strings.Builder
		fmt.Fprintf(&stanza, "### %s", s.Label)
		if s.PersonaID != nil {
			if p, ok := in.Personas[*s.PersonaID]; ok {
				fmt.Fprintf(&stanza, " (%s)", p.Name)
			}
		}
		stanza.WriteString("\n")
		if s.Status == store.StepStatusSkipped {
			stanza.WriteString("Skipped.\n")
		} else if s.ResultSummary != "" {
			stanza.WriteString(s.ResultSummary + "\n")
		}
		if s.GateFeedback != "" {
			fmt.Fprintf(&stanza, "Gate feedback: %s\n", s.GateFeedback)
		}
		stanzas = append(stanzas, stanza.String())
	}
	if len(stanzas) == 0 {
		return
	}
	b.WriteString("## Prior Work\n")
	for _, s := range stanzas {
		b.WriteString(s)
	}
	b.WriteString("\n")
}

// writeReviewerFeedback quotes the feedback of the last gate whose current
// result is revised. Such a gate sits after the step being re-run; its
// result is overwritten once the gate is approved, so the quote disappears
// when the revision loop closes.
func writeReviewerFeedback(b *strings.Builder, in framingInput) {
	var feedback string
	for _, s := range in.Steps {
		if s.ID == in.Step.ID {
			continue
		}
		if s.GateResult != nil && *s.GateResult == store.GateRevised && s.GateFeedback != "" {
			feedback = s.GateFeedback
		}
	}
	if feedback == "" {
		return
	}
	b.WriteString("## Reviewer Feedback\n")
	b.WriteString("> " + strings.ReplaceAll(feedback, "\n", "\n> "))
	b.WriteString("\n\n")
}

func writeDiff(b *strings.Builder, diff string) {
	if strings.TrimSpace(diff) == "" {
		return
	}
	b.WriteString("## Changes So Far\n```diff\n")
	if len(diff) >= diffMax {
		b.WriteString(claudecode.Truncate(diff, diffMax))
		b.WriteString(diffTruncatedNote)
	} else {
		b.WriteString(diff)
	}
	b.WriteString("\n```\n\n")
}
