package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyre-sh/spyre/internal/store"
)

func strPtr(s string) *string { return &s }

func framingFixture() framingInput {
	reviewed := store.GateRevised
	return framingInput{
		Pipeline: &store.Pipeline{Name: "api-rewrite", Description: "Port the REST layer."},
		Step: &store.PipelineStep{
			ID:             "step-b",
			Position:       2,
			PromptTemplate: "Implement the handlers.",
		},
		Steps: []*store.PipelineStep{
			{
				ID:            "step-a",
				Position:      0,
				Label:         "Design",
				PersonaID:     strPtr("p-1"),
				Status:        store.StepStatusCompleted,
				ResultSummary: "Wrote the design doc.",
			},
			{
				ID:           "gate-1",
				Position:     1,
				Label:        "Design Review",
				Type:         store.StepTypeGate,
				Status:       store.StepStatusCompleted,
				GateResult:   &reviewed,
				GateFeedback: "Split the auth module.",
			},
			{ID: "step-b", Position: 2, Status: store.StepStatusPending},
		},
		Personas: map[string]*store.Persona{
			"p-1": {ID: "p-1", Name: "Architect"},
		},
		Diff: "diff --git a/main.go b/main.go\n+func main() {}\n",
	}
}

func TestBuildStepPromptComposition(t *testing.T) {
	prompt := buildStepPrompt(framingFixture())

	header := strings.Index(prompt, "# Pipeline: api-rewrite")
	prior := strings.Index(prompt, "## Prior Work")
	feedback := strings.Index(prompt, "## Reviewer Feedback")
	diff := strings.Index(prompt, "## Changes So Far")
	template := strings.Index(prompt, "Implement the handlers.")

	require.True(t, header >= 0 && prior > header && feedback > prior && diff > feedback && template > diff,
		"sections out of order:\n%s", prompt)
	assert.Contains(t, prompt, "### Design (Architect)")
	assert.Contains(t, prompt, "Wrote the design doc.")
	assert.Contains(t, prompt, "> Split the auth module.")
	assert.Contains(t, prompt, "+func main() {}")
}

func TestBuildStepPromptDeterministic(t *testing.T) {
	in := framingFixture()
	first := buildStepPrompt(in)
	second := buildStepPrompt(in)
	assert.Equal(t, first, second)
}

func TestBuildStepPromptBareStep(t *testing.T) {
	in := framingInput{
		Pipeline: &store.Pipeline{Name: "solo"},
		Step:     &store.PipelineStep{ID: "s", Position: 0, PromptTemplate: "Do the thing."},
		Steps:    []*store.PipelineStep{{ID: "s", Position: 0}},
	}
	prompt := buildStepPrompt(in)
	assert.Equal(t, "# Pipeline: solo\n\nDo the thing.", prompt)
}

func TestBuildStepPromptDefaultTemplate(t *testing.T) {
	in := framingInput{
		Pipeline: &store.Pipeline{Name: "solo"},
		Step:     &store.PipelineStep{ID: "s", Position: 0},
		Steps:    []*store.PipelineStep{{ID: "s", Position: 0}},
	}
	assert.Contains(t, buildStepPrompt(in), "Complete the next stage of work.")
}

func TestBuildStepPromptIterationNote(t *testing.T) {
	in := framingFixture()
	in.Step.Iteration = 2
	prompt := buildStepPrompt(in)
	assert.True(t, strings.HasSuffix(prompt, "This is revision #2. Address the reviewer feedback above."))
}

func TestBuildStepPromptDiffTruncation(t *testing.T) {
	in := framingFixture()
	in.Diff = strings.Repeat("x", 6000)
	prompt := buildStepPrompt(in)
	assert.Contains(t, prompt, "[diff truncated at 5000 characters]")
	assert.Contains(t, prompt, strings.Repeat("x", 5000))
	assert.NotContains(t, prompt, strings.Repeat("x", 5001))

	in.Diff = strings.Repeat("x", 4999)
	assert.NotContains(t, buildStepPrompt(in), "[diff truncated")
}

func TestBuildStepPromptSkippedStanza(t *testing.T) {
	in := framingFixture()
	in.Steps[0].Status = store.StepStatusSkipped
	in.Steps[0].ResultSummary = ""
	prompt := buildStepPrompt(in)
	assert.Contains(t, prompt, "### Design (Architect)\nSkipped.")
}

func TestPathExtractor(t *testing.T) {
	paths := regexExtractor{}.Extract([]string{
		"Created internal/server/http.go and cmd/spyre/main.go.",
		"Touched internal/server/http.go again, plus `docs/api.md`.",
		"No paths here, just words.",
	})
	assert.Equal(t, []string{"cmd/spyre/main.go", "docs/api.md", "internal/server/http.go"}, paths)
}
