package orchestrator

import (
	"fmt"
	"strings"

	"github.com/spyre-sh/spyre/internal/store"
)

// Tool names the supervising agent uses to drive the engine. Tool_use
// events carrying these names are intercepted off the task event stream and
// never reach a real tool.
const (
	ToolSpawnAgent = "spyre_spawn_agent"
	ToolAskUser    = "spyre_ask_user"
)

// buildSystemPrompt composes the supervising task's prompt: the goal, the
// personas it may assign, and the two engine tools.
func buildSystemPrompt(goal string, personas []*store.Persona) string {
	var b strings.Builder

	b.WriteString("You are an orchestrator supervising a team of lightweight agents inside this environment.\n\n")
	fmt.Fprintf(&b, "# Goal\n%s\n\n", goal)

	if len(personas) > 0 {
		b.WriteString("# Available Personas\n")
		for _, p := range personas {
			fmt.Fprintf(&b, "- %s (id: %s): %s\n", p.Name, p.ID, p.Role)
		}
		b.WriteString("\n")
	}

	b.WriteString(`# Tools

You control the engine through two tools. Invoke them as ordinary tool calls; the engine intercepts them.

## ` + ToolSpawnAgent + `
Spawn one or more lightweight agents that work in parallel. Input:
{"agents": [{"name": "...", "role": "...", "task": "...", "persona_id": "...", "model": "...", "context": {...}}]}
A single agent object (without the "agents" wrapper) is also accepted. At most ` + fmt.Sprint(MaxAgentsPerWave) + ` agents may be active at once; submit further batches after a wave completes.

## ` + ToolAskUser + `
Ask the human operator a question and wait for the answer. Input:
{"question": "...", "options": ["...", "..."]}
The answer arrives asynchronously; poll for it before proceeding.

Break the goal into waves of agent work, review each wave's results, and finish with a concise summary of what was accomplished.`)

	return b.String()
}

// buildAgentPrompt frames a lightweight agent's task.
func buildAgentPrompt(agent *store.LightweightAgent, persona *store.Persona) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, ", acting as %s", agent.Role)
	}
	b.WriteString(".\n")
	if persona != nil && persona.Prompt != "" {
		b.WriteString(persona.Prompt + "\n")
	}
	if agent.Context != "" && agent.Context != "{}" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", agent.Context)
	}
	fmt.Fprintf(&b, "\nTask:\n%s", agent.TaskPrompt)
	return b.String()
}
