// Package claudecode parses the Claude Code CLI stream-json protocol: one
// JSON object per stdout line, classified into typed task events.
package claudecode

import "encoding/json"

// Message types emitted by the CLI.
const (
	MessageTypeSystem     = "system"
	MessageTypeAssistant  = "assistant"
	MessageTypeToolResult = "tool_result"
	MessageTypeResult     = "result"
)

// Content block types inside assistant messages.
const (
	BlockTypeText    = "text"
	BlockTypeToolUse = "tool_use"
)

// Built-in tool names the classifier knows projections for.
const (
	ToolBash     = "Bash"
	ToolRead     = "Read"
	ToolWrite    = "Write"
	ToolEdit     = "Edit"
	ToolGlob     = "Glob"
	ToolGrep     = "Grep"
	ToolWebFetch = "WebFetch"
	ToolTask     = "Task"
)

// CLIMessage is one parsed stdout line. The type determines which fields
// are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system
	SessionID string `json:"session_id,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// tool_result
	Content json.RawMessage `json:"content,omitempty"`

	// result; Result is a string on success and may be absent on error
	Result     json.RawMessage `json:"result,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	TotalCost  float64         `json:"total_cost_usd,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
}

// AssistantMessage carries the assistant's content blocks.
type AssistantMessage struct {
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is a single block inside an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ResultString returns the result field as a plain string, tolerating both
// a JSON string and a raw value.
func (m *CLIMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	return string(m.Result)
}

// Cost returns whichever cost field the CLI populated.
func (m *CLIMessage) Cost() float64 {
	if m.CostUSD > 0 {
		return m.CostUSD
	}
	return m.TotalCost
}
