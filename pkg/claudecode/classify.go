package claudecode

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	toolSummaryMax = 100
	textSummaryMax = 200
)

// classify maps one parsed CLI message to zero or more events. A single
// assistant message with several tool_use blocks yields one event per block.
func classify(msg *CLIMessage, raw []byte) []Event {
	payload := json.RawMessage(raw)

	switch msg.Type {
	case MessageTypeSystem:
		return []Event{{Type: EventInit, Summary: "Session started", Payload: payload}}

	case MessageTypeAssistant:
		return classifyAssistant(msg, payload)

	case MessageTypeToolResult:
		return []Event{{
			Type:    EventToolResult,
			Summary: Truncate(stringifyContent(msg.Content), textSummaryMax),
			Payload: payload,
		}}

	case MessageTypeResult:
		return []Event{{Type: EventResult, Summary: resultSummary(msg), Payload: payload}}

	default:
		return []Event{{
			Type:    EventText,
			Summary: Truncate(string(raw), textSummaryMax),
			Payload: payload,
		}}
	}
}

func classifyAssistant(msg *CLIMessage, payload json.RawMessage) []Event {
	if msg.Message == nil {
		return []Event{{Type: EventText, Summary: "", Payload: payload}}
	}

	var events []Event
	var texts []string
	for _, block := range msg.Message.Content {
		switch block.Type {
		case BlockTypeToolUse:
			events = append(events, Event{
				Type:    EventToolUse,
				Summary: Truncate(toolSummary(block), toolSummaryMax),
				Payload: payload,
			})
		case BlockTypeText:
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}

	if len(events) > 0 {
		return events
	}
	return []Event{{
		Type:    EventText,
		Summary: Truncate(strings.Join(texts, " "), textSummaryMax),
		Payload: payload,
	}}
}

// toolSummary renders "<toolName>: <detail>" with a tool-specific detail
// projection.
func toolSummary(block ContentBlock) string {
	detail := toolDetail(block.Name, block.Input)
	if detail == "" {
		return block.Name
	}
	return block.Name + ": " + detail
}

func toolDetail(name string, input map[string]any) string {
	switch name {
	case ToolBash:
		return inputString(input, "command")
	case ToolRead, ToolWrite, ToolEdit:
		return inputString(input, "file_path")
	case ToolGrep:
		pattern := inputString(input, "pattern")
		if path := inputString(input, "path"); path != "" {
			return pattern + " in " + path
		}
		return pattern
	case ToolGlob:
		return inputString(input, "pattern")
	case ToolWebFetch:
		return inputString(input, "url")
	case ToolTask:
		return inputString(input, "description")
	default:
		if len(input) == 0 {
			return ""
		}
		data, err := json.Marshal(input)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func inputString(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func resultSummary(msg *CLIMessage) string {
	if msg.DurationMS > 0 || msg.Cost() > 0 {
		return fmt.Sprintf("Complete: %ds, $%.4f", msg.DurationMS/1000, msg.Cost())
	}
	if msg.IsError {
		return "Task failed"
	}
	return "Complete"
}

func stringifyContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	return string(content)
}

// Truncate caps s at n bytes, backing up to a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
