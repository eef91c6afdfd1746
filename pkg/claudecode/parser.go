package claudecode

import (
	"bytes"
	"encoding/json"
)

// Event is one classified stream event.
type Event struct {
	Type    string // init, text, tool_use, tool_result, result
	Summary string
	Payload json.RawMessage // the full original JSON line
}

// Event types produced by the classifier.
const (
	EventInit       = "init"
	EventText       = "text"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventResult     = "result"
)

// StreamParser consumes arbitrary byte chunks and emits one classified
// event per newline-terminated JSON line. The trailing incomplete line is
// buffered until the next chunk or Flush. Invalid JSON lines are skipped.
//
// The parser also tracks the session id, accumulated cost, and the final
// result string whenever a line carries them.
type StreamParser struct {
	buf     bytes.Buffer
	onEvent func(Event)

	sessionID string
	costUSD   float64
	result    string
	hasResult bool
}

// NewStreamParser creates a parser delivering events to onEvent.
func NewStreamParser(onEvent func(Event)) *StreamParser {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &StreamParser{onEvent: onEvent}
}

// Write feeds a chunk into the parser. Events for every complete line in
// the buffer are emitted synchronously, in order.
func (p *StreamParser) Write(chunk []byte) {
	p.buf.Write(chunk)
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)
		p.processLine(line)
	}
}

// Flush attempts to parse the final unterminated fragment.
func (p *StreamParser) Flush() {
	if p.buf.Len() == 0 {
		return
	}
	line := make([]byte, p.buf.Len())
	copy(line, p.buf.Bytes())
	p.buf.Reset()
	p.processLine(line)
}

// SessionID returns the session id announced by the CLI, if any.
func (p *StreamParser) SessionID() string { return p.sessionID }

// CostUSD returns the latest cost reported by the stream.
func (p *StreamParser) CostUSD() float64 { return p.costUSD }

// Result returns the final result string and whether one was seen.
func (p *StreamParser) Result() (string, bool) { return p.result, p.hasResult }

func (p *StreamParser) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// Non-JSON noise (PTY echoes, progress spinners) is expected.
		return
	}

	p.track(&msg)
	for _, ev := range classify(&msg, line) {
		p.onEvent(ev)
	}
}

// track records session/cost/result side effects regardless of event type.
func (p *StreamParser) track(msg *CLIMessage) {
	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
	}
	if c := msg.Cost(); c > 0 {
		p.costUSD = c
	}
	if msg.Type == MessageTypeResult {
		if s := msg.ResultString(); s != "" {
			p.result = s
			p.hasResult = true
		}
	}
}
