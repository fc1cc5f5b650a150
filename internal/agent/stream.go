package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StreamKind classifies one line of agent stdout.
type StreamKind int

const (
	// StreamRaw is a line that is not a recognized JSON event; Text holds the line
	StreamRaw StreamKind = iota
	// StreamText is {"type":"text","part":{"text":...}}
	StreamText
	// StreamStepStart is {"type":"step_start"}
	StreamStepStart
	// StreamStepFinish is {"type":"step_finish"}
	StreamStepFinish
	// StreamToolUse is {"type":"tool_use","part":{...}}
	StreamToolUse
	// StreamError is {"type":"error",...}
	StreamError
	// StreamMeta is a recognized JSON object carrying nothing displayable (e.g. only sessionID)
	StreamMeta
)

// ToolUse describes a tool invocation reported by the agent.
type ToolUse struct {
	Name   string
	Title  string
	Status string
	Input  string
}

// StreamEvent is the decoded form of one stdout line.
// SessionID may be set on any kind.
type StreamEvent struct {
	Kind      StreamKind
	SessionID string
	Text      string
	PartType  string
	Tool      ToolUse
}

type wireLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID"`
	Part      *wirePart       `json:"part"`
	Error     json.RawMessage `json:"error"`
	Message   string          `json:"message"`
}

type wirePart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	SessionID string          `json:"sessionID"`
	Title     string          `json:"title"`
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason"`
	Input     json.RawMessage `json:"input"`
	State     *wireState      `json:"state"`
}

type wireState struct {
	Status string          `json:"status"`
	Title  string          `json:"title"`
	Input  json.RawMessage `json:"input"`
	Error  string          `json:"error"`
}

// DecodeLine parses one stdout line. It never fails: anything that is not a
// recognized JSON event comes back as StreamRaw with the original line.
func DecodeLine(line string) StreamEvent {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return StreamEvent{Kind: StreamRaw, Text: line}
	}

	var w wireLine
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return StreamEvent{Kind: StreamRaw, Text: line}
	}

	ev := StreamEvent{SessionID: w.SessionID}
	if w.Part != nil {
		ev.PartType = w.Part.Type
		if ev.SessionID == "" {
			ev.SessionID = w.Part.SessionID
		}
	}

	switch w.Type {
	case "text":
		if w.Part == nil || w.Part.Text == "" {
			ev.Kind = StreamMeta
			return ev
		}
		ev.Kind = StreamText
		ev.Text = w.Part.Text
	case "step_start":
		ev.Kind = StreamStepStart
	case "step_finish":
		ev.Kind = StreamStepFinish
		if w.Part != nil {
			ev.Text = w.Part.Reason
		}
	case "tool_use":
		ev.Kind = StreamToolUse
		if w.Part != nil {
			ev.Tool = decodeTool(w.Part)
		}
	case "error":
		ev.Kind = StreamError
		ev.Text = decodeError(w)
	default:
		if ev.SessionID == "" {
			return StreamEvent{Kind: StreamRaw, Text: line}
		}
		ev.Kind = StreamMeta
	}
	return ev
}

func decodeTool(p *wirePart) ToolUse {
	t := ToolUse{
		Name:   firstNonEmpty(p.Tool, p.Name, p.Title),
		Title:  p.Title,
		Status: p.Status,
	}
	input := p.Input
	if p.State != nil {
		if t.Status == "" {
			t.Status = p.State.Status
		}
		if t.Title == "" {
			t.Title = p.State.Title
		}
		if len(input) == 0 {
			input = p.State.Input
		}
	}
	if t.Name == "" {
		t.Name = t.Title
	}
	if len(input) > 0 && !bytes.Equal(input, []byte("null")) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, input); err == nil {
			t.Input = truncate(buf.String(), 160)
		}
	}
	return t
}

func decodeError(w wireLine) string {
	if w.Part != nil && w.Part.Text != "" {
		return w.Part.Text
	}
	if len(w.Error) > 0 {
		var s string
		if err := json.Unmarshal(w.Error, &s); err == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
			Name    string `json:"name"`
			Data    struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		if err := json.Unmarshal(w.Error, &obj); err == nil {
			if m := firstNonEmpty(obj.Data.Message, obj.Message, obj.Name); m != "" {
				return m
			}
		}
	}
	if w.Message != "" {
		return w.Message
	}
	return "agent reported an error"
}

// StatusLine renders a short human-readable status for step, tool and error
// events. It returns "" for kinds that carry output rather than status.
func (ev StreamEvent) StatusLine() string {
	switch ev.Kind {
	case StreamStepStart:
		return "Analyzing"
	case StreamStepFinish:
		return "Step finished"
	case StreamToolUse:
		name := ev.Tool.Name
		if name == "" {
			name = "unknown"
		}
		switch strings.ToLower(ev.Tool.Status) {
		case "error", "failed", "failure":
			return fmt.Sprintf("Tool %s failed", name)
		case "completed", "complete", "success", "done":
			return fmt.Sprintf("Tool %s finished", name)
		default:
			return fmt.Sprintf("Calling tool %s", name)
		}
	case StreamError:
		return "Agent error: " + truncate(ev.Text, 120)
	}
	return ""
}

// lineWriter splits a byte stream into lines. It is the io.Writer handed to
// exec.Cmd for stdout and stderr; every Write counts as activity.
type lineWriter struct {
	mu         sync.Mutex
	buf        []byte
	onLine     func(string)
	onActivity func()
}

// maxLineBytes forces a line break for runaway output without newlines.
const maxLineBytes = 1024 * 1024

func newLineWriter(onLine func(string), onActivity func()) *lineWriter {
	return &lineWriter{onLine: onLine, onActivity: onActivity}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.onActivity != nil {
		w.onActivity()
	}

	w.mu.Lock()
	w.buf = append(w.buf, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(w.buf[:idx]), "\r"))
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxLineBytes {
		lines = append(lines, string(w.buf))
		w.buf = nil
	}
	w.mu.Unlock()

	for _, l := range lines {
		w.onLine(l)
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	rest := strings.TrimRight(string(w.buf), "\r")
	w.buf = nil
	w.mu.Unlock()

	if strings.TrimSpace(rest) != "" {
		w.onLine(rest)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
