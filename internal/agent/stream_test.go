package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		kind    StreamKind
		text    string
		session string
		tool    ToolUse
	}{
		{
			name: "text part",
			line: `{"type":"text","part":{"text":"hello"}}`,
			kind: StreamText,
			text: "hello",
		},
		{
			name:    "top-level session id",
			line:    `{"sessionID":"ses_1"}`,
			kind:    StreamMeta,
			session: "ses_1",
		},
		{
			name:    "session id nested in part",
			line:    `{"type":"text","part":{"sessionID":"ses_2","text":"hi"}}`,
			kind:    StreamText,
			text:    "hi",
			session: "ses_2",
		},
		{
			name: "empty text part",
			line: `{"type":"text","part":{"text":""}}`,
			kind: StreamMeta,
		},
		{
			name: "step start",
			line: `{"type":"step_start","part":{"type":"step-start"}}`,
			kind: StreamStepStart,
		},
		{
			name: "step finish",
			line: `{"type":"step_finish","part":{"type":"step-finish","reason":"stop"}}`,
			kind: StreamStepFinish,
			text: "stop",
		},
		{
			name: "tool use with state",
			line: `{"type":"tool_use","part":{"tool":"read","state":{"status":"completed","title":"a.go","input":{"path": "a.go"}}}}`,
			kind: StreamToolUse,
			tool: ToolUse{Name: "read", Title: "a.go", Status: "completed", Input: `{"path":"a.go"}`},
		},
		{
			name: "tool use falls back to title",
			line: `{"type":"tool_use","part":{"title":"Search","status":"running"}}`,
			kind: StreamToolUse,
			tool: ToolUse{Name: "Search", Title: "Search", Status: "running"},
		},
		{
			name: "error object",
			line: `{"type":"error","error":{"name":"APIError","data":{"message":"rate limited"}}}`,
			kind: StreamError,
			text: "rate limited",
		},
		{
			name: "plain text",
			line: "just some output",
			kind: StreamRaw,
			text: "just some output",
		},
		{
			name: "broken json",
			line: `{"type":"text",`,
			kind: StreamRaw,
			text: `{"type":"text",`,
		},
		{
			name: "unknown json shape",
			line: `{"foo":1}`,
			kind: StreamRaw,
			text: `{"foo":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := DecodeLine(tt.line)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.text, ev.Text)
			assert.Equal(t, tt.session, ev.SessionID)
			assert.Equal(t, tt.tool, ev.Tool)
		})
	}
}

func TestStatusLine(t *testing.T) {
	tests := []struct {
		ev   StreamEvent
		want string
	}{
		{StreamEvent{Kind: StreamStepStart}, "Analyzing"},
		{StreamEvent{Kind: StreamStepFinish}, "Step finished"},
		{StreamEvent{Kind: StreamToolUse, Tool: ToolUse{Name: "bash"}}, "Calling tool bash"},
		{StreamEvent{Kind: StreamToolUse, Tool: ToolUse{Name: "bash", Status: "error"}}, "Tool bash failed"},
		{StreamEvent{Kind: StreamToolUse, Tool: ToolUse{Name: "bash", Status: "completed"}}, "Tool bash finished"},
		{StreamEvent{Kind: StreamToolUse}, "Calling tool unknown"},
		{StreamEvent{Kind: StreamError, Text: "bad"}, "Agent error: bad"},
		{StreamEvent{Kind: StreamText, Text: "x"}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.StatusLine())
	}
}

func TestLineWriter(t *testing.T) {
	var lines []string
	activity := 0
	w := newLineWriter(func(l string) { lines = append(lines, l) }, func() { activity++ })

	_, _ = w.Write([]byte("one\r\ntw"))
	_, _ = w.Write([]byte("o\n\nthree"))
	assert.Equal(t, []string{"one", "two", ""}, lines)

	w.Flush()
	assert.Equal(t, []string{"one", "two", "", "three"}, lines)
	assert.Equal(t, 2, activity)

	w.Flush()
	assert.Len(t, lines, 4)
}

func TestLineWriter_LongLine(t *testing.T) {
	var lines []string
	w := newLineWriter(func(l string) { lines = append(lines, l) }, nil)

	_, _ = w.Write([]byte(strings.Repeat("x", maxLineBytes+1)))
	assert.Len(t, lines, 1)
	assert.Len(t, lines[0], maxLineBytes+1)
}
