package agent

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResponseMode fixes how verbosely a task's lifecycle is reported.
type ResponseMode string

const (
	ModeSilent ResponseMode = "silent"
	ModeQuiet  ResponseMode = "quiet"
	ModeNormal ResponseMode = "normal"
	ModeDebug  ResponseMode = "debug"
)

// ParseResponseMode accepts silent, quiet, normal and debug (case-insensitive).
func ParseResponseMode(s string) (ResponseMode, bool) {
	switch ResponseMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSilent:
		return ModeSilent, true
	case ModeQuiet:
		return ModeQuiet, true
	case ModeNormal:
		return ModeNormal, true
	case ModeDebug:
		return ModeDebug, true
	}
	return "", false
}

// ShowsProgress reports whether intermediate progress is relayed in this mode.
func (m ResponseMode) ShowsProgress() bool {
	return m == ModeNormal || m == ModeDebug
}

// Cancellation reason codes.
const (
	ReasonUser       = "user"
	ReasonNoProgress = "no_progress"
	ReasonTimeout    = "timeout"
	ReasonShutdown   = "shutdown"
	ReasonReset      = "session_reset"
)

// Stream identifies which process stream an output fragment came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputChunk is one fragment of accumulated task output.
type OutputChunk struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Request describes one agent invocation.
type Request struct {
	// TaskID is optional; a fresh id is generated when empty
	TaskID         string
	Command        string
	UserID         string
	ChatID         string
	MessageID      string
	Files          []string
	AgentSessionID string
	Mode           ResponseMode
	Model          string
}

// Task is one invocation of the agent process.
type Task struct {
	ID             string        `json:"id"`
	Status         Status        `json:"status"`
	Command        string        `json:"command"`
	UserID         string        `json:"user_id"`
	ChatID         string        `json:"chat_id"`
	MessageID      string        `json:"message_id,omitempty"`
	AgentSessionID string        `json:"agent_session_id,omitempty"`
	Model          string        `json:"model,omitempty"`
	Files          []string      `json:"files,omitempty"`
	Mode           ResponseMode  `json:"mode"`
	Output         []OutputChunk `json:"output,omitempty"`
	Error          string        `json:"error,omitempty"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	CompletedAt    time.Time     `json:"completed_at,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// Finalized reports whether the task reached a terminal status.
func (t Task) Finalized() bool {
	return t.Status.Terminal()
}

// Text joins the stdout fragments.
func (t Task) Text() string {
	return t.join(StreamStdout)
}

// Stderr joins the stderr fragments.
func (t Task) Stderr() string {
	return t.join(StreamStderr)
}

func (t Task) join(s Stream) string {
	var parts []string
	for _, c := range t.Output {
		if c.Stream == s {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// clone returns a copy that shares no slices with t.
func (t Task) clone() Task {
	out := t
	if t.Output != nil {
		out.Output = make([]OutputChunk, len(t.Output))
		copy(out.Output, t.Output)
	}
	if t.Files != nil {
		out.Files = make([]string, len(t.Files))
		copy(out.Files, t.Files)
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		out.ExitCode = &code
	}
	return out
}
