package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// IntentLabel is the outcome of ClassifyIntent.
type IntentLabel string

const (
	IntentChat IntentLabel = "chat"
	IntentTask IntentLabel = "task"
)

// MinClassifyTimeout is the floor applied to Config.ClassifyTimeout.
const MinClassifyTimeout = 3 * time.Second

// Classification is the agent's judgement of a message.
type Classification struct {
	Label      IntentLabel
	Confidence float64
	Raw        string
}

const classifyPrompt = `Classify the user message below as either "chat" (small talk, greetings, ` +
	`questions answerable in a sentence or two) or "task" (work that needs tools, files, code or ` +
	`system access). Reply with exactly one line of JSON and nothing else, for example ` +
	`{"label":"task","confidence":0.9}.

Message:
`

// ClassifyIntent asks the agent whether command is chat or a task. It never
// fails: timeouts, spawn errors and unparsable replies yield {task, 0}.
func (e *Executor) ClassifyIntent(ctx context.Context, command, model string) Classification {
	timeout := e.cfg.ClassifyTimeout
	if timeout < MinClassifyTimeout {
		timeout = MinClassifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"run", classifyPrompt + command}
	if model != "" {
		args = append(args, "--model", model)
	}
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.Workdir
	cmd.Env = mergeEnv(os.Environ(), e.cfg.Env)
	cmd.WaitDelay = time.Second

	start := time.Now()
	out, err := cmd.Output()
	if err != nil {
		e.log.Warn("classify_failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		res := Classification{Label: IntentTask, Raw: string(out)}
		e.metrics.classified(res.Label)
		return res
	}

	res := parseClassification(string(out))
	e.log.Debug("classify_done",
		slog.String("label", string(res.Label)),
		slog.Float64("confidence", res.Confidence),
		slog.Duration("elapsed", time.Since(start)))
	e.metrics.classified(res.Label)
	return res
}

// parseClassification extracts a label from the agent's reply. The reply may
// be plain JSON, JSON inside a code fence, the agent's own JSON event stream,
// or free text.
func parseClassification(raw string) Classification {
	res := Classification{Label: IntentTask, Raw: raw}
	text := classifyText(raw)

	if obj, ok := findJSONObject(text); ok {
		var v struct {
			Label      string   `json:"label"`
			Intent     string   `json:"intent"`
			Confidence *float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(obj), &v); err == nil {
			label := strings.ToLower(strings.TrimSpace(firstNonEmpty(v.Label, v.Intent)))
			if label == string(IntentChat) || label == string(IntentTask) {
				res.Label = IntentLabel(label)
				res.Confidence = 1
				if v.Confidence != nil {
					res.Confidence = clamp01(*v.Confidence)
				}
				return res
			}
		}
	}

	lower := strings.ToLower(text)
	hasChat := strings.Contains(lower, "chat")
	hasTask := strings.Contains(lower, "task")
	switch {
	case hasChat && !hasTask:
		res.Label = IntentChat
		res.Confidence = 0.5
	case hasTask && !hasChat:
		res.Confidence = 0.5
	}
	return res
}

// classifyText joins the text parts of a JSON event stream, or returns raw
// unchanged when it is not one. Code fences are removed.
func classifyText(raw string) string {
	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		ev := DecodeLine(line)
		if ev.Kind == StreamText || ev.Kind == StreamRaw {
			parts = append(parts, ev.Text)
		}
	}
	text := strings.Join(parts, "\n")
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

func findJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	obj := s[start : end+1]
	if !json.Valid([]byte(obj)) {
		// the reply may hold several objects; take the first complete one
		dec := json.NewDecoder(bytes.NewReader([]byte(s[start:])))
		var m json.RawMessage
		if err := dec.Decode(&m); err != nil {
			return "", false
		}
		obj = string(m)
	}
	return obj, true
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
