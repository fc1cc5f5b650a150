package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// Result is the part of a finished task the formatter needs.
type Result struct {
	Status   string
	Command  string
	Output   string
	Stderr   string
	Error    string
	Reason   string
	Model    string
	Duration time.Duration

	// Detail disables the concise transform
	Detail bool
}

// Options are the delivery limits of the chat platform.
type Options struct {
	CardEnabled     bool
	MaxMessageChars int
	CardDetailChars int
}

// Response is what the caller sends: either Card followed by Continuation,
// or the Text messages in order.
type Response struct {
	Card         *Card
	Text         []string
	Continuation []string
}

// NoOutput is shown for a task that finished without printing anything.
const NoOutput = "(no output)"

const (
	cardMinWidth   = 300
	highlightCount = 3
	highlightWidth = 100
	stderrTail     = 5
)

// Completion renders a successful task. Long, structured or link-bearing
// output becomes a card when cards are enabled; everything else is chunked
// text.
func Completion(r Result, o Options) Response {
	body := Normalize(r.Output)
	header := "Task completed in " + Duration(r.Duration)
	if body == "" {
		return Response{Text: []string{header + ". " + NoOutput}}
	}
	if !r.Detail {
		body = Concise(body)
	}

	if o.CardEnabled && cardWorthy(body) {
		card := NewCard("Task completed", TemplateGreen)
		if hl := Highlights(body, highlightCount); len(hl) > 0 && len(strings.Split(body, "\n")) > len(hl)+2 {
			card.Markdown("**Highlights**\n" + strings.Join(hl, "\n")).Divider()
		}
		detail, overflow := splitDetail(body, o.CardDetailChars)
		card.Markdown(detail)
		card.Note(meta(r))
		return Response{Card: card, Continuation: Chunk(overflow, o.MaxMessageChars)}
	}

	return Response{Text: Chunk(header+"\n\n"+body, o.MaxMessageChars)}
}

func cardWorthy(body string) bool {
	return runewidth.StringWidth(body) >= cardMinWidth ||
		IsStructured(body) ||
		strings.Contains(body, "http://") || strings.Contains(body, "https://")
}

func meta(r Result) string {
	parts := []string{"Duration " + Duration(r.Duration)}
	if r.Model != "" {
		parts = append(parts, "Model "+r.Model)
	}
	return strings.Join(parts, " · ")
}

// Highlights returns up to n list items from text as "- " bullets.
func Highlights(text string, n int) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if len(out) == n {
			break
		}
		if !listItemRe.MatchString(l) {
			continue
		}
		item := strings.TrimSpace(l)
		item = strings.TrimLeft(item, "-*+• ")
		out = append(out, "- "+runewidth.Truncate(item, highlightWidth, "…"))
	}
	return out
}

// splitDetail cuts text at limit runes, preferring a line break in the second
// half. The remainder is returned as overflow.
func splitDetail(text string, limit int) (string, string) {
	r := []rune(text)
	if limit <= 0 || len(r) <= limit {
		return text, ""
	}
	cut := limit
	if i := strings.LastIndex(string(r[:limit]), "\n"); i >= 0 {
		if at := len([]rune(string(r[:limit])[:i])); at >= limit/2 {
			cut = at
		}
	}
	return strings.TrimRight(string(r[:cut]), "\n") + "\n\n_(continued below)_", strings.TrimSpace(string(r[cut:]))
}

// Failure renders a failed task with its error and the tail of stderr.
func Failure(r Result) string {
	msg := r.Error
	if msg == "" {
		msg = "unknown error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task failed after %s: %s", Duration(r.Duration), msg)
	if tail := lastLines(Normalize(r.Stderr), stderrTail); tail != "" {
		b.WriteString("\n```\n" + tail + "\n```")
	}
	if out := Normalize(r.Output); out != "" {
		b.WriteString("\n\nPartial output:\n" + Concise(out))
	}
	return b.String()
}

// Cancelled renders a cancelled task with a human-readable reason.
func Cancelled(r Result) string {
	s := "Task " + CancelReason(r.Reason) + "."
	if out := Normalize(r.Output); out != "" {
		s += "\n\nPartial output:\n" + Concise(out)
	}
	return s
}

// CancelReason maps a machine reason code to a short explanation.
func CancelReason(code string) string {
	switch code {
	case "no_progress":
		return "cancelled due to prolonged inactivity (no output from the agent)"
	case "timeout":
		return "cancelled after reaching the time limit"
	case "user":
		return "cancelled by request"
	case "shutdown":
		return "cancelled because the service is shutting down"
	case "session_reset":
		return "cancelled because the session was reset"
	case "":
		return "cancelled"
	}
	return "cancelled (" + code + ")"
}

// Progress renders the most recent k distinct lines as bullets. Earlier
// repeats of a line are dropped in favor of the latest one.
func Progress(lines []string, k int) string {
	var clean []string
	for _, l := range lines {
		l = strings.TrimSpace(StripANSI(l))
		if l == "" {
			continue
		}
		for i, c := range clean {
			if c == l {
				clean = append(clean[:i], clean[i+1:]...)
				break
			}
		}
		clean = append(clean, l)
	}
	if k > 0 && len(clean) > k {
		clean = clean[len(clean)-k:]
	}
	for i, l := range clean {
		clean[i] = "• " + runewidth.Truncate(l, ConciseLineWidth, "…")
	}
	return strings.Join(clean, "\n")
}

// Queued tells the user where their task sits in the queue.
func Queued(position int) string {
	return fmt.Sprintf("Queued at position %d. The task starts when a running one finishes.", position)
}

// Started acknowledges a task that began running.
func Started(command string) string {
	return "Working on it: " + runewidth.Truncate(strings.Join(strings.Fields(command), " "), 80, "…")
}

// Duration renders d rounded to seconds, or "<1s".
func Duration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}

func lastLines(text string, n int) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
