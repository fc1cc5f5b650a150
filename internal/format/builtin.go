package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// TaskLine summarizes one task for status and history listings.
type TaskLine struct {
	ID      string
	Status  string
	Command string
	Age     time.Duration
	Took    time.Duration
}

// StatusInfo is the session and executor state shown by the status command.
type StatusInfo struct {
	Model         string
	NotifyMode    string
	ExecuteFirst  bool
	AgentSession  string
	PendingFiles  int
	Running       int
	Queued        int
	MaxConcurrent int
	Tasks         []TaskLine
}

// Help lists the available commands.
func Help(sigil string) string {
	lines := []string{
		"Send any message to run it through the agent.",
		"",
		sigil + "help: show this message",
		sigil + "status: session settings and running tasks",
		sigil + "history: recent tasks in this chat",
		sigil + "clear: forget the task history (settings are kept)",
		sigil + "send <path>: send a local file to this chat",
		sigil + "stop: cancel your running and queued tasks",
		"/new [message]: start a fresh agent session",
		"/model list|current|reset|<id>: choose the model",
		"/notify quiet|normal|debug|current: progress verbosity",
		"/agent execute|guide|current: act directly or explain first",
	}
	return strings.Join(lines, "\n")
}

// Status renders StatusInfo.
func Status(s StatusInfo) string {
	var b strings.Builder
	model := s.Model
	if model == "" {
		model = "agent default"
	}
	session := s.AgentSession
	if session == "" {
		session = "new"
	}
	pref := "guide"
	if s.ExecuteFirst {
		pref = "execute"
	}
	fmt.Fprintf(&b, "Model: %s\nNotify: %s\nAgent: %s\nSession: %s\n", model, s.NotifyMode, pref, session)
	if s.PendingFiles > 0 {
		fmt.Fprintf(&b, "Pending files: %d\n", s.PendingFiles)
	}
	fmt.Fprintf(&b, "Load: %d/%d running, %d queued", s.Running, s.MaxConcurrent, s.Queued)
	if len(s.Tasks) > 0 {
		b.WriteString("\n\nYour tasks:")
		for _, t := range s.Tasks {
			fmt.Fprintf(&b, "\n• [%s] %s (%s ago)", t.Status, summary(t.Command), Duration(t.Age))
		}
	}
	return b.String()
}

// History renders tasks newest first.
func History(tasks []TaskLine) string {
	if len(tasks) == 0 {
		return "No tasks yet."
	}
	var b strings.Builder
	b.WriteString("Recent tasks:")
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		fmt.Fprintf(&b, "\n• [%s] %s", t.Status, summary(t.Command))
		if t.Took > 0 {
			fmt.Fprintf(&b, " (%s)", Duration(t.Took))
		}
	}
	return b.String()
}

func summary(command string) string {
	return runewidth.Truncate(strings.Join(strings.Fields(command), " "), 60, "…")
}
