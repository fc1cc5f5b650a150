package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/command"
	"github.com/sjoeboo/relay/internal/format"
	"github.com/sjoeboo/relay/internal/session"
)

func (b *Bridge) handleBuiltin(ctx context.Context, key session.Key, in *command.Intent) {
	switch in.Builtin {
	case command.BuiltinHelp:
		b.sendText(ctx, key.ChatID, format.Help(b.parser.Sigil()))

	case command.BuiltinStatus:
		b.sendText(ctx, key.ChatID, format.Status(b.statusInfo(key)))

	case command.BuiltinHistory:
		var lines []format.TaskLine
		for _, t := range b.sessions.History(key) {
			lines = append(lines, taskLine(t))
		}
		b.sendText(ctx, key.ChatID, format.History(lines))

	case command.BuiltinClear:
		b.sessions.ClearHistory(key)
		b.sendText(ctx, key.ChatID, "Task history cleared. Settings are kept.")

	case command.BuiltinSend:
		b.sendFile(ctx, key, in.Arg)

	case command.BuiltinStop:
		n := b.cancelInFlight(key, agent.ReasonUser)
		if n == 0 {
			b.sendText(ctx, key.ChatID, "No running tasks.")
			return
		}
		b.sendText(ctx, key.ChatID, fmt.Sprintf("Stopping %d task(s).", n))
	}
}

func (b *Bridge) statusInfo(key session.Key) format.StatusInfo {
	stats := b.exec.Stats()
	info := format.StatusInfo{
		Model:         b.displayModel(key),
		NotifyMode:    string(b.sessions.NotifyMode(key)),
		ExecuteFirst:  b.sessions.ExecuteFirst(key),
		AgentSession:  b.sessions.AgentSession(key),
		PendingFiles:  len(b.sessions.Attachments(key)),
		Running:       stats.Running,
		Queued:        stats.Queued,
		MaxConcurrent: stats.MaxConcurrent,
	}
	for _, t := range b.exec.InFlight(key.UserID, key.ChatID) {
		info.Tasks = append(info.Tasks, taskLine(t))
	}
	return info
}

func taskLine(t agent.Task) format.TaskLine {
	return format.TaskLine{
		ID:      t.ID,
		Status:  string(t.Status),
		Command: t.Command,
		Age:     time.Since(t.CreatedAt),
		Took:    t.Duration,
	}
}

// displayModel is the session override, else the last model seen.
func (b *Bridge) displayModel(key session.Key) string {
	if m := b.sessions.Model(key); m != "" {
		return m
	}
	return b.sessions.LastModel(key)
}

func (b *Bridge) sendFile(ctx context.Context, key session.Key, path string) {
	if path == "" {
		b.sendText(ctx, key.ChatID, "Usage: "+b.parser.Sigil()+"send <path>")
		return
	}
	path = b.resolve(path)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		b.sendText(ctx, key.ChatID, "File not found: "+path)
		return
	}
	if err := b.client.SendFile(ctx, key.ChatID, path); err != nil {
		b.sendText(ctx, key.ChatID, "Could not send file: "+err.Error())
	}
}

// resolve makes path absolute relative to the agent workdir.
func (b *Bridge) resolve(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.opts.Workdir, path)
	}
	return filepath.Clean(path)
}

// cancelInFlight cancels the session's pending and running tasks.
func (b *Bridge) cancelInFlight(key session.Key, reason string) int {
	n := 0
	for _, t := range b.exec.InFlight(key.UserID, key.ChatID) {
		if reason == agent.ReasonReset {
			b.markReset(t.ID)
		}
		if err := b.exec.CancelTask(t.ID, reason); err == nil {
			n++
		}
	}
	return n
}

func (b *Bridge) handleNewSession(ctx context.Context, key session.Key, ev chat.InboundEvent, in *command.Intent) {
	b.cancelInFlight(key, agent.ReasonReset)
	b.sessions.ResetAgentSession(key)
	b.sessions.DropAttachments(key)
	b.sendText(ctx, key.ChatID, "Started a new session.")
	if in.Command != "" {
		b.run(ctx, key, ev, in.Command, in.Hint)
	}
}

func (b *Bridge) handleModel(ctx context.Context, key session.Key, arg string) {
	switch arg {
	case "current":
		if m := b.sessions.Model(key); m != "" {
			b.sendText(ctx, key.ChatID, "Current model: "+m)
			return
		}
		m := b.sessions.LastModel(key)
		if m == "" {
			m = "agent default"
		}
		b.sendText(ctx, key.ChatID, "Current model: "+m+" (default)")

	case "list":
		models := b.exec.ListModels(ctx)
		if len(models) == 0 {
			b.sendText(ctx, key.ChatID, "Could not list models.")
			return
		}
		current := b.displayModel(key)
		var s strings.Builder
		s.WriteString("Available models:")
		for _, m := range models {
			s.WriteString("\n• " + m)
			if m == current {
				s.WriteString(" (current)")
			}
		}
		b.sendText(ctx, key.ChatID, s.String())

	case "reset":
		b.sessions.ResetModel(key)
		b.sendText(ctx, key.ChatID, "Model reset to the default. Started a new session.")

	default:
		model, ok := b.resolveModel(ctx, arg)
		if !ok {
			b.sendText(ctx, key.ChatID, fmt.Sprintf("Unknown model %q. Use /model list to see the options.", arg))
			return
		}
		if !b.sessions.SetModel(key, model) {
			b.sendText(ctx, key.ChatID, "Model is already "+model+".")
			return
		}
		b.sessions.SetLastModel(key, model)
		b.sendText(ctx, key.ChatID, "Model set to "+model+". Started a new session.")
	}
}

// resolveModel matches arg against the agent's models: exact (case-insensitive)
// first, then the best fuzzy match. Without a model list arg is taken as is.
func (b *Bridge) resolveModel(ctx context.Context, arg string) (string, bool) {
	models := b.exec.ListModels(ctx)
	if len(models) == 0 {
		return arg, true
	}
	for _, m := range models {
		if strings.EqualFold(m, arg) {
			return m, true
		}
	}
	matches := fuzzy.Find(arg, models)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0].Str, true
}

func (b *Bridge) handleNotify(ctx context.Context, key session.Key, arg string) {
	if arg == "current" {
		b.sendText(ctx, key.ChatID, "Notify mode: "+string(b.sessions.NotifyMode(key)))
		return
	}
	mode, ok := agent.ParseResponseMode(arg)
	if !ok || mode == agent.ModeSilent {
		b.sendText(ctx, key.ChatID, "Usage: /notify quiet|normal|debug|current")
		return
	}
	b.sessions.SetNotifyMode(key, mode)
	b.sendText(ctx, key.ChatID, "Notify mode set to "+string(mode)+".")
}

func (b *Bridge) handleAgent(ctx context.Context, key session.Key, arg string) {
	switch arg {
	case "current":
		if b.sessions.ExecuteFirst(key) {
			b.sendText(ctx, key.ChatID, "Agent mode: execute (acts directly).")
		} else {
			b.sendText(ctx, key.ChatID, "Agent mode: guide (explains before changing anything).")
		}
	case "execute":
		b.sessions.SetExecuteFirst(key, true)
		b.sendText(ctx, key.ChatID, "Agent mode set to execute. The agent will act directly.")
	case "guide":
		b.sessions.SetExecuteFirst(key, false)
		b.sendText(ctx, key.ChatID, "Agent mode set to guide. The agent will explain and propose steps first.")
	default:
		b.sendText(ctx, key.ChatID, "Usage: /agent execute|guide|current")
	}
}
