package bridge

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/format"
)

// onEvent relays executor events. It runs on the executor's event goroutine.
func (b *Bridge) onEvent(ev agent.Event) {
	st := b.state(ev.TaskID)
	if st == nil {
		return
	}
	ctx := b.ctx
	chatID := st.key.ChatID

	switch ev.Kind {
	case agent.EventQueued:
		b.recordTask(st, ev.Task)
		if st.mode.ShowsProgress() {
			b.sendText(ctx, chatID, format.Queued(ev.Position))
		}

	case agent.EventStarted:
		b.recordTask(st, ev.Task)
		if st.mode.ShowsProgress() {
			b.sendText(ctx, chatID, format.Started(st.command))
		}

	case agent.EventSession:
		b.mu.Lock()
		reset := st.reset
		b.mu.Unlock()
		if !reset {
			b.sessions.SetAgentSession(st.key, ev.SessionID)
		}

	case agent.EventProgress:
		if !b.showsLine(st, ev) {
			return
		}
		for _, line := range strings.Split(ev.Text, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.addProgress(st, line)
		}

	case agent.EventCompleted, agent.EventFailed, agent.EventCancelled:
		b.finish(ctx, st, ev)
	}
}

// showsLine decides whether a progress event is relayed: normal mode shows
// agent output and status lines, debug mode adds stderr.
func (b *Bridge) showsLine(st *taskState, ev agent.Event) bool {
	switch st.mode {
	case agent.ModeDebug:
		return true
	case agent.ModeNormal:
		return ev.Status || ev.Stream != agent.StreamStderr
	}
	return false
}

func (b *Bridge) recordTask(st *taskState, t *agent.Task) {
	if t == nil {
		return
	}
	rec := *t
	rec.Command = st.command
	b.sessions.RecordTask(st.key, rec)
}

// finish flushes pending progress, delivers the result and drops the task.
func (b *Bridge) finish(ctx context.Context, st *taskState, ev agent.Event) {
	defer b.dropTask(ev.TaskID, ev.Exited)
	pending, flush := b.closeProgress(st)
	if ev.Task == nil {
		return
	}
	t := *ev.Task
	chatID := st.key.ChatID

	if flush {
		b.sendText(ctx, chatID, pending)
	}

	b.recordTask(st, &t)
	if t.Model != "" {
		b.sessions.SetLastModel(st.key, t.Model)
	}

	res := format.Result{
		Status:   string(t.Status),
		Command:  st.command,
		Output:   t.Text(),
		Stderr:   t.Stderr(),
		Error:    t.Error,
		Reason:   t.CancelReason,
		Model:    t.Model,
		Duration: t.Duration,
		Detail:   st.detail,
	}
	if res.Model == "" {
		res.Model = b.sessions.LastModel(st.key)
	}

	b.log.Info("task_finished",
		slog.String("task_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.String("mode", string(st.mode)),
		slog.Duration("duration", t.Duration))

	switch ev.Kind {
	case agent.EventCompleted:
		b.deliver(ctx, chatID, format.Completion(res, b.opts.Format))
		b.sendImages(ctx, chatID, res.Output)
	case agent.EventFailed:
		b.sendText(ctx, chatID, format.Failure(res))
	case agent.EventCancelled:
		b.sendText(ctx, chatID, format.Cancelled(res))
	}
}

// deliver sends a formatted response. A card that the platform rejects is
// resent as plain text.
func (b *Bridge) deliver(ctx context.Context, chatID string, resp format.Response) {
	if resp.Card != nil {
		payload, err := resp.Card.JSON()
		if err == nil {
			err = b.client.SendMessage(ctx, chatID, payload, chat.ContentInteractive)
		}
		if err != nil {
			b.log.Warn("card_send_failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
			b.sendText(ctx, chatID, resp.Card.PlainText())
		}
		for _, part := range resp.Continuation {
			b.sendText(ctx, chatID, part)
		}
		return
	}
	for _, part := range resp.Text {
		b.sendText(ctx, chatID, part)
	}
}

// sendImages sends images referenced in output. Local paths are resolved
// against the workdir and skipped when missing.
func (b *Bridge) sendImages(ctx context.Context, chatID, output string) {
	for _, img := range format.ExtractImages(format.StripANSI(output)) {
		target := img
		if !strings.HasPrefix(img, "http://") && !strings.HasPrefix(img, "https://") {
			target = b.resolve(img)
			if info, err := os.Stat(target); err != nil || info.IsDir() {
				continue
			}
		}
		if err := b.client.SendImage(ctx, chatID, target); err != nil {
			b.log.Warn("image_send_failed", slog.String("image", target), slog.String("error", err.Error()))
		}
	}
}

func (b *Bridge) removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			b.log.Warn("attachment_remove_failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}
