package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/command"
	"github.com/sjoeboo/relay/internal/format"
	"github.com/sjoeboo/relay/internal/session"
)

const (
	executePreamble = "Carry out the request below directly with the tools available to you, " +
		"then summarize what you did.\n\n"
	guidePreamble = "Explain how you would handle the request below and list the steps. " +
		"Do not modify files or run commands that change the system.\n\n"
)

// recentLinesFactor bounds the retained progress lines to a multiple of the
// lines shown.
const recentLinesFactor = 4

// taskState is the bridge-side state of one task, dropped at finalization.
type taskState struct {
	key     session.Key
	command string
	mode    agent.ResponseMode
	detail  bool
	files   []string
	limiter *rate.Limiter

	// reset is set when the session was reset while the task ran, so late
	// session ids are not adopted
	reset bool

	recent []string
	dirty  bool

	// flush is the pending trailing flush; closed stops progress delivery
	flush  *time.Timer
	closed bool

	// sendMu orders progress messages with the final flush
	sendMu sync.Mutex
}

// resolveMode picks the response mode for a message: small talk is silent,
// tasks use the session's notify mode and ambiguous messages ask the agent.
func (b *Bridge) resolveMode(ctx context.Context, key session.Key, text string, hint command.Hint) agent.ResponseMode {
	notify := b.sessions.NotifyMode(key)
	switch hint {
	case command.HintChat:
		return agent.ModeSilent
	case command.HintTask:
		return notify
	}
	if !b.opts.ClassifyEnabled {
		return notify
	}
	c := b.exec.ClassifyIntent(ctx, text, b.requestModel(key))
	b.log.Debug("intent_classified",
		slog.String("label", string(c.Label)),
		slog.Float64("confidence", c.Confidence))
	if c.Label == agent.IntentChat && c.Confidence >= b.opts.ClassifyMinConfidence {
		return agent.ModeSilent
	}
	return notify
}

// requestModel is the model passed with --model: the session override or the
// configured default.
func (b *Bridge) requestModel(key session.Key) string {
	if m := b.sessions.Model(key); m != "" {
		return m
	}
	return b.opts.DefaultModel
}

// prompt prepends the agent preference preamble to task commands.
func (b *Bridge) prompt(key session.Key, text string, mode agent.ResponseMode) string {
	if mode == agent.ModeSilent {
		return text
	}
	if b.sessions.ExecuteFirst(key) {
		return executePreamble + text
	}
	return guidePreamble + text
}

func (b *Bridge) run(ctx context.Context, key session.Key, ev chat.InboundEvent, text string, hint command.Hint) {
	mode := b.resolveMode(ctx, key, text, hint)
	files := b.sessions.TakeAttachments(key)
	id := uuid.NewString()

	interval := b.opts.ProgressInterval
	if mode == agent.ModeDebug {
		interval = b.opts.DebugInterval
	}
	st := &taskState{
		key:     key,
		command: text,
		mode:    mode,
		detail:  format.WantsDetail(text),
		files:   files,
		limiter: newLimiter(interval),
	}
	// registered before Execute: events may arrive before it returns
	b.mu.Lock()
	b.tasks[id] = st
	b.mu.Unlock()
	b.sessions.BindTask(id, key)
	b.sessions.RecordTask(key, agent.Task{
		ID:        id,
		Status:    agent.StatusPending,
		Command:   text,
		UserID:    key.UserID,
		ChatID:    key.ChatID,
		Mode:      mode,
		CreatedAt: time.Now(),
	})

	_, err := b.exec.Execute(ctx, agent.Request{
		TaskID:         id,
		Command:        b.prompt(key, text, mode),
		UserID:         key.UserID,
		ChatID:         key.ChatID,
		MessageID:      ev.MessageID,
		Files:          files,
		AgentSessionID: b.sessions.AgentSession(key),
		Mode:           mode,
		Model:          b.requestModel(key),
	})
	if err != nil {
		b.dropTask(id, nil)
		b.sessions.RecordTask(key, agent.Task{
			ID:        id,
			Status:    agent.StatusFailed,
			Command:   text,
			UserID:    key.UserID,
			ChatID:    key.ChatID,
			Mode:      mode,
			Error:     err.Error(),
			CreatedAt: time.Now(),
		})
		b.log.Warn("execute_failed", slog.String("task_id", id), slog.String("error", err.Error()))
		b.sendText(ctx, key.ChatID, "Could not start the task: "+err.Error())
		return
	}
	b.log.Info("task_submitted",
		slog.String("task_id", id),
		slog.String("session", key.String()),
		slog.String("mode", string(mode)),
		slog.String("hint", string(hint)),
		slog.Int("files", len(files)))
}

func (b *Bridge) state(id string) *taskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks[id]
}

func (b *Bridge) markReset(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.tasks[id]; ok {
		st.reset = true
	}
}

// dropTask forgets a task's state, releases its session binding and deletes
// its staged files. While exited is open the agent process may still read
// them, so deletion waits for it.
func (b *Bridge) dropTask(id string, exited <-chan struct{}) {
	st := b.state(id)
	b.sessions.ReleaseTask(id)
	if st != nil {
		b.stopProgress(st)
		if files := st.files; len(files) > 0 {
			if exited == nil {
				b.removeFiles(files)
			} else {
				go func() {
					<-exited
					b.removeFiles(files)
				}()
			}
		}
	}
	b.mu.Lock()
	delete(b.tasks, id)
	b.mu.Unlock()
}

// newLimiter allows one progress flush per interval. A zero interval never
// throttles.
func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Pending returns the number of tasks with bridge-side state.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// addProgress records a progress line and sends the recent lines when the
// limiter allows. Otherwise a trailing flush is scheduled for when it does, so
// lines are not held back while the agent goes quiet.
func (b *Bridge) addProgress(st *taskState, line string) {
	b.mu.Lock()
	st.recent = append(st.recent, line)
	if limit := b.opts.ProgressLines * recentLinesFactor; len(st.recent) > limit {
		st.recent = st.recent[len(st.recent)-limit:]
	}
	st.dirty = true
	if st.closed || st.flush != nil {
		b.mu.Unlock()
		return
	}
	if delay := st.limiter.Reserve().Delay(); delay > 0 {
		st.flush = time.AfterFunc(delay, func() {
			b.mu.Lock()
			st.flush = nil
			b.mu.Unlock()
			b.flushProgress(st)
		})
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.flushProgress(st)
}

// flushProgress sends unsent progress unless the task has finished.
func (b *Bridge) flushProgress(st *taskState) {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	if text, ok := b.takeProgress(st); ok {
		b.sendText(b.ctx, st.key.ChatID, text)
	}
}

// takeProgress returns unsent progress.
func (b *Bridge) takeProgress(st *taskState) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.closed || !st.dirty {
		return "", false
	}
	st.dirty = false
	return format.Progress(st.recent, b.opts.ProgressLines), true
}

// closeProgress stops progress delivery and returns what was not sent yet.
// A flush already sending completes first.
func (b *Bridge) closeProgress(st *taskState) (string, bool) {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	text, ok := b.takeProgress(st)
	b.stopProgress(st)
	return text, ok
}

func (b *Bridge) stopProgress(st *taskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st.closed = true
	if st.flush != nil {
		st.flush.Stop()
		st.flush = nil
	}
}
