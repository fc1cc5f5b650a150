// Package bridge connects inbound chat messages to the agent executor and
// relays task lifecycle events back to the chat.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/command"
	"github.com/sjoeboo/relay/internal/format"
	"github.com/sjoeboo/relay/internal/logging"
	"github.com/sjoeboo/relay/internal/session"
)

// GenericFailure is the reply when handling a message panicked.
const GenericFailure = "Something went wrong while handling your message. The error has been logged."

const seenEventCap = 1024

// Executor is the part of *agent.Executor the bridge uses.
type Executor interface {
	Execute(ctx context.Context, req agent.Request) (agent.Task, error)
	CancelTask(id, reason string) error
	InFlight(userID, chatID string) []agent.Task
	ClassifyIntent(ctx context.Context, command, model string) agent.Classification
	ListModels(ctx context.Context) []string
	DetectModel(ctx context.Context) string
	Stats() agent.Stats
	Subscribe(h func(agent.Event))
}

// Options configures a Bridge.
type Options struct {
	// Workdir resolves relative paths for the send command and image output
	Workdir string

	// UploadDir stages inbound files until the next task
	UploadDir string

	// CrashDir receives crash.log when handling a message panics
	CrashDir string

	// DefaultModel is passed with --model when a session has no override
	DefaultModel string

	// AutoDetectModel asks the agent for its default model on Start when
	// DefaultModel is empty
	AutoDetectModel bool

	ClassifyEnabled       bool
	ClassifyMinConfidence float64

	ProgressInterval time.Duration
	DebugInterval    time.Duration
	ProgressLines    int

	Format format.Options
}

// Bridge handles inbound events and delivers task results.
type Bridge struct {
	opts     Options
	parser   *command.Parser
	exec     Executor
	sessions *session.Registry
	client   chat.Client
	log      *slog.Logger

	// ctx scopes sends triggered by executor events; set by Start
	ctx context.Context

	mu    sync.Mutex
	tasks map[string]*taskState
	seen  map[string]struct{}
	order []string
}

// New creates a Bridge.
func New(opts Options, parser *command.Parser, exec Executor, sessions *session.Registry, client chat.Client) *Bridge {
	if opts.ProgressLines <= 0 {
		opts.ProgressLines = 5
	}
	if opts.Workdir == "" {
		opts.Workdir, _ = os.Getwd()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(opts.Workdir, ".relay", "uploads")
	}
	return &Bridge{
		opts:     opts,
		parser:   parser,
		exec:     exec,
		sessions: sessions,
		client:   client,
		log:      logging.ForComponent(logging.CompBridge),
		ctx:      context.Background(),
		tasks:    make(map[string]*taskState),
		seen:     make(map[string]struct{}),
	}
}

// Start subscribes to executor events and, when configured, detects the
// agent's default model in the background. Call it once before handling
// events.
func (b *Bridge) Start(ctx context.Context) {
	b.ctx = ctx
	b.exec.Subscribe(b.onEvent)

	if b.opts.DefaultModel == "" && b.opts.AutoDetectModel {
		go func() {
			if m := b.exec.DetectModel(ctx); m != "" {
				b.sessions.SetDefaultModel(m)
				b.log.Info("model_detected", slog.String("model", m))
			}
		}()
	}
}

// HandleEvent processes one inbound chat event. Invalid and duplicate events
// are dropped. A panic is logged with its stack, the log ring buffer is
// dumped and the user gets a generic failure reply.
func (b *Bridge) HandleEvent(ctx context.Context, ev chat.InboundEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("handle_event_panic",
				slog.String("event_id", ev.EventID),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())))
			if b.opts.CrashDir != "" {
				if err := logging.DumpRingBuffer(filepath.Join(b.opts.CrashDir, "crash.log")); err != nil {
					b.log.Warn("crash_dump_failed", slog.String("error", err.Error()))
				}
			}
			if ev.ChatID != "" {
				b.sendText(ctx, ev.ChatID, GenericFailure)
			}
		}
	}()

	if err := ev.Validate(); err != nil {
		b.log.Debug("event_discarded", slog.String("error", err.Error()))
		return
	}
	if b.duplicate(ev.EventID) {
		b.log.Debug("event_duplicate", slog.String("event_id", ev.EventID))
		return
	}

	key := session.Key{UserID: ev.SenderID, ChatID: ev.ChatID}
	b.sessions.GetOrCreate(key)

	switch ev.MessageType {
	case chat.MessageFile, chat.MessageImage:
		b.handleAttachment(ctx, key, ev)
		return
	}

	text, err := ev.Text()
	if err != nil {
		b.log.Debug("event_discarded", slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
		return
	}
	in := b.parser.Parse(command.Message{
		Text:     text,
		Mentions: ev.Mentions,
		ChatType: command.ChatType(ev.ChatType),
	})
	if in == nil {
		return
	}
	b.log.Debug("intent",
		slog.String("event_id", ev.EventID),
		slog.String("kind", in.Kind.String()),
		slog.String("hint", string(in.Hint)))

	switch in.Kind {
	case command.KindBuiltin:
		b.handleBuiltin(ctx, key, in)
	case command.KindNewSession:
		b.handleNewSession(ctx, key, ev, in)
	case command.KindModel:
		b.handleModel(ctx, key, in.Arg)
	case command.KindNotify:
		b.handleNotify(ctx, key, in.Arg)
	case command.KindAgent:
		b.handleAgent(ctx, key, in.Arg)
	case command.KindExecute:
		b.run(ctx, key, ev, in.Command, in.Hint)
	}
}

// duplicate records id and reports whether it was seen before. Empty ids are
// never duplicates.
func (b *Bridge) duplicate(id string) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return true
	}
	b.seen[id] = struct{}{}
	b.order = append(b.order, id)
	if len(b.order) > seenEventCap {
		delete(b.seen, b.order[0])
		b.order = b.order[1:]
	}
	return false
}

func (b *Bridge) handleAttachment(ctx context.Context, key session.Key, ev chat.InboundEvent) {
	att, err := ev.Attachment()
	if err != nil {
		b.log.Debug("event_discarded", slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
		return
	}
	name := filepath.Base(att.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = filepath.Base(att.Key)
	}
	target := filepath.Join(b.opts.UploadDir, key.UserID, ev.MessageID+"-"+name)
	if err := b.client.DownloadFile(ctx, ev.MessageID, att.Key, target); err != nil {
		b.log.Warn("attachment_download_failed", slog.String("key", att.Key), slog.String("error", err.Error()))
		b.sendText(ctx, ev.ChatID, "Could not download "+name+".")
		return
	}
	b.sessions.AddAttachment(key, target)
	b.sendText(ctx, ev.ChatID, fmt.Sprintf("Received %s. It will be attached to your next task.", name))
}

// sendText delivers text in chunks, logging failures.
func (b *Bridge) sendText(ctx context.Context, chatID, text string) {
	for _, part := range format.Chunk(text, b.opts.Format.MaxMessageChars) {
		if err := b.client.SendMessage(ctx, chatID, part, chat.ContentText); err != nil {
			b.log.Warn("send_failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
			return
		}
	}
}
