// Package agent runs the external agent executable.
//
// The Executor owns a bounded pool of agent processes with a FIFO queue in
// front of it. Each task is one process started as
//
//	<command> run <prompt> --format json [--model m] [--session s] [--file f]...
//
// Its stdout is decoded line by line (see DecodeLine) into output, session
// and status updates. Lifecycle changes are published as Events, delivered
// serially to subscribers in emission order.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sjoeboo/relay/internal/logging"
)

var (
	// ErrEmptyCommand is returned by Execute for a blank command.
	ErrEmptyCommand = errors.New("command is empty")

	// ErrTaskNotFound is returned when no in-flight task has the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("executor closed")
)

// Config configures an Executor.
type Config struct {
	// Command is the agent executable
	Command string

	// Workdir is the working directory of every process
	Workdir string

	// Env is added to the inherited environment
	Env map[string]string

	// MaxConcurrent bounds running processes (minimum 1)
	MaxConcurrent int

	// IdleTimeout cancels a task without output for this long (<= 0 disables)
	IdleTimeout time.Duration

	// HardTimeout cancels a task after this long regardless of output (<= 0 disables)
	HardTimeout time.Duration

	// KillGrace is the delay between SIGTERM and SIGKILL
	KillGrace time.Duration

	// StatusOnlyProgress reports step/tool events as short status lines
	StatusOnlyProgress bool

	// ClassifyTimeout bounds ClassifyIntent (floored at MinClassifyTimeout)
	ClassifyTimeout time.Duration

	// ListModelsTimeout bounds ListModels
	ListModelsTimeout time.Duration
}

// Option customizes an Executor.
type Option func(*Executor)

// WithArchive replaces the default in-memory archive.
func WithArchive(a Archive) Option {
	return func(e *Executor) { e.archive = a }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// run is the executor-private state of one task.
type run struct {
	task      Task
	cmd       *exec.Cmd
	holdsSlot bool
	queued    bool
	lastState string
	idle      *watchdog
	hard      *time.Timer
	exited    chan struct{}
}

// Executor spawns and supervises agent processes.
type Executor struct {
	cfg     Config
	log     *slog.Logger
	archive Archive
	metrics *Metrics
	events  *dispatcher
	models  singleflight.Group

	mu     sync.Mutex
	runs   map[string]*run
	queue  []*run
	active int
	closed bool
}

// NewExecutor creates an Executor. Event delivery starts immediately.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.ListModelsTimeout <= 0 {
		cfg.ListModelsTimeout = 10 * time.Second
	}
	e := &Executor{
		cfg:  cfg,
		log:  logging.ForComponent(logging.CompExecutor),
		runs: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.archive == nil {
		e.archive = NewMemoryArchive(200)
	}
	e.events = newDispatcher()
	return e
}

// Subscribe registers a handler for lifecycle events. Handlers run on a
// single goroutine and must not block for long.
func (e *Executor) Subscribe(h func(Event)) {
	e.events.subscribe(h)
}

// Execute creates a task and starts it, or queues it when every slot is busy.
// The returned snapshot reflects the task right after that decision.
func (e *Executor) Execute(ctx context.Context, req Request) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	if isBlank(req.Command) {
		return Task{}, ErrEmptyCommand
	}
	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeNormal
	}

	r := &run{
		task: Task{
			ID:             id,
			Status:         StatusPending,
			Command:        req.Command,
			UserID:         req.UserID,
			ChatID:         req.ChatID,
			MessageID:      req.MessageID,
			AgentSessionID: req.AgentSessionID,
			Model:          req.Model,
			Files:          append([]string(nil), req.Files...),
			Mode:           mode,
			CreatedAt:      time.Now(),
		},
		exited: make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Task{}, ErrClosed
	}
	if _, dup := e.runs[id]; dup {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("task %s already exists", id)
	}
	e.runs[id] = r

	if e.active >= e.cfg.MaxConcurrent {
		r.queued = true
		e.queue = append(e.queue, r)
		snap := r.task.clone()
		e.emitLocked(Event{Kind: EventQueued, TaskID: id, Task: &snap, Position: len(e.queue)})
		e.metrics.setLoad(e.active, len(e.queue))
		e.mu.Unlock()
		e.log.Info("task_queued", slog.String("task_id", id), slog.Int("position", len(e.queue)))
		return snap, nil
	}
	e.active++
	r.holdsSlot = true
	e.mu.Unlock()

	e.launch(r)
	e.pump()
	return e.snapshot(r), nil
}

// launch spawns the process for a run that already holds a slot. The lock is
// held across Start so no output is handled before the started event.
func (e *Executor) launch(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.task.Finalized() {
		return
	}

	cmd := exec.Command(e.cfg.Command, BuildArgs(r.task)...)
	cmd.Dir = e.cfg.Workdir
	cmd.Env = mergeEnv(os.Environ(), e.cfg.Env)
	cmd.WaitDelay = e.cfg.KillGrace

	id := r.task.ID
	idle := newWatchdog(e.cfg.IdleTimeout, func() {
		e.log.Warn("task_idle_timeout", slog.String("task_id", id), slog.Duration("window", e.cfg.IdleTimeout))
		_ = e.CancelTask(id, ReasonNoProgress)
	})
	r.idle = idle
	activity := func() { idle.Touch() }

	stdout := newLineWriter(func(line string) { e.handleStdout(r, line) }, activity)
	stderr := newLineWriter(func(line string) { e.handleStderr(r, line) }, activity)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		e.log.Error("task_spawn_failed", slog.String("task_id", id), slog.String("error", err.Error()))
		r.task.Error = fmt.Sprintf("failed to start agent: %v", err)
		e.finalizeLocked(r, StatusFailed, nil, "")
		return
	}

	r.cmd = cmd
	r.task.Status = StatusRunning
	r.task.StartedAt = time.Now()
	snap := r.task.clone()
	e.emitLocked(Event{Kind: EventStarted, TaskID: id, Task: &snap})
	if e.cfg.HardTimeout > 0 {
		r.hard = time.AfterFunc(e.cfg.HardTimeout, func() {
			e.log.Warn("task_hard_timeout", slog.String("task_id", id))
			_ = e.CancelTask(id, ReasonTimeout)
		})
	}
	e.metrics.setLoad(e.active, len(e.queue))

	e.log.Info("task_started",
		slog.String("task_id", id),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("model", r.task.Model),
		slog.Bool("resume", r.task.AgentSessionID != ""))

	go e.wait(r, cmd, stdout, stderr)
}

// wait reaps the process and finalizes the task from its exit status.
func (e *Executor) wait(r *run, cmd *exec.Cmd, stdout, stderr *lineWriter) {
	err := cmd.Wait()
	close(r.exited)
	stdout.Flush()
	stderr.Flush()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	e.mu.Lock()
	if r.task.Finalized() {
		e.mu.Unlock()
		return
	}
	switch {
	case code == 0 && (err == nil || errors.Is(err, exec.ErrWaitDelay)):
		e.finalizeLocked(r, StatusCompleted, &code, "")
	case code > 0:
		r.task.Error = fmt.Sprintf("process exited with code %d", code)
		e.finalizeLocked(r, StatusFailed, &code, "")
	default:
		msg := "process terminated abnormally"
		if err != nil {
			msg = fmt.Sprintf("process error: %v", err)
		}
		r.task.Error = msg
		e.finalizeLocked(r, StatusFailed, nil, "")
	}
	e.mu.Unlock()
	e.pump()
}

// CancelTask cancels a queued or running task. The cancelled event is emitted
// immediately; the process gets SIGTERM and, after the grace window, SIGKILL.
func (e *Executor) CancelTask(id, reason string) error {
	if reason == "" {
		reason = ReasonUser
	}
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if r.queued {
		e.removeQueuedLocked(r)
	}
	hasProcess := r.cmd != nil
	e.finalizeLocked(r, StatusCancelled, nil, reason)
	e.mu.Unlock()

	e.log.Info("task_cancelled", slog.String("task_id", id), slog.String("reason", reason))
	if hasProcess {
		e.terminate(r)
	}
	e.pump()
	return nil
}

func (e *Executor) terminate(r *run) {
	proc := r.cmd.Process
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
		return
	}
	grace := e.cfg.KillGrace
	go func() {
		select {
		case <-r.exited:
		case <-time.After(grace):
			e.log.Warn("task_kill_escalated", slog.String("task_id", r.task.ID))
			_ = proc.Kill()
		}
	}()
}

// finalizeLocked moves a run to a terminal status exactly once. Later calls are
// no-ops. The caller must hold e.mu and call pump after unlocking.
func (e *Executor) finalizeLocked(r *run, status Status, exitCode *int, reason string) bool {
	if r.task.Finalized() {
		return false
	}
	now := time.Now()
	r.task.Status = status
	r.task.CompletedAt = now
	r.task.Duration = now.Sub(r.task.CreatedAt)
	r.task.ExitCode = exitCode
	if status == StatusCancelled {
		r.task.CancelReason = reason
	}

	r.idle.Stop()
	if r.hard != nil {
		r.hard.Stop()
	}
	if r.holdsSlot {
		r.holdsSlot = false
		e.active--
	}
	delete(e.runs, r.task.ID)

	snap := r.task.clone()
	if err := e.archive.Save(snap); err != nil {
		e.log.Warn("task_archive_failed", slog.String("task_id", snap.ID), slog.String("error", err.Error()))
	}

	kind := EventCompleted
	switch status {
	case StatusFailed:
		kind = EventFailed
	case StatusCancelled:
		kind = EventCancelled
	}
	e.metrics.finished(status, snap.Duration)
	e.metrics.setLoad(e.active, len(e.queue))
	var exited <-chan struct{}
	if r.cmd != nil {
		exited = r.exited
	}
	e.emitLocked(Event{Kind: kind, TaskID: snap.ID, Task: &snap, Reason: reason, Exited: exited})

	e.log.Info("task_finished",
		slog.String("task_id", snap.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", snap.Duration),
		slog.String("error", snap.Error))
	return true
}

func (e *Executor) removeQueuedLocked(r *run) {
	for i, q := range e.queue {
		if q == r {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	r.queued = false
}

// pump starts queued tasks while slots are free.
func (e *Executor) pump() {
	for {
		e.mu.Lock()
		if e.closed || e.active >= e.cfg.MaxConcurrent || len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		r := e.queue[0]
		e.queue = e.queue[1:]
		r.queued = false
		e.active++
		r.holdsSlot = true
		e.mu.Unlock()

		e.launch(r)
	}
}

func (e *Executor) handleStdout(r *run, line string) {
	ev := DecodeLine(line)

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.task.Finalized() {
		return
	}

	if ev.SessionID != "" && ev.SessionID != r.task.AgentSessionID {
		r.task.AgentSessionID = ev.SessionID
		e.emitLocked(Event{Kind: EventSession, TaskID: r.task.ID, SessionID: ev.SessionID})
	}

	switch ev.Kind {
	case StreamText, StreamRaw:
		if ev.Kind == StreamRaw && isBlank(ev.Text) {
			return
		}
		r.task.Output = append(r.task.Output, OutputChunk{Stream: StreamStdout, Text: ev.Text, At: time.Now()})
		if e.cfg.StatusOnlyProgress {
			if ev.Kind == StreamText {
				e.statusLocked(r, "Writing response")
			}
			return
		}
		e.emitLocked(Event{Kind: EventProgress, TaskID: r.task.ID, Text: ev.Text, Stream: StreamStdout})
	case StreamError:
		r.task.Output = append(r.task.Output, OutputChunk{Stream: StreamStderr, Text: ev.Text, At: time.Now()})
		e.statusLocked(r, ev.StatusLine())
	case StreamStepStart, StreamStepFinish, StreamToolUse:
		if e.cfg.StatusOnlyProgress {
			e.statusLocked(r, ev.StatusLine())
		}
	}
}

func (e *Executor) handleStderr(r *run, line string) {
	if isBlank(line) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.task.Finalized() {
		return
	}
	r.task.Output = append(r.task.Output, OutputChunk{Stream: StreamStderr, Text: line, At: time.Now()})
	e.emitLocked(Event{Kind: EventProgress, TaskID: r.task.ID, Text: line, Stream: StreamStderr})
}

// statusLocked emits a status progress line unless it repeats the previous one.
func (e *Executor) statusLocked(r *run, status string) {
	if status == "" || status == r.lastState {
		return
	}
	r.lastState = status
	e.emitLocked(Event{Kind: EventProgress, TaskID: r.task.ID, Text: status, Status: true, Stream: StreamStdout})
}

func (e *Executor) emitLocked(ev Event) {
	e.events.push(ev)
}

func (e *Executor) snapshot(r *run) Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.task.clone()
}

// GetTask returns an in-flight or archived task.
func (e *Executor) GetTask(id string) (Task, bool) {
	e.mu.Lock()
	if r, ok := e.runs[id]; ok {
		t := r.task.clone()
		e.mu.Unlock()
		return t, true
	}
	e.mu.Unlock()
	return e.archive.Load(id)
}

// InFlight returns the pending and running tasks of a user in a chat,
// oldest first. Empty userID or chatID match any value.
func (e *Executor) InFlight(userID, chatID string) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Task
	for _, r := range e.runs {
		if (userID == "" || r.task.UserID == userID) && (chatID == "" || r.task.ChatID == chatID) {
			out = append(out, r.task.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats reports the number of running and queued tasks.
type Stats struct {
	Running       int
	Queued        int
	MaxConcurrent int
}

// Stats returns current load.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Running: e.active, Queued: len(e.queue), MaxConcurrent: e.cfg.MaxConcurrent}
}

// Close cancels every in-flight task and waits until all events have been
// delivered. Execute fails with ErrClosed afterwards.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.CancelTask(id, ReasonShutdown)
	}
	e.events.close()
}

// BuildArgs returns the agent command line for a task.
func BuildArgs(t Task) []string {
	args := []string{"run", t.Command, "--format", "json"}
	if t.Model != "" {
		args = append(args, "--model", t.Model)
	}
	if t.AgentSessionID != "" {
		args = append(args, "--session", t.AgentSessionID)
	}
	for _, f := range t.Files {
		args = append(args, "--file", f)
	}
	return args
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
