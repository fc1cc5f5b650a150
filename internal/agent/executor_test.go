package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent writes an executable shell script standing in for the agent.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(e *Executor) *recorder {
	r := &recorder{}
	e.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) forTask(id string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.TaskID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) kinds(id string) []EventKind {
	var out []EventKind
	for _, ev := range r.forTask(id) {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) terminal(id string) (Event, bool) {
	for _, ev := range r.forTask(id) {
		if ev.Kind.Terminal() {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) waitTerminal(t *testing.T, id string) Event {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.terminal(id)
		return ok
	}, 10*time.Second, 10*time.Millisecond, "task %s never finished", id)
	ev, _ := r.terminal(id)
	return ev
}

func newTestExecutor(t *testing.T, cfg Config, opts ...Option) (*Executor, *recorder) {
	t.Helper()
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 500 * time.Millisecond
	}
	cfg.Workdir = t.TempDir()
	e := NewExecutor(cfg, opts...)
	rec := record(e)
	t.Cleanup(e.Close)
	return e, rec
}

func assertSingleTerminalLast(t *testing.T, kinds []EventKind) {
	t.Helper()
	terminals := 0
	for i, k := range kinds {
		if k.Terminal() {
			terminals++
			assert.Equal(t, len(kinds)-1, i, "terminal event must be last: %v", kinds)
		}
	}
	assert.Equal(t, 1, terminals, "events: %v", kinds)
}

func TestExecute_TextRoundTrip(t *testing.T) {
	agent := fakeAgent(t, `echo '{"type":"step_start","sessionID":"ses_1"}'
echo '{"type":"text","part":{"text":"hello"}}'`)
	e, rec := newTestExecutor(t, Config{Command: agent, MaxConcurrent: 1})

	task, err := e.Execute(context.Background(), Request{Command: "say hi", UserID: "u", ChatID: "c"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)

	term := rec.waitTerminal(t, task.ID)
	assert.Equal(t, EventCompleted, term.Kind)
	assert.Equal(t, []EventKind{EventStarted, EventSession, EventProgress, EventCompleted}, rec.kinds(task.ID))
	require.NotNil(t, term.Exited)
	assert.Eventually(t, func() bool {
		select {
		case <-term.Exited:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	var progress []string
	for _, ev := range rec.forTask(task.ID) {
		if ev.Kind == EventProgress {
			progress = append(progress, ev.Text)
		}
	}
	assert.Equal(t, []string{"hello"}, progress)

	got, ok := e.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Contains(t, got.Text(), "hello")
	assert.Equal(t, "ses_1", got.AgentSessionID)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, got.CompletedAt.Sub(got.CreatedAt), got.Duration)
	assert.Positive(t, got.Duration)
}

func TestExecute_PassesArguments(t *testing.T) {
	agent := fakeAgent(t, `for a in "$@"; do echo "$a"; done`)
	e, rec := newTestExecutor(t, Config{Command: agent})

	task, err := e.Execute(context.Background(), Request{
		Command:        "do it",
		Model:          "m1",
		AgentSessionID: "ses_9",
		Files:          []string{"/tmp/a.txt"},
	})
	require.NoError(t, err)
	rec.waitTerminal(t, task.ID)

	got, _ := e.GetTask(task.ID)
	assert.Equal(t, "run\ndo it\n--format\njson\n--model\nm1\n--session\nses_9\n--file\n/tmp/a.txt", got.Text())
}

func TestExecute_EmptyCommand(t *testing.T) {
	e, _ := newTestExecutor(t, Config{Command: "true"})
	_, err := e.Execute(context.Background(), Request{Command: "  \n"})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestExecute_SpawnFailure(t *testing.T) {
	e, rec := newTestExecutor(t, Config{Command: filepath.Join(t.TempDir(), "missing"), MaxConcurrent: 1})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)

	rec.waitTerminal(t, task.ID)
	assert.Equal(t, []EventKind{EventFailed}, rec.kinds(task.ID))
	assert.Equal(t, 0, e.Stats().Running)

	got, ok := e.GetTask(task.ID)
	require.True(t, ok)
	assert.Contains(t, got.Error, "failed to start agent")
	assert.True(t, got.StartedAt.IsZero())
}

func TestExecute_NonZeroExit(t *testing.T) {
	agent := fakeAgent(t, `echo "boom" >&2
exit 3`)
	e, rec := newTestExecutor(t, Config{Command: agent})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)

	term := rec.waitTerminal(t, task.ID)
	assert.Equal(t, EventFailed, term.Kind)
	require.NotNil(t, term.Task)
	assert.Equal(t, "process exited with code 3", term.Task.Error)
	require.NotNil(t, term.Task.ExitCode)
	assert.Equal(t, 3, *term.Task.ExitCode)
	assert.Equal(t, "boom", term.Task.Stderr())
	assertSingleTerminalLast(t, rec.kinds(task.ID))
}

func TestExecute_QueuesBeyondLimit(t *testing.T) {
	dir := t.TempDir()
	release := filepath.Join(dir, "release")
	agent := fakeAgent(t, `while [ ! -f "`+release+`" ]; do sleep 0.05; done
echo done`)
	e, rec := newTestExecutor(t, Config{Command: agent, MaxConcurrent: 2})

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		task, err := e.Execute(ctx, Request{Command: "work"})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	stats := e.Stats()
	assert.Equal(t, 2, stats.Running)
	assert.Equal(t, 1, stats.Queued)

	queued, ok := e.GetTask(ids[2])
	require.True(t, ok)
	assert.Equal(t, StatusPending, queued.Status)

	require.NoError(t, os.WriteFile(release, nil, 0o644))
	for _, id := range ids {
		assert.Equal(t, EventCompleted, rec.waitTerminal(t, id).Kind)
	}
	assert.Equal(t, []EventKind{EventQueued, EventStarted, EventProgress, EventCompleted}, rec.kinds(ids[2]))
	assert.Equal(t, Stats{MaxConcurrent: 2}, e.Stats())
}

func TestExecute_QueuedStartsWhenSlotFrees(t *testing.T) {
	agent := fakeAgent(t, `exec sleep 30`)
	e, rec := newTestExecutor(t, Config{Command: agent, MaxConcurrent: 1})

	first, err := e.Execute(context.Background(), Request{Command: "a"})
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), Request{Command: "b"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, second.Status)

	require.NoError(t, e.CancelTask(first.ID, ReasonUser))
	require.Eventually(t, func() bool {
		got, ok := e.GetTask(second.ID)
		return ok && got.Status == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.CancelTask(second.ID, ReasonUser))
	rec.waitTerminal(t, second.ID)
}

func TestCancelTask(t *testing.T) {
	agent := fakeAgent(t, `echo '{"type":"text","part":{"text":"working"}}'
exec sleep 30`)
	e, rec := newTestExecutor(t, Config{Command: agent})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rec.forTask(task.ID)) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.CancelTask(task.ID, ReasonUser))
	term := rec.waitTerminal(t, task.ID)
	assert.Equal(t, EventCancelled, term.Kind)
	assert.Equal(t, ReasonUser, term.Reason)

	assert.ErrorIs(t, e.CancelTask(task.ID, ReasonUser), ErrTaskNotFound)

	// the process exits from SIGTERM; nothing may follow the cancelled event
	time.Sleep(200 * time.Millisecond)
	assertSingleTerminalLast(t, rec.kinds(task.ID))

	got, _ := e.GetTask(task.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, ReasonUser, got.CancelReason)
}

func TestCancelTask_EscalatesToKill(t *testing.T) {
	agent := fakeAgent(t, `trap '' TERM
while true; do sleep 0.05; done`)
	e, rec := newTestExecutor(t, Config{Command: agent, KillGrace: 200 * time.Millisecond})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	e.mu.Lock()
	r := e.runs[task.ID]
	e.mu.Unlock()
	require.NotNil(t, r)

	require.NoError(t, e.CancelTask(task.ID, ReasonUser))
	term := rec.waitTerminal(t, task.ID)
	require.NotNil(t, term.Exited)

	select {
	case <-term.Exited:
		t.Fatal("exit reported while the process ignores SIGTERM")
	default:
	}

	select {
	case <-term.Exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL escalation")
	}
}

func TestCancelTask_Queued(t *testing.T) {
	agent := fakeAgent(t, `exec sleep 30`)
	e, rec := newTestExecutor(t, Config{Command: agent, MaxConcurrent: 1})

	first, err := e.Execute(context.Background(), Request{Command: "a"})
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), Request{Command: "b"})
	require.NoError(t, err)

	require.NoError(t, e.CancelTask(second.ID, ""))
	term := rec.waitTerminal(t, second.ID)
	assert.Equal(t, EventCancelled, term.Kind)
	assert.Equal(t, ReasonUser, term.Reason)
	assert.Equal(t, []EventKind{EventQueued, EventCancelled}, rec.kinds(second.ID))
	assert.Nil(t, term.Exited, "a queued task never started a process")
	assert.Equal(t, 0, e.Stats().Queued)
	assert.Equal(t, 1, e.Stats().Running)

	require.NoError(t, e.CancelTask(first.ID, ReasonUser))
	rec.waitTerminal(t, first.ID)
}

func TestIdleTimeout_CancelsSilentTask(t *testing.T) {
	agent := fakeAgent(t, `exec sleep 30`)
	e, rec := newTestExecutor(t, Config{Command: agent, IdleTimeout: 300 * time.Millisecond})

	start := time.Now()
	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)

	term := rec.waitTerminal(t, task.ID)
	assert.Equal(t, EventCancelled, term.Kind)
	assert.Equal(t, ReasonNoProgress, term.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestIdleTimeout_ActiveTaskSurvives(t *testing.T) {
	agent := fakeAgent(t, `i=0
while [ $i -lt 8 ]; do echo "tick $i"; sleep 0.1; i=$((i+1)); done`)
	e, rec := newTestExecutor(t, Config{Command: agent, IdleTimeout: 500 * time.Millisecond})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)

	term := rec.waitTerminal(t, task.ID)
	assert.Equal(t, EventCompleted, term.Kind)
	assert.Contains(t, term.Task.Text(), "tick 7")
}

func TestHardTimeout(t *testing.T) {
	agent := fakeAgent(t, `while true; do echo busy; sleep 0.05; done`)
	e, rec := newTestExecutor(t, Config{Command: agent, IdleTimeout: time.Minute, HardTimeout: 300 * time.Millisecond})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)

	term := rec.waitTerminal(t, task.ID)
	assert.Equal(t, EventCancelled, term.Kind)
	assert.Equal(t, ReasonTimeout, term.Reason)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	agent := fakeAgent(t, `exec sleep 30`)
	e, rec := newTestExecutor(t, Config{Command: agent})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)

	e.mu.Lock()
	r := e.runs[task.ID]
	require.True(t, e.finalizeLocked(r, StatusCancelled, nil, ReasonUser))
	assert.False(t, e.finalizeLocked(r, StatusCompleted, nil, ""))
	assert.False(t, e.finalizeLocked(r, StatusFailed, nil, ""))
	e.mu.Unlock()
	e.terminate(r)

	rec.waitTerminal(t, task.ID)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []EventKind{EventStarted, EventCancelled}, rec.kinds(task.ID))

	got, _ := e.GetTask(task.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestStatusOnlyProgress(t *testing.T) {
	agent := fakeAgent(t, `echo '{"type":"step_start"}'
echo '{"type":"step_start"}'
echo '{"type":"tool_use","part":{"tool":"bash","state":{"status":"running"}}}'
echo '{"type":"tool_use","part":{"tool":"bash","state":{"status":"error"}}}'
echo '{"type":"text","part":{"text":"answer"}}'
echo '{"type":"text","part":{"text":"more"}}'`)
	e, rec := newTestExecutor(t, Config{Command: agent, StatusOnlyProgress: true})

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)
	rec.waitTerminal(t, task.ID)

	var statuses []string
	for _, ev := range rec.forTask(task.ID) {
		if ev.Kind == EventProgress {
			assert.True(t, ev.Status)
			statuses = append(statuses, ev.Text)
		}
	}
	assert.Equal(t, []string{"Analyzing", "Calling tool bash", "Tool bash failed", "Writing response"}, statuses)

	got, _ := e.GetTask(task.ID)
	assert.Equal(t, "answer\nmore", got.Text())
}

func TestInFlight(t *testing.T) {
	agent := fakeAgent(t, `exec sleep 30`)
	e, rec := newTestExecutor(t, Config{Command: agent, MaxConcurrent: 1})

	a, err := e.Execute(context.Background(), Request{Command: "a", UserID: "u1", ChatID: "c1"})
	require.NoError(t, err)
	b, err := e.Execute(context.Background(), Request{Command: "b", UserID: "u1", ChatID: "c1"})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), Request{Command: "c", UserID: "u2", ChatID: "c1"})
	require.NoError(t, err)

	tasks := e.InFlight("u1", "c1")
	require.Len(t, tasks, 2)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Equal(t, b.ID, tasks[1].ID)
	assert.Len(t, e.InFlight("", "c1"), 3)

	e.Close()
	_, ok := rec.terminal(a.ID)
	assert.True(t, ok)
	_, err = e.Execute(context.Background(), Request{Command: "d"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecute_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e, rec := newTestExecutor(t, Config{Command: fakeAgent(t, `echo ok`)}, WithMetrics(m))

	task, err := e.Execute(context.Background(), Request{Command: "x"})
	require.NoError(t, err)
	rec.waitTerminal(t, task.ID)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TasksTotal.WithLabelValues("completed")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TasksRunning))
}

func TestExecute_UsesArchive(t *testing.T) {
	archive := NewMemoryArchive(1)
	agent := fakeAgent(t, `echo ok`)
	e, rec := newTestExecutor(t, Config{Command: agent}, WithArchive(archive))

	first, err := e.Execute(context.Background(), Request{Command: "1"})
	require.NoError(t, err)
	rec.waitTerminal(t, first.ID)
	second, err := e.Execute(context.Background(), Request{Command: "2"})
	require.NoError(t, err)
	rec.waitTerminal(t, second.ID)

	_, ok := e.GetTask(first.ID)
	assert.False(t, ok, "oldest task should be evicted")
	_, ok = e.GetTask(second.ID)
	assert.True(t, ok)
}
