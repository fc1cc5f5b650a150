package agent

import "sync"

// EventKind enumerates task lifecycle events.
type EventKind int

const (
	EventQueued EventKind = iota + 1
	EventStarted
	EventSession
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventStarted:
		return "started"
	case EventSession:
		return "session"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further events follow for the task.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// Event is a task lifecycle notification.
//
// Task is a snapshot for queued, started and terminal events and nil for
// session and progress events, which only carry the fields they change.
type Event struct {
	Kind   EventKind
	TaskID string
	Task   *Task

	// Progress
	Text   string
	Status bool
	Stream Stream

	// Session
	SessionID string

	// Queued
	Position int

	// Cancelled
	Reason string

	// Exited is closed once the agent process has exited. It is set on
	// terminal events and nil when no process was started. A cancelled
	// task's process may outlive its event by up to the kill grace.
	Exited <-chan struct{}
}

// dispatcher delivers events to handlers serially, in emission order, from
// a single goroutine. Emitters never block on handlers.
type dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	handlers []func(Event)
	closed   bool
	done     chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) subscribe(h func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *dispatcher) push(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

// close stops accepting events and waits until queued ones are delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		handlers := make([]func(Event), len(d.handlers))
		copy(handlers, d.handlers)
		d.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}
