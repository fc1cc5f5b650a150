package agent

import (
	"sync"
	"time"
)

// watchdog fires once when Touch has not been called for the configured
// window. A nil watchdog (window <= 0) is valid and does nothing.
type watchdog struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	stopped bool
}

func newWatchdog(window time.Duration, fire func()) *watchdog {
	if window <= 0 {
		return nil
	}
	w := &watchdog{window: window}
	w.timer = time.AfterFunc(window, func() {
		w.mu.Lock()
		stopped := w.stopped
		w.stopped = true
		w.mu.Unlock()
		if !stopped {
			fire()
		}
	})
	return w
}

// Touch rearms the timer.
func (w *watchdog) Touch() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.window)
}

// Stop disposes the timer; fire will not be called afterwards.
func (w *watchdog) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
