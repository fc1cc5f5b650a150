package agent

import "sync"

// Archive retains finished tasks for later lookup. Implementations cap their
// size and evict the oldest entries first.
type Archive interface {
	Save(t Task) error
	Load(id string) (Task, bool)
	Recent(n int) []Task
}

// MemoryArchive is the default in-process Archive.
type MemoryArchive struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	tasks    map[string]Task
}

// NewMemoryArchive creates an archive holding at most capacity tasks.
func NewMemoryArchive(capacity int) *MemoryArchive {
	if capacity <= 0 {
		capacity = 200
	}
	return &MemoryArchive{
		capacity: capacity,
		tasks:    make(map[string]Task),
	}
}

// Save stores a copy of t, replacing an entry with the same id in place.
func (a *MemoryArchive) Save(t Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.tasks[t.ID]; !exists {
		a.order = append(a.order, t.ID)
	}
	a.tasks[t.ID] = t.clone()

	for len(a.order) > a.capacity {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.tasks, oldest)
	}
	return nil
}

// Load returns the archived task with the given id.
func (a *MemoryArchive) Load(id string) (Task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Recent returns up to n tasks, newest first.
func (a *MemoryArchive) Recent(n int) []Task {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Task
	for i := len(a.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.tasks[a.order[i]].clone())
	}
	return out
}

// Len returns the number of archived tasks.
func (a *MemoryArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}
