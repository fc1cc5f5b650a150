// Package session keeps per-conversation state for the process lifetime:
// task history, preferences, the agent conversation id and staged files.
package session

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/logging"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Key identifies a conversation: one user in one chat.
type Key struct {
	UserID string
	ChatID string
}

// String serializes the key as "user:chat".
func (k Key) String() string {
	return k.UserID + ":" + k.ChatID
}

// Preference names.
const (
	PrefModel        = "model"
	PrefNotify       = "notify"
	PrefExecuteFirst = "execute_first"
	PrefLastModel    = "last_model"
)

// Defaults seed preferences the first time they are read.
type Defaults struct {
	Model           string
	NotifyMode      agent.ResponseMode
	ExecuteFirst    bool
	HistorySize     int
	MaxPendingFiles int
}

// Session is a snapshot of one conversation.
type Session struct {
	Key            Key
	CreatedAt      time.Time
	LastActive     time.Time
	History        []agent.Task
	Prefs          map[string]string
	AgentSessionID string
	Attachments    []string
}

// Registry maps conversation keys to sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	defaults Defaults
	sessions map[Key]*Session
	tasks    map[string]Key
}

// NewRegistry creates an empty registry.
func NewRegistry(d Defaults) *Registry {
	if d.HistorySize <= 0 {
		d.HistorySize = 20
	}
	if d.MaxPendingFiles <= 0 {
		d.MaxPendingFiles = 5
	}
	if d.NotifyMode == "" {
		d.NotifyMode = agent.ModeNormal
	}
	return &Registry{
		defaults: d,
		sessions: make(map[Key]*Session),
		tasks:    make(map[string]Key),
	}
}

// getLocked returns the session for key, creating it on first use.
func (r *Registry) getLocked(key Key) *Session {
	s, ok := r.sessions[key]
	if !ok {
		now := time.Now()
		s = &Session{Key: key, CreatedAt: now, LastActive: now, Prefs: make(map[string]string)}
		r.sessions[key] = s
		sessionLog.Debug("session_created", slog.String("key", key.String()))
	}
	return s
}

// GetOrCreate returns a snapshot of the session for key and marks it active.
func (r *Registry) GetOrCreate(key Key) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getLocked(key)
	s.LastActive = time.Now()
	return s.snapshot()
}

func (s *Session) snapshot() Session {
	out := *s
	out.History = append([]agent.Task(nil), s.History...)
	out.Attachments = append([]string(nil), s.Attachments...)
	out.Prefs = make(map[string]string, len(s.Prefs))
	for k, v := range s.Prefs {
		out.Prefs[k] = v
	}
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RecordTask adds t to the session history, replacing an entry with the same
// id in place. The oldest entries are dropped beyond the history size.
// Output is not kept.
func (r *Registry) RecordTask(key Key, t agent.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getLocked(key)
	t.Output = nil

	for i := range s.History {
		if s.History[i].ID == t.ID {
			s.History[i] = t
			return
		}
	}
	s.History = append(s.History, t)
	if over := len(s.History) - r.defaults.HistorySize; over > 0 {
		s.History = append([]agent.Task(nil), s.History[over:]...)
	}
}

// History returns the session's tasks, oldest first.
func (r *Registry) History(key Key) []agent.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Task(nil), r.getLocked(key).History...)
}

// ClearHistory forgets the task history. Preferences are kept.
func (r *Registry) ClearHistory(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).History = nil
}

// BindTask records that taskID belongs to key.
func (r *Registry) BindTask(taskID string, key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskID] = key
}

// TaskKey returns the session a task belongs to.
func (r *Registry) TaskKey(taskID string) (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.tasks[taskID]
	return k, ok
}

// ReleaseTask drops the reverse index entry of a finished task.
func (r *Registry) ReleaseTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// BoundTasks returns the number of tasks in the reverse index.
func (r *Registry) BoundTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// AgentSession returns the agent conversation id, or "".
func (r *Registry) AgentSession(key Key) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(key).AgentSessionID
}

// SetAgentSession stores the agent conversation id.
func (r *Registry) SetAgentSession(key Key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).AgentSessionID = id
}

// ResetAgentSession clears the agent conversation id so the next task starts
// a fresh conversation.
func (r *Registry) ResetAgentSession(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).AgentSessionID = ""
	sessionLog.Info("agent_session_reset", slog.String("key", key.String()))
}

// prefLocked reads a preference, seeding it from def on first read.
func (r *Registry) prefLocked(key Key, name, def string) string {
	s := r.getLocked(key)
	v, ok := s.Prefs[name]
	if !ok {
		s.Prefs[name] = def
		return def
	}
	return v
}

// Model returns the session's model override, or "".
func (r *Registry) Model(key Key) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefLocked(key, PrefModel, "")
}

// SetModel sets the model override. A different model invalidates the agent
// conversation, which is cleared. It reports whether the model changed.
func (r *Registry) SetModel(key Key, model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getLocked(key)
	if r.prefLocked(key, PrefModel, "") == model {
		return false
	}
	s.Prefs[PrefModel] = model
	s.AgentSessionID = ""
	sessionLog.Info("model_changed", slog.String("key", key.String()), slog.String("model", model))
	return true
}

// ResetModel removes the model override and the agent conversation id. The
// last-known model falls back to the default until a task reports one.
func (r *Registry) ResetModel(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getLocked(key)
	s.Prefs[PrefModel] = ""
	delete(s.Prefs, PrefLastModel)
	s.AgentSessionID = ""
}

// LastModel returns the model the session last ran with, defaulting to the
// configured or detected model.
func (r *Registry) LastModel(key Key) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefLocked(key, PrefLastModel, r.defaults.Model)
}

// SetLastModel records the model a task ran with.
func (r *Registry) SetLastModel(key Key, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).Prefs[PrefLastModel] = model
}

// SetDefaultModel replaces the default model for sessions that have not read
// it yet.
func (r *Registry) SetDefaultModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults.Model = model
}

// NotifyMode returns the session's notify preference.
func (r *Registry) NotifyMode(key Key) agent.ResponseMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return agent.ResponseMode(r.prefLocked(key, PrefNotify, string(r.defaults.NotifyMode)))
}

// SetNotifyMode sets the notify preference.
func (r *Registry) SetNotifyMode(key Key, mode agent.ResponseMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).Prefs[PrefNotify] = string(mode)
}

// ExecuteFirst reports whether the agent should act directly rather than
// explain first.
func (r *Registry) ExecuteFirst(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := strconv.ParseBool(r.prefLocked(key, PrefExecuteFirst, strconv.FormatBool(r.defaults.ExecuteFirst)))
	return v
}

// SetExecuteFirst sets the execute-first preference.
func (r *Registry) SetExecuteFirst(key Key, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).Prefs[PrefExecuteFirst] = strconv.FormatBool(on)
}

// AddAttachment stages a local file for the next task. Beyond the limit the
// oldest staged file is evicted and deleted from disk.
func (r *Registry) AddAttachment(key Key, path string) {
	r.mu.Lock()
	s := r.getLocked(key)
	s.Attachments = append(s.Attachments, path)
	var evicted []string
	if over := len(s.Attachments) - r.defaults.MaxPendingFiles; over > 0 {
		evicted = append(evicted, s.Attachments[:over]...)
		s.Attachments = append([]string(nil), s.Attachments[over:]...)
	}
	r.mu.Unlock()

	removeFiles(evicted)
}

// Attachments returns the staged files without consuming them.
func (r *Registry) Attachments(key Key) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.getLocked(key).Attachments...)
}

// TakeAttachments returns and clears the staged files. The caller owns the
// files from then on.
func (r *Registry) TakeAttachments(key Key) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getLocked(key)
	files := s.Attachments
	s.Attachments = nil
	return files
}

// DropAttachments clears the staged files and deletes them from disk.
func (r *Registry) DropAttachments(key Key) {
	removeFiles(r.TakeAttachments(key))
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			sessionLog.Warn("attachment_remove_failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}
