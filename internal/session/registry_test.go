package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/relay/internal/agent"
)

var key = Key{UserID: "u1", ChatID: "c1"}

func TestGetOrCreate(t *testing.T) {
	r := NewRegistry(Defaults{})
	s1 := r.GetOrCreate(key)
	assert.Equal(t, key, s1.Key)
	assert.Equal(t, "u1:c1", key.String())

	s2 := r.GetOrCreate(key)
	assert.Equal(t, s1.CreatedAt, s2.CreatedAt)
	assert.False(t, s2.LastActive.Before(s1.LastActive))
	assert.Equal(t, 1, r.Len())

	r.GetOrCreate(Key{UserID: "u1", ChatID: "c2"})
	assert.Equal(t, 2, r.Len())
}

func TestRecordTask_ReplacesInPlaceAndCaps(t *testing.T) {
	r := NewRegistry(Defaults{HistorySize: 3})
	for i := 1; i <= 3; i++ {
		r.RecordTask(key, agent.Task{ID: fmt.Sprintf("t%d", i), Status: agent.StatusRunning})
	}

	r.RecordTask(key, agent.Task{
		ID:     "t2",
		Status: agent.StatusCompleted,
		Output: []agent.OutputChunk{{Stream: agent.StreamStdout, Text: "big"}},
	})
	h := r.History(key)
	require.Len(t, h, 3)
	assert.Equal(t, "t2", h[1].ID)
	assert.Equal(t, agent.StatusCompleted, h[1].Status)
	assert.Nil(t, h[1].Output)

	r.RecordTask(key, agent.Task{ID: "t4"})
	h = r.History(key)
	require.Len(t, h, 3)
	assert.Equal(t, []string{"t2", "t3", "t4"}, []string{h[0].ID, h[1].ID, h[2].ID})
}

func TestClearHistoryKeepsPreferences(t *testing.T) {
	r := NewRegistry(Defaults{})
	r.RecordTask(key, agent.Task{ID: "t1"})
	r.SetModel(key, "m1")
	r.SetNotifyMode(key, agent.ModeDebug)

	r.ClearHistory(key)
	assert.Empty(t, r.History(key))
	assert.Equal(t, "m1", r.Model(key))
	assert.Equal(t, agent.ModeDebug, r.NotifyMode(key))
}

func TestReverseIndex(t *testing.T) {
	r := NewRegistry(Defaults{})
	r.BindTask("t1", key)

	got, ok := r.TaskKey("t1")
	require.True(t, ok)
	assert.Equal(t, key, got)
	assert.Equal(t, 1, r.BoundTasks())

	r.ReleaseTask("t1")
	_, ok = r.TaskKey("t1")
	assert.False(t, ok)
	assert.Zero(t, r.BoundTasks())
}

func TestPreferenceDefaults(t *testing.T) {
	r := NewRegistry(Defaults{Model: "auto", NotifyMode: agent.ModeQuiet, ExecuteFirst: true})

	assert.Equal(t, "", r.Model(key))
	assert.Equal(t, "auto", r.LastModel(key))
	assert.Equal(t, agent.ModeQuiet, r.NotifyMode(key))
	assert.True(t, r.ExecuteFirst(key))

	// defaults are copied on first read
	r.SetDefaultModel("other")
	assert.Equal(t, "auto", r.LastModel(key))
	assert.Equal(t, "other", r.LastModel(Key{UserID: "u2"}))

	s := r.GetOrCreate(key)
	assert.Equal(t, string(agent.ModeQuiet), s.Prefs[PrefNotify])
	assert.Equal(t, "true", s.Prefs[PrefExecuteFirst])

	r.SetExecuteFirst(key, false)
	assert.False(t, r.ExecuteFirst(key))
	r.SetLastModel(key, "m9")
	assert.Equal(t, "m9", r.LastModel(key))
}

func TestNewSessionKeepsModel(t *testing.T) {
	r := NewRegistry(Defaults{})
	r.SetModel(key, "m1")
	r.SetAgentSession(key, "ses_1")

	r.ResetAgentSession(key)
	assert.Equal(t, "", r.AgentSession(key))
	assert.Equal(t, "m1", r.Model(key))
}

func TestModelChangesResetConversation(t *testing.T) {
	r := NewRegistry(Defaults{})
	r.SetModel(key, "m1")
	r.SetAgentSession(key, "ses_1")

	assert.False(t, r.SetModel(key, "m1"))
	assert.Equal(t, "ses_1", r.AgentSession(key))

	assert.True(t, r.SetModel(key, "m2"))
	assert.Equal(t, "", r.AgentSession(key))

	r.SetAgentSession(key, "ses_2")
	r.ResetModel(key)
	assert.Equal(t, "", r.Model(key))
	assert.Equal(t, "", r.AgentSession(key))
}

func TestResetModelRestoresDefaultLastModel(t *testing.T) {
	r := NewRegistry(Defaults{Model: "prov/alpha"})
	r.SetModel(key, "prov/beta")
	r.SetLastModel(key, "prov/beta")

	r.ResetModel(key)
	assert.Equal(t, "", r.Model(key))
	assert.Equal(t, "prov/alpha", r.LastModel(key))

	r.SetDefaultModel("prov/gamma")
	r.ResetModel(key)
	assert.Equal(t, "prov/gamma", r.LastModel(key))
}

func TestAttachments(t *testing.T) {
	dir := t.TempDir()
	touch := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		return p
	}

	r := NewRegistry(Defaults{MaxPendingFiles: 2})
	a, b, c := touch("a"), touch("b"), touch("c")
	r.AddAttachment(key, a)
	r.AddAttachment(key, b)
	r.AddAttachment(key, c)

	assert.Equal(t, []string{b, c}, r.Attachments(key))
	assert.NoFileExists(t, a)

	taken := r.TakeAttachments(key)
	assert.Equal(t, []string{b, c}, taken)
	assert.Empty(t, r.Attachments(key))
	assert.FileExists(t, b)

	d := touch("d")
	r.AddAttachment(key, d)
	r.DropAttachments(key)
	assert.Empty(t, r.Attachments(key))
	assert.NoFileExists(t, d)

	// missing files are not an error
	r.AddAttachment(key, filepath.Join(dir, "gone"))
	r.DropAttachments(key)
}

func TestSnapshotIsIsolated(t *testing.T) {
	r := NewRegistry(Defaults{})
	r.RecordTask(key, agent.Task{ID: "t1"})
	s := r.GetOrCreate(key)
	s.History[0].ID = "mutated"
	s.Prefs["x"] = "y"

	assert.Equal(t, "t1", r.History(key)[0].ID)
	_, ok := r.GetOrCreate(key).Prefs["x"]
	assert.False(t, ok)
}
