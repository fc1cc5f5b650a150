package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryArchive(t *testing.T) {
	a := NewMemoryArchive(3)
	for i := 1; i <= 4; i++ {
		require.NoError(t, a.Save(Task{ID: fmt.Sprintf("t%d", i), Status: StatusCompleted}))
	}
	assert.Equal(t, 3, a.Len())

	_, ok := a.Load("t1")
	assert.False(t, ok)

	require.NoError(t, a.Save(Task{ID: "t2", Status: StatusFailed}))
	got, ok := a.Load("t2")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)

	var ids []string
	for _, task := range a.Recent(10) {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"t4", "t3", "t2"}, ids)
	assert.Len(t, a.Recent(1), 1)
}

func TestMemoryArchive_StoresCopies(t *testing.T) {
	a := NewMemoryArchive(0)
	task := Task{ID: "x", Output: []OutputChunk{{Stream: StreamStdout, Text: "a"}}}
	require.NoError(t, a.Save(task))
	task.Output[0].Text = "changed"

	got, _ := a.Load("x")
	assert.Equal(t, "a", got.Text())
}
