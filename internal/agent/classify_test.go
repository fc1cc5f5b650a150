package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		label      IntentLabel
		confidence float64
	}{
		{"plain json", `{"label":"chat","confidence":0.92}`, IntentChat, 0.92},
		{"fenced json", "```json\n{\"label\": \"task\", \"confidence\": 0.8}\n```", IntentTask, 0.8},
		{"surrounding prose", `Sure. {"label":"chat","confidence":1.4} done`, IntentChat, 1},
		{"missing confidence", `{"label":"CHAT"}`, IntentChat, 1},
		{"intent key", `{"intent":"task","confidence":0.6}`, IntentTask, 0.6},
		{
			"agent event stream",
			`{"type":"step_start","sessionID":"s"}` + "\n" +
				`{"type":"text","part":{"text":"{\"label\":\"chat\",\"confidence\":0.75}"}}`,
			IntentChat, 0.75,
		},
		{"substring chat", "this looks like chat to me", IntentChat, 0.5},
		{"substring task", "definitely a task", IntentTask, 0.5},
		{"both substrings", "chat or task?", IntentTask, 0},
		{"garbage", "¯\\_(ツ)_/¯", IntentTask, 0},
		{"empty", "", IntentTask, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseClassification(tt.raw)
			assert.Equal(t, tt.label, got.Label)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
			assert.Equal(t, tt.raw, got.Raw)
		})
	}
}

func TestClassifyIntent(t *testing.T) {
	agent := fakeAgent(t, `echo '{"type":"text","part":{"text":"{\"label\":\"chat\",\"confidence\":0.9}"}}'`)
	e, _ := newTestExecutor(t, Config{Command: agent})

	got := e.ClassifyIntent(context.Background(), "hi there", "")
	assert.Equal(t, IntentChat, got.Label)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestClassifyIntent_FailsSoft(t *testing.T) {
	t.Run("spawn failure", func(t *testing.T) {
		e, _ := newTestExecutor(t, Config{Command: filepath.Join(t.TempDir(), "nope")})
		got := e.ClassifyIntent(context.Background(), "hi", "")
		assert.Equal(t, IntentTask, got.Label)
		assert.Zero(t, got.Confidence)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		e, _ := newTestExecutor(t, Config{Command: fakeAgent(t, `echo '{"label":"chat"}'; exit 1`)})
		got := e.ClassifyIntent(context.Background(), "hi", "")
		assert.Equal(t, IntentTask, got.Label)
		assert.Zero(t, got.Confidence)
	})

	t.Run("timeout uses floor", func(t *testing.T) {
		e, _ := newTestExecutor(t, Config{
			Command:         fakeAgent(t, `exec sleep 30`),
			ClassifyTimeout: time.Millisecond,
		})
		start := time.Now()
		got := e.ClassifyIntent(context.Background(), "hi", "")
		elapsed := time.Since(start)
		assert.Equal(t, IntentTask, got.Label)
		assert.Zero(t, got.Confidence)
		assert.GreaterOrEqual(t, elapsed, MinClassifyTimeout)
		assert.Less(t, elapsed, MinClassifyTimeout+5*time.Second)
	})
}
