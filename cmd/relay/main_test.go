package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/config"
)

// TestMain keeps tests away from the user's ~/.relay config.
func TestMain(m *testing.M) {
	os.Setenv("HOME", os.TempDir())
	os.Unsetenv("RELAY_CONFIG")
	os.Exit(m.Run())
}

func TestExecutorConfig(t *testing.T) {
	cfg, err := config.Parse(`
[agent]
command = "/usr/local/bin/opencode"
max_concurrent = 3
idle_timeout = "4m"
hard_timeout = "1h"
kill_grace = "2s"
status_only_progress = true
`)
	require.NoError(t, err)

	ec := executorConfig(cfg)
	assert.Equal(t, "/usr/local/bin/opencode", ec.Command)
	assert.Equal(t, 3, ec.MaxConcurrent)
	assert.Equal(t, 4*time.Minute, ec.IdleTimeout)
	assert.Equal(t, time.Hour, ec.HardTimeout)
	assert.Equal(t, 2*time.Second, ec.KillGrace)
	assert.True(t, ec.StatusOnlyProgress)
}

func TestRedact(t *testing.T) {
	cfg, err := config.Parse(`
[chat]
token = "bot-token"

[gateway]
jwt_secret = "s3cret"
`)
	require.NoError(t, err)

	redact(cfg)
	assert.Equal(t, redacted, cfg.Chat.Token)
	assert.Equal(t, redacted, cfg.Gateway.JWTSecret)
	assert.Empty(t, cfg.Gateway.Token, "unset secrets stay empty")
}

func TestOpenArchive(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg, err := config.Parse("")
		require.NoError(t, err)
		a, closeFn, err := openArchive(cfg)
		require.NoError(t, err)
		defer closeFn()
		_, ok := a.(*agent.MemoryArchive)
		assert.True(t, ok)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg, err := config.Parse(`
[store]
driver = "sqlite"
dsn = "file:` + t.TempDir() + `/tasks.db"
capacity = 10
`)
		require.NoError(t, err)
		a, closeFn, err := openArchive(cfg)
		require.NoError(t, err)
		defer closeFn()

		require.NoError(t, a.Save(agent.Task{ID: "t1", Status: agent.StatusCompleted}))
		got, ok := a.Load("t1")
		require.True(t, ok)
		assert.Equal(t, agent.StatusCompleted, got.Status)
	})
}

func TestServeRequiresInboundSource(t *testing.T) {
	cfg, err := config.Parse(`
[gateway]
listen = ""

[chat]
api_base = "http://127.0.0.1:1"
`)
	require.NoError(t, err)
	assert.ErrorContains(t, serve(cfg), "no inbound source")
}
