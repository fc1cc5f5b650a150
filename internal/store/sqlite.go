// Package store persists finished tasks in SQLite so task lookups survive
// archive eviction pressure from busy chats.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    user_id    TEXT,
    chat_id    TEXT,
    status     TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_chat ON tasks(user_id, chat_id);
`

// SQLite is an agent.Archive backed by a SQLite database.
type SQLite struct {
	db       *sql.DB
	capacity int
}

var _ agent.Archive = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the archive at dsn, keeping at most
// capacity tasks. dsn examples: "file:relay.db" or "file::memory:?cache=shared".
func OpenSQLite(dsn string, capacity int) (*SQLite, error) {
	if capacity <= 0 {
		capacity = 200
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; also keeps a shared in-memory database alive
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	storeLog.Info("store_opened", slog.String("dsn", dsn), slog.Int("capacity", capacity))
	return &SQLite{db: db, capacity: capacity}, nil
}

// Save upserts t, keeping its original position, then trims the oldest rows
// beyond capacity.
func (s *SQLite) Save(t agent.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO tasks (id, user_id, chat_id, status, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, body = excluded.body`,
		t.ID, t.UserID, t.ChatID, string(t.Status), t.CreatedAt.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	_, err = tx.Exec(`DELETE FROM tasks WHERE seq NOT IN
		(SELECT seq FROM tasks ORDER BY seq DESC LIMIT ?)`, s.capacity)
	if err != nil {
		return fmt.Errorf("trim tasks: %w", err)
	}
	return tx.Commit()
}

// Load returns the task with the given id.
func (s *SQLite) Load(id string) (agent.Task, bool) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM tasks WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			storeLog.Warn("store_load_failed", slog.String("task", id), slog.String("error", err.Error()))
		}
		return agent.Task{}, false
	}
	var t agent.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		storeLog.Warn("store_decode_failed", slog.String("task", id), slog.String("error", err.Error()))
		return agent.Task{}, false
	}
	return t, true
}

// Recent returns up to n tasks, newest first.
func (s *SQLite) Recent(n int) []agent.Task {
	return s.query(`SELECT body FROM tasks ORDER BY seq DESC LIMIT ?`, n)
}

// ForChat returns up to n tasks of one user in one chat, newest first.
func (s *SQLite) ForChat(userID, chatID string, n int) []agent.Task {
	return s.query(`SELECT body FROM tasks WHERE user_id = ? AND chat_id = ?
		ORDER BY seq DESC LIMIT ?`, userID, chatID, n)
}

// Len returns the number of stored tasks.
func (s *SQLite) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		storeLog.Warn("store_count_failed", slog.String("error", err.Error()))
	}
	return n
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(q string, args ...any) []agent.Task {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		storeLog.Warn("store_query_failed", slog.String("error", err.Error()))
		return nil
	}
	defer rows.Close()

	var out []agent.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			storeLog.Warn("store_scan_failed", slog.String("error", err.Error()))
			return out
		}
		var t agent.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
