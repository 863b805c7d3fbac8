package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tvasilis/pipeliner/internal/config"
	_ "modernc.org/sqlite"
)

// ErrVersionConflict is returned when an optimistic update loses a race:
// the row's version no longer matches the caller's snapshot.
var ErrVersionConflict = errors.New("version conflict")

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			role          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			current_load  INTEGER NOT NULL DEFAULT 0,
			max_load      INTEGER NOT NULL DEFAULT 5,
			health_score  INTEGER NOT NULL DEFAULT 100,
			capabilities  TEXT NOT NULL DEFAULT '[]',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			priority         TEXT NOT NULL DEFAULT 'medium',
			assigned_agent_id TEXT REFERENCES agents(id),
			parent_task_id   TEXT,
			stage            TEXT NOT NULL DEFAULT 'intake',
			next_role        TEXT NOT NULL DEFAULT '',
			history          TEXT NOT NULL DEFAULT '[]',
			metadata         TEXT NOT NULL DEFAULT '{}',
			version          INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent_id, status)`,
		`CREATE TABLE IF NOT EXISTS communications (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			from_agent_id TEXT,
			to_agent_id   TEXT,
			task_id       TEXT,
			message       TEXT NOT NULL,
			type          TEXT NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comms_task ON communications(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS health_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL REFERENCES agents(id),
			type       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			message    TEXT NOT NULL,
			resolved   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_agent ON health_events(agent_id, resolved)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			title      TEXT NOT NULL,
			message    TEXT NOT NULL,
			level      TEXT NOT NULL DEFAULT 'info',
			task_id    TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
