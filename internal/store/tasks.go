package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskPending       = "pending"
	TaskActive        = "active"
	TaskInProgress    = "in_progress"
	TaskPaused        = "paused"
	TaskEscalated     = "escalated"
	TaskCollaborative = "collaborative"
	TaskCompleted     = "completed"
	TaskFailed        = "failed"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// HistoryEntry records one hand-off in a task's workflow. The history is
// append-only: entries are never removed or reordered.
type HistoryEntry struct {
	AgentID string    `json:"agent_id"`
	Stage   string    `json:"stage"`
	At      time.Time `json:"at"`
}

type Task struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Status          string            `json:"status"`
	Priority        string            `json:"priority"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	ParentTaskID    string            `json:"parent_task_id,omitempty"`
	Stage           string            `json:"stage"`
	NextRole        string            `json:"next_role,omitempty"`
	History         []HistoryEntry    `json:"history"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

const taskCols = `id, title, description, status, priority, assigned_agent_id, parent_task_id,
	stage, next_role, history, metadata, version, created_at, updated_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var assigned, parent sql.NullString
	var history, metadata string
	err := scanner.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&assigned, &parent, &t.Stage, &t.NextRole, &history, &metadata,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.AssignedAgentID = assigned.String
	t.ParentTaskID = parent.String
	if err := json.Unmarshal([]byte(history), &t.History); err != nil {
		t.History = nil
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		t.Metadata = nil
	}
	return t, nil
}

func (s *Store) CreateTask(t *Task) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Stage == "" {
		t.Stage = "intake"
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, title, description, status, priority, assigned_agent_id, parent_task_id, stage, next_role, history, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority,
		nullable(t.AssignedAgentID), nullable(t.ParentTaskID),
		t.Stage, t.NextRole, string(history), string(metadata))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes back all mutable task fields behind an optimistic
// version check. Returns ErrVersionConflict when a concurrent writer got
// there first; the caller re-fetches and decides.
func (s *Store) UpdateTask(t *Task) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?,
			assigned_agent_id = ?, stage = ?, next_role = ?,
			history = ?, metadata = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		t.Title, t.Description, t.Status, t.Priority,
		nullable(t.AssignedAgentID), t.Stage, t.NextRole,
		string(history), string(metadata), t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, ErrVersionConflict)
	}
	t.Version++
	return nil
}

// AssignTask sets the assignee and status behind the version check.
func (s *Store) AssignTask(id, agentID string, version int64, status string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET assigned_agent_id = ?, status = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		agentID, status, id, version)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("assign task %s: %w", id, ErrVersionConflict)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

func (s *Store) ListTasksByStatus(statuses ...string) ([]Task, error) {
	if len(statuses) == 0 {
		return s.queryTasks(`SELECT ` + taskCols + ` FROM tasks ORDER BY created_at`)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE status IN (`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = st
	}
	query += `) ORDER BY created_at`
	return s.queryTasks(query, args...)
}

// ListUnassignedPending returns pending tasks with no assignee, oldest first.
func (s *Store) ListUnassignedPending() ([]Task, error) {
	return s.queryTasks(`SELECT ` + taskCols + ` FROM tasks
		WHERE status = 'pending' AND assigned_agent_id IS NULL ORDER BY created_at`)
}

// ListDueTasks returns pending/active tasks that have either gone stale
// (updated_at older than the cutoff) or have communications newer than
// their own updated_at.
func (s *Store) ListDueTasks(staleCutoff time.Time) ([]Task, error) {
	return s.queryTasks(`SELECT `+taskCols+` FROM tasks t
		WHERE t.status IN ('pending', 'active')
		AND (t.updated_at <= ?
			OR EXISTS (SELECT 1 FROM communications c WHERE c.task_id = t.id AND c.created_at > t.updated_at))
		ORDER BY t.created_at`, staleCutoff.UTC())
}

// OldestTaskForAgent returns the agent's oldest task in the given status,
// or nil when there is none.
func (s *Store) OldestTaskForAgent(agentID, status string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks
		WHERE assigned_agent_id = ? AND status = ? ORDER BY created_at LIMIT 1`, agentID, status)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest task for agent: %w", err)
	}
	return t, nil
}

// StaleInProgressTasks returns in_progress tasks untouched since the cutoff.
func (s *Store) StaleInProgressTasks(cutoff time.Time) ([]Task, error) {
	return s.queryTasks(`SELECT `+taskCols+` FROM tasks
		WHERE status = 'in_progress' AND updated_at <= ? ORDER BY created_at`, cutoff.UTC())
}

func (s *Store) queryTasks(query string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountTasksByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AgentOutcomeCounts returns how many of an agent's tasks completed and failed.
func (s *Store) AgentOutcomeCounts(agentID string) (completed, failed int, err error) {
	err = s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM tasks WHERE assigned_agent_id = ?`, agentID).Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("agent outcome counts: %w", err)
	}
	return completed, failed, nil
}

// CountActiveTasksForAgent counts tasks the agent currently holds open.
func (s *Store) CountActiveTasksForAgent(agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks
		WHERE assigned_agent_id = ? AND status IN ('active', 'in_progress', 'collaborative')`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
