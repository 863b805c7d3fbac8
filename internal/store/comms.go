package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Communication types produced by the orchestration core.
const (
	CommTaskAssignment     = "task_assignment"
	CommWorkflowCompletion = "workflow_completion"
	CommEscalation         = "escalation"
	CommNegotiation        = "negotiation"
	CommHelpRequest        = "help_request"
	CommDelegation         = "delegation"
	CommPing               = "ping"
)

// Communication is an immutable audit/messaging record.
type Communication struct {
	ID          int64             `json:"id"`
	FromAgentID string            `json:"from_agent_id,omitempty"`
	ToAgentID   string            `json:"to_agent_id,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	Message     string            `json:"message"`
	Type        string            `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (s *Store) CreateCommunication(c *Communication) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO communications (from_agent_id, to_agent_id, task_id, message, type, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullable(c.FromAgentID), nullable(c.ToAgentID), nullable(c.TaskID),
		c.Message, c.Type, string(metadata))
	if err != nil {
		return fmt.Errorf("create communication: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) ListCommunicationsForTask(taskID string) ([]Communication, error) {
	return s.queryComms(`SELECT id, from_agent_id, to_agent_id, task_id, message, type, metadata, created_at
		FROM communications WHERE task_id = ? ORDER BY created_at`, taskID)
}

func (s *Store) RecentCommunications(n int) ([]Communication, error) {
	return s.queryComms(`SELECT id, from_agent_id, to_agent_id, task_id, message, type, metadata, created_at
		FROM communications ORDER BY created_at DESC, id DESC LIMIT ?`, n)
}

// HasCommunicationOfType reports whether a task has any communication of
// the given type. Used by the governor to avoid duplicate escalations.
func (s *Store) HasCommunicationOfType(taskID, commType string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM communications WHERE task_id = ? AND type = ?`,
		taskID, commType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has communication: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryComms(query string, args ...any) ([]Communication, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list communications: %w", err)
	}
	defer rows.Close()

	var comms []Communication
	for rows.Next() {
		var c Communication
		var from, to, task *string
		var metadata string
		if err := rows.Scan(&c.ID, &from, &to, &task, &c.Message, &c.Type, &metadata, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		if from != nil {
			c.FromAgentID = *from
		}
		if to != nil {
			c.ToAgentID = *to
		}
		if task != nil {
			c.TaskID = *task
		}
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			c.Metadata = nil
		}
		comms = append(comms, c)
	}
	return comms, rows.Err()
}
