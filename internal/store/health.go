package store

import (
	"fmt"
	"time"
)

// Health event severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

type HealthEvent struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateHealthEvent(e *HealthEvent) error {
	res, err := s.db.Exec(`
		INSERT INTO health_events (agent_id, type, severity, message)
		VALUES (?, ?, ?, ?)`,
		e.AgentID, e.Type, e.Severity, e.Message)
	if err != nil {
		return fmt.Errorf("create health event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) ListHealthEvents(agentID string, includeResolved bool) ([]HealthEvent, error) {
	query := `SELECT id, agent_id, type, severity, message, resolved, created_at
		FROM health_events WHERE agent_id = ?`
	if !includeResolved {
		query += ` AND resolved = FALSE`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, agentID)
	if err != nil {
		return nil, fmt.Errorf("list health events: %w", err)
	}
	defer rows.Close()

	var events []HealthEvent
	for rows.Next() {
		var e HealthEvent
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Severity, &e.Message, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan health event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ResolveHealthEvent(id int64) error {
	_, err := s.db.Exec(`UPDATE health_events SET resolved = TRUE WHERE id = ?`, id)
	return err
}

func (s *Store) CreateNotification(n *Notification) error {
	if n.Level == "" {
		n.Level = "info"
	}
	res, err := s.db.Exec(`
		INSERT INTO notifications (title, message, level, task_id)
		VALUES (?, ?, ?, ?)`,
		n.Title, n.Message, n.Level, nullable(n.TaskID))
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	n.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) ListNotifications(limit int) ([]Notification, error) {
	rows, err := s.db.Query(`SELECT id, title, message, level, task_id, created_at
		FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notes []Notification
	for rows.Next() {
		var n Notification
		var taskID *string
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &n.Level, &taskID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if taskID != nil {
			n.TaskID = *taskID
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
