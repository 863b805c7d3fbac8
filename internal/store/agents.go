package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent statuses.
const (
	AgentActive    = "active"
	AgentBusy      = "busy"
	AgentPaused    = "paused"
	AgentUnhealthy = "unhealthy"
	AgentInactive  = "inactive"
)

type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	CurrentLoad  int       `json:"current_load"`
	MaxLoad      int       `json:"max_load"`
	HealthScore  int       `json:"health_score"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasCapability reports whether the agent declares any of the wanted skills.
func (a *Agent) HasCapability(skills []string) bool {
	for _, want := range skills {
		for _, have := range a.Capabilities {
			if have == want {
				return true
			}
		}
	}
	return false
}

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var caps string
	err := scanner.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.CurrentLoad, &a.MaxLoad,
		&a.HealthScore, &caps, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		a.Capabilities = nil
	}
	return a, nil
}

const agentCols = `id, name, role, status, current_load, max_load, health_score, capabilities, created_at, updated_at`

// SaveAgent upserts the declared identity of an agent. Runtime fields
// (status, load, health) are preserved on conflict so a restart does not
// reset in-flight state.
func (s *Store) SaveAgent(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if a.Status == "" {
		a.Status = AgentActive
	}
	if a.HealthScore == 0 {
		a.HealthScore = 100
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, role, status, current_load, max_load, health_score, capabilities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			max_load = excluded.max_load,
			capabilities = excluded.capabilities,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Role, a.Status, a.CurrentLoad, a.MaxLoad, a.HealthScore, string(caps))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	return s.queryAgents(`SELECT ` + agentCols + ` FROM agents ORDER BY id`)
}

func (s *Store) ListAgentsByStatus(status string) ([]Agent, error) {
	return s.queryAgents(`SELECT `+agentCols+` FROM agents WHERE status = ? ORDER BY id`, status)
}

// ListAgentsByRole returns agents of one role filtered to one status,
// ordered by id for deterministic selection.
func (s *Store) ListAgentsByRole(role, status string) ([]Agent, error) {
	return s.queryAgents(`SELECT `+agentCols+` FROM agents WHERE role = ? AND status = ? ORDER BY id`, role, status)
}

func (s *Store) queryAgents(query string, args ...any) ([]Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

func (s *Store) UpdateAgentHealth(id string, score int) error {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	_, err := s.db.Exec(`UPDATE agents SET health_score = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, score, id)
	return err
}

// AdjustAgentLoad shifts current_load by delta, clamped at zero. The upper
// bound is soft: overload is detected by the health sweep, not prevented
// here. Status flips between active and busy as the load crosses max_load.
func (s *Store) AdjustAgentLoad(id string, delta int) error {
	_, err := s.db.Exec(`
		UPDATE agents SET
			current_load = MAX(0, current_load + ?),
			status = CASE
				WHEN status NOT IN (?, ?) THEN status
				WHEN MAX(0, current_load + ?) >= max_load THEN ?
				ELSE ?
			END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		delta, AgentActive, AgentBusy, delta, AgentBusy, AgentActive, id)
	if err != nil {
		return fmt.Errorf("adjust agent load: %w", err)
	}
	return nil
}

// DeactivateAgentsNotIn marks agents absent from the roster as inactive.
// Agents are never deleted: their history and health records stay queryable.
func (s *Store) DeactivateAgentsNotIn(ids []string) error {
	query := `UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{AgentInactive}
	if len(ids) > 0 {
		query += ` WHERE id NOT IN (`
		for i, id := range ids {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, id)
		}
		query += ")"
	}
	_, err := s.db.Exec(query, args...)
	return err
}

func (s *Store) CountAgentsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
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
