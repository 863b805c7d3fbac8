// Package roster syncs the fixed agent roster from config into the store
// at bootstrap. The roster is the source of truth for agent identity;
// runtime state (status, load, health) belongs to the store.
package roster

import (
	"fmt"

	"github.com/tvasilis/pipeliner/internal/config"
	"github.com/tvasilis/pipeliner/internal/store"
)

type Roster struct {
	store *store.Store
	specs []config.AgentSpec
}

func New(s *store.Store, specs []config.AgentSpec) *Roster {
	return &Roster{
		store: s,
		specs: specs,
	}
}

// Sync upserts every declared agent and marks agents that fell out of the
// roster as inactive. Load and health survive restarts.
func (r *Roster) Sync() error {
	ids := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		ids = append(ids, spec.ID)

		a := &store.Agent{
			ID:           spec.ID,
			Name:         spec.Name,
			Role:         spec.Role,
			MaxLoad:      spec.MaxLoad,
			Capabilities: spec.Capabilities,
		}
		if a.Name == "" {
			a.Name = spec.ID
		}

		if err := r.store.SaveAgent(a); err != nil {
			return fmt.Errorf("save agent %s: %w", spec.ID, err)
		}
	}

	if err := r.store.DeactivateAgentsNotIn(ids); err != nil {
		return fmt.Errorf("deactivate stale agents: %w", err)
	}

	return nil
}

func (r *Roster) Get(agentID string) (*store.Agent, error) {
	return r.store.GetAgent(agentID)
}

func (r *Roster) List() ([]store.Agent, error) {
	return r.store.ListAgents()
}

// ActiveByRole returns the active agents holding one role.
func (r *Roster) ActiveByRole(role string) ([]store.Agent, error) {
	return r.store.ListAgentsByRole(role, store.AgentActive)
}
