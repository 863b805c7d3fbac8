package orchestrator

import (
	"strings"

	"github.com/tvasilis/pipeliner/internal/store"
)

// Assignment score weights. Score = 100 * (0.4*load + 0.3*health + 0.3*roleFit).
const (
	loadWeight    = 0.4
	healthWeight  = 0.3
	roleFitWeight = 0.3
)

// ScoreAgent ranks one candidate for a task. Pure function over the
// caller's snapshot; callers re-fetch candidates before each call.
func ScoreAgent(task *store.Task, a *store.Agent) float64 {
	loadFactor := 0.0
	if a.MaxLoad > 0 {
		loadFactor = float64(a.MaxLoad-a.CurrentLoad) / float64(a.MaxLoad)
	}
	if loadFactor < 0 {
		loadFactor = 0
	}
	if loadFactor > 1 {
		loadFactor = 1
	}

	healthFactor := float64(a.HealthScore) / 100

	return 100 * (loadWeight*loadFactor + healthWeight*healthFactor + roleFitWeight*roleFit(task.Priority, a.Role))
}

// roleFit depends on priority only. Specialization correctness is
// guaranteed by pipeline stage routing, not by this score.
func roleFit(priority, role string) float64 {
	switch priority {
	case store.PriorityHigh, store.PriorityUrgent:
		if strings.Contains(role, "senior") || strings.Contains(role, "manager") {
			return 1.0
		}
		return 0.5
	case store.PriorityLow:
		return 0.6
	default:
		return 0.8
	}
}

// SelectAgent picks the highest-scoring active candidate. Ties break by
// lowest agent id. Returns ok=false for an empty candidate set; that is
// an expected "no result", not an error.
func SelectAgent(task *store.Task, candidates []store.Agent) (*store.Agent, bool) {
	var best *store.Agent
	var bestScore float64

	for i := range candidates {
		a := &candidates[i]
		if a.Status != store.AgentActive {
			continue
		}
		score := ScoreAgent(task, a)
		switch {
		case best == nil, score > bestScore:
			best = a
			bestScore = score
		case score == bestScore && a.ID < best.ID:
			best = a
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}
