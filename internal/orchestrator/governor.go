package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tvasilis/pipeliner/internal/config"
	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/schedule"
	"github.com/tvasilis/pipeliner/internal/store"
)

// Governor decision types.
const (
	DecisionReassignTask   = "reassign_task"
	DecisionEscalateToUser = "escalate_to_user"
	DecisionSendPing       = "send_ping"
)

// Decision is one corrective action produced by a roster audit.
type Decision struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
	Reason  string `json:"reason"`
}

// Notifier is the fire-and-forget operator notification sink.
type Notifier interface {
	Notify(title, message string)
}

// Governor audits the whole roster on a long period and executes
// corrective decisions. An agent may yield zero, one, or several
// decisions in one pass.
type Governor struct {
	store        *store.Store
	client       *natsbus.Client
	notifier     Notifier
	cfg          config.GovernorConfig
	recoveryRole string
	clock        Clock
	runner       *Runner
}

func NewGovernor(s *store.Store, client *natsbus.Client, notifier Notifier, cfg config.GovernorConfig, recoveryRole string, clock Clock) (*Governor, error) {
	period, err := schedule.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("governor schedule: %w", err)
	}
	if clock == nil {
		clock = realClock{}
	}
	if recoveryRole == "" {
		recoveryRole = "senior_engineer"
	}

	g := &Governor{
		store:        s,
		client:       client,
		notifier:     notifier,
		cfg:          cfg,
		recoveryRole: recoveryRole,
		clock:        clock,
		runner:       NewRunner(clock),
	}
	g.runner.Add(Job{
		Name:   "audit",
		Period: period,
		Run:    g.RunAudit,
	})
	return g, nil
}

func (g *Governor) Start(ctx context.Context) {
	g.runner.Start(ctx)
}

func (g *Governor) Stop() {
	g.runner.Stop()
}

// RunAudit produces and executes one batch of decisions. A failure
// executing one decision is logged and does not block the rest.
func (g *Governor) RunAudit(ctx context.Context) error {
	decisions, err := g.Audit(ctx)
	if err != nil {
		return err
	}

	for _, d := range decisions {
		if err := g.Execute(ctx, d); err != nil {
			slog.Error("governor decision failed", "type", d.Type, "agent", d.AgentID, "error", err)
			continue
		}
		publishEvent(g.client, natsbus.TopicEventsGovernor, "governor_decision", d)
	}

	if len(decisions) > 0 {
		slog.Info("governor audit finished", "decisions", len(decisions))
	}
	return nil
}

// Audit evaluates every agent independently and returns the decision batch.
func (g *Governor) Audit(ctx context.Context) ([]Decision, error) {
	agents, err := g.store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var decisions []Decision

	for i := range agents {
		a := &agents[i]
		if a.Status == store.AgentInactive {
			continue
		}

		if d, ok, err := g.auditLoad(a); err != nil {
			slog.Error("load audit failed", "agent", a.ID, "error", err)
		} else if ok {
			decisions = append(decisions, d)
		}

		if d, ok, err := g.auditSuccessRate(a); err != nil {
			slog.Error("success-rate audit failed", "agent", a.ID, "error", err)
		} else if ok {
			decisions = append(decisions, d)
		}
	}

	stale, err := g.auditStaleTasks()
	if err != nil {
		slog.Error("stale-task audit failed", "error", err)
	}
	decisions = append(decisions, stale...)

	return decisions, nil
}

// auditLoad flags agents past the load threshold that still hold a
// pending task to shed.
func (g *Governor) auditLoad(a *store.Agent) (Decision, bool, error) {
	if a.MaxLoad <= 0 {
		return Decision{}, false, nil
	}
	taskLoad := float64(a.CurrentLoad) / float64(a.MaxLoad)
	if taskLoad <= g.cfg.LoadThreshold {
		return Decision{}, false, nil
	}

	oldest, err := g.store.OldestTaskForAgent(a.ID, store.TaskPending)
	if err != nil {
		return Decision{}, false, err
	}
	if oldest == nil {
		return Decision{}, false, nil
	}

	return Decision{
		Type:    DecisionReassignTask,
		AgentID: a.ID,
		TaskID:  oldest.ID,
		Reason:  fmt.Sprintf("load %d/%d above threshold", a.CurrentLoad, a.MaxLoad),
	}, true, nil
}

func (g *Governor) auditSuccessRate(a *store.Agent) (Decision, bool, error) {
	completed, failed, err := g.store.AgentOutcomeCounts(a.ID)
	if err != nil {
		return Decision{}, false, err
	}
	observed := completed + failed
	if observed < g.cfg.MinObserved {
		return Decision{}, false, nil
	}
	rate := float64(completed) / float64(observed)
	if rate >= g.cfg.SuccessRateMin {
		return Decision{}, false, nil
	}

	return Decision{
		Type:    DecisionSendPing,
		AgentID: a.ID,
		Reason:  fmt.Sprintf("success rate %.0f%% over %d tasks", rate*100, observed),
	}, true, nil
}

// auditStaleTasks flags in_progress tasks untouched past the staleness
// window that have not already been escalated.
func (g *Governor) auditStaleTasks() ([]Decision, error) {
	cutoff := g.clock.Now().Add(-g.cfg.StaleTaskAfter)
	stale, err := g.store.StaleInProgressTasks(cutoff)
	if err != nil {
		return nil, err
	}

	var decisions []Decision
	for i := range stale {
		t := &stale[i]
		escalated, err := g.store.HasCommunicationOfType(t.ID, store.CommEscalation)
		if err != nil {
			slog.Error("escalation lookup failed", "task", t.ID, "error", err)
			continue
		}
		if escalated {
			continue
		}
		decisions = append(decisions, Decision{
			Type:    DecisionEscalateToUser,
			AgentID: t.AssignedAgentID,
			TaskID:  t.ID,
			Reason:  fmt.Sprintf("in progress without update since %s", t.UpdatedAt.Format("2006-01-02 15:04")),
		})
	}
	return decisions, nil
}

func (g *Governor) Execute(ctx context.Context, d Decision) error {
	switch d.Type {
	case DecisionReassignTask:
		return g.reassignTask(d)
	case DecisionEscalateToUser:
		return g.escalateToUser(d)
	case DecisionSendPing:
		return g.sendPing(d)
	default:
		return fmt.Errorf("unknown decision type: %s", d.Type)
	}
}

// reassignTask moves the flagged pending task to another active agent of
// the same role, falling back to the recovery role.
func (g *Governor) reassignTask(d Decision) error {
	task, err := g.store.GetTask(d.TaskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil || task.Status != store.TaskPending || task.AssignedAgentID != d.AgentID {
		// The task moved between audit and execution; nothing to do.
		return nil
	}

	agent, err := g.store.GetAgent(d.AgentID)
	if err != nil {
		return fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil
	}

	target, ok := g.pickTarget(task, agent)
	if !ok {
		slog.Info("no reassignment target", "task", task.ID, "agent", agent.ID)
		return nil
	}

	if err := g.store.AssignTask(task.ID, target.ID, task.Version, task.Status); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("reassign: %w", err)
	}
	if err := g.store.AdjustAgentLoad(agent.ID, -1); err != nil {
		slog.Warn("load release failed", "agent", agent.ID, "error", err)
	}
	if err := g.store.AdjustAgentLoad(target.ID, +1); err != nil {
		slog.Warn("load take failed", "agent", target.ID, "error", err)
	}

	comm := &store.Communication{
		FromAgentID: agent.ID,
		ToAgentID:   target.ID,
		TaskID:      task.ID,
		Message:     fmt.Sprintf("task reassigned off overloaded agent: %s", d.Reason),
		Type:        store.CommTaskAssignment,
	}
	if err := g.store.CreateCommunication(comm); err != nil {
		return fmt.Errorf("reassignment communication: %w", err)
	}

	slog.Info("governor reassigned task", "task", task.ID, "from", agent.ID, "to", target.ID)
	return nil
}

func (g *Governor) pickTarget(task *store.Task, from *store.Agent) (*store.Agent, bool) {
	candidates, err := g.store.ListAgentsByRole(from.Role, store.AgentActive)
	if err != nil {
		slog.Error("list candidates failed", "role", from.Role, "error", err)
		return nil, false
	}
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.ID != from.ID {
			filtered = append(filtered, c)
		}
	}
	if target, ok := SelectAgent(task, filtered); ok {
		return target, true
	}

	recovery, err := g.store.ListAgentsByRole(g.recoveryRole, store.AgentActive)
	if err != nil {
		slog.Error("list recovery candidates failed", "error", err)
		return nil, false
	}
	filtered = recovery[:0]
	for _, c := range recovery {
		if c.ID != from.ID {
			filtered = append(filtered, c)
		}
	}
	return SelectAgent(task, filtered)
}

// escalateToUser surfaces a stuck task to a human operator. Independent of
// the stage machine's escalation path.
func (g *Governor) escalateToUser(d Decision) error {
	note := &store.Notification{
		Title:   "Task needs attention",
		Message: fmt.Sprintf("task %s: %s", d.TaskID, d.Reason),
		Level:   "warning",
		TaskID:  d.TaskID,
	}
	if err := g.store.CreateNotification(note); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	comm := &store.Communication{
		FromAgentID: d.AgentID,
		TaskID:      d.TaskID,
		Message:     d.Reason,
		Type:        store.CommEscalation,
	}
	if err := g.store.CreateCommunication(comm); err != nil {
		return fmt.Errorf("escalation communication: %w", err)
	}

	if g.notifier != nil {
		g.notifier.Notify(note.Title, note.Message)
	}
	return nil
}

// sendPing alerts the recovery role about a struggling agent. Non-mutating.
func (g *Governor) sendPing(d Decision) error {
	recovery, err := g.store.ListAgentsByRole(g.recoveryRole, store.AgentActive)
	if err != nil {
		return fmt.Errorf("list recovery agents: %w", err)
	}
	for _, r := range recovery {
		comm := &store.Communication{
			FromAgentID: d.AgentID,
			ToAgentID:   r.ID,
			Message:     fmt.Sprintf("agent %s needs attention: %s", d.AgentID, d.Reason),
			Type:        store.CommPing,
		}
		if err := g.store.CreateCommunication(comm); err != nil {
			return fmt.Errorf("ping communication: %w", err)
		}
	}
	return nil
}
