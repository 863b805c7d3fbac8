package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/reasoner"
	"github.com/tvasilis/pipeliner/internal/store"
)

// Pipeline stages in their fixed total order.
const (
	StageIntake         = "intake"
	StageElaboration    = "elaboration"
	StageImplementation = "implementation"
	StageVerification   = "verification"
	StageAcceptance     = "acceptance"
)

var stageOrder = []string{StageIntake, StageElaboration, StageImplementation, StageVerification, StageAcceptance}

// stageRoles maps each stage to the role expected to work it. Used when a
// task carries no explicit next-role tag.
var stageRoles = map[string]string{
	StageIntake:         "coordinator",
	StageElaboration:    "analyst",
	StageImplementation: "engineer",
	StageVerification:   "qa",
	StageAcceptance:     "manager",
}

// nextStage returns the stage after s, or "" when the pipeline is exhausted.
func nextStage(s string) string {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// RoleForStage returns the default role for a stage, falling back to the
// intake role for unknown stages.
func RoleForStage(stage string) string {
	if role, ok := stageRoles[stage]; ok {
		return role
	}
	return stageRoles[StageIntake]
}

// StageMachine advances tasks through the pipeline from reasoner outcomes.
type StageMachine struct {
	store        *store.Store
	client       *natsbus.Client
	recoveryRole string
	now          func() time.Time
}

func NewStageMachine(s *store.Store, client *natsbus.Client, recoveryRole string) *StageMachine {
	if recoveryRole == "" {
		recoveryRole = "senior_engineer"
	}
	return &StageMachine{
		store:        s,
		client:       client,
		recoveryRole: recoveryRole,
		now:          time.Now,
	}
}

// Advance applies one reasoner outcome to a task. The task argument is the
// caller's snapshot from before the reasoner ran; Advance re-fetches and
// no-ops when the store has moved on (different assignee, different stage,
// terminal status), which makes duplicate triggers harmless.
func (m *StageMachine) Advance(ctx context.Context, task *store.Task, agent *store.Agent, outcome *reasoner.Outcome) error {
	fresh, err := m.store.GetTask(task.ID)
	if err != nil {
		return fmt.Errorf("refetch task: %w", err)
	}
	if fresh == nil {
		return nil
	}
	if fresh.AssignedAgentID != agent.ID || fresh.Stage != task.Stage ||
		fresh.Terminal() || fresh.Status == store.TaskEscalated {
		slog.Debug("stale advance ignored", "task", task.ID, "agent", agent.ID)
		return nil
	}

	switch {
	case outcome.ShouldEscalate:
		err = m.escalate(fresh, agent, outcome)
	case !outcome.Success:
		err = m.fail(fresh, agent, outcome)
	case outcome.NextRole == "":
		err = m.complete(fresh, agent, outcome)
	default:
		err = m.handOff(fresh, agent, outcome)
	}
	if err != nil {
		return err
	}

	m.spawnFollowUps(fresh, outcome)
	return nil
}

// handOff moves the task to the next stage under an agent of the outcome's
// role. When no candidate is available the task is left untouched so a
// later sweep retries the hand-off.
func (m *StageMachine) handOff(task *store.Task, agent *store.Agent, outcome *reasoner.Outcome) error {
	candidates, err := m.store.ListAgentsByRole(outcome.NextRole, store.AgentActive)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}

	next, ok := SelectAgent(task, candidates)
	if !ok {
		slog.Info("no hand-off candidate, leaving task for retry", "task", task.ID, "role", outcome.NextRole)
		return nil
	}

	stage := nextStage(task.Stage)
	if stage == "" {
		// Role tag on the final stage still means more work is wanted;
		// keep the task in acceptance under the selected agent.
		stage = task.Stage
	}

	task.AssignedAgentID = next.ID
	task.Stage = stage
	task.NextRole = outcome.NextRole
	task.Status = store.TaskInProgress
	task.History = append(task.History, store.HistoryEntry{
		AgentID: next.ID,
		Stage:   stage,
		At:      m.now().UTC(),
	})
	m.recordArtifacts(task, outcome)

	if err := m.store.UpdateTask(task); err != nil {
		return fmt.Errorf("hand off task: %w", err)
	}

	if err := m.store.AdjustAgentLoad(agent.ID, -1); err != nil {
		slog.Warn("load release failed", "agent", agent.ID, "error", err)
	}
	if err := m.store.AdjustAgentLoad(next.ID, +1); err != nil {
		slog.Warn("load take failed", "agent", next.ID, "error", err)
	}

	publishEvent(m.client, natsbus.TopicEventsTask(task.ID), "task_handoff", map[string]any{
		"task":  task.ID,
		"from":  agent.ID,
		"to":    next.ID,
		"stage": stage,
	})
	slog.Info("task handed off", "task", task.ID, "from", agent.ID, "to", next.ID, "stage", stage)
	return nil
}

func (m *StageMachine) complete(task *store.Task, agent *store.Agent, outcome *reasoner.Outcome) error {
	task.Status = store.TaskCompleted
	task.NextRole = ""
	m.recordArtifacts(task, outcome)

	if err := m.store.UpdateTask(task); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if err := m.store.AdjustAgentLoad(agent.ID, -1); err != nil {
		slog.Warn("load release failed", "agent", agent.ID, "error", err)
	}

	comm := &store.Communication{
		FromAgentID: agent.ID,
		TaskID:      task.ID,
		Message:     outcome.Response,
		Type:        store.CommWorkflowCompletion,
	}
	if err := m.store.CreateCommunication(comm); err != nil {
		return fmt.Errorf("completion communication: %w", err)
	}

	publishEvent(m.client, natsbus.TopicEventsTask(task.ID), "task_completed", map[string]any{
		"task":  task.ID,
		"agent": agent.ID,
	})
	slog.Info("task completed", "task", task.ID, "agent", agent.ID)
	return nil
}

// escalate reassigns the task to the recovery role regardless of stage.
func (m *StageMachine) escalate(task *store.Task, agent *store.Agent, outcome *reasoner.Outcome) error {
	reason := outcome.EscalationReason
	if reason == "" {
		reason = "escalation requested"
	}

	candidates, err := m.store.ListAgentsByRole(m.recoveryRole, store.AgentActive)
	if err != nil {
		return fmt.Errorf("list recovery agents: %w", err)
	}

	var recoveryID string
	if recovery, ok := SelectAgent(task, candidates); ok {
		recoveryID = recovery.ID
	}

	task.Status = store.TaskEscalated
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["escalation_reason"] = reason
	if recoveryID != "" {
		task.AssignedAgentID = recoveryID
	}

	if err := m.store.UpdateTask(task); err != nil {
		return fmt.Errorf("escalate task: %w", err)
	}

	if err := m.store.AdjustAgentLoad(agent.ID, -1); err != nil {
		slog.Warn("load release failed", "agent", agent.ID, "error", err)
	}
	if recoveryID != "" && recoveryID != agent.ID {
		if err := m.store.AdjustAgentLoad(recoveryID, +1); err != nil {
			slog.Warn("load take failed", "agent", recoveryID, "error", err)
		}
	}

	comm := &store.Communication{
		FromAgentID: agent.ID,
		ToAgentID:   recoveryID,
		TaskID:      task.ID,
		Message:     reason,
		Type:        store.CommEscalation,
	}
	if err := m.store.CreateCommunication(comm); err != nil {
		return fmt.Errorf("escalation communication: %w", err)
	}

	publishEvent(m.client, natsbus.TopicEventsTask(task.ID), "task_escalated", map[string]any{
		"task":   task.ID,
		"agent":  agent.ID,
		"to":     recoveryID,
		"reason": reason,
	})
	slog.Warn("task escalated", "task", task.ID, "agent", agent.ID, "reason", reason)
	return nil
}

// fail marks the task terminal. Failed tasks are not auto-retried.
func (m *StageMachine) fail(task *store.Task, agent *store.Agent, outcome *reasoner.Outcome) error {
	task.Status = store.TaskFailed
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["error"] = outcome.Response

	if err := m.store.UpdateTask(task); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if err := m.store.AdjustAgentLoad(agent.ID, -1); err != nil {
		slog.Warn("load release failed", "agent", agent.ID, "error", err)
	}

	event := &store.HealthEvent{
		AgentID:  agent.ID,
		Type:     "task_failure",
		Severity: store.SeverityHigh,
		Message:  fmt.Sprintf("task %s failed: %s", task.ID, outcome.Response),
	}
	if err := m.store.CreateHealthEvent(event); err != nil {
		return fmt.Errorf("failure health event: %w", err)
	}

	publishEvent(m.client, natsbus.TopicEventsTask(task.ID), "task_failed", map[string]any{
		"task":  task.ID,
		"agent": agent.ID,
	})
	slog.Warn("task failed", "task", task.ID, "agent", agent.ID)
	return nil
}

// Reenter sends an escalated or failed task back through intake, the
// recovery path for work that needs a fresh pass.
func (m *StageMachine) Reenter(taskID string) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}

	if task.AssignedAgentID != "" {
		if err := m.store.AdjustAgentLoad(task.AssignedAgentID, -1); err != nil {
			slog.Warn("load release failed", "agent", task.AssignedAgentID, "error", err)
		}
	}

	task.Status = store.TaskPending
	task.Stage = StageIntake
	task.NextRole = RoleForStage(StageIntake)
	task.AssignedAgentID = ""

	if err := m.store.UpdateTask(task); err != nil {
		return fmt.Errorf("reenter task: %w", err)
	}

	publishEvent(m.client, natsbus.TopicEventsTask(task.ID), "task_reentered", map[string]any{
		"task": task.ID,
	})
	return nil
}

func (m *StageMachine) spawnFollowUps(parent *store.Task, outcome *reasoner.Outcome) {
	for _, fu := range outcome.FollowUps {
		priority := fu.Priority
		if priority == "" {
			priority = parent.Priority
		}
		child := &store.Task{
			ID:           uuid.New().String(),
			Title:        fu.Title,
			Description:  fu.Description,
			Status:       store.TaskPending,
			Priority:     priority,
			ParentTaskID: parent.ID,
			Stage:        StageIntake,
			NextRole:     RoleForStage(StageIntake),
		}
		if err := m.store.CreateTask(child); err != nil {
			slog.Error("follow-up task creation failed", "parent", parent.ID, "error", err)
			continue
		}
		slog.Info("follow-up task created", "parent", parent.ID, "task", child.ID)
	}
}

func (m *StageMachine) recordArtifacts(task *store.Task, outcome *reasoner.Outcome) {
	if len(outcome.Artifacts) == 0 {
		return
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	data, err := json.Marshal(outcome.Artifacts)
	if err != nil {
		return
	}
	task.Metadata["artifacts"] = string(data)
}
