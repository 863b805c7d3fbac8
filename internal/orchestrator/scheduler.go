package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tvasilis/pipeliner/internal/config"
	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/reasoner"
	"github.com/tvasilis/pipeliner/internal/schedule"
	"github.com/tvasilis/pipeliner/internal/store"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidState = errors.New("invalid task state")
)

// inflightSet guards per-task mutual exclusion across sweeps: at most one
// concurrent processing pass per task id.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (s *inflightSet) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.ids[id]; held {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *inflightSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status is the operator-facing snapshot of the scheduler.
type Status struct {
	Running             bool           `json:"running"`
	InFlightTaskIDs     []string       `json:"in_flight_task_ids"`
	TaskCountsByStatus  map[string]int `json:"task_counts_by_status"`
	AgentCountsByStatus map[string]int `json:"agent_counts_by_status"`
}

// Scheduler drives the three periodic sweeps: process, assign, health.
// Sweeps are independent and idempotent; per-task exclusion comes from the
// in-flight set, cross-record races from the store's version tokens.
type Scheduler struct {
	store    *store.Store
	reason   reasoner.Reasoner
	machine  *StageMachine
	client   *natsbus.Client
	cfg      config.SchedulerConfig
	clock    Clock
	runner   *Runner
	inflight *inflightSet
}

func New(s *store.Store, r reasoner.Reasoner, machine *StageMachine, client *natsbus.Client, cfg config.SchedulerConfig, clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	sched := &Scheduler{
		store:    s,
		reason:   r,
		machine:  machine,
		client:   client,
		cfg:      cfg,
		clock:    clock,
		runner:   NewRunner(clock),
		inflight: newInflightSet(),
	}

	sched.runner.Add(Job{
		Name:    "process",
		Period:  &schedule.Period{Interval: cfg.ProcessInterval},
		Backoff: cfg.ErrorBackoff,
		Run:     sched.ProcessSweep,
	})
	sched.runner.Add(Job{
		Name:    "assign",
		Period:  &schedule.Period{Interval: cfg.AssignInterval},
		Backoff: cfg.ErrorBackoff,
		Run:     sched.AssignSweep,
	})
	sched.runner.Add(Job{
		Name:    "health",
		Period:  &schedule.Period{Interval: cfg.HealthInterval},
		Backoff: cfg.ErrorBackoff,
		Run:     sched.HealthSweep,
	})

	return sched
}

func (s *Scheduler) Start(ctx context.Context) {
	s.runner.Start(ctx)
}

func (s *Scheduler) Stop() {
	s.runner.Stop()
}

func (s *Scheduler) GetStatus() (*Status, error) {
	taskCounts, err := s.store.CountTasksByStatus()
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	agentCounts, err := s.store.CountAgentsByStatus()
	if err != nil {
		return nil, fmt.Errorf("agent counts: %w", err)
	}
	return &Status{
		Running:             s.runner.Running(),
		InFlightTaskIDs:     s.inflight.IDs(),
		TaskCountsByStatus:  taskCounts,
		AgentCountsByStatus: agentCounts,
	}, nil
}

// ProcessSweep dispatches due tasks to the reasoner and advances the
// workflow. One task's failure never aborts the rest; a failure listing
// due tasks aborts the sweep and triggers the runner's backoff.
func (s *Scheduler) ProcessSweep(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	due, err := s.store.ListDueTasks(cutoff)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}

	for i := range due {
		task := due[i]
		if !s.inflight.TryAcquire(task.ID) {
			continue
		}
		func() {
			defer s.inflight.Release(task.ID)
			if err := s.processOne(ctx, task.ID); err != nil {
				slog.Error("task processing failed", "task", task.ID, "error", err)
			}
		}()
	}
	return nil
}

func (s *Scheduler) processOne(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil || (task.Status != store.TaskPending && task.Status != store.TaskActive) {
		return nil
	}
	if task.AssignedAgentID == "" {
		// Unassigned work belongs to the assignment sweep.
		return nil
	}

	agent, err := s.store.GetAgent(task.AssignedAgentID)
	if err != nil {
		return fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		slog.Warn("assigned agent missing", "task", task.ID, "agent", task.AssignedAgentID)
		return nil
	}
	if agent.Status != store.AgentActive && agent.Status != store.AgentBusy {
		return nil
	}

	outcome, err := s.reason.ProcessTask(ctx, agent, task)
	if err != nil {
		// Reasoner failures are contained here: the task fails, a health
		// event is recorded, the sweep keeps going.
		slog.Warn("reasoner failed", "task", task.ID, "agent", agent.ID, "error", err)
		outcome = &reasoner.Outcome{Success: false, Response: err.Error()}
	}

	return s.machine.Advance(ctx, task, agent, outcome)
}

// AssignSweep gives every unassigned pending task to the best-scoring
// active agent of its required role.
func (s *Scheduler) AssignSweep(ctx context.Context) error {
	tasks, err := s.store.ListUnassignedPending()
	if err != nil {
		return fmt.Errorf("list unassigned: %w", err)
	}

	for i := range tasks {
		if err := s.assignOne(&tasks[i]); err != nil {
			slog.Error("assignment failed", "task", tasks[i].ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) assignOne(task *store.Task) error {
	role := task.NextRole
	if role == "" {
		role = RoleForStage(task.Stage)
	}

	candidates, err := s.store.ListAgentsByRole(role, store.AgentActive)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}

	agent, ok := SelectAgent(task, candidates)
	if !ok {
		// No active agent of this role right now; retried next sweep.
		return nil
	}

	if err := s.store.AssignTask(task.ID, agent.ID, task.Version, store.TaskActive); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Debug("assignment lost race", "task", task.ID)
			return nil
		}
		return fmt.Errorf("assign: %w", err)
	}

	if err := s.store.AdjustAgentLoad(agent.ID, +1); err != nil {
		slog.Warn("load take failed", "agent", agent.ID, "error", err)
	}

	comm := &store.Communication{
		ToAgentID: agent.ID,
		TaskID:    task.ID,
		Message:   fmt.Sprintf("assigned task %q", task.Title),
		Type:      store.CommTaskAssignment,
		Metadata:  map[string]string{"priority": task.Priority},
	}
	if err := s.store.CreateCommunication(comm); err != nil {
		return fmt.Errorf("assignment communication: %w", err)
	}

	publishEvent(s.client, natsbus.TopicEventsTask(task.ID), "task_assignment", map[string]any{
		"task":  task.ID,
		"agent": agent.ID,
		"role":  role,
	})
	slog.Info("task assigned", "task", task.ID, "agent", agent.ID, "role", role)
	return nil
}

// HealthSweep audits every agent: overloaded agents shed their oldest
// active task, low-health agents get an informational health event.
func (s *Scheduler) HealthSweep(ctx context.Context) error {
	agents, err := s.store.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	for i := range agents {
		a := &agents[i]
		if a.MaxLoad > 0 && float64(a.CurrentLoad) > 0.9*float64(a.MaxLoad) {
			if err := s.shedOldestActive(a); err != nil {
				slog.Error("overload reassignment failed", "agent", a.ID, "error", err)
			}
		}
		if a.HealthScore < 70 {
			event := &store.HealthEvent{
				AgentID:  a.ID,
				Type:     "low_health",
				Severity: store.SeverityMedium,
				Message:  fmt.Sprintf("health score %d below threshold", a.HealthScore),
			}
			if err := s.store.CreateHealthEvent(event); err != nil {
				slog.Error("health event failed", "agent", a.ID, "error", err)
			}
		}
	}
	return nil
}

// shedOldestActive takes the agent's oldest active task away and re-runs
// auto-assignment for it. The scorer's load factor keeps it from coming
// straight back.
func (s *Scheduler) shedOldestActive(a *store.Agent) error {
	task, err := s.store.OldestTaskForAgent(a.ID, store.TaskActive)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	if !s.inflight.TryAcquire(task.ID) {
		return nil
	}
	defer s.inflight.Release(task.ID)

	task.AssignedAgentID = ""
	task.Status = store.TaskPending
	if err := s.store.UpdateTask(task); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("unassign: %w", err)
	}
	if err := s.store.AdjustAgentLoad(a.ID, -1); err != nil {
		slog.Warn("load release failed", "agent", a.ID, "error", err)
	}

	slog.Info("overloaded agent shed task", "agent", a.ID, "task", task.ID)
	return s.assignOne(task)
}

// PauseTask takes a task out of sweep rotation.
func (s *Scheduler) PauseTask(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("pause %s: %w", id, ErrTaskNotFound)
	}
	if task.Terminal() {
		return fmt.Errorf("pause %s: %w", id, ErrInvalidState)
	}
	if task.Status == store.TaskPaused {
		return nil
	}
	if err := s.store.UpdateTaskStatus(id, store.TaskPaused); err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	publishEvent(s.client, natsbus.TopicEventsTask(id), "task_paused", map[string]any{"task": id})
	return nil
}

// ResumeTask puts a paused task back into rotation: active when it still
// has an assignee, pending otherwise.
func (s *Scheduler) ResumeTask(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("resume %s: %w", id, ErrTaskNotFound)
	}
	if task.Status != store.TaskPaused {
		return fmt.Errorf("resume %s: %w", id, ErrInvalidState)
	}

	status := store.TaskPending
	if task.AssignedAgentID != "" {
		status = store.TaskActive
	}
	if err := s.store.UpdateTaskStatus(id, status); err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	publishEvent(s.client, natsbus.TopicEventsTask(id), "task_resumed", map[string]any{"task": id})
	return nil
}
