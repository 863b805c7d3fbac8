package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tvasilis/pipeliner/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backdateTask(t *testing.T, s *Store, id string, age time.Duration) {
	t.Helper()
	ts := time.Now().UTC().Add(-age)
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, ts, id); err != nil {
		t.Fatalf("backdate task: %v", err)
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{ID: "engineer-1", Name: "Engineer One", Role: "engineer", MaxLoad: 5,
		Capabilities: []string{"coding", "debugging"}}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("engineer-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Status != AgentActive {
		t.Errorf("expected status active, got %q", got.Status)
	}
	if got.HealthScore != 100 {
		t.Errorf("expected health 100, got %d", got.HealthScore)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "coding" {
		t.Errorf("capabilities not preserved: %v", got.Capabilities)
	}

	// Missing agent returns nil, not an error.
	missing, err := s.GetAgent("nope")
	if err != nil {
		t.Fatalf("get missing agent: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing agent")
	}
}

func TestSaveAgentPreservesRuntimeState(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{ID: "engineer-1", Name: "Engineer", Role: "engineer", MaxLoad: 5}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}
	if err := s.AdjustAgentLoad("engineer-1", 3); err != nil {
		t.Fatalf("adjust load: %v", err)
	}
	if err := s.UpdateAgentHealth("engineer-1", 55); err != nil {
		t.Fatalf("update health: %v", err)
	}

	// Re-save with a new name, as a roster sync would.
	a.Name = "Engineer Prime"
	a.MaxLoad = 8
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("re-save agent: %v", err)
	}

	got, _ := s.GetAgent("engineer-1")
	if got.Name != "Engineer Prime" {
		t.Errorf("expected updated name, got %q", got.Name)
	}
	if got.MaxLoad != 8 {
		t.Errorf("expected updated max load, got %d", got.MaxLoad)
	}
	if got.CurrentLoad != 3 {
		t.Errorf("expected load preserved at 3, got %d", got.CurrentLoad)
	}
	if got.HealthScore != 55 {
		t.Errorf("expected health preserved at 55, got %d", got.HealthScore)
	}
}

func TestAdjustAgentLoad(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveAgent(&Agent{ID: "qa-1", Name: "QA", Role: "qa", MaxLoad: 2}); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	// Clamped at zero.
	if err := s.AdjustAgentLoad("qa-1", -5); err != nil {
		t.Fatalf("adjust load: %v", err)
	}
	got, _ := s.GetAgent("qa-1")
	if got.CurrentLoad != 0 {
		t.Errorf("expected load 0, got %d", got.CurrentLoad)
	}

	// Crossing max flips to busy.
	s.AdjustAgentLoad("qa-1", 1)
	got, _ = s.GetAgent("qa-1")
	if got.Status != AgentActive {
		t.Errorf("expected active below max, got %q", got.Status)
	}
	s.AdjustAgentLoad("qa-1", 1)
	got, _ = s.GetAgent("qa-1")
	if got.Status != AgentBusy {
		t.Errorf("expected busy at max, got %q", got.Status)
	}

	// Dropping back flips to active again.
	s.AdjustAgentLoad("qa-1", -1)
	got, _ = s.GetAgent("qa-1")
	if got.Status != AgentActive {
		t.Errorf("expected active after release, got %q", got.Status)
	}

	// Paused agents keep their status.
	s.UpdateAgentStatus("qa-1", AgentPaused)
	s.AdjustAgentLoad("qa-1", 5)
	got, _ = s.GetAgent("qa-1")
	if got.Status != AgentPaused {
		t.Errorf("expected paused preserved, got %q", got.Status)
	}
}

func TestDeactivateAgentsNotIn(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.SaveAgent(&Agent{ID: id, Name: id, Role: "engineer", MaxLoad: 5}); err != nil {
			t.Fatalf("save agent: %v", err)
		}
	}

	if err := s.DeactivateAgentsNotIn([]string{"a1", "a3"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	got, _ := s.GetAgent("a2")
	if got.Status != AgentInactive {
		t.Errorf("expected a2 inactive, got %q", got.Status)
	}
	got, _ = s.GetAgent("a1")
	if got.Status != AgentActive {
		t.Errorf("expected a1 still active, got %q", got.Status)
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)

	task := &Task{ID: "t1", Title: "Build feature", Description: "details"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskPending {
		t.Errorf("expected default status pending, got %q", got.Status)
	}
	if got.Priority != PriorityMedium {
		t.Errorf("expected default priority medium, got %q", got.Priority)
	}
	if got.Stage != "intake" {
		t.Errorf("expected default stage intake, got %q", got.Stage)
	}
	if got.Version != 0 {
		t.Errorf("expected version 0, got %d", got.Version)
	}

	got.Status = TaskInProgress
	got.AssignedAgentID = "engineer-1"
	got.History = append(got.History, HistoryEntry{AgentID: "engineer-1", Stage: "implementation", At: time.Now().UTC()})
	got.Metadata = map[string]string{"note": "started"}
	if err := s.UpdateTask(got); err != nil {
		t.Fatalf("update task: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("expected version bumped to 1, got %d", got.Version)
	}

	again, _ := s.GetTask("t1")
	if len(again.History) != 1 || again.History[0].AgentID != "engineer-1" {
		t.Errorf("history not preserved: %+v", again.History)
	}
	if again.Metadata["note"] != "started" {
		t.Errorf("metadata not preserved: %v", again.Metadata)
	}

	missing, err := s.GetTask("nope")
	if err != nil {
		t.Fatalf("get missing task: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing task")
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(&Task{ID: "t1", Title: "Contended"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, _ := s.GetTask("t1")
	second, _ := s.GetTask("t1")

	first.Status = TaskActive
	if err := s.UpdateTask(first); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	second.Status = TaskPaused
	err := s.UpdateTask(second)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The first write won.
	got, _ := s.GetTask("t1")
	if got.Status != TaskActive {
		t.Errorf("expected status active, got %q", got.Status)
	}
}

func TestAssignTask(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(&Task{ID: "t1", Title: "Assignable"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := s.AssignTask("t1", "engineer-1", 0, TaskActive); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, _ := s.GetTask("t1")
	if got.AssignedAgentID != "engineer-1" || got.Status != TaskActive {
		t.Errorf("assignment not applied: %+v", got)
	}

	// Stale version is rejected.
	err := s.AssignTask("t1", "engineer-2", 0, TaskActive)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestListUnassignedPending(t *testing.T) {
	s := newTestStore(t)

	s.CreateTask(&Task{ID: "t1", Title: "first"})
	s.CreateTask(&Task{ID: "t2", Title: "second", AssignedAgentID: "engineer-1"})
	s.CreateTask(&Task{ID: "t3", Title: "third", Status: TaskCompleted})

	tasks, err := s.ListUnassignedPending()
	if err != nil {
		t.Fatalf("list unassigned: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("expected only t1, got %+v", tasks)
	}
}

func TestListDueTasks(t *testing.T) {
	s := newTestStore(t)

	s.CreateTask(&Task{ID: "stale", Title: "stale one"})
	s.CreateTask(&Task{ID: "fresh", Title: "fresh one"})
	s.CreateTask(&Task{ID: "nudged", Title: "has new comms"})
	s.CreateTask(&Task{ID: "done", Title: "finished", Status: TaskCompleted})

	backdateTask(t, s, "stale", time.Hour)
	backdateTask(t, s, "nudged", 2*time.Second)
	backdateTask(t, s, "done", time.Hour)

	// A communication newer than the task's updated_at makes it due.
	if err := s.CreateCommunication(&Communication{TaskID: "nudged", Message: "hey", Type: CommPing}); err != nil {
		t.Fatalf("create communication: %v", err)
	}

	due, err := s.ListDueTasks(time.Now().Add(-30 * time.Second))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}

	ids := make(map[string]bool)
	for _, task := range due {
		ids[task.ID] = true
	}
	if !ids["stale"] {
		t.Error("expected stale task to be due")
	}
	if !ids["nudged"] {
		t.Error("expected task with newer communication to be due")
	}
	if ids["fresh"] {
		t.Error("fresh task should not be due")
	}
	if ids["done"] {
		t.Error("completed task should never be due")
	}
}

func TestStaleInProgressTasks(t *testing.T) {
	s := newTestStore(t)

	s.CreateTask(&Task{ID: "old", Title: "forgotten", Status: TaskInProgress})
	s.CreateTask(&Task{ID: "new", Title: "recent", Status: TaskInProgress})
	backdateTask(t, s, "old", 5*time.Hour)

	stale, err := s.StaleInProgressTasks(time.Now().Add(-4 * time.Hour))
	if err != nil {
		t.Fatalf("stale tasks: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Errorf("expected only old task, got %+v", stale)
	}
}

func TestOldestTaskForAgent(t *testing.T) {
	s := newTestStore(t)

	s.CreateTask(&Task{ID: "t1", Title: "a", Status: TaskActive, AssignedAgentID: "x"})
	s.CreateTask(&Task{ID: "t2", Title: "b", Status: TaskActive, AssignedAgentID: "x"})
	backdateTask(t, s, "t2", time.Hour)

	// created_at drives age, so backdate that too.
	if _, err := s.DB().Exec(`UPDATE tasks SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), "t2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.OldestTaskForAgent("x", TaskActive)
	if err != nil {
		t.Fatalf("oldest task: %v", err)
	}
	if got == nil || got.ID != "t2" {
		t.Errorf("expected t2, got %+v", got)
	}

	none, err := s.OldestTaskForAgent("y", TaskActive)
	if err != nil {
		t.Fatalf("oldest task for idle agent: %v", err)
	}
	if none != nil {
		t.Error("expected nil for agent with no tasks")
	}
}

func TestAgentOutcomeCounts(t *testing.T) {
	s := newTestStore(t)

	s.CreateTask(&Task{ID: "c1", Title: "done", Status: TaskCompleted, AssignedAgentID: "x"})
	s.CreateTask(&Task{ID: "c2", Title: "done", Status: TaskCompleted, AssignedAgentID: "x"})
	s.CreateTask(&Task{ID: "f1", Title: "broke", Status: TaskFailed, AssignedAgentID: "x"})
	s.CreateTask(&Task{ID: "p1", Title: "pending", AssignedAgentID: "x"})

	completed, failed, err := s.AgentOutcomeCounts("x")
	if err != nil {
		t.Fatalf("outcome counts: %v", err)
	}
	if completed != 2 || failed != 1 {
		t.Errorf("expected 2 completed / 1 failed, got %d / %d", completed, failed)
	}
}

func TestCommunications(t *testing.T) {
	s := newTestStore(t)

	c := &Communication{FromAgentID: "a", ToAgentID: "b", TaskID: "t1",
		Message: "handoff", Type: CommTaskAssignment, Metadata: map[string]string{"priority": "high"}}
	if err := s.CreateCommunication(c); err != nil {
		t.Fatalf("create communication: %v", err)
	}
	if c.ID == 0 {
		t.Error("expected id to be set")
	}

	comms, err := s.ListCommunicationsForTask("t1")
	if err != nil {
		t.Fatalf("list communications: %v", err)
	}
	if len(comms) != 1 {
		t.Fatalf("expected 1 communication, got %d", len(comms))
	}
	if comms[0].Metadata["priority"] != "high" {
		t.Errorf("metadata not preserved: %v", comms[0].Metadata)
	}

	has, err := s.HasCommunicationOfType("t1", CommTaskAssignment)
	if err != nil {
		t.Fatalf("has communication: %v", err)
	}
	if !has {
		t.Error("expected communication of type to exist")
	}
	has, _ = s.HasCommunicationOfType("t1", CommEscalation)
	if has {
		t.Error("did not expect escalation communication")
	}
}

func TestHealthEventsAndNotifications(t *testing.T) {
	s := newTestStore(t)

	e := &HealthEvent{AgentID: "x", Type: "task_failure", Severity: SeverityHigh, Message: "boom"}
	if err := s.CreateHealthEvent(e); err != nil {
		t.Fatalf("create health event: %v", err)
	}

	events, err := s.ListHealthEvents("x", false)
	if err != nil {
		t.Fatalf("list health events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	if err := s.ResolveHealthEvent(e.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	events, _ = s.ListHealthEvents("x", false)
	if len(events) != 0 {
		t.Errorf("expected resolved event hidden, got %d", len(events))
	}
	events, _ = s.ListHealthEvents("x", true)
	if len(events) != 1 {
		t.Errorf("expected resolved event with includeResolved, got %d", len(events))
	}

	n := &Notification{Title: "stale task", Message: "t1 stuck", TaskID: "t1"}
	if err := s.CreateNotification(n); err != nil {
		t.Fatalf("create notification: %v", err)
	}
	notes, err := s.ListNotifications(10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Level != "info" {
		t.Errorf("unexpected notifications: %+v", notes)
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)

	s.SaveAgent(&Agent{ID: "a1", Name: "a1", Role: "engineer", MaxLoad: 5})
	s.SaveAgent(&Agent{ID: "a2", Name: "a2", Role: "qa", MaxLoad: 5})
	s.UpdateAgentStatus("a2", AgentPaused)

	s.CreateTask(&Task{ID: "t1", Title: "a"})
	s.CreateTask(&Task{ID: "t2", Title: "b", Status: TaskCompleted})

	agentCounts, err := s.CountAgentsByStatus()
	if err != nil {
		t.Fatalf("count agents: %v", err)
	}
	if agentCounts[AgentActive] != 1 || agentCounts[AgentPaused] != 1 {
		t.Errorf("unexpected agent counts: %v", agentCounts)
	}

	taskCounts, err := s.CountTasksByStatus()
	if err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if taskCounts[TaskPending] != 1 || taskCounts[TaskCompleted] != 1 {
		t.Errorf("unexpected task counts: %v", taskCounts)
	}
}
