// Package reasoner defines the decision capability invoked per agent/task
// pair. The orchestration core treats it as opaque: it hands over a task
// snapshot and gets back a structured outcome, never free-running control.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/store"
)

type Artifact struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// FollowUp describes extra work the reasoner wants spawned as a child task.
// Priority is optional; empty inherits the parent's.
type FollowUp struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

type Outcome struct {
	Success          bool       `json:"success"`
	Response         string     `json:"response"`
	NextRole         string     `json:"next_role,omitempty"`
	ShouldEscalate   bool       `json:"should_escalate"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	Artifacts        []Artifact `json:"artifacts,omitempty"`
	FollowUps        []FollowUp `json:"follow_up_tasks,omitempty"`
}

type Reasoner interface {
	ProcessTask(ctx context.Context, agent *store.Agent, task *store.Task) (*Outcome, error)
}

// Func adapts a plain function to the Reasoner interface. Used in tests
// and for scripted in-process agents.
type Func func(ctx context.Context, agent *store.Agent, task *store.Task) (*Outcome, error)

func (f Func) ProcessTask(ctx context.Context, agent *store.Agent, task *store.Task) (*Outcome, error) {
	return f(ctx, agent, task)
}

// request is the wire payload sent to a reasoning worker.
type request struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Stage       string `json:"stage"`
	Priority    string `json:"priority"`
	AgentID     string `json:"agent_id"`
	AgentRole   string `json:"agent_role"`
}

// NATS dispatches reasoning over the bus: one request/reply round trip on
// the agent's reason subject.
type NATS struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewNATS(client *natsbus.Client, timeout time.Duration) *NATS {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &NATS{
		client:  client,
		timeout: timeout,
	}
}

func (r *NATS) ProcessTask(ctx context.Context, agent *store.Agent, task *store.Task) (*Outcome, error) {
	payload, err := json.Marshal(request{
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Stage:       task.Stage,
		Priority:    task.Priority,
		AgentID:     agent.ID,
		AgentRole:   agent.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reason request: %w", err)
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	msg, err := r.client.Request(natsbus.TopicAgentReason(agent.ID), payload, timeout)
	if err != nil {
		return nil, fmt.Errorf("reason request for agent %s: %w", agent.ID, err)
	}

	var outcome Outcome
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		return nil, fmt.Errorf("decode reason response: %w", err)
	}
	return &outcome, nil
}
