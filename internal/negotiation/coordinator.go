package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/orchestrator"
	"github.com/tvasilis/pipeliner/internal/store"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// Coordinator manages multi-party proposal/vote sessions and team
// formation. Session state is process-local; deadlines are advisory and
// evaluated lazily, never enforced by a timer.
type Coordinator struct {
	store  *store.Store
	client *natsbus.Client
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Negotiation
	teams    map[string]*Team
}

func NewCoordinator(s *store.Store, client *natsbus.Client) *Coordinator {
	return &Coordinator{
		store:    s,
		client:   client,
		now:      time.Now,
		sessions: make(map[string]*Negotiation),
		teams:    make(map[string]*Team),
	}
}

// StartNegotiation opens a session and fans out one invitation per
// non-initiator participant carrying the response deadline.
func (c *Coordinator) StartNegotiation(initiatorID, topic string, participantIDs []string, proposals []ProposalInput, ttl time.Duration) (*Negotiation, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}
	if len(proposals) == 0 {
		return nil, fmt.Errorf("at least one proposal required")
	}

	participants := participantIDs
	if !contains(participants, initiatorID) {
		participants = append([]string{initiatorID}, participants...)
	}
	if len(participants) < 2 {
		return nil, fmt.Errorf("at least two participants required")
	}
	for _, id := range participants {
		agent, err := c.store.GetAgent(id)
		if err != nil {
			return nil, fmt.Errorf("get agent: %w", err)
		}
		if agent == nil {
			return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
		}
	}

	neg := &Negotiation{
		ID:             uuid.New().String(),
		Topic:          topic,
		InitiatorID:    initiatorID,
		ParticipantIDs: participants,
		Status:         StatusOpen,
		Deadline:       c.now().Add(ttl),
		CreatedAt:      c.now(),
	}
	for _, p := range proposals {
		neg.Proposals = append(neg.Proposals, &Proposal{
			ID:      uuid.New().String(),
			Content: p.Content,
			Terms:   p.Terms,
			Status:  ProposalPending,
		})
	}

	c.mu.Lock()
	c.sessions[neg.ID] = neg
	c.mu.Unlock()

	for _, id := range participants {
		if id == initiatorID {
			continue
		}
		comm := &store.Communication{
			FromAgentID: initiatorID,
			ToAgentID:   id,
			Message:     fmt.Sprintf("negotiation on %q: response requested by %s", topic, neg.Deadline.Format(time.RFC3339)),
			Type:        store.CommNegotiation,
			Metadata: map[string]string{
				"negotiation_id": neg.ID,
				"deadline":       neg.Deadline.Format(time.RFC3339),
			},
		}
		if err := c.store.CreateCommunication(comm); err != nil {
			slog.Error("invitation failed", "negotiation", neg.ID, "to", id, "error", err)
		}
	}

	c.publish(neg.ID, "negotiation_started", map[string]any{
		"topic":        topic,
		"participants": len(participants),
		"proposals":    len(neg.Proposals),
	})
	slog.Info("negotiation started", "id", neg.ID, "topic", topic, "participants", len(participants))
	return c.snapshotLocked(neg), nil
}

// Vote records one agent's decision on a proposal, replacing any earlier
// vote by the same agent on it. Votes against closed sessions, unknown
// proposals or already-resolved proposals are rejected, non-fatally.
func (c *Coordinator) Vote(agentID, negotiationID, proposalID, decision, reasoning string) error {
	switch decision {
	case DecisionAccept, DecisionReject, DecisionAbstain:
	default:
		return fmt.Errorf("invalid decision: %s", decision)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	neg, ok := c.sessions[negotiationID]
	if !ok {
		return fmt.Errorf("negotiation %s: %w", negotiationID, ErrNotFound)
	}
	c.expireLocked(neg)
	if neg.Status != StatusOpen {
		return fmt.Errorf("negotiation %s is %s: %w", negotiationID, neg.Status, ErrInvalidState)
	}
	if !contains(neg.ParticipantIDs, agentID) {
		return fmt.Errorf("agent %s is not a participant: %w", agentID, ErrInvalidState)
	}

	var prop *Proposal
	for _, p := range neg.Proposals {
		if p.ID == proposalID {
			prop = p
			break
		}
	}
	if prop == nil {
		return fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	// A proposal leaves pending exactly once. Late or replacement votes on a
	// resolved proposal must not re-run resolution.
	if prop.Status != ProposalPending {
		return fmt.Errorf("proposal %s is %s: %w", proposalID, prop.Status, ErrInvalidState)
	}

	vote := Vote{
		AgentID:   agentID,
		Decision:  decision,
		Reasoning: reasoning,
		Timestamp: c.now(),
	}
	replaced := false
	for i := range prop.Votes {
		if prop.Votes[i].AgentID == agentID {
			prop.Votes[i] = vote
			replaced = true
			break
		}
	}
	if !replaced {
		prop.Votes = append(prop.Votes, vote)
	}

	c.resolveLocked(neg, prop)
	return nil
}

// resolveLocked recomputes a proposal's status after a vote and closes the
// session when a terminal condition is reached.
func (c *Coordinator) resolveLocked(neg *Negotiation, prop *Proposal) {
	if len(prop.Votes) < len(neg.ParticipantIDs) {
		return
	}

	accepts, rejects := 0, 0
	for _, v := range prop.Votes {
		switch v.Decision {
		case DecisionAccept:
			accepts++
		case DecisionReject:
			rejects++
		}
		// Abstain counts toward quorum, not toward the majority.
	}

	if accepts > rejects {
		prop.Status = ProposalAccepted
		neg.Status = StatusAgreed
		c.publish(neg.ID, "negotiation_agreed", map[string]any{
			"proposal": prop.ID,
			"accepts":  accepts,
			"rejects":  rejects,
		})
		c.logResolution(neg, fmt.Sprintf("negotiation %q agreed on proposal %s", neg.Topic, prop.ID))
		slog.Info("negotiation agreed", "id", neg.ID, "proposal", prop.ID)
		return
	}

	prop.Status = ProposalRejected

	for _, p := range neg.Proposals {
		if p.Status != ProposalRejected {
			return
		}
	}
	neg.Status = StatusFailed
	c.publish(neg.ID, "negotiation_failed", map[string]any{"reason": "all proposals rejected"})
	c.logResolution(neg, fmt.Sprintf("negotiation %q failed: all proposals rejected", neg.Topic))
	slog.Info("negotiation failed", "id", neg.ID)
}

// expireLocked applies lazy deadline expiry: an open session past its
// deadline is failed at observation time.
func (c *Coordinator) expireLocked(neg *Negotiation) {
	if neg.Status != StatusOpen || c.now().Before(neg.Deadline) {
		return
	}
	neg.Status = StatusFailed
	c.publish(neg.ID, "negotiation_failed", map[string]any{"reason": "deadline expired"})
	c.logResolution(neg, fmt.Sprintf("negotiation %q failed: deadline expired", neg.Topic))
	slog.Info("negotiation expired", "id", neg.ID)
}

func (c *Coordinator) logResolution(neg *Negotiation, message string) {
	comm := &store.Communication{
		FromAgentID: neg.InitiatorID,
		Message:     message,
		Type:        store.CommNegotiation,
		Metadata:    map[string]string{"negotiation_id": neg.ID, "status": neg.Status},
	}
	if err := c.store.CreateCommunication(comm); err != nil {
		slog.Error("resolution log failed", "negotiation", neg.ID, "error", err)
	}
}

// Get returns a snapshot of one session, applying lazy deadline expiry.
func (c *Coordinator) Get(negotiationID string) (*Negotiation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	neg, ok := c.sessions[negotiationID]
	if !ok {
		return nil, fmt.Errorf("negotiation %s: %w", negotiationID, ErrNotFound)
	}
	c.expireLocked(neg)
	return c.snapshotLocked(neg), nil
}

func (c *Coordinator) List() []*Negotiation {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Negotiation, 0, len(c.sessions))
	for _, neg := range c.sessions {
		c.expireLocked(neg)
		out = append(out, c.snapshotLocked(neg))
	}
	return out
}

func (c *Coordinator) snapshotLocked(neg *Negotiation) *Negotiation {
	cp := *neg
	cp.ParticipantIDs = append([]string(nil), neg.ParticipantIDs...)
	cp.Proposals = make([]*Proposal, len(neg.Proposals))
	for i, p := range neg.Proposals {
		pc := *p
		pc.Votes = append([]Vote(nil), p.Votes...)
		cp.Proposals[i] = &pc
	}
	return &cp
}

// FormTeam creates a team and notifies every member point-to-point.
func (c *Coordinator) FormTeam(leaderID string, memberIDs []string, purpose string) (*Team, error) {
	members := memberIDs
	if !contains(members, leaderID) {
		members = append([]string{leaderID}, members...)
	}
	for _, id := range members {
		agent, err := c.store.GetAgent(id)
		if err != nil {
			return nil, fmt.Errorf("get agent: %w", err)
		}
		if agent == nil {
			return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
		}
	}

	team := &Team{
		ID:        uuid.New().String(),
		Members:   members,
		Leader:    leaderID,
		Purpose:   purpose,
		Status:    TeamActive,
		CreatedAt: c.now(),
	}

	c.mu.Lock()
	c.teams[team.ID] = team
	c.mu.Unlock()

	for _, id := range members {
		if id == leaderID {
			continue
		}
		comm := &store.Communication{
			FromAgentID: leaderID,
			ToAgentID:   id,
			Message:     fmt.Sprintf("team formed for %q under %s", purpose, leaderID),
			Type:        store.CommNegotiation,
			Metadata:    map[string]string{"team_id": team.ID},
		}
		if err := c.store.CreateCommunication(comm); err != nil {
			slog.Error("team notification failed", "team", team.ID, "to", id, "error", err)
		}
	}

	c.publish(team.ID, "team_formed", map[string]any{
		"leader":  leaderID,
		"members": len(members),
		"purpose": purpose,
	})
	slog.Info("team formed", "id", team.ID, "leader", leaderID, "members", len(members))
	return team, nil
}

func (c *Coordinator) DisbandTeam(teamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	team, ok := c.teams[teamID]
	if !ok {
		return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	if team.Status == TeamDisbanded {
		return nil
	}
	team.Status = TeamDisbanded
	c.publish(team.ID, "team_disbanded", map[string]any{"team": teamID})
	return nil
}

func (c *Coordinator) Teams() []*Team {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Team, 0, len(c.teams))
	for _, t := range c.teams {
		cp := *t
		cp.Members = append([]string(nil), t.Members...)
		out = append(out, &cp)
	}
	return out
}

// RequestHelp fans a help request out to active agents whose declared
// capabilities intersect the wanted skills. Returns the recipients; an
// empty result is not an error.
func (c *Coordinator) RequestHelp(fromAgentID string, skills []string, message string) ([]string, error) {
	candidates, err := c.store.ListAgentsByStatus(store.AgentActive)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var recipients []string
	for i := range candidates {
		a := &candidates[i]
		if a.ID == fromAgentID || !a.HasCapability(skills) {
			continue
		}
		comm := &store.Communication{
			FromAgentID: fromAgentID,
			ToAgentID:   a.ID,
			Message:     message,
			Type:        store.CommHelpRequest,
			Metadata:    map[string]string{"skills": fmt.Sprintf("%v", skills)},
		}
		if err := c.store.CreateCommunication(comm); err != nil {
			slog.Error("help request failed", "to", a.ID, "error", err)
			continue
		}
		recipients = append(recipients, a.ID)
	}
	return recipients, nil
}

// DelegateTask hands a task to the best-scoring capable agent and marks it
// collaborative. Returns the chosen agent id.
func (c *Coordinator) DelegateTask(fromAgentID, taskID string, skills []string, message string) (string, error) {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if task.Terminal() {
		return "", fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrInvalidState)
	}

	candidates, err := c.store.ListAgentsByStatus(store.AgentActive)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	capable := candidates[:0]
	for _, a := range candidates {
		if a.ID != fromAgentID && a.HasCapability(skills) {
			capable = append(capable, a)
		}
	}

	target, ok := orchestrator.SelectAgent(task, capable)
	if !ok {
		return "", nil
	}

	previous := task.AssignedAgentID
	if err := c.store.AssignTask(task.ID, target.ID, task.Version, store.TaskCollaborative); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return "", nil
		}
		return "", fmt.Errorf("delegate: %w", err)
	}
	if previous != "" {
		if err := c.store.AdjustAgentLoad(previous, -1); err != nil {
			slog.Warn("load release failed", "agent", previous, "error", err)
		}
	}
	if err := c.store.AdjustAgentLoad(target.ID, +1); err != nil {
		slog.Warn("load take failed", "agent", target.ID, "error", err)
	}

	comm := &store.Communication{
		FromAgentID: fromAgentID,
		ToAgentID:   target.ID,
		TaskID:      task.ID,
		Message:     message,
		Type:        store.CommDelegation,
		Metadata:    map[string]string{"skills": fmt.Sprintf("%v", skills)},
	}
	if err := c.store.CreateCommunication(comm); err != nil {
		return "", fmt.Errorf("delegation communication: %w", err)
	}

	c.publish(task.ID, "task_delegated", map[string]any{
		"task": task.ID,
		"from": fromAgentID,
		"to":   target.ID,
	})
	slog.Info("task delegated", "task", task.ID, "from", fromAgentID, "to", target.ID)
	return target.ID, nil
}

func (c *Coordinator) publish(id, eventType string, payload map[string]any) {
	if c.client == nil {
		return
	}
	c.client.PublishEvent(natsbus.TopicEventsNegotiation(id), eventType, payload)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
