package negotiation

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tvasilis/pipeliner/internal/config"
	"github.com/tvasilis/pipeliner/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCoordinator(t *testing.T, agents ...store.Agent) (*Coordinator, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	for i := range agents {
		a := agents[i]
		if a.MaxLoad == 0 {
			a.MaxLoad = 5
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		if err := s.SaveAgent(&a); err != nil {
			t.Fatalf("save agent %s: %v", a.ID, err)
		}
	}
	return NewCoordinator(s, nil), s
}

func startSession(t *testing.T, c *Coordinator, participants ...string) *Negotiation {
	t.Helper()
	neg, err := c.StartNegotiation(participants[0], "architecture choice", participants[1:],
		[]ProposalInput{{Content: "use approach A"}}, time.Hour)
	if err != nil {
		t.Fatalf("start negotiation: %v", err)
	}
	return neg
}

func TestStartNegotiationValidation(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)

	if _, err := c.StartNegotiation("a1", "", []string{"a2"}, []ProposalInput{{Content: "x"}}, time.Hour); err == nil {
		t.Error("expected error for empty topic")
	}
	if _, err := c.StartNegotiation("a1", "t", []string{"a2"}, nil, time.Hour); err == nil {
		t.Error("expected error for no proposals")
	}
	if _, err := c.StartNegotiation("a1", "t", nil, []ProposalInput{{Content: "x"}}, time.Hour); err == nil {
		t.Error("expected error for a single participant")
	}
	_, err := c.StartNegotiation("a1", "t", []string{"ghost"}, []ProposalInput{{Content: "x"}}, time.Hour)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown participant, got %v", err)
	}
}

func TestStartNegotiationSendsInvitations(t *testing.T) {
	c, s := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
		store.Agent{ID: "a3", Role: "qa"},
	)

	neg := startSession(t, c, "a1", "a2", "a3")
	if neg.Status != StatusOpen {
		t.Errorf("status = %q, want open", neg.Status)
	}
	if len(neg.ParticipantIDs) != 3 {
		t.Errorf("participants = %v, want 3 including initiator", neg.ParticipantIDs)
	}

	// One invitation per non-initiator, tagged with the session.
	comms, _ := s.RecentCommunications(10)
	invited := make(map[string]bool)
	for _, comm := range comms {
		if comm.Type == store.CommNegotiation && comm.Metadata["negotiation_id"] == neg.ID {
			invited[comm.ToAgentID] = true
		}
	}
	if len(invited) != 2 || !invited["a2"] || !invited["a3"] {
		t.Errorf("expected invitations to a2 and a3, got %v", invited)
	}
}

func TestVoteMajorityAgreed(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
		store.Agent{ID: "a3", Role: "qa"},
	)
	neg := startSession(t, c, "a1", "a2", "a3")
	prop := neg.Proposals[0].ID

	if err := c.Vote("a1", neg.ID, prop, DecisionAccept, "fine"); err != nil {
		t.Fatal(err)
	}
	if err := c.Vote("a2", neg.ID, prop, DecisionAccept, "fine"); err != nil {
		t.Fatal(err)
	}

	// Still open: quorum needs all three participants.
	got, _ := c.Get(neg.ID)
	if got.Status != StatusOpen {
		t.Fatalf("status = %q before quorum, want open", got.Status)
	}

	if err := c.Vote("a3", neg.ID, prop, DecisionReject, "risky"); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Get(neg.ID)
	if got.Status != StatusAgreed {
		t.Errorf("status = %q, want agreed (2 accepts > 1 reject)", got.Status)
	}
	if got.Proposals[0].Status != ProposalAccepted {
		t.Errorf("proposal status = %q, want accepted", got.Proposals[0].Status)
	}
}

func TestVoteAbstainCountsForQuorumOnly(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg := startSession(t, c, "a1", "a2")
	prop := neg.Proposals[0].ID

	// One accept plus one abstain: quorum met, accepts > rejects.
	c.Vote("a1", neg.ID, prop, DecisionAccept, "")
	c.Vote("a2", neg.ID, prop, DecisionAbstain, "")

	got, _ := c.Get(neg.ID)
	if got.Status != StatusAgreed {
		t.Errorf("status = %q, want agreed", got.Status)
	}
}

func TestVoteTieRejectsProposal(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg := startSession(t, c, "a1", "a2")
	prop := neg.Proposals[0].ID

	c.Vote("a1", neg.ID, prop, DecisionAccept, "")
	c.Vote("a2", neg.ID, prop, DecisionReject, "")

	// A 1-1 split is not a strict majority; the only proposal fails and
	// takes the session down with it.
	got, _ := c.Get(neg.ID)
	if got.Proposals[0].Status != ProposalRejected {
		t.Errorf("proposal status = %q, want rejected", got.Proposals[0].Status)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestSecondProposalKeepsSessionAlive(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg, err := c.StartNegotiation("a1", "plan", []string{"a2"},
		[]ProposalInput{{Content: "plan A"}, {Content: "plan B"}}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Everyone rejects plan A, but plan B is still pending.
	c.Vote("a1", neg.ID, neg.Proposals[0].ID, DecisionReject, "")
	c.Vote("a2", neg.ID, neg.Proposals[0].ID, DecisionReject, "")

	got, _ := c.Get(neg.ID)
	if got.Status != StatusOpen {
		t.Fatalf("status = %q, want open while plan B is pending", got.Status)
	}

	c.Vote("a1", neg.ID, neg.Proposals[1].ID, DecisionAccept, "")
	c.Vote("a2", neg.ID, neg.Proposals[1].ID, DecisionAccept, "")

	got, _ = c.Get(neg.ID)
	if got.Status != StatusAgreed {
		t.Errorf("status = %q, want agreed on plan B", got.Status)
	}
}

func TestVoteReplacement(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg := startSession(t, c, "a1", "a2")
	prop := neg.Proposals[0].ID

	// a1 changes their mind; only the last vote counts.
	c.Vote("a1", neg.ID, prop, DecisionReject, "hmm")
	c.Vote("a1", neg.ID, prop, DecisionAccept, "on reflection")

	got, _ := c.Get(neg.ID)
	if got.Status != StatusOpen {
		t.Fatalf("one voter is not quorum, got %q", got.Status)
	}
	if len(got.Proposals[0].Votes) != 1 {
		t.Fatalf("expected 1 vote after replacement, got %d", len(got.Proposals[0].Votes))
	}
	if got.Proposals[0].Votes[0].Decision != DecisionAccept {
		t.Errorf("replaced vote decision = %q, want accept", got.Proposals[0].Votes[0].Decision)
	}
}

func TestVoteValidation(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
		store.Agent{ID: "outsider", Role: "qa"},
	)
	neg := startSession(t, c, "a1", "a2")
	prop := neg.Proposals[0].ID

	if err := c.Vote("a1", neg.ID, prop, "maybe", ""); err == nil {
		t.Error("expected error for invalid decision")
	}
	if err := c.Vote("a1", "missing", prop, DecisionAccept, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
	if err := c.Vote("a1", neg.ID, "missing", DecisionAccept, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown proposal, got %v", err)
	}
	if err := c.Vote("outsider", neg.ID, prop, DecisionAccept, ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for non-participant, got %v", err)
	}
}

func TestDeadlineExpiryIsLazy(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg := startSession(t, c, "a1", "a2")

	// Move the clock past the deadline.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	got, err := c.Get(neg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed after deadline", got.Status)
	}

	// Votes on the expired session are rejected.
	err = c.Vote("a1", neg.ID, neg.Proposals[0].ID, DecisionAccept, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestAgreedSessionIsImmutable(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg := startSession(t, c, "a1", "a2")
	prop := neg.Proposals[0].ID

	c.Vote("a1", neg.ID, prop, DecisionAccept, "")
	c.Vote("a2", neg.ID, prop, DecisionAccept, "")

	err := c.Vote("a1", neg.ID, prop, DecisionReject, "changed my mind")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on agreed session, got %v", err)
	}
}

func TestRejectedProposalStaysRejected(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
		store.Agent{ID: "a3", Role: "qa"},
	)
	neg, err := c.StartNegotiation("a1", "plan", []string{"a2", "a3"},
		[]ProposalInput{{Content: "plan A"}, {Content: "plan B"}}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	prop := neg.Proposals[0].ID

	// 1 accept vs 2 rejects resolves plan A; plan B keeps the session open.
	c.Vote("a1", neg.ID, prop, DecisionAccept, "")
	c.Vote("a2", neg.ID, prop, DecisionReject, "")
	c.Vote("a3", neg.ID, prop, DecisionReject, "")

	got, _ := c.Get(neg.ID)
	if got.Proposals[0].Status != ProposalRejected {
		t.Fatalf("proposal status = %q, want rejected", got.Proposals[0].Status)
	}
	if got.Status != StatusOpen {
		t.Fatalf("status = %q, want open while plan B is pending", got.Status)
	}

	// A rejector flipping to accept must not reopen the resolved proposal.
	err = c.Vote("a2", neg.ID, prop, DecisionAccept, "on reflection")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on resolved proposal, got %v", err)
	}

	got, _ = c.Get(neg.ID)
	if got.Proposals[0].Status != ProposalRejected {
		t.Errorf("proposal status = %q after late vote, want rejected", got.Proposals[0].Status)
	}
	if got.Status != StatusOpen {
		t.Errorf("status = %q after late vote, want open", got.Status)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	c, _ := newTestCoordinator(t,
		store.Agent{ID: "a1", Role: "engineer"},
		store.Agent{ID: "a2", Role: "engineer"},
	)
	neg := startSession(t, c, "a1", "a2")

	// Mutating the returned snapshot must not touch the session.
	neg.Proposals[0].Status = "tampered"
	neg.ParticipantIDs[0] = "tampered"

	got, _ := c.Get(neg.ID)
	if got.Proposals[0].Status != ProposalPending {
		t.Error("snapshot mutation leaked into the session")
	}
	if got.ParticipantIDs[0] != "a1" {
		t.Error("participant mutation leaked into the session")
	}
}

func TestFormAndDisbandTeam(t *testing.T) {
	c, s := newTestCoordinator(t,
		store.Agent{ID: "lead", Role: "senior_engineer"},
		store.Agent{ID: "m1", Role: "engineer"},
		store.Agent{ID: "m2", Role: "qa"},
	)

	team, err := c.FormTeam("lead", []string{"m1", "m2"}, "incident response")
	if err != nil {
		t.Fatalf("form team: %v", err)
	}
	if team.Leader != "lead" || len(team.Members) != 3 {
		t.Errorf("unexpected team: %+v", team)
	}
	if team.Status != TeamActive {
		t.Errorf("status = %q, want active", team.Status)
	}

	comms, _ := s.RecentCommunications(10)
	notified := 0
	for _, comm := range comms {
		if comm.Metadata["team_id"] == team.ID {
			notified++
		}
	}
	if notified != 2 {
		t.Errorf("expected 2 member notifications, got %d", notified)
	}

	if err := c.DisbandTeam(team.ID); err != nil {
		t.Fatalf("disband: %v", err)
	}
	teams := c.Teams()
	if len(teams) != 1 || teams[0].Status != TeamDisbanded {
		t.Errorf("expected disbanded team, got %+v", teams)
	}

	// Disbanding twice is a no-op; unknown teams error.
	if err := c.DisbandTeam(team.ID); err != nil {
		t.Errorf("double disband: %v", err)
	}
	if err := c.DisbandTeam("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = c.FormTeam("lead", []string{"ghost"}, "doomed")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown member, got %v", err)
	}
}

func TestRequestHelpFiltersByCapability(t *testing.T) {
	c, s := newTestCoordinator(t,
		store.Agent{ID: "asker", Role: "engineer", Capabilities: []string{"debugging"}},
		store.Agent{ID: "helper", Role: "engineer", Capabilities: []string{"debugging", "profiling"}},
		store.Agent{ID: "unrelated", Role: "qa", Capabilities: []string{"testing"}},
	)

	recipients, err := c.RequestHelp("asker", []string{"debugging"}, "stuck on a deadlock")
	if err != nil {
		t.Fatalf("request help: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "helper" {
		t.Errorf("recipients = %v, want only helper", recipients)
	}

	comms, _ := s.RecentCommunications(10)
	if len(comms) != 1 || comms[0].Type != store.CommHelpRequest || comms[0].ToAgentID != "helper" {
		t.Errorf("expected one help request to helper, got %+v", comms)
	}

	// No capable agents: empty result, no error.
	none, err := c.RequestHelp("asker", []string{"quantum"}, "help")
	if err != nil {
		t.Fatalf("request help: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no recipients, got %v", none)
	}
}

func TestDelegateTask(t *testing.T) {
	c, s := newTestCoordinator(t,
		store.Agent{ID: "owner", Role: "engineer", Capabilities: []string{"implementation"}},
		store.Agent{ID: "expert", Role: "senior_engineer", Capabilities: []string{"profiling"}},
	)

	task := &store.Task{ID: "t1", Title: "slow query", Status: store.TaskActive, AssignedAgentID: "owner"}
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if err := s.AdjustAgentLoad("owner", 1); err != nil {
		t.Fatal(err)
	}

	chosen, err := c.DelegateTask("owner", "t1", []string{"profiling"}, "need a profile pass")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if chosen != "expert" {
		t.Fatalf("chosen = %q, want expert", chosen)
	}

	got, _ := s.GetTask("t1")
	if got.Status != store.TaskCollaborative || got.AssignedAgentID != "expert" {
		t.Errorf("task not delegated: %+v", got)
	}

	owner, _ := s.GetAgent("owner")
	expert, _ := s.GetAgent("expert")
	if owner.CurrentLoad != 0 || expert.CurrentLoad != 1 {
		t.Errorf("loads = %d/%d, want 0/1", owner.CurrentLoad, expert.CurrentLoad)
	}

	comms, _ := s.ListCommunicationsForTask("t1")
	if len(comms) != 1 || comms[0].Type != store.CommDelegation {
		t.Errorf("expected delegation communication, got %+v", comms)
	}
}

func TestDelegateTaskEdgeCases(t *testing.T) {
	c, s := newTestCoordinator(t,
		store.Agent{ID: "owner", Role: "engineer", Capabilities: []string{"implementation"}},
	)

	if _, err := c.DelegateTask("owner", "missing", []string{"x"}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.CreateTask(&store.Task{ID: "done", Title: "over", Status: store.TaskCompleted}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DelegateTask("owner", "done", []string{"x"}, ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for terminal task, got %v", err)
	}

	// No capable candidate: empty id, no error.
	if err := s.CreateTask(&store.Task{ID: "t1", Title: "open"}); err != nil {
		t.Fatal(err)
	}
	chosen, err := c.DelegateTask("owner", "t1", []string{"quantum"}, "")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if chosen != "" {
		t.Errorf("expected no delegate, got %q", chosen)
	}
}
