package negotiation

import "time"

// Negotiation statuses. open is the only non-terminal state.
const (
	StatusOpen   = "open"
	StatusAgreed = "agreed"
	StatusFailed = "failed"
)

// Proposal statuses. A proposal leaves pending exactly once.
const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Vote decisions.
const (
	DecisionAccept  = "accept"
	DecisionReject  = "reject"
	DecisionAbstain = "abstain"
)

// Team statuses.
const (
	TeamActive    = "active"
	TeamDisbanded = "disbanded"
)

type Vote struct {
	AgentID   string    `json:"agent_id"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

type Proposal struct {
	ID      string            `json:"id"`
	Content string            `json:"content"`
	Terms   map[string]string `json:"terms,omitempty"`
	Votes   []Vote            `json:"votes"`
	Status  string            `json:"status"`
}

// ProposalInput is the caller-supplied shape for a new proposal.
type ProposalInput struct {
	Content string            `json:"content"`
	Terms   map[string]string `json:"terms,omitempty"`
}

// Negotiation is a multi-party consensus session. Sessions live in process
// memory only: they are coordination scaffolding, with every externally
// meaningful transition mirrored to the communications log.
type Negotiation struct {
	ID             string      `json:"id"`
	Topic          string      `json:"topic"`
	InitiatorID    string      `json:"initiator_id"`
	ParticipantIDs []string    `json:"participant_ids"`
	Proposals      []*Proposal `json:"proposals"`
	Status         string      `json:"status"`
	Deadline       time.Time   `json:"deadline"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Team struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	Leader    string    `json:"leader"`
	Purpose   string    `json:"purpose"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
