package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicAgentReason is the request/reply subject a reasoner worker serves
// for one agent.
func TopicAgentReason(agentID string) string {
	return fmt.Sprintf("agent.%s.reason", agentID)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsNegotiation(negotiationID string) string {
	return fmt.Sprintf("events.negotiation.%s", negotiationID)
}

const (
	TopicEventsAll          = "events.>"
	TopicEventsTasks        = "events.task.*"
	TopicEventsAgents       = "events.agent.*"
	TopicEventsGovernor     = "events.governor.audit"
	TopicEventsNegotiations = "events.negotiation.*"
)
