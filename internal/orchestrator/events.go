package orchestrator

import "github.com/tvasilis/pipeliner/internal/natsbus"

// publishEvent fires a best-effort broadcast event. A nil client (tests,
// bus disabled) makes it a no-op.
func publishEvent(client *natsbus.Client, topic, eventType string, payload any) {
	if client == nil {
		return
	}
	client.PublishEvent(topic, eventType, payload)
}
