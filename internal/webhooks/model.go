package webhooks

import "time"

// Event types dispatched by the system.
const (
	EventRevisionAppended = "revision.appended"
	EventMismatchDetected = "verification.mismatch"
	EventIntegrityFailed  = "ledger.integrity_failed"
)

// Endpoint is a configured receiver of webhook events.
type Endpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"` // empty means all events
}

func (e Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to each endpoint.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}
