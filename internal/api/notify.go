package api

import "context"

// Notifier receives ledger events for delivery to external subscribers.
// *webhooks.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Event types passed to a Notifier.
const (
	eventRevisionAppended = "revision.appended"
	eventMismatchDetected = "verification.mismatch"
)
