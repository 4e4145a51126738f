// Package notifier delivers acquisition outcome notifications. Delivery
// failures are the caller's to log; they never block the pipeline.
package notifier

// Event kinds the pipeline emits.
const (
	EventDownloadAvailable = "download_available"
	EventDownloadFailed    = "download_failed"
	EventRequestFulfilled  = "request_fulfilled"
)

// Event is one outbound notification.
type Event struct {
	Kind   string
	Title  string
	Author string
	Hash   string
	Reason string
}

type Notifier interface {
	Notify(event Event) error
}

// Noop swallows every event. Used when no webhook is configured.
type Noop struct{}

func (Noop) Notify(Event) error { return nil }
