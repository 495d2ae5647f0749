// Package notify delivers overdue and conflict alerts to an external
// collaborator. The sync engine only knows the Notifier interface; the
// daemon picks a backend at startup.
package notify

import (
	"context"
	"time"
)

// Kind of alert event.
const (
	KindOverdue  = "overdue"
	KindConflict = "conflict"
)

// Event describes one alert about a sync operation.
type Event struct {
	Kind        string
	OperationID string
	PartnerID   string
	DeviceID    string
	EntityType  string
	EntityID    string
	Priority    string
	Age         time.Duration
	Detail      string
}

// Notifier receives alert events. Implementations must not block the
// caller for long; the engine fires events from background sweeps and
// the dispatch path.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}
