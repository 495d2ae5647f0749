package notify

import (
	"context"
	"log/slog"
)

// SlogNotifier writes alerts to the structured log. It is the default
// backend and the fallback when email delivery is disabled.
type SlogNotifier struct{}

func NewSlogNotifier() *SlogNotifier {
	return &SlogNotifier{}
}

func (n *SlogNotifier) Notify(_ context.Context, ev *Event) error {
	slog.Warn("sync alert",
		"kind", ev.Kind,
		"op", ev.OperationID,
		"partner", ev.PartnerID,
		"device", ev.DeviceID,
		"entity", ev.EntityType+"/"+ev.EntityID,
		"priority", ev.Priority,
		"age", ev.Age,
		"detail", ev.Detail,
	)
	return nil
}
