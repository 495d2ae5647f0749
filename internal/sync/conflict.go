package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// Detection is a conflict found by comparing a submitted operation's
// believed prior state against current authoritative state.
type Detection struct {
	Type       ConflictType
	ServerData Payload
	LocalData  Payload
}

// Detector compares a claimed operation's original data with the owning
// domain's current state. Comparison policy is configurable per entity
// type through the registry.
type Detector struct {
	domains *DomainRegistry
}

func NewDetector(domains *DomainRegistry) *Detector {
	return &Detector{domains: domains}
}

// Check fetches authoritative state and reports a detection when the
// device's belief has diverged from it. A nil detection means the
// operation may apply directly.
func (d *Detector) Check(ctx context.Context, op *Operation) (*Detection, error) {
	domain, err := d.domains.Domain(op.Entity)
	if err != nil {
		return nil, err
	}

	server, _, err := domain.Fetch(ctx, op.EntityID)
	if err != nil {
		return nil, fmt.Errorf("fetch authoritative state for %s: %w", op.EntityKey(), err)
	}

	cmp := d.domains.Comparator(op.Entity)
	diverged, err := cmp(op.OriginalData, server)
	if err != nil {
		return nil, fmt.Errorf("compare state for %s: %w", op.EntityKey(), err)
	}
	if !diverged {
		return nil, nil
	}

	slog.Warn("conflict detected", "op", op.ID, "entity", op.EntityKey(), "type", ConflictDataMismatch)
	return &Detection{
		Type:       ConflictDataMismatch,
		ServerData: server,
		LocalData:  op.Data,
	}, nil
}
