package sync

import (
	"fmt"
)

// Resolver turns a detected conflict into a concrete next action by
// applying the declared resolution strategy.
type Resolver struct {
	domains *DomainRegistry
}

func NewResolver(domains *DomainRegistry) *Resolver {
	return &Resolver{domains: domains}
}

// Resolve computes the effective payload for a conflicted operation.
//
//   - local_wins:  adopt the device snapshot
//   - server_wins: adopt the server snapshot
//   - merge:       entity merge function (shallow union, server wins on
//     collision, unless the domain registered its own)
//   - manual:      no automatic progression; returns ErrManualHold
func (r *Resolver) Resolve(op *Operation, resolution Resolution) (Payload, error) {
	if op.Status != StatusConflict || !op.Conflict.HasConflict {
		return nil, ErrNotInConflict
	}

	switch resolution {
	case ResolutionLocalWins:
		return op.Conflict.LocalData, nil
	case ResolutionServerWins:
		return op.Conflict.ServerData, nil
	case ResolutionMerge:
		merge := r.domains.Merge(op.Entity)
		merged, err := merge(op.Conflict.LocalData, op.Conflict.ServerData)
		if err != nil {
			return nil, fmt.Errorf("merge %s: %w", op.EntityKey(), err)
		}
		return merged, nil
	case ResolutionManual:
		return nil, ErrManualHold
	default:
		return nil, &ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown strategy %q", resolution)}
	}
}
