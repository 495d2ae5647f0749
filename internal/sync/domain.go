package sync

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// ApplyResult is the outcome of a successful domain apply.
type ApplyResult struct {
	Applied Payload
	Version int64
}

// EntityDomain is the single capability the queue consumes per entity
// type. Fetch returns the current authoritative state (nil payload when
// the entity does not exist yet); Apply commits an operation's data.
//
// Apply must be idempotent per operation ID: a worker can crash between
// "apply succeeded" and "mark completed", so a replayed apply of the same
// ID must not produce a duplicate mutation. Apply may return a
// ConflictSignal when it races with newer authoritative state; the queue
// routes that to the resolver exactly like a detector hit.
type EntityDomain interface {
	Fetch(ctx context.Context, entityID string) (Payload, int64, error)
	Apply(ctx context.Context, op *Operation) (*ApplyResult, error)
}

// Comparator decides whether a device's believed prior state diverges
// from the current authoritative state.
type Comparator func(original, server Payload) (bool, error)

// MergeFunc combines both sides of a conflict into an effective payload.
type MergeFunc func(local, server Payload) (Payload, error)

// DomainRegistry maps entity types to their owning domain and optional
// per-entity conflict policy (comparator, merge function).
type DomainRegistry struct {
	mu          sync.RWMutex
	domains     map[EntityType]EntityDomain
	comparators map[EntityType]Comparator
	merges      map[EntityType]MergeFunc
}

func NewDomainRegistry() *DomainRegistry {
	return &DomainRegistry{
		domains:     make(map[EntityType]EntityDomain),
		comparators: make(map[EntityType]Comparator),
		merges:      make(map[EntityType]MergeFunc),
	}
}

// Register binds an entity type to its owning domain.
func (r *DomainRegistry) Register(entity EntityType, domain EntityDomain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[entity] = domain
}

// RegisterComparator overrides the conflict comparator for an entity type.
func (r *DomainRegistry) RegisterComparator(entity EntityType, cmp Comparator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comparators[entity] = cmp
}

// RegisterMerge installs a custom merge strategy for an entity type.
func (r *DomainRegistry) RegisterMerge(entity EntityType, merge MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[entity] = merge
}

// Domain returns the owning domain for an entity type.
func (r *DomainRegistry) Domain(entity EntityType) (EntityDomain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, entity)
	}
	return d, nil
}

// Comparator returns the entity comparator, or the generic field diff.
func (r *DomainRegistry) Comparator(entity EntityType) Comparator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmp, ok := r.comparators[entity]; ok {
		return cmp
	}
	return FieldDiffComparator
}

// Merge returns the entity merge function, or the generic shallow merge.
func (r *DomainRegistry) Merge(entity EntityType) MergeFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.merges[entity]; ok {
		return m
	}
	return ShallowMerge
}

// FieldDiffComparator flags divergence when the decoded field maps differ.
// A missing server state only diverges when the device believed one existed.
func FieldDiffComparator(original, server Payload) (bool, error) {
	if original.IsZero() {
		// device had no prior belief, nothing to contradict
		return false, nil
	}
	if server.IsZero() {
		return true, nil
	}
	of, err := original.Fields()
	if err != nil {
		return false, err
	}
	sf, err := server.Fields()
	if err != nil {
		return false, err
	}
	return !reflect.DeepEqual(of, sf), nil
}

// VersionComparator compares a single numeric "version" field.
func VersionComparator(original, server Payload) (bool, error) {
	return fieldComparator("version")(original, server)
}

// TimestampComparator compares a single "updatedAt" field.
func TimestampComparator(original, server Payload) (bool, error) {
	return fieldComparator("updatedAt")(original, server)
}

func fieldComparator(field string) Comparator {
	return func(original, server Payload) (bool, error) {
		if original.IsZero() {
			return false, nil
		}
		if server.IsZero() {
			return true, nil
		}
		of, err := original.Fields()
		if err != nil {
			return false, err
		}
		sf, err := server.Fields()
		if err != nil {
			return false, err
		}
		return !reflect.DeepEqual(of[field], sf[field]), nil
	}
}

// ShallowMerge is the generic merge strategy: field-level union of both
// sides, server value wins on key collision. It carries no per-entity
// semantics; domains with stronger requirements register their own.
func ShallowMerge(local, server Payload) (Payload, error) {
	lf, err := local.Fields()
	if err != nil {
		return nil, err
	}
	sf, err := server.Fields()
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(lf)+len(sf))
	for k, v := range lf {
		merged[k] = v
	}
	for k, v := range sf {
		merged[k] = v
	}
	return MarshalPayload(merged)
}
