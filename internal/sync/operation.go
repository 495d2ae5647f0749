package sync

import (
	"fmt"
	"time"
)

// OpType is the kind of mutation a device wants applied.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpSync   OpType = "sync"
)

func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpSync:
		return true
	}
	return false
}

// EntityType identifies the domain that owns the target object.
// The queue treats the target itself as opaque.
type EntityType string

const (
	EntityOrder     EntityType = "order"
	EntityInventory EntityType = "inventory"
	EntityPayment   EntityType = "payment"
	EntityCustomer  EntityType = "customer"
	EntityProduct   EntityType = "product"
	EntitySettings  EntityType = "settings"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityOrder, EntityInventory, EntityPayment, EntityCustomer, EntityProduct, EntitySettings:
		return true
	}
	return false
}

// OpStatus is the lifecycle state of an operation.
type OpStatus string

const (
	StatusPending    OpStatus = "pending"
	StatusProcessing OpStatus = "processing"
	StatusCompleted  OpStatus = "completed"
	StatusFailed     OpStatus = "failed"
	StatusConflict   OpStatus = "conflict"
	StatusCancelled  OpStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OpStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority drives dispatch order and the staleness SLA.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank maps priority to queue ordering. Lower rank dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// SLA returns the maximum time an operation of this priority may stay
// pending before it is flagged overdue.
func (p Priority) SLA() time.Duration {
	switch p {
	case PriorityCritical:
		return 5 * time.Minute
	case PriorityHigh:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// Resolution is the declared strategy for settling a conflict.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerge      Resolution = "merge"
	ResolutionManual     Resolution = "manual"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLocalWins, ResolutionServerWins, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// ConflictType classifies why the detector flagged an operation.
type ConflictType string

const (
	ConflictDataMismatch    ConflictType = "data_mismatch"
	ConflictVersionMismatch ConflictType = "version_mismatch"
)

// DefaultMaxRetries bounds automatic re-attempts of transient failures.
const DefaultMaxRetries = 3

// ConflictRecord holds both sides of a detected conflict and how it was settled.
type ConflictRecord struct {
	HasConflict bool
	Type        ConflictType
	ServerData  Payload
	LocalData   Payload
	Resolution  Resolution
	ResolvedBy  string
	ResolvedAt  *time.Time
}

// ErrorRecord tracks the last failure and the retry budget.
type ErrorRecord struct {
	Code        string
	Message     string
	RetryCount  int
	MaxRetries  int
	LastRetryAt *time.Time
}

// CanRetry reports whether the retry budget allows another attempt.
func (e ErrorRecord) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// BatchRecord places an operation inside an ordered batch.
type BatchRecord struct {
	BatchID        string
	SequenceNumber int
	BatchSize      int
}

// IsBatchOperation reports whether the operation belongs to a batch.
func (b BatchRecord) IsBatchOperation() bool {
	return b.BatchID != ""
}

// Operation is one enqueued mutation intent originating from a device,
// targeting one entity. It is never physically deleted; completed and
// cancelled rows are retained for audit and replay detection.
type Operation struct {
	ID        string
	PartnerID string
	DeviceID  string

	Type     OpType
	Entity   EntityType
	EntityID string

	// Data is the proposed new state; OriginalData is the device's belief
	// of the prior state, used for conflict comparison.
	Data         Payload
	OriginalData Payload

	Status   OpStatus
	Priority Priority

	Conflict ConflictRecord
	Error    ErrorRecord
	Batch    BatchRecord

	CreatedAt   time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
}

// EntityKey is the exclusivity key: at most one operation may be
// processing per key at any instant.
func (o *Operation) EntityKey() string {
	return fmt.Sprintf("%s/%s/%s", o.PartnerID, o.Entity, o.EntityID)
}

// Validate checks the operation shape before it is ever persisted.
func (o *Operation) Validate() error {
	if o.PartnerID == "" {
		return &ValidationError{Field: "partnerId", Reason: "required"}
	}
	if o.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "required"}
	}
	if !o.Type.Valid() {
		return &ValidationError{Field: "operationType", Reason: fmt.Sprintf("unknown type %q", o.Type)}
	}
	if !o.Entity.Valid() {
		return &ValidationError{Field: "entityType", Reason: fmt.Sprintf("unknown entity %q", o.Entity)}
	}
	if o.EntityID == "" {
		return &ValidationError{Field: "entityId", Reason: "required"}
	}
	if o.Priority != "" && !o.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", o.Priority)}
	}
	if o.Type != OpDelete {
		if err := ValidatePayload(o.Entity, o.Data); err != nil {
			return err
		}
	}
	return nil
}
