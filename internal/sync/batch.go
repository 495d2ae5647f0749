package sync

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// BatchCoordinator groups related operations into an ordered sequence
// sharing one batch ID. The whole set is persisted atomically; partial
// batches are never visible.
type BatchCoordinator struct {
	store *Store
}

func NewBatchCoordinator(store *Store) *BatchCoordinator {
	return &BatchCoordinator{store: store}
}

// CreateBatch assigns a shared batch ID and sequence numbers 1..N to the
// given operations, then persists them in a single transaction. Returns
// the batch ID.
func (c *BatchCoordinator) CreateBatch(ops []*Operation) (string, error) {
	if len(ops) == 0 {
		return "", ErrEmptyBatch
	}

	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return "", err
		}
	}

	batchID := uuid.NewString()
	now := time.Now()
	for i, op := range ops {
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if op.Priority == "" {
			op.Priority = PriorityNormal
		}
		if op.Error.MaxRetries == 0 {
			op.Error.MaxRetries = DefaultMaxRetries
		}
		op.Status = StatusPending
		op.Batch = BatchRecord{
			BatchID:        batchID,
			SequenceNumber: i + 1,
			BatchSize:      len(ops),
		}
		if op.CreatedAt.IsZero() {
			op.CreatedAt = now
		}
	}

	if err := c.store.EnqueueAll(ops); err != nil {
		return "", err
	}

	slog.Info("batch created", "batch", batchID, "size", len(ops))
	return batchID, nil
}

// Replay returns the batch's operations in sequence order.
func (c *BatchCoordinator) Replay(batchID string) ([]*Operation, error) {
	return c.store.FindByBatch(batchID)
}
