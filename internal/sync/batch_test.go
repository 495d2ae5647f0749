package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCoordinator_AssignsContiguousSequence(t *testing.T) {
	store := newTestStore(t)
	coord := NewBatchCoordinator(store)

	const n = 5
	ops := make([]*Operation, 0, n)
	for i := 0; i < n; i++ {
		op := newTestOp(t, "partner-1", "order-1")
		op.ID = ""
		ops = append(ops, op)
	}

	batchID, err := coord.CreateBatch(ops)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	persisted, err := coord.Replay(batchID)
	require.NoError(t, err)
	require.Len(t, persisted, n)

	seen := make(map[int]bool, n)
	for i, op := range persisted {
		assert.Equal(t, batchID, op.Batch.BatchID)
		assert.Equal(t, n, op.Batch.BatchSize)
		assert.Equal(t, i+1, op.Batch.SequenceNumber, "replay is sequence-ordered")
		assert.True(t, op.Batch.IsBatchOperation())
		assert.False(t, seen[op.Batch.SequenceNumber], "sequence numbers are unique")
		seen[op.Batch.SequenceNumber] = true
	}
	// exactly 1..N, no gaps
	for seq := 1; seq <= n; seq++ {
		assert.True(t, seen[seq])
	}
}

func TestBatchCoordinator_EmptyBatch(t *testing.T) {
	store := newTestStore(t)
	coord := NewBatchCoordinator(store)

	_, err := coord.CreateBatch(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestBatchCoordinator_RejectsInvalidMember(t *testing.T) {
	store := newTestStore(t)
	coord := NewBatchCoordinator(store)

	good := newTestOp(t, "partner-1", "order-1")
	good.ID = ""
	bad := newTestOp(t, "partner-1", "order-2")
	bad.ID = ""
	bad.PartnerID = ""

	_, err := coord.CreateBatch([]*Operation{good, bad})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	// nothing persisted
	pending, err := store.FindPending("partner-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
