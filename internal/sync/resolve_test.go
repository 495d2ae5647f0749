package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictedOp(t *testing.T, local, server Payload) *Operation {
	t.Helper()
	op := newTestOp(t, "partner-1", "order-1")
	op.Status = StatusConflict
	op.Conflict = ConflictRecord{
		HasConflict: true,
		Type:        ConflictDataMismatch,
		LocalData:   local,
		ServerData:  server,
	}
	return op
}

func TestResolver_LocalWins(t *testing.T) {
	local := pl(t, orderFields("order-1", "done"))
	server := pl(t, orderFields("order-1", "shipped"))
	r := NewResolver(NewDomainRegistry())

	effective, err := r.Resolve(conflictedOp(t, local, server), ResolutionLocalWins)
	require.NoError(t, err)
	assert.Equal(t, fieldsOf(t, local), fieldsOf(t, effective))
}

func TestResolver_ServerWins(t *testing.T) {
	local := pl(t, orderFields("order-1", "done"))
	server := pl(t, orderFields("order-1", "shipped"))
	r := NewResolver(NewDomainRegistry())

	effective, err := r.Resolve(conflictedOp(t, local, server), ResolutionServerWins)
	require.NoError(t, err)
	assert.Equal(t, fieldsOf(t, server), fieldsOf(t, effective))
}

func TestResolver_MergeServerWinsOnCollision(t *testing.T) {
	local := pl(t, map[string]any{"a": "local", "onlyLocal": 1})
	server := pl(t, map[string]any{"a": "server", "onlyServer": 2})
	r := NewResolver(NewDomainRegistry())

	effective, err := r.Resolve(conflictedOp(t, local, server), ResolutionMerge)
	require.NoError(t, err)

	fields := fieldsOf(t, effective)
	assert.Equal(t, "server", fields["a"])
	assert.Equal(t, float64(1), fields["onlyLocal"])
	assert.Equal(t, float64(2), fields["onlyServer"])
}

func TestResolver_CustomMergeFunc(t *testing.T) {
	reg := NewDomainRegistry()
	reg.RegisterMerge(EntityOrder, func(local, server Payload) (Payload, error) {
		return local, nil // domain prefers the device snapshot wholesale
	})
	r := NewResolver(reg)

	local := pl(t, map[string]any{"a": "local"})
	server := pl(t, map[string]any{"a": "server"})
	effective, err := r.Resolve(conflictedOp(t, local, server), ResolutionMerge)
	require.NoError(t, err)
	assert.Equal(t, fieldsOf(t, local), fieldsOf(t, effective))
}

func TestResolver_ManualHolds(t *testing.T) {
	r := NewResolver(NewDomainRegistry())
	op := conflictedOp(t, pl(t, map[string]any{"a": 1}), pl(t, map[string]any{"a": 2}))

	_, err := r.Resolve(op, ResolutionManual)
	assert.ErrorIs(t, err, ErrManualHold)
}

func TestResolver_RequiresConflictState(t *testing.T) {
	r := NewResolver(NewDomainRegistry())
	op := newTestOp(t, "partner-1", "order-1") // pending, no conflict

	_, err := r.Resolve(op, ResolutionLocalWins)
	assert.ErrorIs(t, err, ErrNotInConflict)
}

func TestResolver_UnknownStrategy(t *testing.T) {
	r := NewResolver(NewDomainRegistry())
	op := conflictedOp(t, pl(t, map[string]any{"a": 1}), pl(t, map[string]any{"a": 2}))

	_, err := r.Resolve(op, Resolution("coin_flip"))
	assert.True(t, IsValidation(err))
}
