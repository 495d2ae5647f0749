package sync

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/edgepos/syncbox/internal/db"
	"github.com/edgepos/syncbox/internal/notify"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewSqliteDb(
		db.WithPath(filepath.Join(t.TempDir(), "ops.db")),
		db.WithMaxOpenConns(1),
	)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return store
}

func pl(t *testing.T, fields map[string]any) Payload {
	t.Helper()
	p, err := MarshalPayload(fields)
	require.NoError(t, err)
	return p
}

func orderFields(orderID, status string) map[string]any {
	return map[string]any{"orderId": orderID, "status": status, "total": 42.5}
}

// newTestOp builds a valid pending order operation.
func newTestOp(t *testing.T, partner, entityID string) *Operation {
	t.Helper()
	return &Operation{
		ID:           uuid.NewString(),
		PartnerID:    partner,
		DeviceID:     "dev-1",
		Type:         OpUpdate,
		Entity:       EntityOrder,
		EntityID:     entityID,
		Data:         pl(t, orderFields(entityID, "done")),
		OriginalData: pl(t, orderFields(entityID, "open")),
		Status:       StatusPending,
		Priority:     PriorityNormal,
		Error:        ErrorRecord{MaxRetries: DefaultMaxRetries},
		CreatedAt:    time.Now(),
	}
}

func mustEnqueue(t *testing.T, store *Store, op *Operation) {
	t.Helper()
	require.NoError(t, store.Enqueue(op))
}

func mustClaim(t *testing.T, store *Store, id string) {
	t.Helper()
	ok, err := store.Claim(id, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

// fakeDomain is an in-memory entity domain with injectable failures.
// Apply deduplicates by operation ID, matching the cross-boundary
// idempotency contract.
type fakeDomain struct {
	mu         stdsync.Mutex
	state      map[string]Payload
	applied    map[string]int
	failWith   error
	failEntity string // when set, failWith only applies to this entity

	inflight    map[string]int
	maxInflight int
	applyDelay  time.Duration
}

func newFakeDomain() *fakeDomain {
	return &fakeDomain{
		state:    make(map[string]Payload),
		applied:  make(map[string]int),
		inflight: make(map[string]int),
	}
}

func (d *fakeDomain) seed(entityID string, p Payload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[entityID] = p
}

func (d *fakeDomain) Fetch(_ context.Context, entityID string) (Payload, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.state[entityID]
	if !ok {
		return nil, 0, nil
	}
	return p, 1, nil
}

func (d *fakeDomain) Apply(_ context.Context, op *Operation) (*ApplyResult, error) {
	d.mu.Lock()
	if d.failWith != nil && (d.failEntity == "" || d.failEntity == op.EntityID) {
		err := d.failWith
		d.mu.Unlock()
		return nil, err
	}
	if d.applied[op.ID] > 0 {
		// replay of a known operation: no duplicate mutation
		d.applied[op.ID]++
		res := &ApplyResult{Applied: d.state[op.EntityID], Version: 1}
		d.mu.Unlock()
		return res, nil
	}
	d.inflight[op.EntityID]++
	if d.inflight[op.EntityID] > d.maxInflight {
		d.maxInflight = d.inflight[op.EntityID]
	}
	delay := d.applyDelay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[op.EntityID]--
	d.applied[op.ID]++
	d.state[op.EntityID] = op.Data
	return &ApplyResult{Applied: op.Data, Version: 1}, nil
}

func (d *fakeDomain) applyCount(opID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied[opID]
}

func newTestRegistry(d *fakeDomain) *DomainRegistry {
	reg := NewDomainRegistry()
	for _, e := range []EntityType{EntityOrder, EntityInventory, EntityPayment, EntityCustomer, EntityProduct, EntitySettings} {
		reg.Register(e, d)
	}
	return reg
}

// fakeNotifier records events for assertions.
type fakeNotifier struct {
	mu     stdsync.Mutex
	events []*notify.Event
}

func (n *fakeNotifier) Notify(_ context.Context, ev *notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) byKind(kind string) []*notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*notify.Event
	for _, ev := range n.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func fieldsOf(t *testing.T, p Payload) map[string]any {
	t.Helper()
	f, err := p.Fields()
	require.NoError(t, err)
	return f
}
