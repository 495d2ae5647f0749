package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOverdue_SLAWindows(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		priority Priority
		age      time.Duration
		status   OpStatus
		want     bool
	}{
		{"critical inside window", PriorityCritical, 4 * time.Minute, StatusPending, false},
		{"critical past window", PriorityCritical, 6 * time.Minute, StatusPending, true},
		{"high inside window", PriorityHigh, 14 * time.Minute, StatusPending, false},
		{"high past window", PriorityHigh, 16 * time.Minute, StatusPending, true},
		{"normal past window", PriorityNormal, 31 * time.Minute, StatusPending, true},
		{"low inside window", PriorityLow, 29 * time.Minute, StatusPending, false},
		{"processing never overdue", PriorityCritical, time.Hour, StatusProcessing, false},
		{"completed never overdue", PriorityCritical, time.Hour, StatusCompleted, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := &Operation{
				Status:    tc.status,
				Priority:  tc.priority,
				CreatedAt: now.Add(-tc.age),
			}
			assert.Equal(t, tc.want, IsOverdue(op, now))
		})
	}
}

func TestIsOverdue_MonotonicWhilePending(t *testing.T) {
	op := &Operation{
		Status:    StatusPending,
		Priority:  PriorityCritical,
		CreatedAt: time.Now().Add(-6 * time.Minute),
	}

	now := time.Now()
	require.True(t, IsOverdue(op, now))
	assert.True(t, IsOverdue(op, now.Add(time.Hour)), "stays overdue as time advances")
}

func TestStalenessMonitor_AlertsOncePerEpisode(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	m := NewStalenessMonitor(store, notifier)

	op := newTestOp(t, "partner-1", "order-1")
	op.Priority = PriorityCritical
	op.CreatedAt = time.Now().Add(-10 * time.Minute)
	mustEnqueue(t, store, op)

	require.NoError(t, m.Sweep(context.Background()))
	require.NoError(t, m.Sweep(context.Background()))

	events := notifier.byKind("overdue")
	require.Len(t, events, 1, "repeat sweeps must not re-alert the same episode")
	assert.Equal(t, op.ID, events[0].OperationID)
	assert.Equal(t, "critical", events[0].Priority)
	assert.Greater(t, events[0].Age, 5*time.Minute)
}

func TestStalenessMonitor_NewEpisodeAlertsAgain(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	m := NewStalenessMonitor(store, notifier)

	op := newTestOp(t, "partner-1", "order-1")
	op.Priority = PriorityCritical
	op.CreatedAt = time.Now().Add(-10 * time.Minute)
	mustEnqueue(t, store, op)

	require.NoError(t, m.Sweep(context.Background()))

	// operation leaves pending, fails, and returns as a fresh episode
	mustClaim(t, store, op.ID)
	_, err := store.MarkFailed(op.ID, "net", "down", time.Now())
	require.NoError(t, err)
	require.NoError(t, m.Sweep(context.Background()))

	ok, err := store.Retry(op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Sweep(context.Background()))

	assert.Len(t, notifier.byKind("overdue"), 2)
}

func TestStalenessMonitor_IgnoresOperationsInsideSLA(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	m := NewStalenessMonitor(store, notifier)

	op := newTestOp(t, "partner-1", "order-1")
	op.CreatedAt = time.Now().Add(-time.Minute)
	mustEnqueue(t, store, op)

	require.NoError(t, m.Sweep(context.Background()))
	assert.Empty(t, notifier.byKind("overdue"))
}
