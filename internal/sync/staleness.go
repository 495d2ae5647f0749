package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/edgepos/syncbox/internal/notify"
)

const defaultSweepInterval = time.Minute

// IsOverdue reports whether a still-pending operation has waited longer
// than its priority's SLA window. Monotonic: once true for a pending
// operation it stays true until the status changes.
func IsOverdue(op *Operation, now time.Time) bool {
	if op.Status != StatusPending {
		return false
	}
	return now.Sub(op.CreatedAt) > op.Priority.SLA()
}

// StalenessMonitor is a background, non-blocking sweep that flags pending
// operations past their SLA and feeds the notification collaborator. It
// never mutates operation state. Each operation is alerted once per
// overdue episode.
type StalenessMonitor struct {
	store    *Store
	notifier notify.Notifier
	interval time.Duration

	notified mapset.Set[string]
	wg       stdsync.WaitGroup
}

func NewStalenessMonitor(store *Store, notifier notify.Notifier, opts ...MonitorOption) *StalenessMonitor {
	m := &StalenessMonitor{
		store:    store,
		notifier: notifier,
		interval: defaultSweepInterval,
		notified: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type MonitorOption func(*StalenessMonitor)

func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *StalenessMonitor) {
		m.interval = d
	}
}

// Start launches the periodic sweep; it stops when ctx is cancelled.
func (m *StalenessMonitor) Start(ctx context.Context) {
	slog.Info("staleness monitor start", "interval", m.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(m.interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if err := m.Sweep(ctx); err != nil {
					slog.Error("staleness sweep", "error", err)
				}
				timer.Reset(m.interval)
			}
		}
	}()
}

// Stop waits for the sweep loop to exit.
func (m *StalenessMonitor) Stop() {
	m.wg.Wait()
	slog.Info("staleness monitor stop")
}

// Sweep finds overdue pending operations and alerts for any not already
// reported in this overdue episode.
func (m *StalenessMonitor) Sweep(ctx context.Context) error {
	now := time.Now()
	overdue, err := m.store.Overdue(now)
	if err != nil {
		return err
	}

	current := mapset.NewSet[string]()
	for _, op := range overdue {
		current.Add(op.ID)
		if !m.notified.Add(op.ID) {
			continue // already alerted this episode
		}

		age := now.Sub(op.CreatedAt)
		slog.Warn("operation overdue",
			"op", op.ID,
			"entity", op.EntityKey(),
			"priority", op.Priority,
			"age", humanize.RelTime(op.CreatedAt, now, "", ""),
			"sla", op.Priority.SLA(),
		)

		if m.notifier == nil {
			continue
		}
		ev := &notify.Event{
			Kind:        notify.KindOverdue,
			OperationID: op.ID,
			PartnerID:   op.PartnerID,
			DeviceID:    op.DeviceID,
			EntityType:  string(op.Entity),
			EntityID:    op.EntityID,
			Priority:    string(op.Priority),
			Age:         age,
		}
		if err := m.notifier.Notify(ctx, ev); err != nil {
			slog.Error("overdue notification", "op", op.ID, "error", err)
		}
	}

	// operations that left pending (or were never overdue this pass)
	// become eligible for a fresh alert on their next episode
	m.notified = current

	return nil
}
