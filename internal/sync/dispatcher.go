package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/edgepos/syncbox/internal/notify"
	"github.com/edgepos/syncbox/internal/queue"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDispatchInterval = time.Second
	defaultWorkers          = 4
	defaultClaimLimit       = 32
	workerPollInterval      = 50 * time.Millisecond

	// how long a claim may sit in processing before it is presumed
	// orphaned and released; must exceed the slowest expected apply
	defaultClaimLease = 5 * time.Minute
)

// Dispatcher repeatedly selects eligible pending operations and drives
// them through the conflict detector and entity domains. Entity-level
// exclusivity is enforced twice: an in-process set keeps this
// dispatcher's workers off the same entity, and the store's conditional
// claim makes concurrent dispatcher processes safe.
type Dispatcher struct {
	store    *Store
	detector *Detector
	domains  *DomainRegistry
	retries  *RetryController
	notifier notify.Notifier

	inflight mapset.Set[string]
	ready    *queue.PriorityQueue[*Operation]

	interval   time.Duration
	workers    int
	claimLimit int
	claimLease time.Duration

	group *errgroup.Group
}

func NewDispatcher(store *Store, domains *DomainRegistry, notifier notify.Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		detector:   NewDetector(domains),
		domains:    domains,
		retries:    NewRetryController(store),
		notifier:   notifier,
		inflight:   mapset.NewSet[string](),
		ready:      queue.NewPriorityQueue[*Operation](),
		interval:   defaultDispatchInterval,
		workers:    defaultWorkers,
		claimLimit: defaultClaimLimit,
		claimLease: defaultClaimLease,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type DispatcherOption func(*Dispatcher)

func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.interval = d
	}
}

func WithWorkers(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.workers = n
		}
	}
}

func WithClaimLease(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.claimLease = d
		}
	}
}

// Start launches the fill loop and worker pool. They stop when ctx is
// cancelled; Stop waits for in-flight work to drain.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("dispatcher start", "workers", d.workers, "interval", d.interval)

	d.group, ctx = errgroup.WithContext(ctx)

	d.group.Go(func() error {
		// timer, not ticker, so a slow fill pass never queues extra ticks
		timer := time.NewTimer(d.interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
				d.fill()
				timer.Reset(d.interval)
			}
		}
	})

	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			d.runWorker(ctx)
			return nil
		})
	}
}

// Stop waits for the fill loop and workers to exit.
func (d *Dispatcher) Stop() {
	if d.group != nil {
		d.group.Wait()
	}
	slog.Info("dispatcher stop")
}

// RunOnce performs a single fill-and-drain pass. Used by tests and by
// callers that want synchronous dispatch without the background loops.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	d.fill()
	for {
		op, ok := d.ready.Dequeue()
		if !ok {
			return
		}
		d.process(ctx, op)
	}
}

// fill moves eligible store rows into the ready queue, skipping entities
// this process is already working on. It first returns claims orphaned
// by a crashed or restarted worker, which would otherwise block their
// entity's queue forever.
func (d *Dispatcher) fill() {
	released, err := d.store.ReleaseStale(time.Now().Add(-d.claimLease))
	if err != nil {
		slog.Error("dispatcher release stale claims", "error", err)
	} else if released > 0 {
		slog.Warn("released orphaned claims for replay", "count", released, "lease", d.claimLease)
	}

	ops, err := d.store.NextEligible(d.claimLimit)
	if err != nil {
		slog.Error("dispatcher fill", "error", err)
		return
	}
	for _, op := range ops {
		if !d.inflight.Add(op.EntityKey()) {
			continue
		}
		d.ready.Enqueue(op, op.Priority.Rank())
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		op, ok := d.ready.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerPollInterval):
			}
			continue
		}
		d.process(ctx, op)
	}
}

// process claims one operation and runs it through detection and apply.
// Whatever the outcome, the entity key is released so the next eligible
// operation for that entity can be claimed.
func (d *Dispatcher) process(ctx context.Context, op *Operation) {
	defer d.inflight.Remove(op.EntityKey())

	claimed, err := d.store.Claim(op.ID, time.Now())
	if err != nil {
		slog.Error("dispatcher claim", "op", op.ID, "error", err)
		return
	}
	if !claimed {
		// another dispatcher won the row, or the entity is busy
		return
	}

	// A freshly resolved operation gets exactly one re-pass that applies
	// the settled data directly; re-running detection would flag the same
	// divergence again and ping-pong forever.
	resolvedRePass := op.Conflict.Resolution != "" && op.Conflict.Resolution != ResolutionManual

	if !resolvedRePass {
		detection, err := d.detector.Check(ctx, op)
		if err != nil {
			if ferr := d.retries.HandleFailure(op, err, time.Now()); ferr != nil {
				slog.Error("dispatcher record failure", "op", op.ID, "error", ferr)
			}
			return
		}
		if detection != nil {
			d.markConflict(ctx, op, detection.Type, detection.ServerData, detection.LocalData)
			return
		}
	}

	d.apply(ctx, op)
}

func (d *Dispatcher) apply(ctx context.Context, op *Operation) {
	domain, err := d.domains.Domain(op.Entity)
	if err != nil {
		if _, serr := d.store.MarkFailedPermanent(op.ID, "unknown_domain", err.Error(), time.Now()); serr != nil {
			slog.Error("dispatcher mark failed", "op", op.ID, "error", serr)
		}
		return
	}

	res, err := domain.Apply(ctx, op)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// shutdown mid-apply; leave the row processing. The claim lease
			// returns it to pending and the domain is idempotent per
			// operation ID, so the replay is safe.
			slog.Warn("apply cancelled", "op", op.ID)
			return
		}
		if cs, ok := AsConflictSignal(err); ok {
			ctype := cs.Type
			if ctype == "" {
				ctype = ConflictDataMismatch
			}
			d.markConflict(ctx, op, ctype, cs.ServerData, op.Data)
			return
		}
		if ferr := d.retries.HandleFailure(op, err, time.Now()); ferr != nil {
			slog.Error("dispatcher record failure", "op", op.ID, "error", ferr)
		}
		return
	}

	var applied Payload
	if res != nil {
		applied = res.Applied
	}
	if _, err := d.store.MarkCompleted(op.ID, applied, time.Now()); err != nil {
		slog.Error("dispatcher mark completed", "op", op.ID, "error", err)
		return
	}
	slog.Info("operation applied", "op", op.ID, "entity", op.EntityKey(), "type", op.Type)
}

func (d *Dispatcher) markConflict(ctx context.Context, op *Operation, ctype ConflictType, serverData, localData Payload) {
	ok, err := d.store.MarkConflict(op.ID, ctype, serverData, localData)
	if err != nil {
		slog.Error("dispatcher mark conflict", "op", op.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	if d.notifier != nil {
		ev := &notify.Event{
			Kind:        notify.KindConflict,
			OperationID: op.ID,
			PartnerID:   op.PartnerID,
			DeviceID:    op.DeviceID,
			EntityType:  string(op.Entity),
			EntityID:    op.EntityID,
			Priority:    string(op.Priority),
			Detail:      string(ctype),
		}
		if err := d.notifier.Notify(ctx, ev); err != nil {
			slog.Error("conflict notification", "op", op.ID, "error", err)
		}
	}
}
