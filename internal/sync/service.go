package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgepos/syncbox/internal/device"
	"github.com/edgepos/syncbox/internal/notify"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx"
)

const (
	completedCacheSize = 4096
	completedCacheTTL  = time.Hour
)

// Service is the engine facade exposed to callers: enqueue, batches,
// status, stats, conflict resolution, retry and cancel, plus lifecycle
// for the background dispatcher and staleness monitor.
type Service struct {
	cfg      Config
	store    *Store
	domains  *DomainRegistry
	devices  device.Registry
	notifier notify.Notifier

	batches    *BatchCoordinator
	resolver   *Resolver
	retries    *RetryController
	dispatcher *Dispatcher
	monitor    *StalenessMonitor

	// terminal operation IDs recently seen, so duplicate submissions are
	// rejected without a store round-trip on the hot path
	seen *expirable.LRU[string, struct{}]
}

func NewService(db *sqlx.DB, domains *DomainRegistry, devices device.Registry, notifier notify.Notifier, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	if devices == nil {
		devices = device.AllowAll{}
	}
	if notifier == nil {
		notifier = notify.NewSlogNotifier()
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		domains:  domains,
		devices:  devices,
		notifier: notifier,
		batches:  NewBatchCoordinator(store),
		resolver: NewResolver(domains),
		retries:  NewRetryController(store),
		dispatcher: NewDispatcher(store, domains, notifier,
			WithWorkers(cfg.Workers),
			WithDispatchInterval(cfg.DispatchInterval)),
		monitor: NewStalenessMonitor(store, notifier,
			WithSweepInterval(cfg.SweepInterval)),
		seen: expirable.NewLRU[string, struct{}](completedCacheSize, nil, completedCacheTTL),
	}, nil
}

// Store exposes the operation store for read-side tooling.
func (s *Service) Store() *Store {
	return s.store
}

// Start launches the dispatcher and the staleness monitor.
func (s *Service) Start(ctx context.Context) {
	slog.Info("sync service start", "config", s.cfg)
	s.dispatcher.Start(ctx)
	s.monitor.Start(ctx)
}

// Stop waits for background loops to drain, then closes the store.
func (s *Service) Stop() error {
	s.dispatcher.Stop()
	s.monitor.Stop()
	slog.Info("sync service stop")
	return s.store.Close()
}

// Enqueue validates and persists one device-originated operation.
// Re-submitting an already known operation ID is rejected, which keeps
// replays from producing duplicate mutations downstream.
func (s *Service) Enqueue(ctx context.Context, op *Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if err := s.devices.Validate(ctx, op.PartnerID, op.DeviceID); err != nil {
		return &ValidationError{Field: "deviceId", Reason: err.Error()}
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	} else {
		if _, dup := s.seen.Get(op.ID); dup {
			return ErrDuplicateOp
		}
		exists, err := s.store.Exists(op.ID)
		if err != nil {
			return err
		}
		if exists {
			s.seen.Add(op.ID, struct{}{})
			return ErrDuplicateOp
		}
	}

	if op.Priority == "" {
		op.Priority = PriorityNormal
	}
	if op.Error.MaxRetries == 0 {
		op.Error.MaxRetries = DefaultMaxRetries
	}
	op.Status = StatusPending
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	if err := s.store.Enqueue(op); err != nil {
		return err
	}
	s.seen.Add(op.ID, struct{}{})
	return nil
}

// CreateBatch validates devices and persists an ordered batch atomically.
func (s *Service) CreateBatch(ctx context.Context, ops []*Operation) (string, error) {
	for _, op := range ops {
		if err := s.devices.Validate(ctx, op.PartnerID, op.DeviceID); err != nil {
			return "", &ValidationError{Field: "deviceId", Reason: err.Error()}
		}
	}
	return s.batches.CreateBatch(ops)
}

// GetStatus returns the full operation record.
func (s *Service) GetStatus(operationID string) (*Operation, error) {
	return s.store.Get(operationID)
}

// GetSyncStats returns a partner's counts by status and priority plus
// the overdue count.
func (s *Service) GetSyncStats(partnerID string) (*Stats, error) {
	return s.store.Stats(partnerID, time.Now())
}

// FindConflicts returns a partner's unresolved conflicts.
func (s *Service) FindConflicts(partnerID string) ([]*Operation, error) {
	return s.store.FindConflicts(partnerID)
}

// FindByBatch returns a batch in sequence order.
func (s *Service) FindByBatch(batchID string) ([]*Operation, error) {
	return s.batches.Replay(batchID)
}

// ResolveConflict settles a conflicted operation with the given strategy.
// Non-manual strategies rewrite the effective data and return the
// operation to pending for exactly one more dispatcher pass; manual
// records the hold and leaves it in conflict.
func (s *Service) ResolveConflict(operationID string, resolution Resolution, resolvedBy string) error {
	op, err := s.store.Get(operationID)
	if err != nil {
		return err
	}

	effective, err := s.resolver.Resolve(op, resolution)
	if err != nil && !errors.Is(err, ErrManualHold) {
		return err
	}

	ok, serr := s.store.MarkResolved(operationID, resolution, resolvedBy, effective, time.Now())
	if serr != nil {
		return serr
	}
	if !ok {
		return ErrNotInConflict
	}

	slog.Info("conflict resolved", "op", operationID, "resolution", resolution, "by", resolvedBy)
	return nil
}

// Retry re-enqueues a failed operation within its retry budget.
func (s *Service) Retry(operationID string) error {
	return s.retries.Retry(operationID)
}

// ResetRetries is the manual intervention that re-opens an exhausted
// retry budget.
func (s *Service) ResetRetries(operationID string) error {
	return s.retries.Reset(operationID)
}

// Cancel terminally cancels an operation that has not completed.
// Cancelling a terminal operation is an error.
func (s *Service) Cancel(operationID, reason string) error {
	op, err := s.store.Get(operationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	ok, err := s.store.Cancel(operationID, reason, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyTerminal
	}
	slog.Info("operation cancelled", "op", operationID, "reason", reason)
	return nil
}
