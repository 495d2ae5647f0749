package sync

import (
	"log/slog"
	"time"
)

// RetryController governs bounded re-attempts of failed operations.
// A failure increments the retry count exactly once, in HandleFailure;
// Retry only flips the status back to pending and never double-counts
// the same attempt.
type RetryController struct {
	store *Store
}

func NewRetryController(store *Store) *RetryController {
	return &RetryController{store: store}
}

// HandleFailure records an application failure for a processing
// operation. Permanent failures exhaust the budget immediately;
// transient ones consume one attempt.
func (r *RetryController) HandleFailure(op *Operation, err error, now time.Time) error {
	code := errorCode(err)

	if IsPermanent(err) {
		ok, serr := r.store.MarkFailedPermanent(op.ID, code, err.Error(), now)
		if serr != nil {
			return serr
		}
		if ok {
			slog.Error("operation failed permanently", "op", op.ID, "entity", op.EntityKey(), "code", code)
		}
		return nil
	}

	if !IsTransient(err) {
		// unclassified error: consumed from the budget like a transient,
		// but worth flagging so the domain gets taught to classify it
		slog.Warn("unclassified apply error treated as transient", "op", op.ID, "error", err)
	}

	ok, serr := r.store.MarkFailed(op.ID, code, err.Error(), now)
	if serr != nil {
		return serr
	}
	if !ok {
		// budget already spent (maxRetries=0 rows); terminal-fail instead
		if _, serr := r.store.MarkFailedPermanent(op.ID, code, err.Error(), now); serr != nil {
			return serr
		}
		slog.Error("operation failed with no retry budget", "op", op.ID, "code", code)
		return nil
	}

	slog.Warn("operation failed", "op", op.ID, "entity", op.EntityKey(), "code", code, "attempt", op.Error.RetryCount+1, "maxRetries", op.Error.MaxRetries)
	return nil
}

// Retry re-enqueues a failed operation for another dispatcher pass.
// Rejected once the retry count equals the budget.
func (r *RetryController) Retry(operationID string) error {
	op, err := r.store.Get(operationID)
	if err != nil {
		return err
	}
	if op.Status != StatusFailed {
		return ErrNotRetryable
	}
	if !op.Error.CanRetry() {
		return ErrRetryExhausted
	}

	ok, err := r.store.Retry(operationID)
	if err != nil {
		return err
	}
	if !ok {
		// lost a race with another actor; report the budget as the cause
		return ErrRetryExhausted
	}
	slog.Info("operation re-enqueued", "op", operationID, "attempt", op.Error.RetryCount, "maxRetries", op.Error.MaxRetries)
	return nil
}

// Reset is the explicit manual intervention for terminally failed
// operations: zeroes the budget usage and returns the row to pending.
func (r *RetryController) Reset(operationID string) error {
	ok, err := r.store.ResetRetries(operationID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRetryable
	}
	slog.Info("operation retry budget reset", "op", operationID)
	return nil
}
