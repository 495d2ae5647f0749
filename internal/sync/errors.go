package sync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("operation not found")
	ErrAlreadyTerminal = errors.New("operation already in a terminal state")
	ErrNotInConflict   = errors.New("operation is not in conflict")
	ErrRetryExhausted  = errors.New("retry budget exhausted")
	ErrNotRetryable    = errors.New("operation is not in a retryable state")
	ErrManualHold      = errors.New("manual resolution holds the operation in conflict")
	ErrUnknownDomain   = errors.New("no domain registered for entity type")
	ErrDuplicateOp     = errors.New("operation id already submitted")
	ErrEmptyBatch      = errors.New("batch must contain at least one operation")
)

// ValidationError marks a malformed operation. It is rejected at enqueue
// and never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s: %s", e.Field, e.Reason)
}

// TransientError is a retryable application failure (network, dependency
// timeout). The retry controller re-attempts it within the budget.
type TransientError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %s", e.Code, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a non-retryable failure (entity deleted, authorization
// revoked). It terminal-fails the operation immediately.
type PermanentError struct {
	Code    string
	Message string
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s: %s", e.Code, e.Message)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConflictSignal is returned by a domain when an apply races with a newer
// authoritative state. It is not a failure; it routes the operation to the
// resolution policy engine with the server snapshot attached.
type ConflictSignal struct {
	Type       ConflictType
	ServerData Payload
}

func (e *ConflictSignal) Error() string {
	if e.Type == "" {
		return string(ConflictDataMismatch)
	}
	return string(e.Type)
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err classifies as terminal.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// AsConflictSignal extracts a conflict signal from err, if any.
func AsConflictSignal(err error) (*ConflictSignal, bool) {
	var cs *ConflictSignal
	if errors.As(err, &cs) {
		return cs, true
	}
	return nil, false
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// errorCode extracts a stable code for persisting on the error record.
func errorCode(err error) string {
	var te *TransientError
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	var pe *PermanentError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return "apply_failed"
}
