package domain

import (
	"errors"
	"fmt"
)

// Code classifies a ledger error for the callable surface.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodePermissionDenied   Code = "permission-denied"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeNotFound           Code = "not-found"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeResourceExhausted  Code = "resource-exhausted"
	CodeInternal           Code = "internal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrFailedPrecondition  = errors.New("failed precondition")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketNotOpen       = errors.New("market is not open")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrLockHeld            = errors.New("lock already held")
	ErrLockTimeout         = errors.New("lock acquisition timed out")
	ErrChainMirror         = errors.New("chain mirror failed")
	ErrMirrorDeferred      = errors.New("chain mirror deferred")
	ErrChainDisabled       = errors.New("chain client not configured")
	ErrTxConflict          = errors.New("transaction conflict")
)

// Error is a typed ledger error carrying a Code and a caller-facing message.
// It unwraps to the sentinel it was built from so errors.Is keeps working.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// InFlightError is returned when a transaction was broadcast but its receipt
// was not observed before the wait ended. The transaction may still be mined,
// so callers must not send it again without checking TxHash first.
type InFlightError struct {
	TxHash string
	Err    error
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("tx %s broadcast, receipt not observed: %v", e.TxHash, e.Err)
}

func (e *InFlightError) Unwrap() error { return e.Err }

// InFlightHash returns the hash of the broadcast transaction in err's chain.
func InFlightHash(err error) (string, bool) {
	var ife *InFlightError
	if errors.As(err, &ife) && ife.TxHash != "" {
		return ife.TxHash, true
	}
	return "", false
}

// Errorf builds a typed error. The Code is derived from base.
func Errorf(base error, format string, args ...any) error {
	return &Error{Code: CodeOf(base), Message: fmt.Sprintf(format, args...), Err: base}
}

// CodeOf maps an error chain onto the ledger error taxonomy.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) && le.Code != "" {
		return le.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrFailedPrecondition),
		errors.Is(err, ErrAlreadyExists):
		return CodeFailedPrecondition
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	default:
		return CodeInternal
	}
}
