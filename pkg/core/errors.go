package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind tags an error with one of the categories callers can branch on.
// It is never surfaced on its own; it always arrives wrapped in a StoreError.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindDimensionMismatch
	KindNotFound
	KindConflict
	KindIndexCorrupt
	KindSchemaIncompatible
	KindStorageFull
	KindIO
	KindCancelled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindIndexCorrupt:
		return "IndexCorrupt"
	case KindSchemaIncompatible:
		return "SchemaIncompatible"
	case KindStorageFull:
		return "StorageFull"
	case KindIO:
		return "Io"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	default:
		return "Internal"
	}
}

// Sentinel errors for use with errors.Is against the wrapped cause.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrNotFound            = errors.New("record not found")
	ErrConflict            = errors.New("id collision")
	ErrIndexCorrupt        = errors.New("index invariant violated")
	ErrSchemaIncompatible  = errors.New("schema version incompatible")
	ErrStorageFull         = errors.New("storage full")
	ErrClosed              = errors.New("store is closed")
)

// StoreError is the single error type returned across the public API.
// Op names the operation that failed (e.g. "insert_many", "hnsw.search");
// Kind is the tagged category callers branch on; Err is the underlying
// cause, which may be nil for pure validation failures.
type StoreError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is match a StoreError against either the sentinel wrapped
// inside it or another StoreError of the same Kind.
func (e *StoreError) Is(target error) bool {
	var se *StoreError
	if errors.As(target, &se) {
		return se.Kind == e.Kind
	}
	return errors.Is(e.Err, target)
}

func wrapErr(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	// A deadline or cancellation surfacing through the driver is reported as
	// Timeout/Cancelled, not Io, so callers can tell them apart.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// NewError builds a StoreError with no underlying cause, used for pure
// validation failures detected before any I/O is attempted.
func NewError(op string, kind Kind) error {
	return &StoreError{Op: op, Kind: kind}
}

// KindOf extracts the Kind from err if it is (or wraps) a *StoreError, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
