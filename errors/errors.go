// Package errors provides error handling for nodereg.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Every registry outcome a caller is expected to handle (not found, exhausted
// address partitions, stale pipeline tickets, ...) is a sentinel below and is
// returned as a value. Check with errors.Is, add context with errors.Wrap.
//
// Usage:
//
//	addr, err := space.Allocate(addr.Component)
//	if errors.Is(err, errors.ErrExhausted) {
//	    // queue for later, never reuse an allocated address
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf   = crdb.AssertionFailedf
	IsAssertionFailure = crdb.IsAssertionFailure
)

// Registry sentinel errors.
var (
	// ErrNotFound indicates the referenced id, address or ticket does not exist
	ErrNotFound = New("not found")

	// ErrExhausted indicates an address partition has no available addresses
	ErrExhausted = New("address partition exhausted")

	// ErrInvalidEndpoint indicates a graph edge references an entity that does not exist
	ErrInvalidEndpoint = New("invalid edge endpoint")

	// ErrConflict indicates a concurrent modification or a state guard mismatch
	ErrConflict = New("conflict")

	// ErrInvariantViolation indicates internal state is inconsistent. Treat as a bug.
	ErrInvariantViolation = New("invariant violation")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrEmpty indicates the pipeline has no pending tickets
	ErrEmpty = New("no pending tickets")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsInvariantViolation reports whether err signals broken internal state.
func IsInvariantViolation(err error) bool {
	return err != nil && Is(err, ErrInvariantViolation)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewInvariantViolation builds an assertion failure marked as ErrInvariantViolation.
func NewInvariantViolation(format string, args ...interface{}) error {
	return Mark(AssertionFailedf(format, args...), ErrInvariantViolation)
}
