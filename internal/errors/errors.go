// Package errors defines the error kinds surfaced by the ledger and the scan
// pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind represents the category of an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindFeedUnavailable
	KindFeedMalformed
	KindScanInProgress
	KindTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindFeedUnavailable:
		return "feed_unavailable"
	case KindFeedMalformed:
		return "feed_malformed"
	case KindScanInProgress:
		return "scan_in_progress"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a categorized error.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "ledger.RecordScanResult")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// New creates a categorized error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrFeedUnavailable = &Error{Kind: KindFeedUnavailable}
	ErrFeedMalformed   = &Error{Kind: KindFeedMalformed}
	ErrScanInProgress  = &Error{Kind: KindScanInProgress}
	ErrTimeout         = &Error{Kind: KindTimeout}
)

// GetKind returns the kind of the first *Error in the chain. Context
// deadlines are reported as KindTimeout.
func GetKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsRetryable reports whether the caller may retry the operation later.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindFeedUnavailable, KindScanInProgress, KindTimeout:
		return true
	default:
		return false
	}
}
