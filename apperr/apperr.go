// Package apperr defines the error taxonomy shared by the orchestration core.
// Errors carry a Kind so callers can map failures to retry policy, metrics,
// and user-visible messages without string matching.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindValidation indicates bad shape, bad slug, bad reference, or an
	// unknown step id. Surfaces synchronously, no state changed.
	KindValidation Kind = "validation"
	// KindSchemaMismatch indicates a schema version or hash disagreement.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindConflict indicates a run-key conflict or duplicate bundle version.
	KindConflict Kind = "conflict"
	// KindNotFound indicates an unknown workflow, asset, trigger, or bundle.
	KindNotFound Kind = "not_found"
	// KindRateLimited indicates a throttled source or a scaling update that
	// arrived before the rate-limit window elapsed.
	KindRateLimited Kind = "rate_limited"
	// KindPaused indicates a paused source or trigger. Normal control flow.
	KindPaused Kind = "paused"
	// KindTimeout indicates a step or service call deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindServiceUnhealthy indicates a ServiceStep target that is not healthy
	// and degraded operation was not allowed.
	KindServiceUnhealthy Kind = "service_unhealthy"
	// KindPartitionKeyRequired indicates a partitioned asset was produced
	// without a partition key.
	KindPartitionKeyRequired Kind = "partition_key_required"
	// KindRetryableExternal indicates a transient broker, store, or HTTP
	// failure that retry policy should absorb.
	KindRetryableExternal Kind = "retryable_external"
	// KindFatalInternal indicates an unexpected failure; the run fails.
	KindFatalInternal Kind = "fatal_internal"
)

// Error is a classified error. RetryAfter is set for rate-limited errors so
// callers can schedule the next attempt.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New returns a classified error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a classified error wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// RateLimited returns a rate-limited error carrying the retry-after hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindFatalInternal otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatalInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether retry policy applies to err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRetryableExternal, KindRateLimited:
		return true
	}
	return false
}
