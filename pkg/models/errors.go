package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the closed classification set used across all layers.
// Kinds drive the recovery policy: retry, fallback, halt, or surface.
type ErrorKind string

const (
	// KindValidationFailed covers pack, schema, and LLM-output validation.
	KindValidationFailed ErrorKind = "ValidationFailed"
	// KindNotFound covers missing pack versions, playbooks, and exceptions.
	KindNotFound ErrorKind = "NotFound"
	// KindNotAllowed covers allow-list denials and tenant isolation violations.
	KindNotAllowed ErrorKind = "NotAllowed"
	// KindTimeout covers deadline expiry on LLM, tool, and DB calls.
	KindTimeout ErrorKind = "Timeout"
	// KindProviderError covers LLM HTTP and network failures.
	KindProviderError ErrorKind = "ProviderError"
	// KindCircuitOpen means the breaker denied the attempt.
	KindCircuitOpen ErrorKind = "CircuitOpen"
	// KindToolInvocationFailed means a tool call exhausted its retry cap.
	KindToolInvocationFailed ErrorKind = "ToolInvocationFailed"
	// KindConflict covers idempotency and version conflicts.
	KindConflict ErrorKind = "Conflict"
	// KindFatal marks unrecoverable invariant violations.
	KindFatal ErrorKind = "Fatal"
)

// IsValid checks if the error kind is a known value.
func (k ErrorKind) IsValid() bool {
	switch k {
	case KindValidationFailed, KindNotFound, KindNotAllowed, KindTimeout,
		KindProviderError, KindCircuitOpen, KindToolInvocationFailed,
		KindConflict, KindFatal:
		return true
	default:
		return false
	}
}

// KindError carries an ErrorKind alongside the underlying cause.
// It participates in errors.Is/As chains via Unwrap.
type KindError struct {
	Kind ErrorKind
	Err  error
}

// Error returns the formatted error message.
func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError wraps err with the given kind.
func NewKindError(kind ErrorKind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a KindError from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from an error chain. Context cancellation and
// deadline expiry classify as Timeout; anything unclassified is ProviderError
// territory for callers that need a default, so the boolean reports whether a
// kind was actually present.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout, true
	}
	return "", false
}

// Classify returns the kind for err, defaulting to fallback when the chain
// carries no kind.
func Classify(err error, fallback ErrorKind) ErrorKind {
	if kind, ok := KindOf(err); ok {
		return kind
	}
	return fallback
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
