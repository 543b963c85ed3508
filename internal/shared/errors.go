package shared

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection so transports can map it without knowing the domain.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"
	// KindConflict marks an operation illegal in the entity's current state.
	KindConflict Kind = "conflict"
	// KindExhausted marks a resource that cannot cover the request (stock, balances).
	KindExhausted Kind = "exhausted"
	// KindExternal marks a failing dependency. These are retryable.
	KindExternal Kind = "external"
)

// Error is a typed rejection with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation builds a validation rejection.
func Validation(code, message string) *Error { return newError(KindValidation, code, message) }

// NotFound builds a missing-entity rejection.
func NotFound(code, message string) *Error { return newError(KindNotFound, code, message) }

// Conflict builds a state-conflict rejection.
func Conflict(code, message string) *Error { return newError(KindConflict, code, message) }

// Exhausted builds a resource-exhaustion rejection.
func Exhausted(code, message string) *Error { return newError(KindExhausted, code, message) }

// External builds an external-dependency failure.
func External(code, message string) *Error { return newError(KindExternal, code, message) }

// ErrNotFound indicates resource not found.
var ErrNotFound = NotFound("not_found", "not found")

// KindOf returns the kind of the first typed rejection in err's chain.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}

// CodeOf returns the stable code of err, or "internal".
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return "internal"
}

// IsRetryable reports whether the caller may retry the same request unchanged.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindExternal
}

// Wrapf annotates a sentinel with detail while keeping errors.Is working.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
