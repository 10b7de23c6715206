// Package kernelerr defines the kernel's error taxonomy. Every
// subsystem wraps raw causes in a single structured Error carrying a
// kind, a message, optional context fields, and the cause. Predictable
// failures travel as values; panics never cross the plugin boundary.
package kernelerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a kernel error for recovery decisions.
type Kind string

const (
	KindValidation Kind = "validation" // schema parse failed; not retried
	KindNotFound   Kind = "not_found"  // missing entity/job/template/conversation
	KindConflict   Kind = "conflict"   // unique-constraint or concurrent-update race
	KindDependency Kind = "dependency" // plugin declares a missing dependency; fatal at load
	KindHandler    Kind = "handler"    // job handler failed; retried per maxAttempts
	KindGateway    Kind = "gateway"    // AI/embedding call failed or returned invalid structure
	KindCancelled  Kind = "cancelled"  // cancellation observed by handler; no retry
	KindTimeout    Kind = "timeout"    // bus send or daemon stop timeout
)

// Error is the kernel's structured error.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, v)
			first = false
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by kind, so errors.Is(err, kernelerr.NotFound("", nil))
// style sentinels work alongside wrapped causes.
func (e *Error) Is(target error) bool {
	var ke *Error
	if errors.As(target, &ke) {
		return e.Kind == ke.Kind
	}
	return false
}

// With attaches a context field and returns the error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation creates a ValidationError.
func Validation(message string, cause error) *Error {
	return newError(KindValidation, message, cause)
}

// NotFound creates a NotFoundError.
func NotFound(message string, cause error) *Error {
	return newError(KindNotFound, message, cause)
}

// Conflict creates a ConflictError.
func Conflict(message string, cause error) *Error {
	return newError(KindConflict, message, cause)
}

// Dependency creates a DependencyError.
func Dependency(message string, cause error) *Error {
	return newError(KindDependency, message, cause)
}

// Handler creates a HandlerError.
func Handler(message string, cause error) *Error {
	return newError(KindHandler, message, cause)
}

// Gateway creates a GatewayError.
func Gateway(message string, cause error) *Error {
	return newError(KindGateway, message, cause)
}

// Cancelled creates a CancelledError.
func Cancelled(message string) *Error {
	return newError(KindCancelled, message, nil)
}

// Timeout creates a TimeoutError.
func Timeout(message string, cause error) *Error {
	return newError(KindTimeout, message, cause)
}

// IsKind reports whether err is (or wraps) a kernel error of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// From extracts the kernel error wrapped by err, or nil.
func From(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return nil
}

// KindOf returns the kind of err, or "" if err is not a kernel error.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}
