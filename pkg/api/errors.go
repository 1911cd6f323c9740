package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrRouting is returned when no routing rule matches. It cannot happen
	// while a default unit is configured.
	ErrRouting = errors.New("no routing rule matched")

	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout is returned when a step or global time budget is exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyRegistered is returned when an id is registered twice.
	ErrAlreadyRegistered = errors.New("already registered")
)

// NotFoundError reports an unknown unit, workflow, step, instance or approval.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound returns a *NotFoundError.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError reports a malformed or cyclic workflow definition.
type ValidationError struct {
	DefinitionID string
	Reason       string
}

func (e *ValidationError) Error() string {
	if e.DefinitionID == "" {
		return "invalid workflow definition: " + e.Reason
	}
	return fmt.Sprintf("invalid workflow definition %q: %s", e.DefinitionID, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError reports a state change outside the allowed table.
type TransitionError struct {
	InstanceID string
	From       State
	To         State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: cannot transition %s -> %s", e.InstanceID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Execution error codes.
const (
	CodeUnknown      = "UNKNOWN"
	CodeTimeout      = "TIMEOUT"
	CodeCancelled    = "CANCELLED"
	CodeNetwork      = "NETWORK"
	CodeRateLimited  = "RATE_LIMITED"
	CodeUpstream     = "UPSTREAM_UNAVAILABLE"
	CodeValidation   = "VALIDATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeUnavailable  = "UNIT_UNAVAILABLE"
	CodePaused       = "UNIT_PAUSED"
	CodePanic        = "PANIC"
	CodeNotFound     = "NOT_FOUND"
)

// ExecError is a unit execution failure. Recoverable failures are eligible
// for automatic retry; the rest are fatal.
type ExecError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ExecError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Recoverable returns a recoverable *ExecError.
func Recoverable(code, message string) *ExecError {
	return &ExecError{Code: code, Message: message, Recoverable: true}
}

// Fatal returns a non-recoverable *ExecError.
func Fatal(code, message string) *ExecError {
	return &ExecError{Code: code, Message: message}
}

// IsRecoverable reports whether err is eligible for retry.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Recoverable
}

var recoverableFragments = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"timeout",
	"429",
	"502",
	"503",
	"504",
}

// ClassifyError converts an arbitrary error into an *ExecError. Existing
// *ExecError values are returned unchanged. Timeouts, network errors,
// connection resets, rate limits and 5xx/429-class failures are
// recoverable; everything else is fatal.
func ClassifyError(err error) *ExecError {
	if err == nil {
		return nil
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee
	}

	msg := err.Error()
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Recoverable(CodeTimeout, msg)
	case errors.Is(err, context.Canceled):
		return Fatal(CodeCancelled, msg)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return Recoverable(CodeNetwork, msg)
	case errors.Is(err, ErrNotFound):
		return Fatal(CodeNotFound, msg)
	case errors.Is(err, ErrValidation):
		return Fatal(CodeValidation, msg)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Recoverable(CodeNetwork, msg)
	}

	lower := strings.ToLower(msg)
	for _, frag := range recoverableFragments {
		if strings.Contains(lower, frag) {
			code := CodeUpstream
			if strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many") || strings.Contains(lower, "429") {
				code = CodeRateLimited
			}
			return Recoverable(code, msg)
		}
	}
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") {
		return Fatal(CodeUnauthorized, msg)
	}
	return Fatal(CodeUnknown, msg)
}
