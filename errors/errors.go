package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Is, As and Unwrap forward to the standard library so callers only need
// this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

// Kind classifies failures the agent loop reacts to differently.
type Kind string

const (
	KindUnknown            Kind = ""
	ProviderTransportError Kind = "provider_transport"
	ProviderAuthError      Kind = "provider_auth"
	ProviderRateLimited    Kind = "provider_rate_limited"
	ToolValidationError    Kind = "tool_validation"
	ToolExecutionError     Kind = "tool_execution"
	McpTransportClosed     Kind = "mcp_transport_closed"
	TurnLimitExceeded      Kind = "turn_limit_exceeded"
	ConfigError            Kind = "config"
)

// Error is a classified error. The zero RetryAfter means no hint was given.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether re-issuing the same request may succeed.
func (k Kind) Retryable() bool {
	return k == ProviderTransportError || k == ProviderRateLimited
}

// E attaches a kind to err. A nil err yields nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error with file and line information.
func Errorf(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf("[%s] %s", caller(), fmt.Sprintf(format, a...))}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
