// Package apperr defines the coded error type shared by every crewdesk
// component. Callers match on codes with errors.Is against the sentinels.
package apperr

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Code identifies a class of failure.
type Code string

// Severity describes how loudly a failure should be reported.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeAlreadyTerminal   Code = "ALREADY_TERMINAL"
	CodeConflict          Code = "CONFLICT"
	CodeRateLimited       Code = "RATE_LIMIT_EXCEEDED"
	CodeBudgetExceeded    Code = "BUDGET_EXCEEDED"
	CodeAuditWriteFailed  Code = "AUDIT_WRITE_FAILED"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeExecutorFailure   Code = "EXECUTOR_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
)

// Attributes are the defaults attached to a code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:           {Message: "unknown error", Severity: SeverityCritical},
		CodeValidation:        {Message: "invalid input", Severity: SeverityInfo},
		CodeNotFound:          {Message: "resource not found", Severity: SeverityInfo},
		CodeInvalidTransition: {Message: "invalid status transition", Severity: SeverityInfo},
		CodeAlreadyTerminal:   {Message: "task already terminal", Severity: SeverityInfo},
		CodeConflict:          {Message: "concurrent modification", Severity: SeverityWarning, Retryable: true},
		CodeRateLimited:       {Message: "rate limit exceeded", Severity: SeverityWarning, Retryable: true},
		CodeBudgetExceeded:    {Message: "budget exceeded", Severity: SeverityWarning},
		CodeAuditWriteFailed:  {Message: "audit write failed", Severity: SeverityWarning},
		CodeStorage:           {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
		CodeExecutorFailure:   {Message: "executor failure", Severity: SeverityWarning, Retryable: true},
		CodeTimeout:           {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
		CodePermissionDenied:  {Message: "permission denied", Severity: SeverityWarning},
	}
)

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrValidation        = New(CodeValidation, "")
	ErrNotFound          = New(CodeNotFound, "")
	ErrInvalidTransition = New(CodeInvalidTransition, "")
	ErrAlreadyTerminal   = New(CodeAlreadyTerminal, "")
	ErrConflict          = New(CodeConflict, "")
	ErrRateLimited       = New(CodeRateLimited, "")
	ErrBudgetExceeded    = New(CodeBudgetExceeded, "")
	ErrAuditWriteFailed  = New(CodeAuditWriteFailed, "")
	ErrStorage           = New(CodeStorage, "")
	ErrExecutorFailure   = New(CodeExecutorFailure, "")
	ErrTimeout           = New(CodeTimeout, "")
	ErrPermissionDenied  = New(CodePermissionDenied, "")
)

// Register installs or replaces the attributes for a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the coded error type.
type Error struct {
	code       Code
	message    string
	cause      error
	metadata   map[string]string
	retryable  *bool
	retryAfter time.Duration
}

type Option func(*Error)

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithRetryAfter records how long the caller should wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) {
		e.retryAfter = d
	}
}

func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From extracts the outermost *Error in err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

func IsRetryable(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	if e, ok := From(err); ok {
		return e.RetryAfter()
	}
	return 0
}
