package tier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// ErrorType classifies an execution failure.
type ErrorType string

const (
	ErrorValidation     ErrorType = "validation"
	ErrorDelegation     ErrorType = "delegation"
	ErrorRateLimit      ErrorType = "rate_limit"
	ErrorTimeout        ErrorType = "timeout"
	ErrorCancelled      ErrorType = "cancelled"
	ErrorInfrastructure ErrorType = "infrastructure"
	ErrorPermission     ErrorType = "permission"
	ErrorNotFound       ErrorType = "not_found"
	ErrorSecurity       ErrorType = "security"
	ErrorResource       ErrorType = "resource"
	ErrorUnknown        ErrorType = "unknown"
)

// Phase is the lifecycle phase an execution is in.
type Phase string

const (
	PhaseValidation Phase = "validation"
	PhaseExecution  Phase = "execution"
	PhaseCleanup    Phase = "cleanup"
)

// ExecutionError is the error shape every tier reports.
type ExecutionError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Tier         events.Tier    `json:"tier"`
	Type         ErrorType      `json:"type"`
	Phase        Phase          `json:"phase,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
	Context      map[string]any `json:"context,omitempty"`

	cause error
}

func (e *ExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.cause }

// ErrorCode returns Code.
func (e *ExecutionError) ErrorCode() string { return e.Code }

// Retryable reports whether the caller may retry. Only rate-limit denials
// carry a retry hint.
func (e *ExecutionError) Retryable() bool {
	return e.Type == ErrorRateLimit
}

// NewError builds an ExecutionError of the given type.
func NewError(typ ErrorType, code, message string) *ExecutionError {
	return &ExecutionError{Code: code, Type: typ, Message: message}
}

// Errorf builds an ExecutionError with a formatted message. A %w verb keeps
// the wrapped error reachable through errors.Is/As.
func Errorf(typ ErrorType, code, format string, args ...any) *ExecutionError {
	err := fmt.Errorf(format, args...)
	return &ExecutionError{Code: code, Type: typ, Message: err.Error(), cause: errors.Unwrap(err)}
}

// WithContext returns e with key set in its context map.
func (e *ExecutionError) WithContext(key string, value any) *ExecutionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// FailureCode is the standardized code for failures at a tier boundary,
// e.g. TIER2_EXECUTION_FAILED.
func FailureCode(t events.Tier) string {
	return strings.ToUpper(string(t)) + "_EXECUTION_FAILED"
}

// Standardize rewrites a logical failure of tier t into the boundary shape:
// code <TIER>_EXECUTION_FAILED with the original code under "cause_code".
func Standardize(t events.Tier, src *ExecutionError) *ExecutionError {
	if src == nil {
		src = NewError(ErrorUnknown, "UNKNOWN", "execution failed")
	}
	out := &ExecutionError{
		Code:         FailureCode(t),
		Message:      src.Message,
		Tier:         t,
		Type:         src.Type,
		Phase:        PhaseExecution,
		RetryAfterMs: src.RetryAfterMs,
		cause:        src,
	}
	for k, v := range src.Context {
		out.WithContext(k, v)
	}
	if src.Code != "" && src.Code != out.Code {
		out.WithContext("cause_code", src.Code)
	}
	return out
}

// rateLimited is satisfied by errors that carry a retry hint.
type rateLimited interface {
	RetryAfter() int64
}

// Classify maps an arbitrary error to an ExecutionError without losing it.
func Classify(err error) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}

	out := &ExecutionError{Message: err.Error(), Type: ErrorUnknown, cause: err}
	var rl rateLimited
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Type = ErrorTimeout
	case errors.Is(err, context.Canceled):
		out.Type = ErrorCancelled
	case errors.Is(err, resources.ErrBudgetExceeded):
		out.Type = ErrorResource
	case errors.As(err, &rl):
		out.Type = ErrorRateLimit
		out.RetryAfterMs = rl.RetryAfter()
	}
	return out
}
