package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type ErrorType int

const (
	// ErrValidation marks a malformed archive entry; callers skip the entry.
	ErrValidation ErrorType = iota
	// ErrExternalService marks a batch provider that is unreachable or rejected a request.
	ErrExternalService
	ErrNotFound
	// ErrConflict marks a retry target that does not fit the job's variant or progress,
	// and stale compare-and-set updates.
	ErrConflict
	// ErrIO marks storage or filesystem failures.
	ErrIO
	ErrUnknown
)

func (t ErrorType) String() string {
	switch t {
	case ErrValidation:
		return "Validation"
	case ErrExternalService:
		return "ExternalService"
	case ErrNotFound:
		return "NotFound"
	case ErrConflict:
		return "Conflict"
	case ErrIO:
		return "IO"
	default:
		return "Unknown"
	}
}

type PipelineError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorf(errorType ErrorType, format string, args ...any) *PipelineError {
	return NewError(errorType, fmt.Sprintf(format, args...))
}

func WrapError(err error, errorType ErrorType, message string) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   err,
	}
}

func (e *PipelineError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	e.Context[key] = value
	return e
}

// IsErrorType reports whether the first PipelineError in err's chain has the
// given type. PipelineErrors wrapped inside it are not consulted.
func IsErrorType(err error, errorType ErrorType) bool {
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Type == errorType
	}
	return false
}

// TypeOf returns the type of the first PipelineError in err's chain, or ErrUnknown.
func TypeOf(err error) ErrorType {
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Type
	}
	return ErrUnknown
}

// ErrStepPending is returned by a step that is waiting on an external
// collaborator. The job stays at its current step and is re-invoked later.
var ErrStepPending = errors.New("step pending")
