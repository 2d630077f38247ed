package restore

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind int

const (
	// ErrPrerequisite means a required external tool is missing. Fatal,
	// no retry.
	ErrPrerequisite ErrorKind = iota
	// ErrDiskSpace means a preflight or mid-run disk check failed. Fatal
	// for the attempt; the job stays resumable.
	ErrDiskSpace
	// ErrSubprocess means the filter or encoder stage exited non-zero or
	// produced no usable output.
	ErrSubprocess
	// ErrUnitFailure means a work unit's transform exhausted its retries.
	ErrUnitFailure
	// ErrCorruptCheckpoint marks structurally invalid persisted state.
	// Absorbed where detected; never fatal.
	ErrCorruptCheckpoint
	// ErrCancelled is the user-requested terminal state, distinct from
	// failure.
	ErrCancelled
	// ErrConfig covers invalid settings or unsupported option combinations.
	ErrConfig
	// ErrIO covers filesystem failures outside the above categories.
	ErrIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPrerequisite:
		return "PrerequisiteMissing"
	case ErrDiskSpace:
		return "InsufficientSpace"
	case ErrSubprocess:
		return "SubprocessFailure"
	case ErrUnitFailure:
		return "UnitFailure"
	case ErrCorruptCheckpoint:
		return "CorruptCheckpoint"
	case ErrCancelled:
		return "Cancelled"
	case ErrConfig:
		return "Config"
	case ErrIO:
		return "IO"
	default:
		return "Unknown"
	}
}

// RestoreError is the typed error that crosses the service boundary.
// Recoverable conditions are absorbed inside components; everything that
// reaches the caller carries a kind for presentation and exit-code mapping.
type RestoreError struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Cause   error
}

func NewError(kind ErrorKind, message string) *RestoreError {
	return &RestoreError{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorf(kind ErrorKind, format string, args ...interface{}) *RestoreError {
	return NewError(kind, fmt.Sprintf(format, args...))
}

func WrapError(err error, kind ErrorKind, message string) *RestoreError {
	return &RestoreError{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
		Cause:   err,
	}
}

func (e *RestoreError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind.String(), e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *RestoreError) Unwrap() error {
	return e.Cause
}

func (e *RestoreError) WithContext(key string, value any) *RestoreError {
	e.Context[key] = value
	return e
}

// IsKind reports whether err is a RestoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RestoreError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// Advice returns a user-facing hint for resolving the error.
func (e *RestoreError) Advice() string {
	switch e.Kind {
	case ErrPrerequisite:
		return "Install the missing tool and make sure it is on PATH"
	case ErrDiskSpace:
		return "Free up disk space or point the working directory at another volume; the job can be resumed afterwards"
	case ErrSubprocess:
		return "Check the diagnostic tail for the failing stage; verify the input file is readable and the codec settings are valid"
	case ErrUnitFailure:
		return "The per-unit transform kept failing; progress up to the last checkpoint is preserved for resume"
	case ErrCorruptCheckpoint:
		return "The saved checkpoint could not be read and was ignored; the job will start from scratch"
	case ErrConfig:
		return "Check configuration values and option combinations"
	case ErrIO:
		return "Check filesystem permissions and that the paths involved exist"
	default:
		return "Review the detailed error output"
	}
}

// Retryable reports whether relaunching the same job can help without user
// action. Maps to exit code 1 vs 2 on the CLI surface.
func (e *RestoreError) Retryable() bool {
	switch e.Kind {
	case ErrPrerequisite, ErrConfig:
		return false
	}
	return true
}
