package types

import (
	"errors"
	"fmt"
)

// Sentinel errors. Check with errors.Is; the typed wrappers below carry the detail.
var (
	// Structural errors are detected before a hierarchy mutation commits
	ErrCircularReference = errors.New("circular reference")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrBrokenParentLink  = errors.New("broken parent link")
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")

	// Configuration errors are detected before a job starts or before an edit
	ErrJobNotStopped     = errors.New("job is not stopped")
	ErrJobAlreadyRunning = errors.New("job is already running")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoPartsDefined    = errors.New("no parts defined")
	ErrNoCompatibleTool  = errors.New("no compatible tool")
)

// StructuralError reports a rejected change to the placement hierarchy
type StructuralError struct {
	Kind   error
	Detail string
}

func (e *StructuralError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *StructuralError) Unwrap() error { return e.Kind }

// NewStructuralError creates a structural error of the given kind
func NewStructuralError(kind error, format string, args ...interface{}) error {
	return &StructuralError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports a job or edit that cannot proceed in the current setup
type ConfigurationError struct {
	Kind   error
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ConfigurationError) Unwrap() error { return e.Kind }

// NewConfigurationError creates a configuration error of the given kind
func NewConfigurationError(kind error, format string, args ...interface{}) error {
	return &ConfigurationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// StepError wraps a failure raised by the step executor while a job is running
type StepError struct {
	Op  string
	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsStructural reports whether err is a StructuralError
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// IsConfiguration reports whether err is a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
