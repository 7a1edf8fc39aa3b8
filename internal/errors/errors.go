package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// ErrorType classifies allocator failures.
type ErrorType string

const (
	// ErrorTypeConfiguration marks an invalid sizing or backend override.
	// It is recovered locally by falling back to the default.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeCapacity marks a request that no pool, present or future, can hold.
	ErrorTypeCapacity ErrorType = "capacity"
	// ErrorTypeInvariant marks allocator bookkeeping that no longer adds up.
	ErrorTypeInvariant ErrorType = "invariant"
	// ErrorTypeBackend marks a failure of the underlying allocation primitive.
	ErrorTypeBackend ErrorType = "backend"
	// ErrorTypeState marks an operation issued in the wrong lifecycle state.
	ErrorTypeState ErrorType = "state"
)

// StructuredError carries the failing operation, an optional cause, key/value
// context and the call stack at construction.
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Stack     []uintptr
}

func (e *StructuredError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", e.Type, e.Operation, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the error must not be continued past.
func (e *StructuredError) Fatal() bool {
	return e.Type != ErrorTypeConfiguration
}

// WithContext records a key/value pair and returns e for chaining.
func (e *StructuredError) WithContext(key string, value any) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Caller returns "file:line" of the frame that built the error, or "".
func (e *StructuredError) Caller() string {
	if len(e.Stack) == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames(e.Stack[:1]).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", frame.File, frame.Line)
}

// MarshalZerologObject lets a log event embed the error's fields.
func (e *StructuredError) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type)).Str("op", e.Operation)
	if e.Cause != nil {
		ev.AnErr("cause", e.Cause)
	}
	if c := e.Caller(); c != "" {
		ev.Str("origin", c)
	}
	ev.Fields(e.Context)
}

func build(errType ErrorType, cause error, operation, message string) *StructuredError {
	var pcs [32]uintptr
	// skip runtime.Callers, build and the exported constructor
	n := runtime.Callers(3, pcs[:])
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Stack:     pcs[:n],
	}
}

// New creates a StructuredError without a cause.
func New(errType ErrorType, operation, message string) *StructuredError {
	return build(errType, nil, operation, message)
}

// Wrap attaches a type and operation to err. It returns nil for a nil err.
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}
	return build(errType, err, operation, message)
}

// IsFatal reports whether err, or any error it wraps, is a fatal
// allocator error that the caller's environment should terminate on.
func IsFatal(err error) bool {
	var se *StructuredError
	return stderrors.As(err, &se) && se.Fatal()
}

// TypeOf returns the ErrorType of the first StructuredError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type, true
	}
	return "", false
}

func NewConfigurationError(operation, message string) *StructuredError {
	return build(ErrorTypeConfiguration, nil, operation, message)
}

func NewCapacityError(operation, message string) *StructuredError {
	return build(ErrorTypeCapacity, nil, operation, message)
}

func NewInvariantError(operation, message string) *StructuredError {
	return build(ErrorTypeInvariant, nil, operation, message)
}

func NewStateError(operation, message string) *StructuredError {
	return build(ErrorTypeState, nil, operation, message)
}

func WrapConfigurationError(err error, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}
	return build(ErrorTypeConfiguration, err, operation, message)
}

func WrapInvariantError(err error, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}
	return build(ErrorTypeInvariant, err, operation, message)
}

// WrapBackendError wraps an error returned by a backend allocator.
func WrapBackendError(err error, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}
	return build(ErrorTypeBackend, err, operation, message)
}
