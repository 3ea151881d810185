package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType classifies failures raised by the clustering pipeline.
type ErrorType string

const (
	// ErrorTypeInvalidInput marks input-contract violations. Not recoverable locally.
	ErrorTypeInvalidInput ErrorType = "InvalidInput"
	// ErrorTypeDegenerateCluster marks a cluster that lost all membership mass.
	ErrorTypeDegenerateCluster ErrorType = "DegenerateCluster"
	// ErrorTypeNonConvergence marks an RFCM run that hit its iteration cap.
	ErrorTypeNonConvergence ErrorType = "NonConvergence"
	// ErrorTypeInsufficientNodes marks a view with too few nodes for the cluster count.
	ErrorTypeInsufficientNodes ErrorType = "InsufficientNodes"
	// ErrorTypeEmptyEvidence marks a node pair that never co-occurred.
	ErrorTypeEmptyEvidence ErrorType = "EmptyEvidence"
	// ErrorTypeConfig marks an invalid configuration value.
	ErrorTypeConfig ErrorType = "ConfigurationError"
)

// Sentinels usable with errors.Is; matching is by ErrorType only.
var (
	ErrInvalidInput      = New(ErrorTypeInvalidInput, "invalid input")
	ErrDegenerateCluster = New(ErrorTypeDegenerateCluster, "degenerate cluster")
	ErrNonConvergence    = New(ErrorTypeNonConvergence, "did not converge")
	ErrInsufficientNodes = New(ErrorTypeInsufficientNodes, "insufficient nodes")
	ErrEmptyEvidence     = New(ErrorTypeEmptyEvidence, "empty evidence")
	ErrConfig            = New(ErrorTypeConfig, "invalid configuration")
)

// Error is the concrete error carried across stage boundaries.
type Error struct {
	errorType ErrorType
	message   string
	cause     error
}

// New creates an Error of the given type.
func New(errorType ErrorType, message string) *Error {
	return &Error{errorType: errorType, message: message}
}

// Newf creates an Error of the given type with a formatted message.
func Newf(errorType ErrorType, format string, args ...interface{}) *Error {
	return &Error{errorType: errorType, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a type and message to an underlying cause.
func Wrap(errorType ErrorType, cause error, message string) *Error {
	return &Error{errorType: errorType, message: message, cause: cause}
}

func (e *Error) ErrorType() ErrorType {
	return e.errorType
}

func (e *Error) Message() string {
	return e.message
}

func (e *Error) IsErrorType(errorType ErrorType) bool {
	return e.errorType == errorType
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.errorType, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.errorType, e.message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error of the same type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.errorType == e.errorType
}

// IsType reports whether any error in err's chain has the given type.
func IsType(err error, errorType ErrorType) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.errorType == errorType {
			return true
		}
		err = e.cause
	}
	return false
}

// TypeOf returns the type of the first *Error in err's chain, or "".
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.errorType
	}
	return ""
}
