package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the pipeline step and request it belongs to.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID == "" {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and request it occurred in.
// It returns nil when err is nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// RequestIDOf returns the request ID of the outermost OperationError in err's
// chain that carries one, or "" when there is none.
func RequestIDOf(err error) string {
	for err != nil {
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			return ""
		}
		if opErr.RequestID != "" {
			return opErr.RequestID
		}
		err = opErr.Err
	}
	return ""
}
