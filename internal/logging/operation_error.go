package logging

import (
	"context"
	"errors"
	"fmt"
)

// OperationError annotates an infrastructure failure with the operation that
// produced it and, when known, the image id being processed.
type OperationError struct {
	Operation string
	ImageID   string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.ImageID != "" {
		return fmt.Sprintf("%s (img_id=%s): %v", e.Operation, e.ImageID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation name. It returns nil for a nil err.
func NewOperationError(operation, imageID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, ImageID: imageID, Err: err}
}

// IsTransient reports whether err looks like a timeout or temporary network
// condition that a caller may reasonably retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
