// Package classifier defines the inference boundary: a tensor goes in, one
// confidence per class comes out.
package classifier

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelUnavailable marks failures caused by a missing or unreadable model artifact.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrInputSize is returned when a tensor does not match the model's input shape.
var ErrInputSize = errors.New("tensor size mismatch")

// Classifier maps a prepared tensor to a confidence vector. Calls are synchronous.
type Classifier interface {
	Classify(ctx context.Context, tensor []float32) ([]float32, error)
}

// Func adapts an ordinary function to the Classifier interface.
type Func func(ctx context.Context, tensor []float32) ([]float32, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, tensor []float32) ([]float32, error) {
	return f(ctx, tensor)
}

// Error wraps any failure raised by a classifier backend.
type Error struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("classification failed (%s): %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap returns err as an *Error unless it already is one.
func Wrap(backend string, err error) error {
	if err == nil {
		return nil
	}
	var clsErr *Error
	if errors.As(err, &clsErr) {
		return err
	}
	return &Error{Backend: backend, Err: err}
}

// Static returns the same confidence vector for every input. It stands in for a
// model when none is installed.
type Static struct {
	Confidences []float32
}

// Classify returns a copy of s.Confidences. A nil *Static has no model.
func (s *Static) Classify(ctx context.Context, tensor []float32) ([]float32, error) {
	if s == nil {
		return nil, &Error{Backend: "static", Err: ErrModelUnavailable}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Backend: "static", Err: err}
	}
	out := make([]float32, len(s.Confidences))
	copy(out, s.Confidences)
	return out, nil
}
