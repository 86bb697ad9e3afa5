// Package foundation provides generic utilities for type-safe operations.
package foundation

// Result represents an operation that either succeeded with value T or failed with err.
// Build steps return a Result so failures travel through the pipeline as values.
type Result[T any] struct {
	value T
	err   error
}

// Ok creates a successful Result with the given value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Err creates a failed Result. A nil err is still treated as failure of an unknown cause.
func Err[T any](err error) Result[T] {
	if err == nil {
		err = errUnknown
	}
	return Result[T]{err: err}
}

// FromTuple creates a Result from the traditional Go (value, error) pattern.
func FromTuple[T any](value T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(value)
}

// IsOk returns true if the Result represents a successful operation.
func (r Result[T]) IsOk() bool { return r.err == nil }

// Value returns the success value (zero value on failure).
func (r Result[T]) Value() T { return r.value }

// Error returns the failure cause, or nil.
func (r Result[T]) Error() error { return r.err }

// Get converts Result back to (value, error).
func (r Result[T]) Get() (T, error) { return r.value, r.err }

// FlatMap runs fn on the value of a successful Result; failures pass through unchanged.
func FlatMap[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return fn(r.value)
}

type unknownError struct{}

func (unknownError) Error() string { return "unknown failure" }

var errUnknown error = unknownError{}
