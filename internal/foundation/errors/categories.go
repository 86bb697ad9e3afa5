package errors

import "maps"

// ErrorCategory groups errors by the subsystem that produced them.
type ErrorCategory string

const (
	// Operator input.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryNotFound   ErrorCategory = "not_found"

	// Collaborators.
	CategoryNetwork    ErrorCategory = "network"
	CategoryRepository ErrorCategory = "repository"
	CategorySandbox    ErrorCategory = "sandbox"
	CategoryEventBus   ErrorCategory = "eventbus"
	CategoryStore      ErrorCategory = "store"

	// Build execution.
	CategoryBuild   ErrorCategory = "build"
	CategoryTimeout ErrorCategory = "timeout"

	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal ErrorSeverity = "fatal" // process cannot continue
	SeverityError ErrorSeverity = "error" // current operation failed
)

// RetryStrategy tells callers whether repeating the operation can help.
type RetryStrategy string

const (
	RetryNever     RetryStrategy = "never"
	RetryBackoff   RetryStrategy = "backoff"
	RetryRateLimit RetryStrategy = "rate_limit"
)

// ErrorContext carries structured fields attached to an error.
type ErrorContext map[string]any

// Set adds or updates a value, allocating the map if needed.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	value, ok := c[key]
	return value, ok
}

// GetString retrieves a string context value.
func (c ErrorContext) GetString(key string) (string, bool) {
	str, ok := c[key].(string)
	return str, ok
}

func (c ErrorContext) clone() ErrorContext {
	if c == nil {
		return make(ErrorContext)
	}
	return maps.Clone(c)
}
