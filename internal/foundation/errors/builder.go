package errors

// ErrorBuilder assembles a ClassifiedError fluently.
type ErrorBuilder struct {
	err ClassifiedError
}

// NewError starts a builder for a permanent error of the given category.
func NewError(category ErrorCategory, message string) *ErrorBuilder {
	return &ErrorBuilder{err: ClassifiedError{
		category: category,
		severity: SeverityError,
		retry:    RetryNever,
		message:  message,
	}}
}

// WrapError starts a builder whose cause is err.
func WrapError(err error, category ErrorCategory, message string) *ErrorBuilder {
	return NewError(category, message).WithCause(err)
}

func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.err.severity = severity
	return b
}

func (b *ErrorBuilder) WithRetry(strategy RetryStrategy) *ErrorBuilder {
	b.err.retry = strategy
	return b
}

func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.err.cause = cause
	return b
}

func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	b.err.context = b.err.context.Set(key, value)
	return b
}

func (b *ErrorBuilder) Fatal() *ErrorBuilder     { return b.WithSeverity(SeverityFatal) }
func (b *ErrorBuilder) Retryable() *ErrorBuilder { return b.WithRetry(RetryBackoff) }
func (b *ErrorBuilder) Permanent() *ErrorBuilder { return b.WithRetry(RetryNever) }
func (b *ErrorBuilder) RateLimit() *ErrorBuilder { return b.WithRetry(RetryRateLimit) }

// Build returns the error. The builder may be reused; later changes do not
// affect errors already built.
func (b *ErrorBuilder) Build() *ClassifiedError {
	out := b.err
	out.context = b.err.context.clone()
	return &out
}

// ConfigError is a fatal configuration error.
func ConfigError(message string) *ErrorBuilder {
	return NewError(CategoryConfig, message).Fatal()
}

// ValidationError rejects malformed input, such as a bad build request.
func ValidationError(message string) *ErrorBuilder {
	return NewError(CategoryValidation, message)
}

// NetworkError is a retryable transport failure.
func NetworkError(message string) *ErrorBuilder {
	return NewError(CategoryNetwork, message).Retryable()
}

func RepositoryError(message string) *ErrorBuilder {
	return NewError(CategoryRepository, message)
}

func SandboxError(message string) *ErrorBuilder {
	return NewError(CategorySandbox, message)
}

// StoreError is a retryable durable store failure.
func StoreError(message string) *ErrorBuilder {
	return NewError(CategoryStore, message).Retryable()
}

// BuildError fails a build. Its message becomes the build's error message.
func BuildError(message string) *ErrorBuilder {
	return NewError(CategoryBuild, message)
}

func TimeoutError(message string) *ErrorBuilder {
	return NewError(CategoryTimeout, message)
}

func InternalError(message string) *ErrorBuilder {
	return NewError(CategoryInternal, message).Fatal()
}
