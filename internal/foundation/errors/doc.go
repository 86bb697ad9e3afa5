// Package errors provides classified error primitives used across buildorch.
//
// A ClassifiedError carries a category, a severity, a retry strategy and
// structured context. Collaborator clients (repository, sandbox, store, event
// bus) return classified errors so callers can decide between retrying,
// negatively acknowledging a message, or failing a build.
//
// Example usage:
//
//	err := errors.RepositoryError("fetch source files").
//		WithCause(httpErr).
//		WithContext("project_id", projectID).
//		Build()
package errors
