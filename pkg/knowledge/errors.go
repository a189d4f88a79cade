package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

// ParseError means the LLM text was not valid JSON after fence stripping.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("response is not valid JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError means the JSON was well-formed but violated the payload
// schema.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "payload validation failed: " + strings.Join(e.Issues, "; ")
}

// ProviderError wraps an LLM call failure (transport error or timeout).
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider call failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ConflictError means a conditional write lost to a concurrent writer: a
// supersede on an already-superseded item, or a profile update against a
// stale version. Retryable for the version case.
type ConflictError struct {
	Op string
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s", e.Op, e.ID)
}

// NotFoundError means the referenced item, user or profile does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
