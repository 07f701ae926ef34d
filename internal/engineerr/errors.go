// Package engineerr defines the error taxonomy surfaced by the query engine.
//
// Every concrete error type matches one of the exported sentinel kinds via
// errors.Is, so callers can branch on the kind without knowing the concrete
// type. Use errors.As to reach the details.
package engineerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel kinds.
var (
	ErrSchema                = errors.New("schema error")
	ErrValidation            = errors.New("validation error")
	ErrInvalidFilter         = errors.New("invalid filter")
	ErrNotFound              = errors.New("not found")
	ErrConstraint            = errors.New("constraint violation")
	ErrConsistency           = errors.New("consistency violation")
	ErrSerializationConflict = errors.New("serialization conflict")
	ErrTransactionTimeout    = errors.New("transaction timeout")
)

// Issue is a single offending path in a batch-shaped failure.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Issues accumulates violations so a failure can report all of them at once.
type Issues []Issue

// Add appends a formatted issue.
func (is *Issues) Add(path, format string, args ...any) {
	*is = append(*is, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Empty reports whether no issue was recorded.
func (is Issues) Empty() bool {
	return len(is) == 0
}

func (is Issues) join() string {
	parts := make([]string, len(is))
	for i, issue := range is {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}

// SchemaError reports every violation found while registering entities.
type SchemaError struct {
	Issues Issues
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %d issue(s): %s", len(e.Issues), e.Issues.join())
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

func (e *SchemaError) Code() string { return "SCHEMA" }

// ValidationError reports a payload that violates static invariants.
type ValidationError struct {
	Entity string
	Issues Issues
}

func (e *ValidationError) Error() string {
	prefix := "validation"
	if e.Entity != "" {
		prefix = "validation of " + e.Entity
	}
	return fmt.Sprintf("%s: %d issue(s): %s", prefix, len(e.Issues), e.Issues.join())
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Code() string { return "VALIDATION" }

// NewValidation builds a ValidationError with a single issue.
func NewValidation(entity, path, format string, args ...any) *ValidationError {
	var issues Issues
	issues.Add(path, format, args...)
	return &ValidationError{Entity: entity, Issues: issues}
}

// InvalidFilterError reports unknown fields or incompatible operators in a
// predicate tree. It is also a validation failure.
type InvalidFilterError struct {
	Entity string
	Issues Issues
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter on %s: %s", e.Entity, e.Issues.join())
}

func (e *InvalidFilterError) Is(target error) bool {
	return target == ErrInvalidFilter || target == ErrValidation
}

func (e *InvalidFilterError) Code() string { return "INVALID_FILTER" }

// NotFoundError reports an absent entity, relation, field or record.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Code() string { return "NOT_FOUND" }

// ConstraintKind classifies a ConstraintError.
type ConstraintKind string

const (
	ConstraintUnique           ConstraintKind = "unique"
	ConstraintForeignKey       ConstraintKind = "foreign_key"
	ConstraintNotNull          ConstraintKind = "not_null"
	ConstraintRequiredRelation ConstraintKind = "required_relation"
)

// ConstraintError reports a write that would break uniqueness or referential integrity.
type ConstraintError struct {
	Kind    ConstraintKind
	Entity  string
	Target  string
	Message string
	Err     error
}

func (e *ConstraintError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s constraint on %s: %s", e.Kind, e.Entity, msg)
	}
	return fmt.Sprintf("%s constraint: %s", e.Kind, msg)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func (e *ConstraintError) Is(target error) bool { return target == ErrConstraint }

func (e *ConstraintError) Code() string { return "CONSTRAINT" }

// ConsistencyError reports stored data that violates a declared mandatory relation.
type ConsistencyError struct {
	Entity   string
	Relation string
	Key      string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("mandatory relation %s.%s has no related row for %s", e.Entity, e.Relation, e.Key)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

func (e *ConsistencyError) Code() string { return "CONSISTENCY" }

// SerializationConflictError is transient; the caller may retry the whole unit.
type SerializationConflictError struct {
	Err error
}

func (e *SerializationConflictError) Error() string {
	if e.Err == nil {
		return "serialization conflict"
	}
	return "serialization conflict: " + e.Err.Error()
}

func (e *SerializationConflictError) Unwrap() error { return e.Err }

func (e *SerializationConflictError) Is(target error) bool { return target == ErrSerializationConflict }

func (e *SerializationConflictError) Code() string { return "SERIALIZATION_CONFLICT" }

// TimeoutPhase tells which bound of an interactive session was exceeded.
type TimeoutPhase string

const (
	PhaseAcquire TimeoutPhase = "acquire"
	PhaseSession TimeoutPhase = "session"
)

// TransactionTimeoutError reports a session that exceeded maxWait or timeout.
// The session has been rolled back when this is returned.
type TransactionTimeoutError struct {
	Phase TimeoutPhase
	Limit time.Duration
	Err   error
}

func (e *TransactionTimeoutError) Error() string {
	if e.Phase == PhaseAcquire {
		return fmt.Sprintf("transaction: waited more than %s for a connection", e.Limit)
	}
	return fmt.Sprintf("transaction: exceeded timeout of %s and was rolled back", e.Limit)
}

func (e *TransactionTimeoutError) Unwrap() error { return e.Err }

func (e *TransactionTimeoutError) Is(target error) bool { return target == ErrTransactionTimeout }

func (e *TransactionTimeoutError) Code() string { return "TRANSACTION_TIMEOUT" }

// Retryable reports whether err is safe to retry as a whole unit.
func Retryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict)
}

// Code returns the stable code of the first coded error in err's chain, or
// "INTERNAL" when there is none.
func Code(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "INTERNAL"
}
