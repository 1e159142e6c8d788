package graph

import "fmt"

// ErrorKind enumerates the engine-wide error taxonomy (spec §7). Every
// failure that crosses a component boundary is an *Error of one of these
// kinds; substrate-specific strings never leak past the connection layer.
type ErrorKind string

const (
	KindMalformed    ErrorKind = "malformed"
	KindValidation   ErrorKind = "validation"
	KindConstraint   ErrorKind = "constraint"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindTimeout      ErrorKind = "timeout"
	KindMemoryLimit  ErrorKind = "memory_limit"
	KindInternal     ErrorKind = "internal"
)

// ConstraintKind enumerates the Constraint{kind} values from §7.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "PrimaryKey"
	ConstraintUnique     ConstraintKind = "Unique"
	ConstraintForeignKey ConstraintKind = "ForeignKey"
	ConstraintCheck      ConstraintKind = "Check"
	ConstraintDependency ConstraintKind = "Dependency"
	ConstraintCycle      ConstraintKind = "Cycle"
	ConstraintOrphan     ConstraintKind = "Orphan"
)

// Error is the single sum type every component returns for a recoverable
// failure (Design Note "Error exceptions -> sum type"). Only the fields
// relevant to Kind are populated.
type Error struct {
	Kind ErrorKind

	// Malformed
	Offset int64

	// Validation
	Field string
	Rule  string
	Value string

	// Constraint (ConstraintKind, Detail) / Conflict (Detail)
	ConstraintKind ConstraintKind
	Detail         string

	// NotFound
	Entity string
	ID     string

	// Timeout
	Scope string

	// MemoryLimit
	CurrentMB int
	LimitMB   int

	// Internal
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMalformed:
		return fmt.Sprintf("malformed input at offset %d", e.Offset)
	case KindValidation:
		return fmt.Sprintf("validation failed: field %q rule %q value %q", e.Field, e.Rule, e.Value)
	case KindConstraint:
		if e.Detail != "" {
			return fmt.Sprintf("constraint %s: %s", e.ConstraintKind, e.Detail)
		}
		return fmt.Sprintf("constraint %s violated", e.ConstraintKind)
	case KindNotFound:
		return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
	case KindConflict:
		return fmt.Sprintf("conflict: %s", e.Detail)
	case KindTimeout:
		return fmt.Sprintf("timeout: %s", e.Scope)
	case KindMemoryLimit:
		return fmt.Sprintf("memory limit exceeded: %dMB > %dMB", e.CurrentMB, e.LimitMB)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("internal: %s: %v", e.Message, e.Cause)
		}
		return fmt.Sprintf("internal: %s", e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, graph.ErrNotFound) match any *Error of that kind,
// ignoring the attached detail fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel kinds for errors.Is comparisons. Detail fields are zero; callers
// compare only the Kind.
var (
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrMemoryLimit = &Error{Kind: KindMemoryLimit}
	ErrMalformed   = &Error{Kind: KindMalformed}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrConstraint  = &Error{Kind: KindConstraint}
)

// NotFound builds a KindNotFound error for entity/id.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

// Constraint builds a KindConstraint error.
func Constraint(kind ConstraintKind, detail string) *Error {
	return &Error{Kind: KindConstraint, ConstraintKind: kind, Detail: detail}
}

// Validation builds a KindValidation error.
func Validation(field, rule, value string) *Error {
	return &Error{Kind: KindValidation, Field: field, Rule: rule, Value: value}
}

// Malformed builds a KindMalformed error.
func Malformed(offset int64) *Error {
	return &Error{Kind: KindMalformed, Offset: offset}
}

// Internal builds a KindInternal error wrapping cause.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// Timeout builds a KindTimeout error.
func Timeout(scope string) *Error {
	return &Error{Kind: KindTimeout, Scope: scope}
}

// MemoryLimit builds a KindMemoryLimit error.
func MemoryLimit(currentMB, limitMB int) *Error {
	return &Error{Kind: KindMemoryLimit, CurrentMB: currentMB, LimitMB: limitMB}
}

// Conflict builds a KindConflict error.
func Conflict(detail string) *Error {
	return &Error{Kind: KindConflict, Detail: detail}
}
