// Package errs defines the control plane's closed error taxonomy.
// Every failure the core surfaces is one of these kinds; composition
// layers (the HTTP adapter) map a Kind to a transport status code.
// The core never recovers from its own taxonomy — it returns the
// first applicable kind and stops.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories the core can produce.
type Kind string

const (
	SchemaValidation Kind = "schema_validation"
	ContractViolation Kind = "contract_violation"
	PolicyViolation   Kind = "policy_violation"
	Conflict          Kind = "conflict"
	NotFound          Kind = "not_found"
	Internal          Kind = "internal"
)

// Violation is a single schema-validation failure, addressed by an
// RFC 6901 JSON Pointer into the document under validation.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is the single error type every core failure is expressed as.
// Fields not relevant to a given Kind are left zero.
type Error struct {
	Kind Kind

	// SchemaValidation
	SchemaKind string
	Violations []Violation

	// NotFound
	ResourceType string
	ResourceID   string

	// ContractViolation
	Code string

	// Conflict / PolicyViolation / ContractViolation
	Details any

	msg string
	wrapped error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.Kind {
	case SchemaValidation:
		return fmt.Sprintf("%s failed schema validation (%d violation(s))", e.SchemaKind, len(e.Violations))
	case NotFound:
		return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is supports errors.Is(err, errs.Conflict) style checks against a bare
// Kind sentinel by comparing kinds rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewSchemaValidation builds a SchemaValidation error carrying the
// complete, stably sorted violation list (§4.1 of the schema
// contract — callers must sort before constructing this).
func NewSchemaValidation(kind string, violations []Violation) *Error {
	return &Error{Kind: SchemaValidation, SchemaKind: kind, Violations: violations}
}

// NewNotFound builds a NotFound error for a missing resource.
func NewNotFound(resourceType, resourceID string) *Error {
	return &Error{Kind: NotFound, ResourceType: resourceType, ResourceID: resourceID}
}

// NewConflict builds a Conflict error (invalid transition, duplicate
// id, terminal job, rate exceeded).
func NewConflict(message string, details any) *Error {
	return &Error{Kind: Conflict, msg: message, Details: details}
}

// NewPolicyViolation builds a PolicyViolation error (org or global
// limits forbid the action).
func NewPolicyViolation(message string, details any) *Error {
	return &Error{Kind: PolicyViolation, msg: message, Details: details}
}

// NewContractViolation builds a ContractViolation error — the
// document passed schema but violates a structural invariant the
// schema cannot express.
func NewContractViolation(message, code string, details any) *Error {
	if code == "" {
		code = "CONTRACT_VIOLATION"
	}
	return &Error{Kind: ContractViolation, msg: message, Code: code, Details: details}
}

// NewInternal wraps an unexpected or programmer error.
func NewInternal(err error) *Error {
	return &Error{Kind: Internal, msg: err.Error(), wrapped: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
