package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	sv := NewSchemaValidation("JobContract", []Violation{{Path: "/spec/status", Message: "required"}})
	assert.Equal(t, "JobContract failed schema validation (1 violation(s))", sv.Error())

	nf := NewNotFound("job", "job-1")
	assert.Equal(t, "job not found: job-1", nf.Error())

	conflict := NewConflict("invalid transition", nil)
	assert.Equal(t, "invalid transition", conflict.Error())
}

func TestIsMatchesByKindNotIdentity(t *testing.T) {
	a := NewConflict("first conflict", nil)
	b := NewConflict("second conflict", nil)

	assert.True(t, errors.Is(a, b), "two distinct Conflict errors must compare equal under errors.Is")
	assert.False(t, errors.Is(a, NewNotFound("job", "x")))
}

func TestAsExtractsUnderlyingError(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w", NewPolicyViolation("limit exceeded", nil))

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, PolicyViolation, e.Kind)
}

func TestIsHelper(t *testing.T) {
	err := NewContractViolation("bad shape", "", nil)
	assert.True(t, Is(err, ContractViolation))
	assert.False(t, Is(err, Conflict))
	assert.Equal(t, "CONTRACT_VIOLATION", err.Code, "an empty code defaults to CONTRACT_VIOLATION")
}

func TestNewInternalUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := NewInternal(cause)
	assert.ErrorIs(t, err, cause)
}
