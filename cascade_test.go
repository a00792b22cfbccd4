package cascade

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeClient, CodeOf(NewError(CodeClient, "bad input")))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("outer: %w", NewError(CodeNotFound, "no such run"))))
	// Errors outside the taxonomy are treated as retryable.
	assert.Equal(t, CodeTransient, CodeOf(errors.New("socket closed")))
}

func TestTypeOf(t *testing.T) {
	assert.Empty(t, TypeOf(nil))
	assert.Empty(t, TypeOf(NewError(CodePrecondition, "closed")))
	assert.Equal(t, "WorkflowClosed", TypeOf(NewTypedError(CodePrecondition, "WorkflowClosed", "run %q is closed", "r1")))
}

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "run not found", NewError(CodeNotFound, "run not found").Error())
	assert.Equal(t, "IDReusePolicy: id taken", NewTypedError(CodePrecondition, "IDReusePolicy", "id taken").Error())
}

func TestWrapErrorPreservesCause(t *testing.T) {
	sentinel := errors.New("connection reset")
	err := WrapError(CodeTransient, sentinel, "append to run %q", "r1")
	assert.Equal(t, CodeTransient, CodeOf(err))
	assert.ErrorIs(t, err, sentinel)
}

func TestFailureFromError(t *testing.T) {
	assert.Nil(t, FailureFromError(nil))

	plain := FailureFromError(errors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, "boom", plain.Message)
	assert.Empty(t, plain.Type)

	wrapped := WrapError(CodeTransient, NewTypedError(CodeClient, "Validation", "amount must be positive"), "schedule activity")
	f := FailureFromError(wrapped)
	require.NotNil(t, f)
	assert.Equal(t, "schedule activity", f.Message)
	require.NotNil(t, f.Cause)
	assert.Equal(t, "Validation", f.Cause.Type)
	assert.Equal(t, "amount must be positive", f.Cause.Message)
}

func TestPayloadIsZero(t *testing.T) {
	assert.True(t, Payload{}.IsZero())
	assert.False(t, Payload{Encoding: "json/plain"}.IsZero())
	assert.False(t, Payload{Data: []byte("x")}.IsZero())
}
