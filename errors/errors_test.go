package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrLockHeld, "acquire ingest lock")

	assert.Contains(t, wrapped.Error(), "acquire ingest lock")
	assert.True(t, Is(wrapped, ErrLockHeld))
	assert.False(t, Is(wrapped, ErrNotFound))
}

func TestWithDetailKeepsMessage(t *testing.T) {
	err := WithDetail(New("claim failed"), fmt.Sprintf("Execution ID: %s", "EX123"))

	assert.Equal(t, "claim failed", err.Error())
	assert.Contains(t, FlattenDetails(err), "Execution ID: EX123")
}

func TestGetStack(t *testing.T) {
	err := Wrap(New("boom"), "context")
	require.NotNil(t, GetStack(err))
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
		invalid  bool
		conflict bool
	}{
		{"nil", nil, false, false, false},
		{"not found", NewNotFoundError("execution %s", "EX1"), true, false, false},
		{"invalid request", NewInvalidRequestError("workflow is required"), false, true, false},
		{"unknown workflow", Wrap(ErrUnknownWorkflow, "ingest@2.0.0"), false, true, false},
		{"conflict", Wrap(ErrConflict, "schedule version"), false, false, true},
		{"transition", NewInvalidTransitionError("execution", "EX1", "completed", "cancelled"), false, false, true},
		{"plain", New("disk on fire"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFoundError(tt.err))
			assert.Equal(t, tt.invalid, IsInvalidRequestError(tt.err))
			assert.Equal(t, tt.conflict, IsConflictError(tt.err))
		})
	}
}

func TestNewInvalidTransitionError(t *testing.T) {
	err := NewInvalidTransitionError("run", "RN1", "failed", "running")

	assert.Contains(t, err.Error(), "run RN1 cannot move from failed to running")
	assert.True(t, Is(err, ErrInvalidTransition))
	assert.NotEmpty(t, GetAllDetails(err))
}
