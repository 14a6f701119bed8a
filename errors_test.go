package stoat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyError(t *testing.T) {
	t.Run("Error message", func(t *testing.T) {
		err := NewConcurrencyError("acc-123", 5, 7)

		assert.Contains(t, err.Error(), "acc-123")
		assert.Contains(t, err.Error(), "expected version 5, got 7")
	})

	t.Run("unknown actual version", func(t *testing.T) {
		err := NewConcurrencyError("acc-123", 5, -1)

		assert.Contains(t, err.Error(), "changed since version 5")
	})

	t.Run("Is ErrConcurrencyConflict", func(t *testing.T) {
		err := NewConcurrencyError("acc-123", 5, 7)

		assert.True(t, errors.Is(err, ErrConcurrencyConflict))
		assert.False(t, errors.Is(err, ErrStreamNotFound))
	})

	t.Run("errors.As extracts details through wrapping", func(t *testing.T) {
		err := fmt.Errorf("commit: %w", NewConcurrencyError("acc-123", 5, 7))

		var concErr *ConcurrencyError
		require.True(t, errors.As(err, &concErr))
		assert.Equal(t, "acc-123", concErr.StreamID)
		assert.Equal(t, int64(5), concErr.ExpectedVersion)
		assert.Equal(t, int64(7), concErr.ActualVersion)
	})
}

func TestIdentityErrors(t *testing.T) {
	notFound := NewStreamNotFoundError("acc-456")
	assert.Contains(t, notFound.Error(), "acc-456")
	assert.ErrorIs(t, notFound, ErrStreamNotFound)
	assert.NotErrorIs(t, notFound, ErrStreamAlreadyExists)

	exists := NewStreamAlreadyExistsError("acc-456")
	assert.Contains(t, exists.Error(), "already exists")
	assert.ErrorIs(t, exists, ErrStreamAlreadyExists)
	assert.NotErrorIs(t, exists, ErrStreamNotFound)
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{"unknown kind", NewUnknownEventKindError("Closed"), ErrUnknownEventKind, `unknown event kind "Closed"`},
		{"duplicate kind", NewDuplicateKindError("Opened"), ErrDuplicateKind, `"Opened" already registered`},
		{"no creator", NewNoCreatorEventError("account", "acc-1", "Deposited"), ErrNoCreatorEvent, `cannot be created from "Deposited"`},
		{"no creator at all", NewNoCreatorEventError("account", "", ""), ErrNoCreatorEvent, "has no creator event"},
		{"no apply", NewNoApplyHandlerError("account", "Frozen", "acc-1"), ErrNoApplyHandler, `(stream "acc-1")`},
		{"no apply at startup", NewNoApplyHandlerError("account", "Frozen", ""), ErrNoApplyHandler, `no apply handler for "Frozen"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.ErrorIs(t, tt.err, ErrMisconfigured)
			assert.True(t, IsConfigurationError(tt.err))
			assert.Equal(t, tt.sentinel, errors.Unwrap(tt.err))
			assert.Contains(t, tt.err.Error(), tt.message)
		})
	}

	assert.False(t, IsConfigurationError(NewStreamNotFoundError("acc-1")))
	assert.False(t, IsConfigurationError(nil))
}

func TestProjectionError(t *testing.T) {
	cause := NewNoApplyHandlerError("account", "Frozen", "acc-1")
	err := &ProjectionError{Projection: "account", StreamID: "acc-1", Err: cause}

	assert.Contains(t, err.Error(), `projection "account" failed for stream "acc-1"`)
	assert.ErrorIs(t, err, ErrNoApplyHandler)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestSerializationError(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := NewSerializationError("Opened", "decode", cause)

	assert.Equal(t, `stoat: failed to decode "Opened": unexpected end of JSON input`, err.Error())
	assert.ErrorIs(t, err, ErrSerializationFailed)
	assert.ErrorIs(t, err, cause)
}
