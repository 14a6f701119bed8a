package adapters

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyError(t *testing.T) {
	t.Run("reports versions", func(t *testing.T) {
		err := NewConcurrencyError("quest-1", 2, 3)

		assert.Contains(t, err.Error(), `"quest-1"`)
		assert.Contains(t, err.Error(), "expected version 2, got 3")
		assert.True(t, errors.Is(err, ErrConcurrencyConflict))
		assert.False(t, errors.Is(err, ErrStreamNotFound))
	})

	t.Run("unknown actual version", func(t *testing.T) {
		err := NewConcurrencyError("quest-1", 2, -1)
		assert.Contains(t, err.Error(), "stream changed since version 2")
	})

	t.Run("errors.As through wrapping", func(t *testing.T) {
		wrapped := errors.Join(errors.New("context"), NewConcurrencyError("s", 1, 4))

		var target *ConcurrencyError
		require.True(t, errors.As(wrapped, &target))
		assert.Equal(t, int64(4), target.ActualVersion)
	})
}

func TestIdentityErrors(t *testing.T) {
	notFound := NewStreamNotFoundError("q2")
	assert.Equal(t, `stoat: stream "q2" not found`, notFound.Error())
	assert.True(t, errors.Is(notFound, ErrStreamNotFound))

	exists := NewStreamAlreadyExistsError("q1")
	assert.Equal(t, `stoat: stream "q1" already exists`, exists.Error())
	assert.True(t, errors.Is(exists, ErrStreamAlreadyExists))
	assert.False(t, errors.Is(exists, ErrStreamNotFound))
}

func TestValidateStart(t *testing.T) {
	records := []EventRecord{{Type: "QuestStarted"}}

	tests := []struct {
		name       string
		streamID   string
		streamType string
		events     []EventRecord
		want       error
	}{
		{"valid", "q1", "Quest", records, nil},
		{"empty stream ID", "", "Quest", records, ErrEmptyStreamID},
		{"empty stream type", "q1", "", records, ErrEmptyStreamType},
		{"no events", "q1", "Quest", nil, ErrEmptyStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStart(tt.streamID, tt.streamType, tt.events)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateAppend(t *testing.T) {
	records := []EventRecord{{Type: "MembersJoined"}}

	assert.NoError(t, ValidateAppend("q1", records, AnyVersion))
	assert.NoError(t, ValidateAppend("q1", records, 0))
	assert.ErrorIs(t, ValidateAppend("", records, AnyVersion), ErrEmptyStreamID)
	assert.ErrorIs(t, ValidateAppend("q1", nil, AnyVersion), ErrNoEvents)
	assert.ErrorIs(t, ValidateAppend("q1", records, -2), ErrInvalidVersion)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("q1", AnyVersion, 7))
	assert.NoError(t, CheckVersion("q1", 7, 7))

	err := CheckVersion("q1", 6, 7)
	var concurrencyErr *ConcurrencyError
	require.ErrorAs(t, err, &concurrencyErr)
	assert.Equal(t, int64(6), concurrencyErr.ExpectedVersion)
	assert.Equal(t, int64(7), concurrencyErr.ActualVersion)
}

func TestClampRange(t *testing.T) {
	tests := []struct {
		name             string
		from, to, cur    int64
		wantFrom, wantTo int64
		wantOK           bool
	}{
		{"defaults", 0, 0, 3, 1, 3, true},
		{"explicit range", 2, 3, 5, 2, 3, true},
		{"to beyond current", 1, 10, 3, 1, 3, true},
		{"from beyond current", 4, 0, 3, 4, 3, false},
		{"empty stream", 1, 0, 0, 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := ClampRange(tt.from, tt.to, tt.cur)
			assert.Equal(t, tt.wantFrom, from)
			assert.Equal(t, tt.wantTo, to)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestBuildStoredEvents(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []EventRecord{
		{ID: "a", Type: "MembersJoined", Data: []byte(`{}`), Timestamp: now},
		{ID: "b", Type: "ArrivedAtLocation", Data: []byte(`{}`), Timestamp: now},
	}

	stored := BuildStoredEvents("q1", 2, records)

	require.Len(t, stored, 2)
	assert.Equal(t, int64(3), stored[0].Version)
	assert.Equal(t, int64(4), stored[1].Version)
	assert.Equal(t, "q1", stored[1].StreamID)
	assert.Equal(t, "b", stored[1].ID)
	assert.Equal(t, now, stored[0].Timestamp)

	t.Run("fills missing ID and timestamp", func(t *testing.T) {
		stored := BuildStoredEvents("q1", 0, []EventRecord{{Type: "QuestStarted"}})

		assert.Len(t, stored[0].ID, 36)
		assert.False(t, stored[0].Timestamp.IsZero())
		assert.Equal(t, int64(1), stored[0].Version)
	})
}
