package adapters

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnyVersion skips the expected version check on Append.
const AnyVersion int64 = -1

// ConcurrencyError provides details about a concurrency conflict.
// It is returned when an expected version does not match the stream version.
// ActualVersion is -1 when the backend only reports that a conflict happened.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		StreamID:        streamID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	if e.ActualVersion < 0 {
		return fmt.Sprintf("stoat: concurrency conflict on stream %q: stream changed since version %d",
			e.StreamID, e.ExpectedVersion)
	}
	return fmt.Sprintf("stoat: concurrency conflict on stream %q: expected version %d, got %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// Is implements errors.Is compatibility.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError is returned when an operation requires a stream that was never started.
type StreamNotFoundError struct {
	StreamID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stoat: stream %q not found", e.StreamID)
}

// Is implements errors.Is compatibility.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// StreamAlreadyExistsError is returned when starting a stream whose ID is taken.
type StreamAlreadyExistsError struct {
	StreamID string
}

// NewStreamAlreadyExistsError creates a new StreamAlreadyExistsError.
func NewStreamAlreadyExistsError(streamID string) *StreamAlreadyExistsError {
	return &StreamAlreadyExistsError{StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamAlreadyExistsError) Error() string {
	return fmt.Sprintf("stoat: stream %q already exists", e.StreamID)
}

// Is implements errors.Is compatibility.
func (e *StreamAlreadyExistsError) Is(target error) bool {
	return target == ErrStreamAlreadyExists
}

// ValidateStart checks the inputs of a StartStream call.
func ValidateStart(streamID, streamType string, events []EventRecord) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	if streamType == "" {
		return ErrEmptyStreamType
	}
	if len(events) == 0 {
		return ErrEmptyStream
	}
	return nil
}

// ValidateAppend checks the inputs of an Append call.
func ValidateAppend(streamID string, events []EventRecord, expectedVersion int64) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	if expectedVersion < AnyVersion {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, expectedVersion)
	}
	return nil
}

// CheckVersion compares an expected version against the current stream version.
func CheckVersion(streamID string, expected, current int64) error {
	if expected == AnyVersion || expected == current {
		return nil
	}
	return NewConcurrencyError(streamID, expected, current)
}

// ClampRange normalizes a read range: from defaults to 1, to of 0 means latest.
// It reports false when the range selects nothing.
func ClampRange(fromVersion, toVersion, current int64) (int64, int64, bool) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion <= 0 || toVersion > current {
		toVersion = current
	}
	return fromVersion, toVersion, fromVersion <= toVersion
}

// BuildStoredEvents assigns consecutive versions to records following fromVersion.
// Records without an ID or timestamp get a random UUID and the current time.
func BuildStoredEvents(streamID string, fromVersion int64, records []EventRecord) []StoredEvent {
	now := time.Now().UTC()
	stored := make([]StoredEvent, len(records))
	for i, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		stored[i] = StoredEvent{
			ID:        r.ID,
			StreamID:  streamID,
			Type:      r.Type,
			Data:      r.Data,
			Metadata:  r.Metadata,
			Version:   fromVersion + int64(i) + 1,
			Timestamp: r.Timestamp,
		}
	}
	return stored
}
