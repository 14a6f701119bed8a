package stoat

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
// Identity, concurrency and input errors are aliases of the adapters package errors.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrStreamAlreadyExists indicates the stream ID passed to StartStream is taken.
	ErrStreamAlreadyExists = adapters.ErrStreamAlreadyExists

	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrEmptyStream indicates a stream was started without events.
	ErrEmptyStream = adapters.ErrEmptyStream

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrEmptyStreamType indicates a stream was started without a stream type.
	ErrEmptyStreamType = adapters.ErrEmptyStreamType

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrMisconfigured matches every registration or fold-table defect.
	ErrMisconfigured = errors.New("stoat: misconfigured")

	// ErrUnknownEventKind indicates an event kind that was never registered.
	ErrUnknownEventKind = errors.New("stoat: unknown event kind")

	// ErrDuplicateKind indicates an event kind registered twice with different codecs.
	ErrDuplicateKind = errors.New("stoat: duplicate event kind")

	// ErrNoCreatorEvent indicates a fold that does not begin with a creator event.
	ErrNoCreatorEvent = errors.New("stoat: no creator event")

	// ErrNoApplyHandler indicates an event the projection must fold but cannot.
	ErrNoApplyHandler = errors.New("stoat: no apply handler")

	// ErrInvalidRegistration indicates an empty kind or nil codec.
	ErrInvalidRegistration = errors.New("stoat: invalid event registration")

	// ErrInvalidProjection indicates a projection without name or stream type.
	ErrInvalidProjection = errors.New("stoat: invalid projection")

	// ErrProjectionNotFound indicates no projection is registered under a name or stream type.
	ErrProjectionNotFound = errors.New("stoat: projection not found")

	// ErrProjectionAlreadyRegistered indicates a projection name is already in use.
	ErrProjectionAlreadyRegistered = errors.New("stoat: projection already registered")

	// ErrInvalidEventSequence indicates duplicate versions or events from several streams.
	ErrInvalidEventSequence = errors.New("stoat: invalid event sequence")

	// ErrUnexpectedPayload indicates a handler received a payload of the wrong Go type.
	ErrUnexpectedPayload = errors.New("stoat: unexpected event payload")

	// ErrDocumentNotFound indicates no materialized document exists for the key.
	ErrDocumentNotFound = errors.New("stoat: projection document not found")

	// ErrSessionClosed indicates the session was already committed or discarded.
	ErrSessionClosed = errors.New("stoat: session closed")
)

// ConcurrencyError provides details about a concurrency conflict.
type ConcurrencyError = adapters.ConcurrencyError

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError = adapters.StreamNotFoundError

// StreamAlreadyExistsError provides details about a stream ID collision.
type StreamAlreadyExistsError = adapters.StreamAlreadyExistsError

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(streamID, expected, actual)
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return adapters.NewStreamNotFoundError(streamID)
}

// NewStreamAlreadyExistsError creates a new StreamAlreadyExistsError.
func NewStreamAlreadyExistsError(streamID string) *StreamAlreadyExistsError {
	return adapters.NewStreamAlreadyExistsError(streamID)
}

// UnknownEventKindError is returned when resolving or encoding an unregistered kind.
type UnknownEventKindError struct {
	Kind string
}

// NewUnknownEventKindError creates a new UnknownEventKindError.
func NewUnknownEventKindError(kind string) *UnknownEventKindError {
	return &UnknownEventKindError{Kind: kind}
}

// Error implements the error interface.
func (e *UnknownEventKindError) Error() string {
	return fmt.Sprintf("stoat: unknown event kind %q", e.Kind)
}

// Is implements errors.Is compatibility.
func (e *UnknownEventKindError) Is(target error) bool {
	return target == ErrUnknownEventKind || target == ErrMisconfigured
}

// Unwrap returns the underlying sentinel error.
func (e *UnknownEventKindError) Unwrap() error {
	return ErrUnknownEventKind
}

// DuplicateKindError is returned when a kind is registered again with another codec.
type DuplicateKindError struct {
	Kind string
}

// NewDuplicateKindError creates a new DuplicateKindError.
func NewDuplicateKindError(kind string) *DuplicateKindError {
	return &DuplicateKindError{Kind: kind}
}

// Error implements the error interface.
func (e *DuplicateKindError) Error() string {
	return fmt.Sprintf("stoat: event kind %q already registered with a different codec", e.Kind)
}

// Is implements errors.Is compatibility.
func (e *DuplicateKindError) Is(target error) bool {
	return target == ErrDuplicateKind || target == ErrMisconfigured
}

// Unwrap returns the underlying sentinel error.
func (e *DuplicateKindError) Unwrap() error {
	return ErrDuplicateKind
}

// NoCreatorEventError is returned when a fold starts with an event the projection
// cannot create state from, or when a projection declares no creator at all.
type NoCreatorEventError struct {
	Projection string
	StreamID   string

	// EventType is empty when the projection has no creator registered.
	EventType string
}

// NewNoCreatorEventError creates a new NoCreatorEventError.
func NewNoCreatorEventError(projection, streamID, eventType string) *NoCreatorEventError {
	return &NoCreatorEventError{Projection: projection, StreamID: streamID, EventType: eventType}
}

// Error implements the error interface.
func (e *NoCreatorEventError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("stoat: projection %q has no creator event", e.Projection)
	}
	return fmt.Sprintf("stoat: projection %q cannot be created from %q (stream %q)",
		e.Projection, e.EventType, e.StreamID)
}

// Is implements errors.Is compatibility.
func (e *NoCreatorEventError) Is(target error) bool {
	return target == ErrNoCreatorEvent || target == ErrMisconfigured
}

// Unwrap returns the underlying sentinel error.
func (e *NoCreatorEventError) Unwrap() error {
	return ErrNoCreatorEvent
}

// NoApplyHandlerError is returned when an event must be folded into a projection
// that has no apply function for its kind.
type NoApplyHandlerError struct {
	Projection string
	EventType  string
	StreamID   string
}

// NewNoApplyHandlerError creates a new NoApplyHandlerError.
func NewNoApplyHandlerError(projection, eventType, streamID string) *NoApplyHandlerError {
	return &NoApplyHandlerError{Projection: projection, EventType: eventType, StreamID: streamID}
}

// Error implements the error interface.
func (e *NoApplyHandlerError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("stoat: projection %q has no apply handler for %q", e.Projection, e.EventType)
	}
	return fmt.Sprintf("stoat: projection %q has no apply handler for %q (stream %q)",
		e.Projection, e.EventType, e.StreamID)
}

// Is implements errors.Is compatibility.
func (e *NoApplyHandlerError) Is(target error) bool {
	return target == ErrNoApplyHandler || target == ErrMisconfigured
}

// Unwrap returns the underlying sentinel error.
func (e *NoApplyHandlerError) Unwrap() error {
	return ErrNoApplyHandler
}

// ProjectionError reports a failure while updating one projection document.
type ProjectionError struct {
	Projection string
	StreamID   string
	Err        error
}

// Error implements the error interface.
func (e *ProjectionError) Error() string {
	return fmt.Sprintf("stoat: projection %q failed for stream %q: %v", e.Projection, e.StreamID, e.Err)
}

// Unwrap returns the cause.
func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is a registration or fold-table defect.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrMisconfigured)
}

// ErrSerializationFailed indicates event or state encoding failed.
var ErrSerializationFailed = errors.New("stoat: serialization failed")

// SerializationError provides details about an encoding failure.
type SerializationError struct {
	EventType string
	Operation string
	Err       error
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, Operation: operation, Err: cause}
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("stoat: failed to %s %q: %v", e.Operation, e.EventType, e.Err)
}

// Is implements errors.Is compatibility.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the cause.
func (e *SerializationError) Unwrap() error {
	return e.Err
}
