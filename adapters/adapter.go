// Package adapters defines the storage contract used by the stoat event store.
// Backends (memory, sqlite, postgres, badger) implement EventStoreAdapter and
// hand out transactions in which streams are started, appended to and in which
// projection documents are written.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all adapters.
var (
	// ErrConcurrencyConflict indicates that an optimistic concurrency check failed.
	ErrConcurrencyConflict = errors.New("stoat: concurrency conflict")

	// ErrStreamNotFound indicates that the requested stream does not exist.
	ErrStreamNotFound = errors.New("stoat: stream not found")

	// ErrStreamAlreadyExists indicates that a stream with the same ID was already started.
	ErrStreamAlreadyExists = errors.New("stoat: stream already exists")

	// ErrEmptyStream indicates that a stream was started without events.
	ErrEmptyStream = errors.New("stoat: stream must start with at least one event")

	// ErrNoEvents indicates that an append carried no events.
	ErrNoEvents = errors.New("stoat: no events to append")

	// ErrEmptyStreamID indicates that an empty stream ID was provided.
	ErrEmptyStreamID = errors.New("stoat: stream ID is required")

	// ErrEmptyStreamType indicates that a stream was started without a stream type.
	ErrEmptyStreamType = errors.New("stoat: stream type is required")

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = errors.New("stoat: invalid version")

	// ErrAdapterClosed indicates that the adapter has been closed.
	ErrAdapterClosed = errors.New("stoat: adapter is closed")

	// ErrTransactionDone indicates that the transaction was already committed or rolled back.
	ErrTransactionDone = errors.New("stoat: transaction already finished")

	// ErrNotSupported indicates that the adapter does not implement an optional capability.
	ErrNotSupported = errors.New("stoat: operation not supported by adapter")
)

// Metadata carries contextual information stored alongside an event.
type Metadata struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	TenantID      string            `json:"tenantId,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
}

// EventRecord is an encoded event ready to be persisted.
// ID and Timestamp are assigned by the store before the record reaches the adapter.
type EventRecord struct {
	ID        string
	Type      string
	Data      []byte
	Metadata  Metadata
	Timestamp time.Time
}

// StoredEvent is an event as it exists in the log.
type StoredEvent struct {
	ID             string
	StreamID       string
	Type           string
	Data           []byte
	Metadata       Metadata
	Version        int64
	GlobalPosition uint64
	Timestamp      time.Time
}

// StreamInfo describes a stream header.
type StreamInfo struct {
	StreamID   string
	StreamType string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AppendResult describes what a transaction wrote to one stream.
type AppendResult struct {
	StreamID   string
	StreamType string

	// FromVersion is the stream version before the write (0 for a new stream).
	FromVersion int64

	// Version is the stream version after the write.
	Version int64

	Events []StoredEvent
}

// DocumentRecord is a persisted projection state.
type DocumentRecord struct {
	Projection string
	Key        string

	// Version is the stream version the document was folded through.
	Version int64

	Data      []byte
	UpdatedAt time.Time
}

// EventStoreAdapter is the interface every storage backend implements.
type EventStoreAdapter interface {
	// BeginTx starts a transaction. All writes go through a transaction.
	BeginTx(ctx context.Context) (Transaction, error)

	// Load returns the events of a stream with fromVersion <= version <= toVersion.
	// A toVersion of 0 means the latest version. Returns a StreamNotFoundError
	// when the stream does not exist.
	Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error)

	// GetStreamInfo returns the stream header or a StreamNotFoundError.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// LoadDocument returns a projection document, or nil when none exists.
	LoadDocument(ctx context.Context, projection, key string) (*DocumentRecord, error)

	// Initialize creates the schema the adapter needs.
	Initialize(ctx context.Context) error

	// Close releases resources held by the adapter.
	Close() error
}

// Transaction is a unit of atomic work against an adapter.
// Stream reads inside a transaction lock the stream for the remainder of the
// transaction where the backend supports it.
type Transaction interface {
	// StartStream creates a stream with versions 1..len(events).
	// Returns a StreamAlreadyExistsError when the stream exists.
	StartStream(ctx context.Context, streamID, streamType string, events []EventRecord) (*AppendResult, error)

	// Append adds events to an existing stream. expectedVersion of AnyVersion
	// skips the version check. Returns a StreamNotFoundError for unknown
	// streams and a ConcurrencyError on version mismatch.
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64) (*AppendResult, error)

	// Load reads events as seen by the transaction, including its own writes.
	Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error)

	// GetStreamInfo reads a stream header as seen by the transaction.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// LoadDocument reads a projection document as seen by the transaction.
	LoadDocument(ctx context.Context, projection, key string) (*DocumentRecord, error)

	// SaveDocument inserts or replaces a projection document.
	SaveDocument(ctx context.Context, doc DocumentRecord) error

	Commit() error
	Rollback() error
}

// StreamLister is implemented by adapters that can enumerate streams of one type.
// Results are ordered by stream ID and start strictly after afterStreamID.
type StreamLister interface {
	ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]StreamInfo, error)
}

// HealthChecker is implemented by adapters backed by a remote database.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
