package stoat

import (
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// AnyVersion skips version checking on Append.
const AnyVersion = adapters.AnyVersion

// StoredEvent is an event as persisted by the adapter, payload still encoded.
type StoredEvent = adapters.StoredEvent

// StreamInfo contains metadata about an event stream.
type StreamInfo = adapters.StreamInfo

// Metadata contains contextual information about an event.
// It supports distributed tracing, multi-tenancy, and custom key-value pairs.
type Metadata struct {
	// CorrelationID links related events across services for distributed tracing.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies the user who triggered this event.
	UserID string `json:"userId,omitempty"`

	// TenantID identifies the tenant for multi-tenant applications.
	TenantID string `json:"tenantId,omitempty"`

	// Custom contains arbitrary key-value pairs for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// WithCorrelationID returns a copy of Metadata with the correlation ID set.
func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

// WithCausationID returns a copy of Metadata with the causation ID set.
func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

// WithUserID returns a copy of Metadata with the user ID set.
func (m Metadata) WithUserID(id string) Metadata {
	m.UserID = id
	return m
}

// WithTenantID returns a copy of Metadata with the tenant ID set.
func (m Metadata) WithTenantID(id string) Metadata {
	m.TenantID = id
	return m
}

// WithCustom returns a copy of Metadata with a custom key-value pair added.
func (m Metadata) WithCustom(key, value string) Metadata {
	custom := make(map[string]string, len(m.Custom)+1)
	for k, v := range m.Custom {
		custom[k] = v
	}
	custom[key] = value
	m.Custom = custom
	return m
}

// IsEmpty reports whether the Metadata has no values set.
func (m Metadata) IsEmpty() bool {
	return m.CorrelationID == "" &&
		m.CausationID == "" &&
		m.UserID == "" &&
		m.TenantID == "" &&
		len(m.Custom) == 0
}

func (m Metadata) toAdapter() adapters.Metadata {
	return adapters.Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		Custom:        m.Custom,
	}
}

func metadataFromAdapter(m adapters.Metadata) Metadata {
	return Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		Custom:        m.Custom,
	}
}

// Event is a decoded event read from a stream.
type Event struct {
	// ID is the globally unique event identifier.
	ID string

	// StreamID identifies the stream this event belongs to.
	StreamID string

	// Type is the registered event kind.
	Type string

	// Version is the 1-based sequence number within the stream.
	Version int64

	// Data is the decoded payload.
	Data interface{}

	Metadata Metadata

	// GlobalPosition is the position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was committed.
	Timestamp time.Time
}

// NewEvent builds an in-memory event. It is mostly useful for folding
// events that never touched a store, for example in tests.
func NewEvent(streamID, kind string, version int64, data interface{}) Event {
	return Event{StreamID: streamID, Type: kind, Version: version, Data: data}
}

func eventFromStored(stored StoredEvent, data interface{}) Event {
	return Event{
		ID:             stored.ID,
		StreamID:       stored.StreamID,
		Type:           stored.Type,
		Version:        stored.Version,
		Data:           data,
		Metadata:       metadataFromAdapter(stored.Metadata),
		GlobalPosition: stored.GlobalPosition,
		Timestamp:      stored.Timestamp,
	}
}
