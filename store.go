package stoat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/google/uuid"
)

// EventStore is the process-wide handle over an adapter: it owns the event
// registry and the projection engine, and hands out sessions.
type EventStore struct {
	adapter     adapters.EventStoreAdapter
	registry    *EventRegistry
	projections *ProjectionEngine
	logger      Logger
	metrics     ProjectionMetrics
	publishers  []Publisher
	clock       func() time.Time
	newID       func() string
}

// Logger is the logging interface used by stoat. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// WithRegistry shares an existing event registry.
func WithRegistry(r *EventRegistry) Option {
	return func(es *EventStore) {
		es.registry = r
	}
}

// WithProjectionMetrics sets the metrics collector for projection folds.
func WithProjectionMetrics(m ProjectionMetrics) Option {
	return func(es *EventStore) {
		es.metrics = m
	}
}

// WithPublisher adds a publisher that receives every committed batch.
func WithPublisher(p Publisher) Option {
	return func(es *EventStore) {
		es.publishers = append(es.publishers, p)
	}
}

// WithClock sets the clock used to timestamp events and documents.
func WithClock(clock func() time.Time) Option {
	return func(es *EventStore) {
		es.clock = clock
	}
}

// WithIDGenerator sets the function generating event IDs.
func WithIDGenerator(fn func() string) Option {
	return func(es *EventStore) {
		es.newID = fn
	}
}

// New creates a new EventStore with the given adapter and options.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	s := &EventStore{
		adapter:  adapter,
		registry: NewEventRegistry(),
		logger:   &noopLogger{},
		metrics:  &noopProjectionMetrics{},
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.projections = newProjectionEngine(s)

	return s
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Registry returns the event registry.
func (s *EventStore) Registry() *EventRegistry {
	return s.registry
}

// Projections returns the projection engine.
func (s *EventStore) Projections() *ProjectionEngine {
	return s.projections
}

// RegisterEvents registers event payloads under their Go type names with the JSON codec.
func (s *EventStore) RegisterEvents(events ...interface{}) error {
	return s.registry.RegisterEvents(events...)
}

// RegisterProjection adds a projection to the engine.
func (s *EventStore) RegisterProjection(p Projector) error {
	return s.projections.Register(p)
}

// Validate checks registrations and fold tables for completeness.
func (s *EventStore) Validate() error {
	return s.projections.Validate()
}

// Initialize validates the configuration and prepares the adapter schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return s.adapter.Initialize(ctx)
}

// Close closes the adapter.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

// AppendOption configures StartStream and Append.
type AppendOption func(*appendConfig)

type appendConfig struct {
	expectedVersion int64
	metadata        Metadata
}

// ExpectVersion sets the version the stream must be at when the append commits.
// It is ignored by StartStream.
func ExpectVersion(v int64) AppendOption {
	return func(c *appendConfig) {
		c.expectedVersion = v
	}
}

// WithAppendMetadata sets metadata for all appended events.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// StartStream creates a stream and commits its first events, updating inline projections.
func (s *EventStore) StartStream(ctx context.Context, streamID, streamType string, events []interface{}, opts ...AppendOption) (CommitToken, error) {
	session := s.OpenSession()
	if err := session.StartStream(streamID, streamType, events, opts...); err != nil {
		return CommitToken{}, err
	}
	return commitSingle(ctx, session, streamID)
}

// Append commits events to an existing stream, updating inline projections.
// Appending never creates a stream.
func (s *EventStore) Append(ctx context.Context, streamID string, events []interface{}, opts ...AppendOption) (CommitToken, error) {
	session := s.OpenSession()
	if err := session.Append(streamID, events, opts...); err != nil {
		return CommitToken{}, err
	}
	return commitSingle(ctx, session, streamID)
}

func commitSingle(ctx context.Context, session *Session, streamID string) (CommitToken, error) {
	result, err := session.Commit(ctx)
	if err != nil {
		return CommitToken{}, err
	}
	token, _ := result.Stream(streamID)
	return token, nil
}

// ReadOption configures ReadStream.
type ReadOption func(*readConfig)

type readConfig struct {
	from int64
	to   int64
}

// FromVersion sets the first version to read. The default is 1.
func FromVersion(v int64) ReadOption {
	return func(c *readConfig) {
		c.from = v
	}
}

// ToVersion sets the last version to read. The default, 0, reads to the end.
func ToVersion(v int64) ReadOption {
	return func(c *readConfig) {
		c.to = v
	}
}

// ReadStream returns the decoded events of a stream in version order.
// Reading past the current version returns an empty slice.
func (s *EventStore) ReadStream(ctx context.Context, streamID string, opts ...ReadOption) ([]Event, error) {
	stored, err := s.ReadStreamRaw(ctx, streamID, opts...)
	if err != nil {
		return nil, err
	}
	return s.registry.DecodeAll(stored)
}

// ReadStreamRaw returns the stored events of a stream without decoding payloads.
func (s *EventStore) ReadStreamRaw(ctx context.Context, streamID string, opts ...ReadOption) ([]StoredEvent, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	cfg := readConfig{from: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.from < 1 || cfg.to < 0 {
		return nil, fmt.Errorf("%w: range %d..%d", ErrInvalidVersion, cfg.from, cfg.to)
	}

	stored, err := s.adapter.Load(ctx, streamID, cfg.from, cfg.to)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = []StoredEvent{}
	}
	return stored, nil
}

// CurrentVersion returns the version of a stream.
func (s *EventStore) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	info, err := s.StreamInfo(ctx, streamID)
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

// StreamInfo returns the header of a stream.
func (s *EventStore) StreamInfo(ctx context.Context, streamID string) (*StreamInfo, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	return s.adapter.GetStreamInfo(ctx, streamID)
}

// StreamExists reports whether a stream was started.
func (s *EventStore) StreamExists(ctx context.Context, streamID string) (bool, error) {
	_, err := s.StreamInfo(ctx, streamID)
	if errors.Is(err, ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
