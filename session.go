package stoat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// CommitToken describes the outcome of a commit for one stream.
type CommitToken struct {
	StreamID   string
	StreamType string

	// FromVersion is the stream version before the commit (0 for new streams).
	FromVersion int64

	// Version is the stream version after the commit.
	Version int64

	CommittedAt time.Time
}

// CommitResult is returned by a successful Session.Commit.
type CommitResult struct {
	// Streams holds one token per touched stream, ordered by stream ID.
	Streams []CommitToken

	// ProjectionErrors lists inline projections left behind because they have
	// no apply handler for a committed event. The events themselves committed.
	ProjectionErrors []ProjectionError
}

// Stream returns the token for streamID.
func (r *CommitResult) Stream(streamID string) (CommitToken, bool) {
	for _, t := range r.Streams {
		if t.StreamID == streamID {
			return t, true
		}
	}
	return CommitToken{}, false
}

// Version returns the final version of streamID, or 0 if it was not touched.
func (r *CommitResult) Version(streamID string) int64 {
	t, _ := r.Stream(streamID)
	return t.Version
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionMetadata sets default metadata for every event staged in the session.
func WithSessionMetadata(m Metadata) SessionOption {
	return func(s *Session) {
		s.metadata = m
	}
}

type intentKind int

const (
	startIntent intentKind = iota
	appendIntent
)

type intent struct {
	kind            intentKind
	streamID        string
	streamType      string
	expectedVersion int64
	records         []adapters.EventRecord
}

// Session is a unit of work. It stages stream starts and appends, then commits
// them atomically with their inline projection updates. A session is committed
// at most once and is not meant to be shared between goroutines, although its
// methods are safe for concurrent use.
type Session struct {
	store    *EventStore
	metadata Metadata

	mu      sync.Mutex
	intents []intent
	closed  bool
}

// OpenSession returns a fresh session bound to one commit.
func (s *EventStore) OpenSession(opts ...SessionOption) *Session {
	session := &Session{store: s}
	for _, opt := range opts {
		opt(session)
	}
	return session
}

// StartStream stages the creation of a stream. Input errors are returned
// immediately; existence is checked at commit.
func (s *Session) StartStream(streamID, streamType string, events []interface{}, opts ...AppendOption) error {
	cfg := s.appendConfig(opts)
	records, err := s.encode(events, cfg.metadata)
	if err != nil {
		return err
	}
	if err := adapters.ValidateStart(streamID, streamType, records); err != nil {
		return err
	}
	return s.stage(intent{
		kind:            startIntent,
		streamID:        streamID,
		streamType:      streamType,
		expectedVersion: AnyVersion,
		records:         records,
	})
}

// Append stages events for an existing stream. The stream must exist at commit.
func (s *Session) Append(streamID string, events []interface{}, opts ...AppendOption) error {
	cfg := s.appendConfig(opts)
	records, err := s.encode(events, cfg.metadata)
	if err != nil {
		return err
	}
	if err := adapters.ValidateAppend(streamID, records, cfg.expectedVersion); err != nil {
		return err
	}
	return s.stage(intent{
		kind:            appendIntent,
		streamID:        streamID,
		expectedVersion: cfg.expectedVersion,
		records:         records,
	})
}

// Pending returns the number of staged intents.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}

// Discard drops all staged intents and closes the session.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = nil
	s.closed = true
}

// Commit applies every staged intent in a single transaction. On any failure
// nothing is persisted and the error is returned unchanged.
func (s *Session) Commit(ctx context.Context) (*CommitResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.closed = true
	intents := s.intents
	s.intents = nil
	s.mu.Unlock()

	if len(intents) == 0 {
		return &CommitResult{}, nil
	}
	return s.store.commit(ctx, intents)
}

func (s *Session) appendConfig(opts []AppendOption) appendConfig {
	cfg := appendConfig{expectedVersion: AnyVersion, metadata: s.metadata}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (s *Session) encode(events []interface{}, metadata Metadata) ([]adapters.EventRecord, error) {
	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		kind, data, err := s.store.registry.Encode(event)
		if err != nil {
			return nil, err
		}
		records[i] = adapters.EventRecord{
			Type:     kind,
			Data:     data,
			Metadata: metadata.toAdapter(),
		}
	}
	return records, nil
}

func (s *Session) stage(in intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.intents = append(s.intents, in)
	return nil
}

// commit runs intents in stream ID order so that concurrent sessions lock
// streams in the same order.
func (s *EventStore) commit(ctx context.Context, intents []intent) (*CommitResult, error) {
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].streamID < intents[j].streamID
	})

	now := s.clock()
	for i := range intents {
		for j := range intents[i].records {
			intents[i].records[j].ID = s.newID()
			intents[i].records[j].Timestamp = now
		}
	}

	tx, err := s.adapter.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	writes := make(map[string]*adapters.AppendResult)
	var order []string
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var res *adapters.AppendResult
		switch in.kind {
		case startIntent:
			res, err = tx.StartStream(ctx, in.streamID, in.streamType, in.records)
		case appendIntent:
			res, err = tx.Append(ctx, in.streamID, in.records, in.expectedVersion)
		}
		if err != nil {
			s.logger.Debug("Rejected session commit", "streamID", in.streamID, "error", err)
			return nil, err
		}

		if prev, ok := writes[in.streamID]; ok {
			prev.Version = res.Version
			prev.Events = append(prev.Events, res.Events...)
			continue
		}
		writes[in.streamID] = res
		order = append(order, in.streamID)
	}

	result := &CommitResult{}
	for _, id := range order {
		write := writes[id]
		events, err := s.registry.DecodeAll(write.Events)
		if err != nil {
			return nil, err
		}
		isolated, err := s.projections.applyInline(ctx, tx, write, events)
		if err != nil {
			return nil, err
		}
		result.ProjectionErrors = append(result.ProjectionErrors, isolated...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	batches := make([]CommittedStream, 0, len(order))
	for _, id := range order {
		write := writes[id]
		result.Streams = append(result.Streams, CommitToken{
			StreamID:    write.StreamID,
			StreamType:  write.StreamType,
			FromVersion: write.FromVersion,
			Version:     write.Version,
			CommittedAt: now,
		})
		batches = append(batches, CommittedStream{
			StreamID:   write.StreamID,
			StreamType: write.StreamType,
			Events:     write.Events,
		})
	}

	s.logger.Debug("Committed session",
		"streams", len(result.Streams),
		"projectionErrors", len(result.ProjectionErrors))

	s.publish(ctx, batches)
	return result, nil
}
