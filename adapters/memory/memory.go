// Package memory provides an in-memory implementation of the event store adapter.
// This adapter is primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"golang.org/x/sync/semaphore"
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*MemoryAdapter)(nil)
	_ adapters.StreamLister      = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker     = (*MemoryAdapter)(nil)
	_ adapters.Transaction       = (*memoryTx)(nil)
)

// MemoryAdapter is an in-memory implementation of EventStoreAdapter.
// Transactions lock every stream and document they touch until they finish;
// locks are acquired with the caller's context, so a blocked commit can be cancelled.
type MemoryAdapter struct {
	mu        sync.RWMutex
	streams   map[string]*streamData
	documents map[docKey]adapters.DocumentRecord
	closed    bool

	globalPosition atomic.Uint64

	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

type docKey struct {
	projection string
	key        string
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// NewAdapter creates a new in-memory event store adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:   make(map[string]*streamData),
		documents: make(map[docKey]adapters.DocumentRecord),
		locks:     make(map[string]*semaphore.Weighted),
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Ping reports whether the adapter is open.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Close marks the adapter as closed.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Load returns the committed events of a stream in the given version range.
func (a *MemoryAdapter) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	stream, ok := a.streams[streamID]
	if !ok {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	return sliceEvents(stream.events, fromVersion, toVersion), nil
}

// GetStreamInfo returns the committed header of a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	stream, ok := a.streams[streamID]
	if !ok {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	info := stream.info
	return &info, nil
}

// LoadDocument returns a committed projection document, or nil.
func (a *MemoryAdapter) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	doc, ok := a.documents[docKey{projection, key}]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

// ListStreams returns streams of streamType ordered by ID, after afterStreamID.
func (a *MemoryAdapter) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	var result []adapters.StreamInfo
	for id, stream := range a.streams {
		if id > afterStreamID && (streamType == "" || stream.info.StreamType == streamType) {
			result = append(result, stream.info)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StreamID < result[j].StreamID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// StreamCount returns the number of committed streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

// EventCount returns the number of committed events across all streams.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, s := range a.streams {
		n += len(s.events)
	}
	return n
}

// Reset removes all streams and documents.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams = make(map[string]*streamData)
	a.documents = make(map[docKey]adapters.DocumentRecord)
	a.globalPosition.Store(0)
}

// BeginTx starts a transaction.
func (a *MemoryAdapter) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, adapters.ErrAdapterClosed
	}

	return &memoryTx{
		adapter:   a,
		ctx:       ctx,
		held:      make(map[string]*semaphore.Weighted),
		streams:   make(map[string]*stagedStream),
		documents: make(map[docKey]adapters.DocumentRecord),
	}, nil
}

func (a *MemoryAdapter) lockFor(key string) *semaphore.Weighted {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	sem, ok := a.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		a.locks[key] = sem
	}
	return sem
}

type stagedStream struct {
	info    adapters.StreamInfo
	created bool
	events  []adapters.StoredEvent
}

type memoryTx struct {
	adapter   *MemoryAdapter
	ctx       context.Context
	held      map[string]*semaphore.Weighted
	streams   map[string]*stagedStream
	documents map[docKey]adapters.DocumentRecord
	done      bool
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if tx.done {
		return adapters.ErrTransactionDone
	}
	if _, ok := tx.held[key]; ok {
		return nil
	}
	sem := tx.adapter.lockFor(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	tx.held[key] = sem
	return nil
}

func (tx *memoryTx) release() {
	for key, sem := range tx.held {
		sem.Release(1)
		delete(tx.held, key)
	}
}

func (tx *memoryTx) lockStream(ctx context.Context, streamID string) error {
	return tx.lock(ctx, "stream/"+streamID)
}

// view returns the stream header as seen by the transaction. The stream lock must be held.
func (tx *memoryTx) view(streamID string) (adapters.StreamInfo, []adapters.StoredEvent, bool, error) {
	tx.adapter.mu.RLock()
	defer tx.adapter.mu.RUnlock()

	if tx.adapter.closed {
		return adapters.StreamInfo{}, nil, false, adapters.ErrAdapterClosed
	}

	var committed []adapters.StoredEvent
	info, exists := adapters.StreamInfo{}, false
	if stream, ok := tx.adapter.streams[streamID]; ok {
		info, exists = stream.info, true
		committed = stream.events
	}
	if staged, ok := tx.streams[streamID]; ok {
		info, exists = staged.info, true
		all := make([]adapters.StoredEvent, 0, len(committed)+len(staged.events))
		all = append(all, committed...)
		committed = append(all, staged.events...)
	}
	return info, committed, exists, nil
}

func (tx *memoryTx) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	if err := adapters.ValidateStart(streamID, streamType, events); err != nil {
		return nil, err
	}
	if err := tx.lockStream(ctx, streamID); err != nil {
		return nil, err
	}
	_, _, exists, err := tx.view(streamID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, adapters.NewStreamAlreadyExistsError(streamID)
	}

	stored := tx.position(adapters.BuildStoredEvents(streamID, 0, events))
	now := stored[len(stored)-1].Timestamp
	tx.streams[streamID] = &stagedStream{
		info: adapters.StreamInfo{
			StreamID:   streamID,
			StreamType: streamType,
			Version:    int64(len(stored)),
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		created: true,
		events:  stored,
	}

	return &adapters.AppendResult{
		StreamID:    streamID,
		StreamType:  streamType,
		FromVersion: 0,
		Version:     int64(len(stored)),
		Events:      stored,
	}, nil
}

func (tx *memoryTx) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	if err := adapters.ValidateAppend(streamID, events, expectedVersion); err != nil {
		return nil, err
	}
	if err := tx.lockStream(ctx, streamID); err != nil {
		return nil, err
	}
	info, _, exists, err := tx.view(streamID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, info.Version); err != nil {
		return nil, err
	}

	stored := tx.position(adapters.BuildStoredEvents(streamID, info.Version, events))
	staged, ok := tx.streams[streamID]
	if !ok {
		staged = &stagedStream{info: info}
		tx.streams[streamID] = staged
	}
	staged.events = append(staged.events, stored...)
	staged.info.Version = info.Version + int64(len(stored))
	staged.info.UpdatedAt = stored[len(stored)-1].Timestamp

	return &adapters.AppendResult{
		StreamID:    streamID,
		StreamType:  info.StreamType,
		FromVersion: info.Version,
		Version:     staged.info.Version,
		Events:      stored,
	}, nil
}

func (tx *memoryTx) position(events []adapters.StoredEvent) []adapters.StoredEvent {
	for i := range events {
		events[i].GlobalPosition = tx.adapter.globalPosition.Add(1)
	}
	return events
}

func (tx *memoryTx) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if err := tx.lockStream(ctx, streamID); err != nil {
		return nil, err
	}
	_, events, exists, err := tx.view(streamID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	return sliceEvents(events, fromVersion, toVersion), nil
}

func (tx *memoryTx) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := tx.lockStream(ctx, streamID); err != nil {
		return nil, err
	}
	info, _, exists, err := tx.view(streamID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	return &info, nil
}

func (tx *memoryTx) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	if err := tx.lock(ctx, "doc/"+projection+"/"+key); err != nil {
		return nil, err
	}
	k := docKey{projection, key}
	if doc, ok := tx.documents[k]; ok {
		return &doc, nil
	}

	tx.adapter.mu.RLock()
	defer tx.adapter.mu.RUnlock()
	if doc, ok := tx.adapter.documents[k]; ok {
		return &doc, nil
	}
	return nil, nil
}

func (tx *memoryTx) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	if err := tx.lock(ctx, "doc/"+doc.Projection+"/"+doc.Key); err != nil {
		return err
	}
	data := make([]byte, len(doc.Data))
	copy(data, doc.Data)
	doc.Data = data
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	tx.documents[docKey{doc.Projection, doc.Key}] = doc
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return adapters.ErrTransactionDone
	}
	defer tx.finish()

	if err := tx.ctx.Err(); err != nil {
		return err
	}

	a := tx.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	for id, staged := range tx.streams {
		stream, ok := a.streams[id]
		if !ok {
			stream = &streamData{}
			a.streams[id] = stream
		}
		stream.info = staged.info
		stream.events = append(stream.events, staged.events...)
	}
	for k, doc := range tx.documents {
		a.documents[k] = doc
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return adapters.ErrTransactionDone
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) finish() {
	tx.done = true
	tx.streams = nil
	tx.documents = nil
	tx.release()
}

func sliceEvents(events []adapters.StoredEvent, fromVersion, toVersion int64) []adapters.StoredEvent {
	from, to, ok := adapters.ClampRange(fromVersion, toVersion, int64(len(events)))
	if !ok {
		return []adapters.StoredEvent{}
	}
	result := make([]adapters.StoredEvent, to-from+1)
	copy(result, events[from-1:to])
	return result
}
