// Package badger provides an embedded BadgerDB implementation of the event
// store adapter.
//
// Key layout:
//
//	s/<stream id>                              stream header
//	e/<len(stream id)><stream id><version>     event, version as big-endian uint64
//	d/<len(projection)><projection><key>       projection document
//
// Writers to the same stream are serialized by a per-stream lock held until
// commit or rollback, so a ConcurrencyError only reports a stale expected
// version. Badger's own conflict detection still guards projection documents.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"
)

// Ensure BadgerAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*BadgerAdapter)(nil)
	_ adapters.StreamLister      = (*BadgerAdapter)(nil)
	_ adapters.HealthChecker     = (*BadgerAdapter)(nil)
	_ adapters.Transaction       = (*badgerTx)(nil)
)

var (
	streamPrefix   = []byte("s/")
	eventPrefix    = []byte("e/")
	documentPrefix = []byte("d/")
	sequenceKey    = []byte("seq/global")
)

// Config holds configuration for a BadgerDB-backed adapter.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. If nil, they are discarded.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for the database at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerAdapter is a BadgerDB implementation of EventStoreAdapter.
type BadgerAdapter struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.RWMutex
	closed bool

	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted
}

// NewAdapter opens a BadgerDB database with the given configuration.
func NewAdapter(cfg Config) (*BadgerAdapter, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("stoat/badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("stoat/badger: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("stoat/badger: open database: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stoat/badger: open sequence: %w", err)
	}

	return &BadgerAdapter{
		db:    db,
		seq:   seq,
		locks: make(map[string]*semaphore.Weighted),
	}, nil
}

// Initialize is a no-op; BadgerDB needs no schema.
func (a *BadgerAdapter) Initialize(ctx context.Context) error {
	return a.check()
}

// Ping reports whether the database is open.
func (a *BadgerAdapter) Ping(ctx context.Context) error {
	if err := a.check(); err != nil {
		return err
	}
	if a.db.IsClosed() {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Close releases the sequence lease and closes the database.
func (a *BadgerAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	seqErr := a.seq.Release()
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("stoat/badger: close database: %w", err)
	}
	return seqErr
}

// DB returns the underlying database.
func (a *BadgerAdapter) DB() *badger.DB {
	return a.db
}

func (a *BadgerAdapter) check() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

func (a *BadgerAdapter) lockFor(streamID string) *semaphore.Weighted {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	sem, ok := a.locks[streamID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		a.locks[streamID] = sem
	}
	return sem
}

// view runs fn in a read-only transaction.
func (a *BadgerAdapter) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.check(); err != nil {
		return err
	}
	return a.db.View(fn)
}

// Load retrieves the events of a stream in the given version range.
func (a *BadgerAdapter) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	var events []adapters.StoredEvent
	err := a.view(ctx, func(txn *badger.Txn) error {
		info, err := getStream(txn, streamID)
		if err != nil {
			return err
		}
		events, err = loadEvents(txn, streamID, fromVersion, toVersion, info.Version)
		return err
	})
	return events, err
}

// GetStreamInfo returns the stream header.
func (a *BadgerAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	var info *adapters.StreamInfo
	err := a.view(ctx, func(txn *badger.Txn) error {
		var err error
		info, err = getStream(txn, streamID)
		return err
	})
	return info, err
}

// LoadDocument returns a projection document, or nil.
func (a *BadgerAdapter) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	var doc *adapters.DocumentRecord
	err := a.view(ctx, func(txn *badger.Txn) error {
		var err error
		doc, err = getDocument(txn, projection, key)
		return err
	})
	return doc, err
}

// ListStreams returns streams of streamType ordered by ID, after afterStreamID.
func (a *BadgerAdapter) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	var result []adapters.StreamInfo
	err := a.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: streamPrefix})
		defer it.Close()

		for it.Seek(streamKey(afterStreamID)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id := string(item.Key()[len(streamPrefix):])
			if id <= afterStreamID {
				continue
			}
			info, err := decodeStream(item)
			if err != nil {
				return err
			}
			if streamType != "" && info.StreamType != streamType {
				continue
			}
			result = append(result, *info)
			if limit > 0 && len(result) >= limit {
				return nil
			}
		}
		return nil
	})
	return result, err
}

// BeginTx starts a read-write transaction.
func (a *BadgerAdapter) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.check(); err != nil {
		return nil, err
	}
	return &badgerTx{
		adapter:  a,
		ctx:      ctx,
		txn:      a.db.NewTransaction(true),
		held:     make(map[string]*semaphore.Weighted),
		started:  make(map[string]bool),
		appended: make(map[string]int64),
	}, nil
}

type badgerTx struct {
	adapter *BadgerAdapter
	ctx     context.Context
	txn     *badger.Txn
	done    bool

	// held are the stream locks taken by this transaction. writes replays
	// its staged keys when the snapshot is renewed after a lock is taken.
	held   map[string]*semaphore.Weighted
	writes []pendingWrite

	// started and appended remember what the transaction assumed about each
	// stream so that a commit conflict can be reported precisely.
	started  map[string]bool
	appended map[string]int64
}

func (t *badgerTx) check(ctx context.Context) error {
	if t.done {
		return adapters.ErrTransactionDone
	}
	return ctx.Err()
}

type pendingWrite struct {
	key, value []byte
}

// lockStream takes the stream's writer lock. The badger snapshot predates the
// lock, so it is renewed to observe whatever the previous holder committed.
func (t *badgerTx) lockStream(ctx context.Context, streamID string) error {
	if _, ok := t.held[streamID]; ok {
		return nil
	}
	sem := t.adapter.lockFor(streamID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	t.held[streamID] = sem
	return t.renew()
}

func (t *badgerTx) renew() error {
	t.txn.Discard()
	t.txn = t.adapter.db.NewTransaction(true)
	for _, w := range t.writes {
		if err := t.txn.Set(w.key, w.value); err != nil {
			return fmt.Errorf("stoat/badger: restage write: %w", err)
		}
	}
	return nil
}

func (t *badgerTx) set(key, value []byte) error {
	if err := t.txn.Set(key, value); err != nil {
		return err
	}
	t.writes = append(t.writes, pendingWrite{key: key, value: value})
	return nil
}

func (t *badgerTx) release() {
	for id, sem := range t.held {
		sem.Release(1)
		delete(t.held, id)
	}
}

func (t *badgerTx) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	if err := adapters.ValidateStart(streamID, streamType, events); err != nil {
		return nil, err
	}
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if err := t.lockStream(ctx, streamID); err != nil {
		return nil, err
	}

	_, err := getStream(t.txn, streamID)
	if err == nil {
		return nil, adapters.NewStreamAlreadyExistsError(streamID)
	}
	if !errors.Is(err, adapters.ErrStreamNotFound) {
		return nil, err
	}

	stored, err := t.writeEvents(streamID, 0, events)
	if err != nil {
		return nil, err
	}
	now := stored[len(stored)-1].Timestamp
	info := adapters.StreamInfo{
		StreamID:   streamID,
		StreamType: streamType,
		Version:    int64(len(stored)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.putStream(&info); err != nil {
		return nil, err
	}
	t.started[streamID] = true

	return &adapters.AppendResult{
		StreamID:    streamID,
		StreamType:  streamType,
		FromVersion: 0,
		Version:     info.Version,
		Events:      stored,
	}, nil
}

func (t *badgerTx) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	if err := adapters.ValidateAppend(streamID, events, expectedVersion); err != nil {
		return nil, err
	}
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if err := t.lockStream(ctx, streamID); err != nil {
		return nil, err
	}

	info, err := getStream(t.txn, streamID)
	if err != nil {
		return nil, err
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, info.Version); err != nil {
		return nil, err
	}

	from := info.Version
	stored, err := t.writeEvents(streamID, from, events)
	if err != nil {
		return nil, err
	}
	info.Version = from + int64(len(stored))
	info.UpdatedAt = stored[len(stored)-1].Timestamp
	if err := t.putStream(info); err != nil {
		return nil, err
	}
	if _, ok := t.appended[streamID]; !ok && !t.started[streamID] {
		t.appended[streamID] = from
	}

	return &adapters.AppendResult{
		StreamID:    streamID,
		StreamType:  info.StreamType,
		FromVersion: from,
		Version:     info.Version,
		Events:      stored,
	}, nil
}

func (t *badgerTx) writeEvents(streamID string, fromVersion int64, events []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	stored := adapters.BuildStoredEvents(streamID, fromVersion, events)
	for i := range stored {
		pos, err := t.adapter.seq.Next()
		if err != nil {
			return nil, fmt.Errorf("stoat/badger: next global position: %w", err)
		}
		stored[i].GlobalPosition = pos + 1

		data, err := msgpack.Marshal(&stored[i])
		if err != nil {
			return nil, fmt.Errorf("stoat/badger: encode event: %w", err)
		}
		if err := t.set(eventKey(streamID, stored[i].Version), data); err != nil {
			return nil, fmt.Errorf("stoat/badger: write event: %w", err)
		}
	}
	return stored, nil
}

func (t *badgerTx) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	info, err := getStream(t.txn, streamID)
	if err != nil {
		return nil, err
	}
	return loadEvents(t.txn, streamID, fromVersion, toVersion, info.Version)
}

func (t *badgerTx) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return getStream(t.txn, streamID)
}

func (t *badgerTx) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return getDocument(t.txn, projection, key)
}

func (t *badgerTx) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	data, err := msgpack.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("stoat/badger: encode document: %w", err)
	}
	if err := t.set(documentKey(doc.Projection, doc.Key), data); err != nil {
		return fmt.Errorf("stoat/badger: write document: %w", err)
	}
	return nil
}

func (t *badgerTx) Commit() error {
	if t.done {
		return adapters.ErrTransactionDone
	}
	t.done = true
	defer t.release()
	defer t.txn.Discard()

	if err := t.ctx.Err(); err != nil {
		return err
	}
	if err := t.adapter.check(); err != nil {
		return err
	}

	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return t.conflict()
	}
	if err != nil {
		return fmt.Errorf("stoat/badger: commit: %w", err)
	}
	return nil
}

// conflict translates a badger write conflict into the error the caller
// would have seen had it run after the winning transaction. Stream writers
// hold their locks, so this is reached through document races.
func (t *badgerTx) conflict() error {
	var result error
	_ = t.adapter.db.View(func(txn *badger.Txn) error {
		for id := range t.started {
			if _, err := getStream(txn, id); err == nil {
				result = adapters.NewStreamAlreadyExistsError(id)
				return nil
			}
		}
		for id, from := range t.appended {
			info, err := getStream(txn, id)
			if err == nil && info.Version != from {
				result = adapters.NewConcurrencyError(id, from, info.Version)
				return nil
			}
		}
		return nil
	})
	if result != nil {
		return result
	}
	for id, from := range t.appended {
		return adapters.NewConcurrencyError(id, from, -1)
	}
	return fmt.Errorf("stoat/badger: commit: %w", adapters.ErrConcurrencyConflict)
}

func (t *badgerTx) Rollback() error {
	if t.done {
		return adapters.ErrTransactionDone
	}
	t.done = true
	t.txn.Discard()
	t.release()
	return nil
}

// streamValue is the persisted stream header.
type streamValue struct {
	StreamType string    `msgpack:"t"`
	Version    int64     `msgpack:"v"`
	CreatedAt  time.Time `msgpack:"c"`
	UpdatedAt  time.Time `msgpack:"u"`
}

func streamKey(streamID string) []byte {
	return append(append([]byte{}, streamPrefix...), streamID...)
}

func eventStreamPrefix(streamID string) []byte {
	key := append([]byte{}, eventPrefix...)
	key = binary.BigEndian.AppendUint32(key, uint32(len(streamID)))
	return append(key, streamID...)
}

func eventKey(streamID string, version int64) []byte {
	return binary.BigEndian.AppendUint64(eventStreamPrefix(streamID), uint64(version))
}

func documentKey(projection, key string) []byte {
	k := append([]byte{}, documentPrefix...)
	k = binary.BigEndian.AppendUint32(k, uint32(len(projection)))
	k = append(k, projection...)
	return append(k, key...)
}

func (t *badgerTx) putStream(info *adapters.StreamInfo) error {
	data, err := msgpack.Marshal(&streamValue{
		StreamType: info.StreamType,
		Version:    info.Version,
		CreatedAt:  info.CreatedAt,
		UpdatedAt:  info.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("stoat/badger: encode stream: %w", err)
	}
	if err := t.set(streamKey(info.StreamID), data); err != nil {
		return fmt.Errorf("stoat/badger: write stream: %w", err)
	}
	return nil
}

func getStream(txn *badger.Txn, streamID string) (*adapters.StreamInfo, error) {
	item, err := txn.Get(streamKey(streamID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/badger: read stream: %w", err)
	}
	return decodeStream(item)
}

func decodeStream(item *badger.Item) (*adapters.StreamInfo, error) {
	var v streamValue
	err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &v)
	})
	if err != nil {
		return nil, fmt.Errorf("stoat/badger: decode stream: %w", err)
	}
	return &adapters.StreamInfo{
		StreamID:   string(item.Key()[len(streamPrefix):]),
		StreamType: v.StreamType,
		Version:    v.Version,
		CreatedAt:  v.CreatedAt.UTC(),
		UpdatedAt:  v.UpdatedAt.UTC(),
	}, nil
}

func loadEvents(txn *badger.Txn, streamID string, fromVersion, toVersion, current int64) ([]adapters.StoredEvent, error) {
	from, to, ok := adapters.ClampRange(fromVersion, toVersion, current)
	if !ok {
		return []adapters.StoredEvent{}, nil
	}

	prefix := eventStreamPrefix(streamID)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()

	events := make([]adapters.StoredEvent, 0, to-from+1)
	for it.Seek(eventKey(streamID, from)); it.Valid(); it.Next() {
		var e adapters.StoredEvent
		err := it.Item().Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &e)
		})
		if err != nil {
			return nil, fmt.Errorf("stoat/badger: decode event: %w", err)
		}
		if e.Version > to {
			break
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, nil
}

func getDocument(txn *badger.Txn, projection, key string) (*adapters.DocumentRecord, error) {
	item, err := txn.Get(documentKey(projection, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/badger: read document: %w", err)
	}
	var doc adapters.DocumentRecord
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("stoat/badger: decode document: %w", err)
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}
