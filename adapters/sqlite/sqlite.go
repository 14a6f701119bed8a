// Package sqlite provides an embedded SQLite implementation of the event store
// adapter, built on the pure-Go modernc.org/sqlite driver.
//
// Transactions begin with BEGIN IMMEDIATE, so a write transaction holds the
// database write lock from its first statement until it finishes. Readers
// outside transactions are not blocked (the database runs in WAL mode).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Ensure SQLiteAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*SQLiteAdapter)(nil)
	_ adapters.StreamLister      = (*SQLiteAdapter)(nil)
	_ adapters.HealthChecker     = (*SQLiteAdapter)(nil)
	_ adapters.Transaction       = (*sqliteTx)(nil)
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id   TEXT PRIMARY KEY,
	stream_type TEXT NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_streams_type ON streams(stream_type, stream_id);

CREATE TABLE IF NOT EXISTS events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id       TEXT NOT NULL REFERENCES streams(stream_id),
	version         INTEGER NOT NULL,
	event_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	data            BLOB NOT NULL,
	metadata        TEXT,
	timestamp       INTEGER NOT NULL,
	UNIQUE(stream_id, version)
);

CREATE TABLE IF NOT EXISTS documents (
	projection TEXT NOT NULL,
	key        TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (projection, key)
);
`

// SQLiteAdapter is a SQLite implementation of EventStoreAdapter.
type SQLiteAdapter struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Option configures a SQLiteAdapter.
type Option func(*SQLiteAdapter)

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *SQLiteAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// NewAdapter opens the SQLite database at path.
func NewAdapter(path string, opts ...Option) (*SQLiteAdapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("stoat/sqlite: storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to open database: %w", err)
	}

	adapter := &SQLiteAdapter{db: db, path: cleanPath}
	for _, opt := range opts {
		opt(adapter)
	}
	return adapter, nil
}

// Initialize creates the tables if they do not exist.
func (a *SQLiteAdapter) Initialize(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if _, err := a.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("stoat/sqlite: failed to create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (a *SQLiteAdapter) Path() string {
	return a.path
}

// Ping checks that the database file is reachable.
func (a *SQLiteAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close closes the database.
func (a *SQLiteAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// BeginTx starts an immediate transaction.
func (a *SQLiteAdapter) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Load retrieves the events of a stream in the given version range.
func (a *SQLiteAdapter) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if _, err := streamInfo(ctx, a.db, streamID); err != nil {
		return nil, err
	}
	return loadEvents(ctx, a.db, streamID, fromVersion, toVersion)
}

// GetStreamInfo returns the stream header.
func (a *SQLiteAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	return streamInfo(ctx, a.db, streamID)
}

// LoadDocument returns a projection document, or nil.
func (a *SQLiteAdapter) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	return loadDocument(ctx, a.db, projection, key)
}

// ListStreams returns streams of streamType ordered by ID, after afterStreamID.
func (a *SQLiteAdapter) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT stream_id, stream_type, version, created_at, updated_at
		FROM streams
		WHERE (? = '' OR stream_type = ?) AND stream_id > ?
		ORDER BY stream_id
		LIMIT ?`, streamType, streamType, afterStreamID, limit)
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to list streams: %w", err)
	}
	defer rows.Close()

	var result []adapters.StreamInfo
	for rows.Next() {
		info, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	if err := adapters.ValidateStart(streamID, streamType, events); err != nil {
		return nil, err
	}

	stored := adapters.BuildStoredEvents(streamID, 0, events)
	now := stored[0].Timestamp.UnixNano()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO streams (stream_id, stream_type, version, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`, streamID, streamType, now, now)
	if err != nil {
		if isConstraintError(err) {
			return nil, adapters.NewStreamAlreadyExistsError(streamID)
		}
		return nil, fmt.Errorf("stoat/sqlite: failed to create stream: %w", err)
	}

	if err := t.insert(ctx, streamID, 0, stored); err != nil {
		return nil, err
	}
	return &adapters.AppendResult{
		StreamID:    streamID,
		StreamType:  streamType,
		FromVersion: 0,
		Version:     int64(len(stored)),
		Events:      stored,
	}, nil
}

func (t *sqliteTx) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	if err := adapters.ValidateAppend(streamID, events, expectedVersion); err != nil {
		return nil, err
	}

	info, err := streamInfo(ctx, t.tx, streamID)
	if err != nil {
		return nil, err
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, info.Version); err != nil {
		return nil, err
	}

	stored := adapters.BuildStoredEvents(streamID, info.Version, events)
	if err := t.insert(ctx, streamID, info.Version, stored); err != nil {
		return nil, err
	}
	return &adapters.AppendResult{
		StreamID:    streamID,
		StreamType:  info.StreamType,
		FromVersion: info.Version,
		Version:     info.Version + int64(len(stored)),
		Events:      stored,
	}, nil
}

// insert writes stored events and moves the stream version from fromVersion.
// The conditional update catches writers that slipped past the version check.
func (t *sqliteTx) insert(ctx context.Context, streamID string, fromVersion int64, stored []adapters.StoredEvent) error {
	for i := range stored {
		metadataJSON, err := json.Marshal(stored[i].Metadata)
		if err != nil {
			return fmt.Errorf("stoat/sqlite: failed to marshal metadata: %w", err)
		}

		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO events (stream_id, version, event_id, event_type, data, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			streamID, stored[i].Version, stored[i].ID, stored[i].Type, stored[i].Data,
			string(metadataJSON), stored[i].Timestamp.UnixNano())
		if err != nil {
			if isConstraintError(err) {
				return adapters.NewConcurrencyError(streamID, fromVersion, -1)
			}
			return fmt.Errorf("stoat/sqlite: failed to insert event: %w", err)
		}
		position, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("stoat/sqlite: failed to read global position: %w", err)
		}
		stored[i].GlobalPosition = uint64(position)
	}

	version := fromVersion + int64(len(stored))
	res, err := t.tx.ExecContext(ctx, `
		UPDATE streams SET version = ?, updated_at = ?
		WHERE stream_id = ? AND version = ?`,
		version, stored[len(stored)-1].Timestamp.UnixNano(), streamID, fromVersion)
	if err != nil {
		return fmt.Errorf("stoat/sqlite: failed to update stream version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return adapters.NewConcurrencyError(streamID, fromVersion, -1)
	}
	return nil
}

func (t *sqliteTx) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if _, err := streamInfo(ctx, t.tx, streamID); err != nil {
		return nil, err
	}
	return loadEvents(ctx, t.tx, streamID, fromVersion, toVersion)
}

func (t *sqliteTx) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	return streamInfo(ctx, t.tx, streamID)
}

func (t *sqliteTx) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	return loadDocument(ctx, t.tx, projection, key)
}

func (t *sqliteTx) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (projection, key, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (projection, key) DO UPDATE
		SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		doc.Projection, doc.Key, doc.Version, doc.Data, doc.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("stoat/sqlite: failed to save document: %w", err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return adapters.ErrTransactionDone
		}
		return fmt.Errorf("stoat/sqlite: failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return adapters.ErrTransactionDone
		}
		return err
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (*adapters.StreamInfo, error) {
	var info adapters.StreamInfo
	var createdAt, updatedAt int64
	if err := row.Scan(&info.StreamID, &info.StreamType, &info.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	info.CreatedAt = time.Unix(0, createdAt).UTC()
	info.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &info, nil
}

func streamInfo(ctx context.Context, q querier, streamID string) (*adapters.StreamInfo, error) {
	info, err := scanStream(q.QueryRowContext(ctx, `
		SELECT stream_id, stream_type, version, created_at, updated_at
		FROM streams WHERE stream_id = ?`, streamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to get stream info: %w", err)
	}
	return info, nil
}

func loadEvents(ctx context.Context, q querier, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion <= 0 {
		toVersion = 1<<63 - 1
	}

	rows, err := q.QueryContext(ctx, `
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM events
		WHERE stream_id = ? AND version >= ? AND version <= ?
		ORDER BY version`, streamID, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to load events: %w", err)
	}
	defer rows.Close()

	events := []adapters.StoredEvent{}
	for rows.Next() {
		var e adapters.StoredEvent
		var metadataJSON sql.NullString
		var position, timestamp int64
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Version, &e.Type, &e.Data, &metadataJSON, &position, &timestamp); err != nil {
			return nil, fmt.Errorf("stoat/sqlite: failed to scan event: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("stoat/sqlite: failed to unmarshal metadata: %w", err)
			}
		}
		e.GlobalPosition = uint64(position)
		e.Timestamp = time.Unix(0, timestamp).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to read events: %w", err)
	}
	return events, nil
}

func loadDocument(ctx context.Context, q querier, projection, key string) (*adapters.DocumentRecord, error) {
	doc := adapters.DocumentRecord{Projection: projection, Key: key}
	var updatedAt int64
	err := q.QueryRowContext(ctx, `
		SELECT version, data, updated_at
		FROM documents WHERE projection = ? AND key = ?`, projection, key).
		Scan(&doc.Version, &doc.Data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to load document: %w", err)
	}
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// IsBusy reports whether err is a SQLite lock timeout.
func IsBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
