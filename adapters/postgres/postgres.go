// Package postgres provides a PostgreSQL implementation of the event store adapter.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.StreamLister      = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
	_ adapters.Transaction       = (*postgresTx)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed atomic.Bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter creates a new PostgreSQL event store adapter.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to open database: %w", err)
	}

	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: "stoat",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate creates the schema, tables and indexes if they do not exist.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	schema := a.quotedSchema()

	statements := []struct {
		what string
		sql  string
	}{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)},
		{"streams table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.streams (
				stream_id       TEXT PRIMARY KEY,
				stream_type     TEXT NOT NULL,
				version         BIGINT NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, schema)},
		{"events table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.events (
				global_position BIGSERIAL PRIMARY KEY,
				stream_id       TEXT NOT NULL REFERENCES %s.streams(stream_id),
				version         BIGINT NOT NULL,
				event_id        TEXT NOT NULL,
				event_type      TEXT NOT NULL,
				data            BYTEA NOT NULL,
				metadata        JSONB,
				timestamp       TIMESTAMPTZ NOT NULL,
				UNIQUE(stream_id, version)
			)`, schema, schema)},
		{"documents table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.documents (
				projection      TEXT NOT NULL,
				key             TEXT NOT NULL,
				version         BIGINT NOT NULL,
				data            BYTEA NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (projection, key)
			)`, schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_streams_type ON %s.streams(stream_type, stream_id)`, schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_type ON %s.events(event_type)`, schema)},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("stoat/postgres: failed to create %s: %w", stmt.what, err)
		}
	}
	return nil
}

// MigrationVersion returns 1 once the tables exist and 0 before.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'events'
		)`, a.schema).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists {
		return 1, nil
	}
	return 0, nil
}

// BeginTx starts a database transaction.
func (a *PostgresAdapter) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx, schema: a.quotedSchema()}, nil
}

// Load retrieves the events of a stream in the given version range.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if _, err := a.GetStreamInfo(ctx, streamID); err != nil {
		return nil, err
	}
	return loadEvents(ctx, a.db, a.quotedSchema(), streamID, fromVersion, toVersion)
}

// GetStreamInfo returns the stream header.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	return streamInfo(ctx, a.db, a.quotedSchema(), streamID, false)
}

// LoadDocument returns a projection document, or nil.
func (a *PostgresAdapter) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	return loadDocument(ctx, a.db, a.quotedSchema(), projection, key)
}

// ListStreams returns streams of streamType ordered by ID, after afterStreamID.
// An empty streamType lists every stream.
func (a *PostgresAdapter) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT stream_id, stream_type, version, created_at, updated_at
		FROM %s.streams
		WHERE ($1 = '' OR stream_type = $1) AND stream_id > $2
		ORDER BY stream_id
		LIMIT $3`, a.quotedSchema()), streamType, afterStreamID, limit)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to list streams: %w", err)
	}
	defer rows.Close()

	var result []adapters.StreamInfo
	for rows.Next() {
		var info adapters.StreamInfo
		if err := rows.Scan(&info.StreamID, &info.StreamType, &info.Version, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("stoat/postgres: failed to scan stream: %w", err)
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// Close closes the database connection.
func (a *PostgresAdapter) Close() error {
	a.closed.Store(true)
	return a.db.Close()
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

func (a *PostgresAdapter) quotedSchema() string {
	return pq.QuoteIdentifier(a.schema)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type postgresTx struct {
	tx     *sql.Tx
	schema string
}

func (t *postgresTx) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	if err := adapters.ValidateStart(streamID, streamType, events); err != nil {
		return nil, err
	}

	var createdAt time.Time
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.streams (stream_id, stream_type, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (stream_id) DO NOTHING
		RETURNING created_at`, t.schema), streamID, streamType).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamAlreadyExistsError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to create stream: %w", err)
	}

	stored, err := t.insert(ctx, streamID, 0, events)
	if err != nil {
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

func (t *postgresTx) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	if err := adapters.ValidateAppend(streamID, events, expectedVersion); err != nil {
		return nil, err
	}

	info, err := streamInfo(ctx, t.tx, t.schema, streamID, true)
	if err != nil {
		return nil, err
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, info.Version); err != nil {
		return nil, err
	}

	stored, err := t.insert(ctx, streamID, info.Version, events)
	if err != nil {
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

// insert writes events after fromVersion and moves the stream version from
// fromVersion to the new head. The caller holds the stream row lock.
func (t *postgresTx) insert(ctx context.Context, streamID string, fromVersion int64, events []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	stored := adapters.BuildStoredEvents(streamID, fromVersion, events)

	for i := range stored {
		metadataJSON, err := json.Marshal(stored[i].Metadata)
		if err != nil {
			return nil, fmt.Errorf("stoat/postgres: failed to marshal metadata: %w", err)
		}

		err = t.tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.events (stream_id, version, event_id, event_type, data, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING global_position`, t.schema),
			streamID, stored[i].Version, stored[i].ID, stored[i].Type, stored[i].Data, metadataJSON, stored[i].Timestamp,
		).Scan(&stored[i].GlobalPosition)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, adapters.NewConcurrencyError(streamID, fromVersion, -1)
			}
			return nil, fmt.Errorf("stoat/postgres: failed to insert event: %w", err)
		}
	}

	version := fromVersion + int64(len(stored))
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.streams
		SET version = $1, updated_at = $2
		WHERE stream_id = $3 AND version = $4`, t.schema),
		version, stored[len(stored)-1].Timestamp, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to update stream version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to update stream version: %w", err)
	}
	if n != 1 {
		return nil, adapters.NewConcurrencyError(streamID, fromVersion, -1)
	}
	return stored, nil
}

func (t *postgresTx) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if _, err := streamInfo(ctx, t.tx, t.schema, streamID, true); err != nil {
		return nil, err
	}
	return loadEvents(ctx, t.tx, t.schema, streamID, fromVersion, toVersion)
}

func (t *postgresTx) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	return streamInfo(ctx, t.tx, t.schema, streamID, true)
}

func (t *postgresTx) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	return loadDocument(ctx, t.tx, t.schema, projection, key)
}

func (t *postgresTx) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.documents (projection, key, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (projection, key) DO UPDATE
		SET version = EXCLUDED.version, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, t.schema),
		doc.Projection, doc.Key, doc.Version, doc.Data, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to save document: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return adapters.ErrTransactionDone
		}
		return fmt.Errorf("stoat/postgres: failed to commit transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return adapters.ErrTransactionDone
		}
		return err
	}
	return nil
}

func streamInfo(ctx context.Context, q querier, schema, streamID string, forUpdate bool) (*adapters.StreamInfo, error) {
	query := fmt.Sprintf(`
		SELECT stream_id, stream_type, version, created_at, updated_at
		FROM %s.streams
		WHERE stream_id = $1`, schema)
	if forUpdate {
		query += " FOR UPDATE"
	}

	var info adapters.StreamInfo
	err := q.QueryRowContext(ctx, query, streamID).
		Scan(&info.StreamID, &info.StreamType, &info.Version, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to get stream info: %w", err)
	}
	return &info, nil
}

func loadEvents(ctx context.Context, q querier, schema, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion <= 0 {
		toVersion = 1<<63 - 1
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM %s.events
		WHERE stream_id = $1 AND version >= $2 AND version <= $3
		ORDER BY version`, schema), streamID, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	events := []adapters.StoredEvent{}
	for rows.Next() {
		var e adapters.StoredEvent
		var metadataJSON []byte
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Version, &e.Type, &e.Data, &metadataJSON, &e.GlobalPosition, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("stoat/postgres: failed to scan event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("stoat/postgres: failed to unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to read events: %w", err)
	}
	return events, nil
}

func loadDocument(ctx context.Context, q querier, schema, projection, key string) (*adapters.DocumentRecord, error) {
	doc := adapters.DocumentRecord{Projection: projection, Key: key}
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version, data, updated_at
		FROM %s.documents
		WHERE projection = $1 AND key = $2`, schema), projection, key).
		Scan(&doc.Version, &doc.Data, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to load document: %w", err)
	}
	return &doc, nil
}
