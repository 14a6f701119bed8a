// Package testutil provides utilities for integration testing.
// It provides helpers for connecting to test infrastructure and
// waiting for services to be ready.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// TestConfig holds configuration for test infrastructure.
type TestConfig struct {
	PostgresURL string
}

// DefaultConfig returns the test configuration from environment variables.
// PostgresURL is empty unless TEST_DATABASE_URL is set.
func DefaultConfig() *TestConfig {
	return &TestConfig{
		PostgresURL: os.Getenv("TEST_DATABASE_URL"),
	}
}

// RequirePostgres returns the PostgreSQL URL or skips the test when
// running in short mode or without TEST_DATABASE_URL.
func RequirePostgres(t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := DefaultConfig().PostgresURL
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	return url
}

// PostgresDB returns a database connection for PostgreSQL testing.
// It waits for the database to be ready with retries.
func PostgresDB(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("testutil: failed to open postgres: %w", err)
	}

	for i := 0; i < 30; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}

		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("testutil: failed to connect to postgres: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}

	_ = db.Close()
	return nil, fmt.Errorf("testutil: failed to connect to postgres after retries: %w", err)
}

// CleanupSchema drops a schema and all its objects.
func CleanupSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE")
	return err
}

// UniqueSchema generates a unique schema name for testing.
func UniqueSchema(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}
