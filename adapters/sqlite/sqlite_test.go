package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/testing/adaptertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	adapter, err := NewAdapter(filepath.Join(t.TempDir(), "stoat.db"))
	require.NoError(t, err)
	require.NoError(t, adapter.Initialize(context.Background()))
	return adapter
}

func TestConformance(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adapters.EventStoreAdapter {
		return openTestAdapter(t)
	})
}

func TestNewAdapter(t *testing.T) {
	t.Run("requires a path", func(t *testing.T) {
		_, err := NewAdapter("  ")
		assert.Error(t, err)
	})

	t.Run("cleans the path", func(t *testing.T) {
		dir := t.TempDir()
		adapter, err := NewAdapter(dir + "/nested/../stoat.db")
		require.NoError(t, err)
		defer adapter.Close()
		assert.Equal(t, filepath.Join(dir, "stoat.db"), adapter.Path())
	})
}

func TestSQLiteAdapter_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stoat.db")

	first, err := NewAdapter(path)
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx))
	adaptertest.Start(t, first, "quest-1", "Quest", 3)
	require.NoError(t, first.Close())

	second, err := NewAdapter(path)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Initialize(ctx))

	events, err := second.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "corr-1", events[0].Metadata.CorrelationID)
	assert.Equal(t, int64(3), events[2].Version)
}

func TestSQLiteAdapter_Close(t *testing.T) {
	ctx := context.Background()
	adapter := openTestAdapter(t)

	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())

	_, err := adapter.BeginTx(ctx)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
	assert.ErrorIs(t, adapter.Ping(ctx), adapters.ErrAdapterClosed)
	_, err = adapter.Load(ctx, "quest-1", 1, 0)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
}

func TestIsConstraintError(t *testing.T) {
	assert.False(t, isConstraintError(errors.New("random error")))
	assert.False(t, IsBusy(errors.New("random error")))
	assert.False(t, isConstraintError(nil))
}
