package stoat

import (
	"context"
	"fmt"
	"testing"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectionRebuilder_Rebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("folds existing streams into a new projection", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		for i := 0; i < 5; i++ {
			openAccount(t, store, fmt.Sprintf("acc-%d", i), 1, 2)
		}
		_, err := store.StartStream(ctx, "ledger-1", "Ledger", []interface{}{AccountOpened{}})
		require.NoError(t, err)

		summary := newSummaryProjection()
		require.NoError(t, store.RegisterProjection(summary))

		var updates []RebuildProgress
		rebuilder := NewProjectionRebuilder(store, WithRebuilderBatchSize(2), WithRebuilderWorkers(3))
		progress, err := rebuilder.Rebuild(ctx, "account-summary", func(p RebuildProgress) {
			updates = append(updates, p)
		})
		require.NoError(t, err)

		assert.True(t, progress.Completed)
		assert.Equal(t, "account-summary", progress.ProjectionName)
		assert.Equal(t, uint64(5), progress.StreamsProcessed)
		assert.Equal(t, uint64(15), progress.EventsProcessed)
		require.NotEmpty(t, updates)
		assert.True(t, updates[len(updates)-1].Completed)
		assert.Equal(t, uint64(2), updates[0].StreamsProcessed)

		for i := 0; i < 5; i++ {
			state, version, err := LoadProjection(ctx, store, summary, fmt.Sprintf("acc-%d", i))
			require.NoError(t, err)
			assert.Equal(t, int64(3), version)
			assert.Equal(t, 2, state.Deposits)
		}

		doc, err := store.Adapter().LoadDocument(ctx, "account-summary", "ledger-1")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("overwrites stale documents", func(t *testing.T) {
		store, adapter := newTestStore(t)
		p := registerAccounts(t, store)
		openAccount(t, store, "acc-1", 5)

		tx, err := adapter.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveDocument(ctx, adapters.DocumentRecord{
			Projection: "account", Key: "acc-1", Version: 1, Data: []byte(`{"balance":999}`),
		}))
		require.NoError(t, tx.Commit())

		_, err = NewProjectionRebuilder(store).Rebuild(ctx, "account", nil)
		require.NoError(t, err)

		account, version, err := LoadProjection(ctx, store, p, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
		assert.Equal(t, 5, account.Balance)
	})

	t.Run("live projections have nothing to rebuild", func(t *testing.T) {
		store, _ := newTestStore(t)
		require.NoError(t, store.RegisterProjection(newSummaryProjection(WithLifecycle(Live))))

		progress, err := NewProjectionRebuilder(store).Rebuild(ctx, "account-summary", nil)
		require.NoError(t, err)
		assert.True(t, progress.Completed)
		assert.Zero(t, progress.StreamsProcessed)
	})

	t.Run("unknown projection", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := NewProjectionRebuilder(store).Rebuild(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrProjectionNotFound)
	})

	t.Run("adapter cannot list streams", func(t *testing.T) {
		store := New(unlistedAdapter{newMemory()})
		registerAccounts(t, store)

		_, err := NewProjectionRebuilder(store).Rebuild(ctx, "account", nil)
		assert.ErrorIs(t, err, adapters.ErrNotSupported)
	})

	t.Run("fold failure names the stream", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		openAccount(t, store, "acc-1")
		_, err := store.Append(ctx, "acc-1", []interface{}{AccountFrozen{}})
		require.NoError(t, err)
		require.NoError(t, store.Registry().Register("AccountFrozen", NewJSONCodec(AccountFrozen{}), "account"))

		_, err = NewProjectionRebuilder(store).Rebuild(ctx, "account", nil)

		var projErr *ProjectionError
		require.ErrorAs(t, err, &projErr)
		assert.Equal(t, "acc-1", projErr.StreamID)
		assert.ErrorIs(t, err, ErrNoApplyHandler)
	})
}

func TestProjectionRebuilder_RebuildAll(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)
	openAccount(t, store, "acc-1", 4)

	summary := newSummaryProjection()
	require.NoError(t, store.RegisterProjection(summary))
	require.NoError(t, store.RegisterProjection(NewProjection[Account]("live", accountStream, WithLifecycle(Live))))

	var names []string
	err := NewProjectionRebuilder(store).RebuildAll(ctx, func(p RebuildProgress) {
		if p.Completed {
			names = append(names, p.ProjectionName)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"account", "account-summary"}, names)
	state, _, err := LoadProjection(ctx, store, summary, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Deposits)
}

func TestProjectionRebuilder_RebuildStream(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)
	openAccount(t, store, "acc-1", 1, 1, 1)

	summary := newSummaryProjection()
	require.NoError(t, store.RegisterProjection(summary))

	n, err := NewProjectionRebuilder(store).RebuildStream(ctx, summary, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = NewProjectionRebuilder(store).RebuildStream(ctx, summary, "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}
