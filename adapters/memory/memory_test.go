package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/testing/adaptertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adapters.EventStoreAdapter {
		return NewAdapter()
	})
}

func TestNewAdapter(t *testing.T) {
	t.Run("creates adapter with defaults", func(t *testing.T) {
		adapter := NewAdapter()

		assert.NotNil(t, adapter)
		assert.Equal(t, 0, adapter.EventCount())
		assert.Equal(t, 0, adapter.StreamCount())
		assert.NoError(t, adapter.Initialize(context.Background()))
		assert.NoError(t, adapter.Ping(context.Background()))
	})
}

func TestMemoryAdapter_Close(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	adaptertest.Start(t, adapter, "quest-1", "Quest", 1)

	require.NoError(t, adapter.Close())

	t.Run("rejects reads", func(t *testing.T) {
		_, err := adapter.Load(ctx, "quest-1", 1, 0)
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

		_, err = adapter.GetStreamInfo(ctx, "quest-1")
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

		_, err = adapter.LoadDocument(ctx, "quest", "quest-1")
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

		_, err = adapter.ListStreams(ctx, "", "", 10)
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
	})

	t.Run("rejects transactions", func(t *testing.T) {
		_, err := adapter.BeginTx(ctx)
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
	})

	t.Run("ping fails", func(t *testing.T) {
		assert.ErrorIs(t, adapter.Ping(ctx), adapters.ErrAdapterClosed)
	})
}

func TestMemoryAdapter_Reset(t *testing.T) {
	adapter := NewAdapter()
	adaptertest.Start(t, adapter, "quest-1", "Quest", 3)
	assert.Equal(t, 3, adapter.EventCount())
	assert.Equal(t, 1, adapter.StreamCount())

	adapter.Reset()

	assert.Equal(t, 0, adapter.EventCount())
	assert.Equal(t, 0, adapter.StreamCount())

	res := adaptertest.Start(t, adapter, "quest-1", "Quest", 1)
	assert.Equal(t, uint64(1), res.Events[0].GlobalPosition)
}

func TestMemoryAdapter_Locking(t *testing.T) {
	t.Run("second transaction waits for the first", func(t *testing.T) {
		ctx := context.Background()
		adapter := NewAdapter()
		adaptertest.Start(t, adapter, "quest-1", "Quest", 1)

		first, err := adapter.BeginTx(ctx)
		require.NoError(t, err)
		_, err = first.Append(ctx, "quest-1", adaptertest.Records("Appended", 1), 1)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := adaptertest.Append(ctx, adapter, "quest-1", 1, 1)
			done <- err
		}()

		select {
		case err := <-done:
			t.Fatalf("second append finished while the stream was locked: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, first.Commit())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
		case <-time.After(time.Second):
			t.Fatal("second append never finished")
		}
	})

	t.Run("lock wait honours context", func(t *testing.T) {
		adapter := NewAdapter()
		adaptertest.Start(t, adapter, "quest-1", "Quest", 1)

		holder, err := adapter.BeginTx(context.Background())
		require.NoError(t, err)
		defer func() { _ = holder.Rollback() }()
		_, err = holder.GetStreamInfo(context.Background(), "quest-1")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = adaptertest.Append(ctx, adapter, "quest-1", 1, 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("rollback releases locks", func(t *testing.T) {
		ctx := context.Background()
		adapter := NewAdapter()
		adaptertest.Start(t, adapter, "quest-1", "Quest", 1)

		tx, err := adapter.BeginTx(ctx)
		require.NoError(t, err)
		_, err = tx.Append(ctx, "quest-1", adaptertest.Records("Appended", 1), 1)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		res, err := adaptertest.Append(ctx, adapter, "quest-1", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Version)
	})
}

func TestMemoryAdapter_CommitAfterCancel(t *testing.T) {
	adapter := NewAdapter()
	ctx, cancel := context.WithCancel(context.Background())

	tx, err := adapter.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StartStream(ctx, "quest-1", "Quest", adaptertest.Records("Started", 1))
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, tx.Commit(), context.Canceled)
	assert.Equal(t, 0, adapter.StreamCount())
}

func TestMemoryAdapter_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	adaptertest.Start(t, adapter, "quest-1", "Quest", 2)

	events, err := adapter.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	events[0].Type = "Mutated"

	again, err := adapter.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "Started", again[0].Type)
}

func TestMemoryAdapter_ConcurrentStreams(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	const streams = 50
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := adapter.BeginTx(ctx)
			if err != nil {
				errs <- err
				return
			}
			id := fmt.Sprintf("quest-%02d", i)
			if _, err := tx.StartStream(ctx, id, "Quest", adaptertest.Records("Started", 2)); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, streams, adapter.StreamCount())
	assert.Equal(t, streams*2, adapter.EventCount())
}

func BenchmarkMemoryAdapter_Append(b *testing.B) {
	ctx := context.Background()
	adapter := NewAdapter()
	tx, _ := adapter.BeginTx(ctx)
	_, _ = tx.StartStream(ctx, "bench", "Bench", adaptertest.Records("Started", 1))
	_ = tx.Commit()

	records := adaptertest.Records("Appended", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx, _ := adapter.BeginTx(ctx)
		_, _ = tx.Append(ctx, "bench", records, adapters.AnyVersion)
		_ = tx.Commit()
	}
}
