package stoat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestEventStore_New(t *testing.T) {
	t.Run("creates with defaults", func(t *testing.T) {
		store, adapter := newTestStore(t)

		assert.Equal(t, adapter, store.Adapter())
		assert.NotNil(t, store.Registry())
		assert.NotNil(t, store.Projections())
		assert.Equal(t, 0, store.Registry().Count())
	})

	t.Run("shares a registry", func(t *testing.T) {
		registry := NewEventRegistry()
		require.NoError(t, registry.RegisterEvents(AccountOpened{}))

		store, _ := newTestStore(t, WithRegistry(registry))

		assert.Same(t, registry, store.Registry())
		assert.True(t, store.Registry().IsRegistered("AccountOpened"))
	})

	t.Run("uses custom clock and ids", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		store, _ := newTestStore(t, WithClock(fixedClock(at)), WithIDGenerator(sequentialIDs()))
		registerAccounts(t, store)

		openAccount(t, store, "acc-1", 10)

		events, err := store.ReadStream(context.Background(), "acc-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-1", events[0].ID)
		assert.Equal(t, "evt-2", events[1].ID)
		assert.True(t, events[0].Timestamp.Equal(at))

		doc, err := store.Adapter().LoadDocument(context.Background(), "account", "acc-1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.True(t, doc.UpdatedAt.Equal(at))
	})
}

func TestEventStore_Initialize(t *testing.T) {
	t.Run("validates before preparing the adapter", func(t *testing.T) {
		store, _ := newTestStore(t)
		p := NewProjection[Account]("account", accountStream)
		OnApply(p, func(e FundsDeposited, a Account) Account { return a })
		require.NoError(t, store.RegisterProjection(p))

		err := store.Initialize(context.Background())

		assert.ErrorIs(t, err, ErrNoCreatorEvent)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("succeeds with complete fold tables", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)

		assert.NoError(t, store.Initialize(context.Background()))
	})
}

func TestEventStore_StartStream(t *testing.T) {
	ctx := context.Background()

	t.Run("reads back events with versions 1..N", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)

		token, err := store.StartStream(ctx, "acc-1", accountStream, []interface{}{
			AccountOpened{AccountID: "acc-1", Owner: "ada"},
			FundsDeposited{Amount: 100},
			&FundsWithdrawn{Amount: 30},
		})
		require.NoError(t, err)

		assert.Equal(t, "acc-1", token.StreamID)
		assert.Equal(t, accountStream, token.StreamType)
		assert.Equal(t, int64(0), token.FromVersion)
		assert.Equal(t, int64(3), token.Version)

		events, err := store.ReadStream(ctx, "acc-1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
			assert.Equal(t, "acc-1", e.StreamID)
			assert.NotEmpty(t, e.ID)
			assert.NotZero(t, e.GlobalPosition)
		}
		assert.Equal(t, AccountOpened{AccountID: "acc-1", Owner: "ada"}, events[0].Data)
		assert.Equal(t, FundsDeposited{Amount: 100}, events[1].Data)
		assert.Equal(t, FundsWithdrawn{Amount: 30}, events[2].Data)
		assert.Less(t, events[0].GlobalPosition, events[2].GlobalPosition)
	})

	t.Run("rejects a taken stream id", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		openAccount(t, store, "acc-1")

		_, err := store.StartStream(ctx, "acc-1", accountStream, []interface{}{AccountOpened{AccountID: "acc-1"}})

		assert.ErrorIs(t, err, ErrStreamAlreadyExists)
		var exists *StreamAlreadyExistsError
		require.True(t, errors.As(err, &exists))
		assert.Equal(t, "acc-1", exists.StreamID)

		version, err := store.CurrentVersion(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	})

	t.Run("validates input", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)

		tests := []struct {
			name       string
			streamID   string
			streamType string
			events     []interface{}
			want       error
		}{
			{"empty id", "", accountStream, []interface{}{AccountOpened{}}, ErrEmptyStreamID},
			{"empty type", "acc-1", "", []interface{}{AccountOpened{}}, ErrEmptyStreamType},
			{"no events", "acc-1", accountStream, nil, ErrEmptyStream},
			{"unregistered payload", "acc-1", accountStream, []interface{}{struct{ X int }{1}}, ErrUnknownEventKind},
			{"nil payload", "acc-1", accountStream, []interface{}{nil}, ErrUnexpectedPayload},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := store.StartStream(ctx, tt.streamID, tt.streamType, tt.events)
				assert.ErrorIs(t, err, tt.want)
			})
		}

		exists, err := store.StreamExists(ctx, "acc-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("attaches metadata", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		md := Metadata{}.WithCorrelationID("corr-1").WithUserID("u-1").WithCustom("source", "test")

		_, err := store.StartStream(ctx, "acc-1", accountStream,
			[]interface{}{AccountOpened{AccountID: "acc-1"}}, WithAppendMetadata(md))
		require.NoError(t, err)

		events, err := store.ReadStream(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, md, events[0].Metadata)
	})
}

func TestEventStore_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("appends after the current version", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		openAccount(t, store, "acc-1", 10)

		token, err := store.Append(ctx, "acc-1", []interface{}{FundsDeposited{Amount: 5}}, ExpectVersion(2))
		require.NoError(t, err)

		assert.Equal(t, int64(2), token.FromVersion)
		assert.Equal(t, int64(3), token.Version)
		assert.Equal(t, accountStream, token.StreamType)
	})

	t.Run("never creates a stream", func(t *testing.T) {
		store, adapter := newTestStore(t)
		registerAccounts(t, store)

		_, err := store.Append(ctx, "acc-2", []interface{}{FundsDeposited{Amount: 5}})

		assert.ErrorIs(t, err, ErrStreamNotFound)
		var notFound *StreamNotFoundError
		require.True(t, errors.As(err, &notFound))
		assert.Equal(t, "acc-2", notFound.StreamID)

		_, err = store.ReadStream(ctx, "acc-2")
		assert.ErrorIs(t, err, ErrStreamNotFound)
		assert.Equal(t, 0, adapter.StreamCount())
		assert.Equal(t, 0, adapter.EventCount())
	})

	t.Run("reports missing stream before version mismatch", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)

		_, err := store.Append(ctx, "acc-2", []interface{}{FundsDeposited{Amount: 5}}, ExpectVersion(7))

		assert.ErrorIs(t, err, ErrStreamNotFound)
		assert.NotErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("rejects a stale expected version", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		openAccount(t, store, "acc-1", 10)

		_, err := store.Append(ctx, "acc-1", []interface{}{FundsDeposited{Amount: 5}}, ExpectVersion(1))

		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		var conflict *ConcurrencyError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.ExpectedVersion)
		assert.Equal(t, int64(2), conflict.ActualVersion)
	})

	t.Run("validates input", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)

		_, err := store.Append(ctx, "", []interface{}{FundsDeposited{}})
		assert.ErrorIs(t, err, ErrEmptyStreamID)

		_, err = store.Append(ctx, "acc-1", nil)
		assert.ErrorIs(t, err, ErrNoEvents)

		_, err = store.Append(ctx, "acc-1", []interface{}{FundsDeposited{}}, ExpectVersion(-2))
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("concurrent appends with the same expected version", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		openAccount(t, store, "acc-1", 10)

		const writers = 8
		var succeeded, conflicted atomic.Int32
		var g errgroup.Group
		for i := 0; i < writers; i++ {
			g.Go(func() error {
				_, err := store.Append(ctx, "acc-1",
					[]interface{}{FundsDeposited{Amount: 1}, FundsDeposited{Amount: 1}},
					ExpectVersion(2))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, ErrConcurrencyConflict):
					conflicted.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(writers-1), conflicted.Load())

		version, err := store.CurrentVersion(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), version)

		account, docVersion, err := LoadProjection(ctx, store, accountProjection(t, store), "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), docVersion)
		assert.Equal(t, 12, account.Balance)
	})

	t.Run("concurrent appends with any version all succeed", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		openAccount(t, store, "acc-1")

		var g errgroup.Group
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				_, err := store.Append(ctx, "acc-1", []interface{}{FundsDeposited{Amount: 1}})
				return err
			})
		}
		require.NoError(t, g.Wait())

		events, err := store.ReadStream(ctx, "acc-1")
		require.NoError(t, err)
		require.Len(t, events, 11)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
		}
	})
}

func TestEventStore_ReadStream(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)
	openAccount(t, store, "acc-1", 1, 2, 3, 4)

	tests := []struct {
		name     string
		opts     []ReadOption
		versions []int64
	}{
		{"all", nil, []int64{1, 2, 3, 4, 5}},
		{"from", []ReadOption{FromVersion(3)}, []int64{3, 4, 5}},
		{"to", []ReadOption{ToVersion(2)}, []int64{1, 2}},
		{"window", []ReadOption{FromVersion(2), ToVersion(4)}, []int64{2, 3, 4}},
		{"past the end", []ReadOption{FromVersion(9)}, []int64{}},
		{"to beyond the end", []ReadOption{ToVersion(50)}, []int64{1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.ReadStream(ctx, "acc-1", tt.opts...)
			require.NoError(t, err)

			versions := make([]int64, len(events))
			for i, e := range events {
				versions[i] = e.Version
			}
			assert.Equal(t, tt.versions, versions)
		})
	}

	t.Run("rejects invalid ranges", func(t *testing.T) {
		_, err := store.ReadStream(ctx, "acc-1", FromVersion(0))
		assert.ErrorIs(t, err, ErrInvalidVersion)

		_, err = store.ReadStream(ctx, "acc-1", ToVersion(-1))
		assert.ErrorIs(t, err, ErrInvalidVersion)

		_, err = store.ReadStream(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyStreamID)
	})

	t.Run("raw events keep payload bytes", func(t *testing.T) {
		raw, err := store.ReadStreamRaw(ctx, "acc-1", ToVersion(1))
		require.NoError(t, err)
		require.Len(t, raw, 1)
		assert.Equal(t, "AccountOpened", raw[0].Type)
		assert.JSONEq(t, `{"accountId":"acc-1","owner":"ada"}`, string(raw[0].Data))
	})

	t.Run("fails to decode an unregistered kind", func(t *testing.T) {
		other, _ := newTestStore(t, WithRegistry(NewEventRegistry()))
		require.NoError(t, other.RegisterEvents(AccountOpened{}))
		_, err := other.StartStream(ctx, "acc-9", accountStream, []interface{}{AccountOpened{}})
		require.NoError(t, err)

		reader := New(other.Adapter())
		_, err = reader.ReadStream(ctx, "acc-9")
		assert.ErrorIs(t, err, ErrUnknownEventKind)
	})
}

func TestEventStore_StreamInfo(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)
	openAccount(t, store, "acc-1", 5)

	info, err := store.StreamInfo(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", info.StreamID)
	assert.Equal(t, accountStream, info.StreamType)
	assert.Equal(t, int64(2), info.Version)

	exists, err := store.StreamExists(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.StreamInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = store.CurrentVersion(ctx, "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = store.StreamInfo(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyStreamID)
}

func TestEventStore_Close(t *testing.T) {
	store, _ := newTestStore(t)
	registerAccounts(t, store)

	require.NoError(t, store.Close())

	_, err := store.StartStream(context.Background(), "acc-1", accountStream, []interface{}{AccountOpened{}})
	assert.ErrorIs(t, err, ErrAdapterClosed)
}

func accountProjection(t *testing.T, store *EventStore) *Projection[Account] {
	t.Helper()
	p, ok := store.Projections().Get("account")
	require.True(t, ok)
	return p.(*Projection[Account])
}
