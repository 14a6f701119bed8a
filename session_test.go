package stoat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AshkanYarmoradi/go-stoat/testing/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSession_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("commits several streams atomically", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)

		session := store.OpenSession()
		require.NoError(t, session.StartStream("acc-b", accountStream, []interface{}{AccountOpened{AccountID: "acc-b"}}))
		require.NoError(t, session.StartStream("acc-a", accountStream, []interface{}{
			AccountOpened{AccountID: "acc-a"}, FundsDeposited{Amount: 7},
		}))
		assert.Equal(t, 2, session.Pending())

		result, err := session.Commit(ctx)
		require.NoError(t, err)

		require.Len(t, result.Streams, 2)
		assert.Equal(t, "acc-a", result.Streams[0].StreamID)
		assert.Equal(t, "acc-b", result.Streams[1].StreamID)
		assert.Equal(t, int64(2), result.Version("acc-a"))
		assert.Equal(t, int64(1), result.Version("acc-b"))
		assert.Equal(t, int64(0), result.Version("acc-c"))

		token, ok := result.Stream("acc-a")
		require.True(t, ok)
		assert.Equal(t, accountStream, token.StreamType)
		_, ok = result.Stream("acc-c")
		assert.False(t, ok)
	})

	t.Run("merges start and append of one stream", func(t *testing.T) {
		store, _ := newTestStore(t)
		p := registerAccounts(t, store)

		session := store.OpenSession()
		require.NoError(t, session.StartStream("acc-1", accountStream, []interface{}{AccountOpened{AccountID: "acc-1"}}))
		require.NoError(t, session.Append("acc-1", []interface{}{FundsDeposited{Amount: 4}}, ExpectVersion(1)))
		require.NoError(t, session.Append("acc-1", []interface{}{FundsDeposited{Amount: 6}}))

		result, err := session.Commit(ctx)
		require.NoError(t, err)

		token, ok := result.Stream("acc-1")
		require.True(t, ok)
		assert.Equal(t, int64(0), token.FromVersion)
		assert.Equal(t, int64(3), token.Version)

		account, version, err := LoadProjection(ctx, store, p, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.Equal(t, 10, account.Balance)
	})

	t.Run("a failing intent rolls back the whole session", func(t *testing.T) {
		store, adapter := newTestStore(t)
		registerAccounts(t, store)

		session := store.OpenSession()
		require.NoError(t, session.StartStream("acc-b", accountStream, []interface{}{AccountOpened{AccountID: "acc-b"}}))
		require.NoError(t, session.Append("acc-a", []interface{}{FundsDeposited{Amount: 1}}))

		_, err := session.Commit(ctx)

		assert.ErrorIs(t, err, ErrStreamNotFound)
		assert.Equal(t, 0, adapter.StreamCount())
		doc, err := adapter.LoadDocument(ctx, "account", "acc-b")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("commit failure persists nothing", func(t *testing.T) {
		faulty := testutil.NewFaultyAdapter(newMemory())
		faulty.CommitErr = errors.New("disk full")
		store := New(faulty)
		registerAccounts(t, store)

		_, err := store.StartStream(ctx, "acc-1", accountStream, []interface{}{AccountOpened{AccountID: "acc-1"}})

		assert.EqualError(t, err, "disk full")
		assert.Equal(t, int64(0), faulty.Commits())
		assert.Equal(t, int64(1), faulty.Rollbacks())
		exists, err := store.StreamExists(ctx, "acc-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("document write failure aborts the commit", func(t *testing.T) {
		faulty := testutil.NewFaultyAdapter(newMemory())
		faulty.SaveDocumentErr = errors.New("document store offline")
		store := New(faulty)
		registerAccounts(t, store)

		_, err := store.StartStream(ctx, "acc-1", accountStream, []interface{}{AccountOpened{AccountID: "acc-1"}})

		var projErr *ProjectionError
		require.True(t, errors.As(err, &projErr))
		assert.Equal(t, "account", projErr.Projection)
		assert.Equal(t, "acc-1", projErr.StreamID)
		assert.EqualError(t, projErr.Err, "document store offline")

		_, err = store.ReadStream(ctx, "acc-1")
		assert.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("begin failure is returned", func(t *testing.T) {
		faulty := testutil.NewFaultyAdapter(newMemory())
		faulty.BeginTxErr = errors.New("no connection")
		store := New(faulty)
		registerAccounts(t, store)

		_, err := store.StartStream(ctx, "acc-1", accountStream, []interface{}{AccountOpened{}})
		assert.EqualError(t, err, "no connection")
	})

	t.Run("canceled context commits nothing", func(t *testing.T) {
		store, adapter := newTestStore(t)
		registerAccounts(t, store)

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		session := store.OpenSession()
		require.NoError(t, session.StartStream("acc-1", accountStream, []interface{}{AccountOpened{}}))
		_, err := session.Commit(canceled)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, adapter.StreamCount())
	})

	t.Run("empty session commits nothing", func(t *testing.T) {
		faulty := testutil.NewFaultyAdapter(newMemory())
		store := New(faulty)

		result, err := store.OpenSession().Commit(ctx)

		require.NoError(t, err)
		assert.Empty(t, result.Streams)
		assert.Equal(t, int64(0), faulty.Commits())
	})

	t.Run("input errors surface when staging", func(t *testing.T) {
		store, _ := newTestStore(t)
		registerAccounts(t, store)
		session := store.OpenSession()

		assert.ErrorIs(t, session.StartStream("", accountStream, []interface{}{AccountOpened{}}), ErrEmptyStreamID)
		assert.ErrorIs(t, session.StartStream("acc-1", "", []interface{}{AccountOpened{}}), ErrEmptyStreamType)
		assert.ErrorIs(t, session.StartStream("acc-1", accountStream, nil), ErrEmptyStream)
		assert.ErrorIs(t, session.Append("acc-1", nil), ErrNoEvents)
		assert.ErrorIs(t, session.Append("acc-1", []interface{}{struct{}{}}), ErrUnknownEventKind)
		assert.Equal(t, 0, session.Pending())
	})
}

func TestSession_OneShot(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)

	t.Run("commit closes the session", func(t *testing.T) {
		session := store.OpenSession()
		require.NoError(t, session.StartStream("acc-1", accountStream, []interface{}{AccountOpened{}}))
		_, err := session.Commit(ctx)
		require.NoError(t, err)

		_, err = session.Commit(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.ErrorIs(t, session.Append("acc-1", []interface{}{FundsDeposited{}}), ErrSessionClosed)
	})

	t.Run("failed commit closes the session", func(t *testing.T) {
		session := store.OpenSession()
		require.NoError(t, session.Append("missing", []interface{}{FundsDeposited{}}))
		_, err := session.Commit(ctx)
		require.ErrorIs(t, err, ErrStreamNotFound)

		_, err = session.Commit(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("discard drops staged intents", func(t *testing.T) {
		session := store.OpenSession()
		require.NoError(t, session.StartStream("acc-2", accountStream, []interface{}{AccountOpened{}}))
		session.Discard()

		assert.Equal(t, 0, session.Pending())
		_, err := session.Commit(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)

		exists, err := store.StreamExists(ctx, "acc-2")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestSession_Metadata(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)

	defaults := Metadata{}.WithTenantID("tenant-1")
	override := Metadata{}.WithCorrelationID("corr-9")

	session := store.OpenSession(WithSessionMetadata(defaults))
	require.NoError(t, session.StartStream("acc-1", accountStream, []interface{}{AccountOpened{}}))
	require.NoError(t, session.Append("acc-1", []interface{}{FundsDeposited{}}, WithAppendMetadata(override)))
	_, err := session.Commit(ctx)
	require.NoError(t, err)

	events, err := store.ReadStream(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, defaults, events[0].Metadata)
	assert.Equal(t, override, events[1].Metadata)
}

func TestSession_ProjectionIsolation(t *testing.T) {
	ctx := context.Background()
	logger := &recordingLogger{}
	store, _ := newTestStore(t, WithLogger(logger))
	account := registerAccounts(t, store)
	summary := newSummaryProjection()
	require.NoError(t, store.RegisterProjection(summary))
	require.NoError(t, store.Registry().Register("AccountFrozen", NewJSONCodec(AccountFrozen{}), "account"))

	openAccount(t, store, "acc-1", 10)

	result, err := store.OpenSession().commitAppend(ctx, "acc-1", AccountFrozen{Reason: "audit"}, FundsDeposited{Amount: 5})
	require.NoError(t, err)

	require.Len(t, result.ProjectionErrors, 1)
	isolated := result.ProjectionErrors[0]
	assert.Equal(t, "account", isolated.Projection)
	assert.Equal(t, "acc-1", isolated.StreamID)
	assert.ErrorIs(t, isolated.Err, ErrNoApplyHandler)
	assert.True(t, logger.has("warn: Skipped projection update"))

	version, err := store.CurrentVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)

	state, docVersion, err := LoadProjection(ctx, store, summary, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), docVersion)
	assert.Equal(t, 2, state.Deposits)

	stale, staleVersion, err := LoadProjection(ctx, store, account, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), staleVersion)
	assert.Equal(t, 10, stale.Balance)
}

func TestSession_ProjectionFailure(t *testing.T) {
	ctx := context.Background()
	store, adapter := newTestStore(t)
	require.NoError(t, store.RegisterEvents(AccountOpened{}, FundsWithdrawn{}))

	p := NewProjection[Account]("account", accountStream)
	OnCreate(p, func(e AccountOpened) Account { return Account{ID: e.AccountID} })
	p.Apply("FundsWithdrawn", func(e Event, a Account) (Account, error) {
		return a, errors.New("insufficient funds")
	})
	require.NoError(t, store.RegisterProjection(p))

	_, err := store.StartStream(ctx, "acc-1", accountStream, []interface{}{
		AccountOpened{AccountID: "acc-1"}, FundsWithdrawn{Amount: 5},
	})

	var projErr *ProjectionError
	require.True(t, errors.As(err, &projErr))
	assert.Equal(t, "account", projErr.Projection)
	assert.ErrorContains(t, err, "insufficient funds")
	assert.Equal(t, 0, adapter.StreamCount())
}

func TestSession_LiveProjectionsAreNotPersisted(t *testing.T) {
	ctx := context.Background()
	store, adapter := newTestStore(t)
	registerAccounts(t, store)
	live := newSummaryProjection(WithLifecycle(Live))
	require.NoError(t, store.RegisterProjection(live))

	openAccount(t, store, "acc-1", 3, 4)

	doc, err := adapter.LoadDocument(ctx, "account-summary", "acc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	state, version, err := LoadProjection(ctx, store, live, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, 2, state.Deposits)
}

func TestSession_OpposingLockOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registerAccounts(t, store)
	openAccount(t, store, "acc-a")
	openAccount(t, store, "acc-b")

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		first, second := "acc-a", "acc-b"
		if i%2 == 1 {
			first, second = second, first
		}
		g.Go(func() error {
			session := store.OpenSession()
			if err := session.Append(first, []interface{}{FundsDeposited{Amount: 1}}); err != nil {
				return err
			}
			if err := session.Append(second, []interface{}{FundsDeposited{Amount: 1}}); err != nil {
				return err
			}
			_, err := session.Commit(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range []string{"acc-a", "acc-b"} {
		version, err := store.CurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(21), version)
	}
}

func TestEventStore_Publishers(t *testing.T) {
	ctx := context.Background()

	t.Run("receives committed batches", func(t *testing.T) {
		var mu sync.Mutex
		var received []CommittedStream
		publisher := PublisherFunc(func(ctx context.Context, batches []CommittedStream) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, batches...)
			return nil
		})

		store, _ := newTestStore(t, WithPublisher(publisher))
		registerAccounts(t, store)

		openAccount(t, store, "acc-1", 5)
		_, err := store.Append(ctx, "acc-1", []interface{}{FundsWithdrawn{Amount: 2}})
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, received, 2)
		assert.Equal(t, "acc-1", received[0].StreamID)
		assert.Equal(t, accountStream, received[0].StreamType)
		assert.Len(t, received[0].Events, 2)
		require.Len(t, received[1].Events, 1)
		assert.Equal(t, int64(3), received[1].Events[0].Version)
		assert.Equal(t, "FundsWithdrawn", received[1].Events[0].Type)
	})

	t.Run("is skipped when the commit fails", func(t *testing.T) {
		calls := 0
		store, _ := newTestStore(t, WithPublisher(PublisherFunc(func(ctx context.Context, batches []CommittedStream) error {
			calls++
			return nil
		})))
		registerAccounts(t, store)

		_, err := store.Append(ctx, "missing", []interface{}{FundsDeposited{}})
		require.ErrorIs(t, err, ErrStreamNotFound)
		assert.Equal(t, 0, calls)
	})

	t.Run("failure does not undo the commit", func(t *testing.T) {
		logger := &recordingLogger{}
		second := 0
		store, _ := newTestStore(t,
			WithLogger(logger),
			WithPublisher(PublisherFunc(func(ctx context.Context, batches []CommittedStream) error {
				return errors.New("broker unavailable")
			})),
			WithPublisher(PublisherFunc(func(ctx context.Context, batches []CommittedStream) error {
				second++
				return nil
			})),
		)
		registerAccounts(t, store)

		token := openAccount(t, store, "acc-1")

		assert.Equal(t, int64(1), token.Version)
		assert.Equal(t, 1, second)
		assert.True(t, logger.has("error: Failed to publish committed events"))
	})
}

// commitAppend stages one append and commits it.
func (s *Session) commitAppend(ctx context.Context, streamID string, events ...interface{}) (*CommitResult, error) {
	if err := s.Append(streamID, events); err != nil {
		return nil, err
	}
	return s.Commit(ctx)
}
