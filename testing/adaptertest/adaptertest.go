// Package adaptertest provides a behavioral test suite shared by every
// event store adapter. Each adapter package runs it against a fresh instance:
//
//	func TestConformance(t *testing.T) {
//		adaptertest.Run(t, func(t *testing.T) adapters.EventStoreAdapter {
//			return memory.NewAdapter()
//		})
//	}
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, initialized adapter. The suite closes it.
type Factory func(t *testing.T) adapters.EventStoreAdapter

// Run executes the full suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	suites := []struct {
		name string
		fn   func(t *testing.T, a adapters.EventStoreAdapter)
	}{
		{"StartStream", testStartStream},
		{"StartStreamTwice", testStartStreamTwice},
		{"AppendRequiresStream", testAppendRequiresStream},
		{"AppendExpectedVersion", testAppendExpectedVersion},
		{"InputValidation", testInputValidation},
		{"LoadRange", testLoadRange},
		{"StreamInfo", testStreamInfo},
		{"RollbackDiscards", testRollbackDiscards},
		{"ReadYourWrites", testReadYourWrites},
		{"MultiStreamAtomicity", testMultiStreamAtomicity},
		{"Documents", testDocuments},
		{"TransactionDone", testTransactionDone},
		{"GlobalPosition", testGlobalPosition},
		{"ConcurrentAppend", testConcurrentAppend},
		{"ConcurrentAnyVersionAppend", testConcurrentAnyVersionAppend},
		{"ConcurrentStart", testConcurrentStart},
		{"ListStreams", testListStreams},
	}

	for _, s := range suites {
		s := s
		t.Run(s.name, func(t *testing.T) {
			a := factory(t)
			t.Cleanup(func() { _ = a.Close() })
			s.fn(t, a)
		})
	}
}

// Records builds n records of the given type with JSON payloads.
func Records(eventType string, n int) []adapters.EventRecord {
	records := make([]adapters.EventRecord, n)
	for i := range records {
		records[i] = adapters.EventRecord{
			Type: eventType,
			Data: []byte(fmt.Sprintf(`{"n":%d}`, i+1)),
			Metadata: adapters.Metadata{
				CorrelationID: "corr-1",
			},
		}
	}
	return records
}

// Start commits a new stream in its own transaction.
func Start(t *testing.T, a adapters.EventStoreAdapter, streamID, streamType string, n int) *adapters.AppendResult {
	t.Helper()
	ctx := context.Background()

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	res, err := tx.StartStream(ctx, streamID, streamType, Records("Started", n))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return res
}

// Append commits events to an existing stream in its own transaction.
func Append(ctx context.Context, a adapters.EventStoreAdapter, streamID string, n int, expected int64) (*adapters.AppendResult, error) {
	tx, err := a.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tx.Append(ctx, streamID, Records("Appended", n), expected)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func testStartStream(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	res := Start(t, a, "quest-1", "Quest", 3)

	assert.Equal(t, "quest-1", res.StreamID)
	assert.Equal(t, "Quest", res.StreamType)
	assert.Equal(t, int64(0), res.FromVersion)
	assert.Equal(t, int64(3), res.Version)
	require.Len(t, res.Events, 3)

	events, err := a.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Version)
		assert.Equal(t, "quest-1", e.StreamID)
		assert.Equal(t, "Started", e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+1), string(e.Data))
		assert.Equal(t, "corr-1", e.Metadata.CorrelationID)
		assert.Equal(t, res.Events[i].ID, e.ID)
	}
}

func testStartStreamTwice(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 1)

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.StartStream(ctx, "quest-1", "Quest", Records("Started", 1))
	assert.ErrorIs(t, err, adapters.ErrStreamAlreadyExists)

	var existsErr *adapters.StreamAlreadyExistsError
	if assert.ErrorAs(t, err, &existsErr) {
		assert.Equal(t, "quest-1", existsErr.StreamID)
	}

	events, err := a.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testAppendRequiresStream(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()

	t.Run("missing stream", func(t *testing.T) {
		_, err := Append(ctx, a, "ghost", 1, adapters.AnyVersion)
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
	})

	t.Run("not found wins over version", func(t *testing.T) {
		_, err := Append(ctx, a, "ghost", 1, 5)
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
		assert.NotErrorIs(t, err, adapters.ErrConcurrencyConflict)
	})

	t.Run("load missing stream", func(t *testing.T) {
		_, err := a.Load(ctx, "ghost", 1, 0)
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
	})
}

func testAppendExpectedVersion(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 2)

	t.Run("matching version", func(t *testing.T) {
		res, err := Append(ctx, a, "quest-1", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.FromVersion)
		assert.Equal(t, int64(4), res.Version)
		assert.Equal(t, "Quest", res.StreamType)
		require.Len(t, res.Events, 2)
		assert.Equal(t, int64(3), res.Events[0].Version)
		assert.Equal(t, int64(4), res.Events[1].Version)
	})

	t.Run("stale version", func(t *testing.T) {
		_, err := Append(ctx, a, "quest-1", 1, 2)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		var concErr *adapters.ConcurrencyError
		if assert.ErrorAs(t, err, &concErr) {
			assert.Equal(t, "quest-1", concErr.StreamID)
			assert.Equal(t, int64(2), concErr.ExpectedVersion)
			assert.Equal(t, int64(4), concErr.ActualVersion)
		}
	})

	t.Run("any version", func(t *testing.T) {
		res, err := Append(ctx, a, "quest-1", 1, adapters.AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Version)
	})

	t.Run("versions stay gapless", func(t *testing.T) {
		events, err := a.Load(ctx, "quest-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
		}
	})
}

func testInputValidation(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.StartStream(ctx, "", "Quest", Records("Started", 1))
	assert.ErrorIs(t, err, adapters.ErrEmptyStreamID)

	_, err = tx.StartStream(ctx, "quest-1", "", Records("Started", 1))
	assert.ErrorIs(t, err, adapters.ErrEmptyStreamType)

	_, err = tx.StartStream(ctx, "quest-1", "Quest", nil)
	assert.ErrorIs(t, err, adapters.ErrEmptyStream)

	_, err = tx.Append(ctx, "", Records("Appended", 1), adapters.AnyVersion)
	assert.ErrorIs(t, err, adapters.ErrEmptyStreamID)

	_, err = tx.Append(ctx, "quest-1", nil, adapters.AnyVersion)
	assert.ErrorIs(t, err, adapters.ErrNoEvents)

	_, err = tx.Append(ctx, "quest-1", Records("Appended", 1), -2)
	assert.ErrorIs(t, err, adapters.ErrInvalidVersion)
}

func testLoadRange(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 5)

	tests := []struct {
		name     string
		from, to int64
		want     []int64
	}{
		{"all", 1, 0, []int64{1, 2, 3, 4, 5}},
		{"from middle", 3, 0, []int64{3, 4, 5}},
		{"bounded", 2, 4, []int64{2, 3, 4}},
		{"single", 5, 5, []int64{5}},
		{"to beyond end", 4, 99, []int64{4, 5}},
		{"from beyond end", 6, 0, nil},
		{"zero from", 0, 2, []int64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := a.Load(ctx, "quest-1", tt.from, tt.to)
			require.NoError(t, err)
			require.NotNil(t, events)

			var got []int64
			for _, e := range events {
				got = append(got, e.Version)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func testStreamInfo(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 2)
	_, err := Append(ctx, a, "quest-1", 1, 2)
	require.NoError(t, err)

	info, err := a.GetStreamInfo(ctx, "quest-1")
	require.NoError(t, err)
	assert.Equal(t, "quest-1", info.StreamID)
	assert.Equal(t, "Quest", info.StreamType)
	assert.Equal(t, int64(3), info.Version)
	assert.False(t, info.CreatedAt.IsZero())
	assert.False(t, info.UpdatedAt.Before(info.CreatedAt))

	_, err = a.GetStreamInfo(ctx, "ghost")
	assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
}

func testRollbackDiscards(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 1)

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StartStream(ctx, "quest-2", "Quest", Records("Started", 2))
	require.NoError(t, err)
	_, err = tx.Append(ctx, "quest-1", Records("Appended", 1), 1)
	require.NoError(t, err)
	require.NoError(t, tx.SaveDocument(ctx, adapters.DocumentRecord{
		Projection: "quest", Key: "quest-2", Version: 2, Data: []byte(`{}`),
	}))
	require.NoError(t, tx.Rollback())

	_, err = a.GetStreamInfo(ctx, "quest-2")
	assert.ErrorIs(t, err, adapters.ErrStreamNotFound)

	info, err := a.GetStreamInfo(ctx, "quest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)

	doc, err := a.LoadDocument(ctx, "quest", "quest-2")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func testReadYourWrites(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.StartStream(ctx, "quest-1", "Quest", Records("Started", 1))
	require.NoError(t, err)
	res, err := tx.Append(ctx, "quest-1", Records("Appended", 2), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.FromVersion)
	assert.Equal(t, int64(3), res.Version)

	info, err := tx.GetStreamInfo(ctx, "quest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Version)
	assert.Equal(t, "Quest", info.StreamType)

	events, err := tx.Load(ctx, "quest-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Version)

	require.NoError(t, tx.SaveDocument(ctx, adapters.DocumentRecord{
		Projection: "quest", Key: "quest-1", Version: 3, Data: []byte(`{"v":3}`),
	}))
	doc, err := tx.LoadDocument(ctx, "quest", "quest-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(3), doc.Version)
}

func testMultiStreamAtomicity(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "b-stream", "Quest", 1)

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StartStream(ctx, "a-stream", "Quest", Records("Started", 1))
	require.NoError(t, err)
	_, err = tx.Append(ctx, "b-stream", Records("Appended", 1), 0)
	require.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	require.NoError(t, tx.Rollback())

	_, err = a.GetStreamInfo(ctx, "a-stream")
	assert.ErrorIs(t, err, adapters.ErrStreamNotFound)

	tx, err = a.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StartStream(ctx, "a-stream", "Quest", Records("Started", 1))
	require.NoError(t, err)
	_, err = tx.Append(ctx, "b-stream", Records("Appended", 1), 1)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	a1, err := a.GetStreamInfo(ctx, "a-stream")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a1.Version)
	b1, err := a.GetStreamInfo(ctx, "b-stream")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b1.Version)
}

func testDocuments(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()

	doc, err := a.LoadDocument(ctx, "quest", "quest-1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	save := func(version int64, data string) {
		tx, err := a.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveDocument(ctx, adapters.DocumentRecord{
			Projection: "quest",
			Key:        "quest-1",
			Version:    version,
			Data:       []byte(data),
			UpdatedAt:  time.Now().UTC(),
		}))
		require.NoError(t, tx.Commit())
	}

	save(1, `{"name":"first"}`)
	save(4, `{"name":"second"}`)

	doc, err = a.LoadDocument(ctx, "quest", "quest-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "quest", doc.Projection)
	assert.Equal(t, "quest-1", doc.Key)
	assert.Equal(t, int64(4), doc.Version)
	assert.JSONEq(t, `{"name":"second"}`, string(doc.Data))

	other, err := a.LoadDocument(ctx, "quest-party", "quest-1")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testTransactionDone(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StartStream(ctx, "quest-1", "Quest", Records("Started", 1))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), adapters.ErrTransactionDone)
	assert.ErrorIs(t, tx.Rollback(), adapters.ErrTransactionDone)
}

func testGlobalPosition(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 2)
	Start(t, a, "quest-2", "Quest", 1)
	_, err := Append(ctx, a, "quest-1", 1, 2)
	require.NoError(t, err)

	first, err := a.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	second, err := a.Load(ctx, "quest-2", 1, 0)
	require.NoError(t, err)

	assert.Less(t, first[0].GlobalPosition, first[1].GlobalPosition)
	assert.Less(t, first[1].GlobalPosition, second[0].GlobalPosition)
	assert.Less(t, second[0].GlobalPosition, first[2].GlobalPosition)
}

func testConcurrentAppend(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 1)

	const writers = 5
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Append(ctx, a, "quest-1", 1, 1)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, adapters.ErrConcurrencyConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	info, err := a.GetStreamInfo(ctx, "quest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
}

// Writers that pass no expected version never conflict; they queue.
func testConcurrentAnyVersionAppend(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()
	Start(t, a, "quest-1", "Quest", 1)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Append(ctx, a, "quest-1", 1, adapters.AnyVersion)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	info, err := a.GetStreamInfo(ctx, "quest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), info.Version)

	events, err := a.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, writers+1)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Version)
	}
}

func testConcurrentStart(t *testing.T, a adapters.EventStoreAdapter) {
	ctx := context.Background()

	const writers = 5
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := a.BeginTx(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			if _, err := tx.StartStream(ctx, "quest-1", "Quest", Records("Started", 1)); err != nil {
				_ = tx.Rollback()
				errs[i] = err
				return
			}
			errs[i] = tx.Commit()
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, adapters.ErrStreamAlreadyExists), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	events, err := a.Load(ctx, "quest-1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testListStreams(t *testing.T, a adapters.EventStoreAdapter) {
	lister, ok := a.(adapters.StreamLister)
	if !ok {
		t.Skip("adapter does not list streams")
	}
	ctx := context.Background()

	for _, id := range []string{"quest-3", "quest-1", "quest-2"} {
		Start(t, a, id, "Quest", 1)
	}
	Start(t, a, "party-1", "Party", 1)

	page, err := lister.ListStreams(ctx, "Quest", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "quest-1", page[0].StreamID)
	assert.Equal(t, "quest-2", page[1].StreamID)

	page, err = lister.ListStreams(ctx, "Quest", "quest-2", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "quest-3", page[0].StreamID)

	all, err := lister.ListStreams(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
