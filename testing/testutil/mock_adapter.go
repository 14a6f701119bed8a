package testutil

import (
	"context"
	"sync/atomic"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// FaultyAdapter wraps an adapter and injects errors into transactions.
// Unset errors pass calls through to the wrapped adapter.
type FaultyAdapter struct {
	adapters.EventStoreAdapter

	BeginTxErr      error
	StartStreamErr  error
	AppendErr       error
	SaveDocumentErr error
	CommitErr       error

	commits   atomic.Int64
	rollbacks atomic.Int64
}

// NewFaultyAdapter wraps inner.
func NewFaultyAdapter(inner adapters.EventStoreAdapter) *FaultyAdapter {
	return &FaultyAdapter{EventStoreAdapter: inner}
}

// Commits returns the number of successful commits.
func (f *FaultyAdapter) Commits() int64 { return f.commits.Load() }

// Rollbacks returns the number of rollbacks, including those after a failed commit.
func (f *FaultyAdapter) Rollbacks() int64 { return f.rollbacks.Load() }

// BeginTx implements adapters.EventStoreAdapter.
func (f *FaultyAdapter) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	if f.BeginTxErr != nil {
		return nil, f.BeginTxErr
	}
	tx, err := f.EventStoreAdapter.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Transaction: tx, adapter: f}, nil
}

// ListStreams passes through when the wrapped adapter lists streams.
func (f *FaultyAdapter) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	lister, ok := f.EventStoreAdapter.(adapters.StreamLister)
	if !ok {
		return nil, adapters.ErrNotSupported
	}
	return lister.ListStreams(ctx, streamType, afterStreamID, limit)
}

type faultyTx struct {
	adapters.Transaction
	adapter *FaultyAdapter
}

func (t *faultyTx) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	if t.adapter.StartStreamErr != nil {
		return nil, t.adapter.StartStreamErr
	}
	return t.Transaction.StartStream(ctx, streamID, streamType, events)
}

func (t *faultyTx) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	if t.adapter.AppendErr != nil {
		return nil, t.adapter.AppendErr
	}
	return t.Transaction.Append(ctx, streamID, events, expectedVersion)
}

func (t *faultyTx) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	if t.adapter.SaveDocumentErr != nil {
		return t.adapter.SaveDocumentErr
	}
	return t.Transaction.SaveDocument(ctx, doc)
}

func (t *faultyTx) Commit() error {
	if t.adapter.CommitErr != nil {
		return t.adapter.CommitErr
	}
	if err := t.Transaction.Commit(); err != nil {
		return err
	}
	t.adapter.commits.Add(1)
	return nil
}

func (t *faultyTx) Rollback() error {
	err := t.Transaction.Rollback()
	if err == nil {
		t.adapter.rollbacks.Add(1)
	}
	return err
}
