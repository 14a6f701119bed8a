package stoat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"golang.org/x/sync/errgroup"
)

// ProjectionRebuilder refolds inline projections from the event log.
// Use it after adding a projection to streams that already exist, or after
// fixing a fold table that left documents behind.
type ProjectionRebuilder struct {
	store  *EventStore
	logger Logger

	batchSize int
	workers   int
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuilderBatchSize sets how many streams are listed per page.
func WithRebuilderBatchSize(size int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRebuilderWorkers sets how many streams are rebuilt concurrently.
func WithRebuilderWorkers(n int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRebuilderLogger sets the logger for the rebuilder.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// NewProjectionRebuilder creates a new projection rebuilder.
func NewProjectionRebuilder(store *EventStore, opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		store:     store,
		logger:    store.logger,
		batchSize: 100,
		workers:   4,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RebuildProgress tracks the progress of a projection rebuild.
type RebuildProgress struct {
	// ProjectionName is the name of the projection being rebuilt.
	ProjectionName string

	// StreamsProcessed is the number of streams refolded so far.
	StreamsProcessed uint64

	// EventsProcessed is the number of events folded so far.
	EventsProcessed uint64

	StartedAt time.Time
	Duration  time.Duration

	// Completed indicates if the rebuild is complete.
	Completed bool
}

// ProgressCallback is called after every page of streams.
type ProgressCallback func(progress RebuildProgress)

// Rebuild refolds every stream of the named projection's stream type and
// rewrites its documents. Live projections have nothing to rebuild.
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, name string, progress ProgressCallback) (RebuildProgress, error) {
	p, ok := r.store.projections.Get(name)
	if !ok {
		return RebuildProgress{}, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}

	state := RebuildProgress{ProjectionName: name, StartedAt: time.Now()}
	if p.Lifecycle() != Inline {
		state.Completed = true
		return state, nil
	}

	lister, ok := r.store.adapter.(adapters.StreamLister)
	if !ok {
		return state, fmt.Errorf("stoat: rebuild %s: %w", name, adapters.ErrNotSupported)
	}

	r.logger.Info("Starting projection rebuild", "projection", name, "streamType", p.StreamType())

	var streams, events atomic.Uint64
	after := ""
	for {
		page, err := lister.ListStreams(ctx, p.StreamType(), after, r.batchSize)
		if err != nil {
			return state, fmt.Errorf("stoat: rebuild %s: list streams: %w", name, err)
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers)
		for _, info := range page {
			streamID := info.StreamID
			g.Go(func() error {
				n, err := r.RebuildStream(gctx, p, streamID)
				if err != nil {
					return err
				}
				streams.Add(1)
				events.Add(uint64(n))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return state, err
		}

		after = page[len(page)-1].StreamID
		state.StreamsProcessed = streams.Load()
		state.EventsProcessed = events.Load()
		state.Duration = time.Since(state.StartedAt)
		if progress != nil {
			progress(state)
		}
		if len(page) < r.batchSize {
			break
		}
	}

	state.StreamsProcessed = streams.Load()
	state.EventsProcessed = events.Load()
	state.Duration = time.Since(state.StartedAt)
	state.Completed = true
	if progress != nil {
		progress(state)
	}

	r.logger.Info("Completed projection rebuild",
		"projection", name,
		"streams", state.StreamsProcessed,
		"events", state.EventsProcessed,
		"duration", state.Duration)
	return state, nil
}

// RebuildAll rebuilds every inline projection in registration order.
func (r *ProjectionRebuilder) RebuildAll(ctx context.Context, progress ProgressCallback) error {
	for _, p := range r.store.projections.Projections() {
		if p.Lifecycle() != Inline {
			continue
		}
		if _, err := r.Rebuild(ctx, p.Name(), progress); err != nil {
			return err
		}
	}
	return nil
}

// RebuildStream refolds one stream into p's document and returns the number
// of events folded. The stream is read and the document written in one
// transaction, so concurrent appends cannot be overwritten by stale state.
func (r *ProjectionRebuilder) RebuildStream(ctx context.Context, p Projector, streamID string) (int, error) {
	tx, err := r.store.adapter.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	info, err := tx.GetStreamInfo(ctx, streamID)
	if err != nil {
		return 0, err
	}
	stored, err := tx.Load(ctx, streamID, 1, info.Version)
	if err != nil {
		return 0, err
	}
	events, err := r.store.registry.DecodeAll(stored)
	if err != nil {
		return 0, err
	}
	state, err := r.store.projections.fold(p, nil, false, events)
	if err != nil {
		return 0, &ProjectionError{Projection: p.Name(), StreamID: streamID, Err: err}
	}
	data, err := p.encodeState(state)
	if err != nil {
		return 0, err
	}

	err = tx.SaveDocument(ctx, adapters.DocumentRecord{
		Projection: p.Name(),
		Key:        streamID,
		Version:    info.Version,
		Data:       data,
		UpdatedAt:  r.store.clock(),
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return len(events), nil
}
