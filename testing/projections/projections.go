// Package projections provides Given/When/Then fixtures for projection
// development. A fixture runs one typed projection against an in-memory store
// so that tests exercise the same commit path as production code.
package projections

import (
	"context"
	"errors"
	"reflect"
	"testing"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// ProjectionTestFixture drives a projection through a store.
type ProjectionTestFixture[S any] struct {
	t          TB
	ctx        context.Context
	projection *stoat.Projection[S]
	store      *stoat.EventStore
	adapter    *memory.MemoryAdapter

	result *stoat.CommitResult
	err    error
}

// TestProjection creates a fixture for projection. Each example event is
// registered with a JSON codec under its type name and declared for the
// projection when the projection handles it.
func TestProjection[S any](t TB, projection *stoat.Projection[S], examples ...interface{}) *ProjectionTestFixture[S] {
	t.Helper()
	adapter := memory.NewAdapter()
	store := stoat.New(adapter)

	handled := make(map[string]bool)
	for _, kind := range projection.HandledEvents() {
		handled[kind] = true
	}
	for _, example := range examples {
		kind := stoat.KindName(example)
		var declared []string
		if handled[kind] {
			declared = []string{projection.Name()}
		}
		if err := store.Registry().Register(kind, stoat.NewJSONCodec(example), declared...); err != nil {
			t.Fatalf("Failed to register %s: %v", kind, err)
		}
	}
	if err := store.RegisterProjection(projection); err != nil {
		t.Fatalf("Failed to register projection: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}

	return &ProjectionTestFixture[S]{
		t:          t,
		ctx:        context.Background(),
		projection: projection,
		store:      store,
		adapter:    adapter,
	}
}

// WithContext sets a custom context.
func (f *ProjectionTestFixture[S]) WithContext(ctx context.Context) *ProjectionTestFixture[S] {
	f.ctx = ctx
	return f
}

// GivenStream starts a stream of the projection's stream type.
func (f *ProjectionTestFixture[S]) GivenStream(streamID string, events ...interface{}) *ProjectionTestFixture[S] {
	f.t.Helper()
	if _, err := f.store.StartStream(f.ctx, streamID, f.projection.StreamType(), events); err != nil {
		f.t.Fatalf("Failed to start stream %s: %v", streamID, err)
	}
	return f
}

// GivenEvents appends events to an existing stream.
func (f *ProjectionTestFixture[S]) GivenEvents(streamID string, events ...interface{}) *ProjectionTestFixture[S] {
	f.t.Helper()
	if _, err := f.store.Append(f.ctx, streamID, events); err != nil {
		f.t.Fatalf("Failed to append to %s: %v", streamID, err)
	}
	return f
}

// WhenStarting starts a stream and keeps the outcome for Then assertions.
func (f *ProjectionTestFixture[S]) WhenStarting(streamID string, events ...interface{}) *ProjectionTestFixture[S] {
	session := f.store.OpenSession()
	f.err = session.StartStream(streamID, f.projection.StreamType(), events)
	if f.err == nil {
		f.result, f.err = session.Commit(f.ctx)
	}
	return f
}

// WhenAppending appends events and keeps the outcome for Then assertions.
func (f *ProjectionTestFixture[S]) WhenAppending(streamID string, events ...interface{}) *ProjectionTestFixture[S] {
	session := f.store.OpenSession()
	f.err = session.Append(streamID, events)
	if f.err == nil {
		f.result, f.err = session.Commit(f.ctx)
	}
	return f
}

// ThenState asserts the projected state of a stream.
func (f *ProjectionTestFixture[S]) ThenState(streamID string, expected S) *ProjectionTestFixture[S] {
	f.t.Helper()

	actual := f.load(streamID)
	if !reflect.DeepEqual(actual, expected) {
		f.t.Errorf("State mismatch for %s:\nExpected: %+v\nActual: %+v", streamID, expected, actual)
	}
	return f
}

// ThenStateMatches asserts the projected state passes a custom check.
func (f *ProjectionTestFixture[S]) ThenStateMatches(streamID string, check func(t TB, state S)) *ProjectionTestFixture[S] {
	f.t.Helper()
	check(f.t, f.load(streamID))
	return f
}

// ThenVersion asserts the stream version the projection was folded through.
func (f *ProjectionTestFixture[S]) ThenVersion(streamID string, expected int64) *ProjectionTestFixture[S] {
	f.t.Helper()

	_, version, err := stoat.LoadProjection(f.ctx, f.store, f.projection, streamID)
	if err != nil {
		f.t.Fatalf("Failed to load projection for %s: %v", streamID, err)
	}
	if version != expected {
		f.t.Errorf("Expected %s at version %d, got %d", streamID, expected, version)
	}
	return f
}

// ThenNoDocument asserts that no document was written for the stream.
func (f *ProjectionTestFixture[S]) ThenNoDocument(streamID string) *ProjectionTestFixture[S] {
	f.t.Helper()

	doc, err := f.adapter.LoadDocument(f.ctx, f.projection.Name(), streamID)
	if err != nil {
		f.t.Fatalf("Unexpected error: %v", err)
	}
	if doc != nil {
		f.t.Errorf("Expected no %s document for %s, found version %d", f.projection.Name(), streamID, doc.Version)
	}
	return f
}

// ThenError asserts that the last When step failed with target.
func (f *ProjectionTestFixture[S]) ThenError(target error) *ProjectionTestFixture[S] {
	f.t.Helper()
	if !errors.Is(f.err, target) {
		f.t.Errorf("Expected error %v, got %v", target, f.err)
	}
	return f
}

// ThenNoError asserts that the last When step succeeded.
func (f *ProjectionTestFixture[S]) ThenNoError() *ProjectionTestFixture[S] {
	f.t.Helper()
	if f.err != nil {
		f.t.Errorf("Expected no error, got %v", f.err)
	}
	return f
}

// ThenSkipped asserts that the last commit skipped the projection with target.
func (f *ProjectionTestFixture[S]) ThenSkipped(target error) *ProjectionTestFixture[S] {
	f.t.Helper()
	if f.result == nil {
		f.t.Fatalf("No commit result: %v", f.err)
		return f
	}
	for _, pe := range f.result.ProjectionErrors {
		if pe.Projection == f.projection.Name() && errors.Is(pe.Err, target) {
			return f
		}
	}
	f.t.Errorf("Expected %s to be skipped with %v, got %v", f.projection.Name(), target, f.result.ProjectionErrors)
	return f
}

// Result returns the last commit result.
func (f *ProjectionTestFixture[S]) Result() *stoat.CommitResult {
	return f.result
}

// Store returns the underlying event store.
func (f *ProjectionTestFixture[S]) Store() *stoat.EventStore {
	return f.store
}

// Events returns the decoded events of a stream.
func (f *ProjectionTestFixture[S]) Events(streamID string) []stoat.Event {
	f.t.Helper()
	events, err := f.store.ReadStream(f.ctx, streamID)
	if err != nil {
		f.t.Fatalf("Failed to read %s: %v", streamID, err)
	}
	return events
}

func (f *ProjectionTestFixture[S]) load(streamID string) S {
	f.t.Helper()
	state, _, err := stoat.LoadProjection(f.ctx, f.store, f.projection, streamID)
	if err != nil {
		f.t.Fatalf("Failed to load projection for %s: %v", streamID, err)
	}
	return state
}

// =============================================================================
// Fold Fixture
// =============================================================================

// FoldFixture folds events in memory without a store.
type FoldFixture[S any] struct {
	t          TB
	projection *stoat.Projection[S]
	streamID   string
	events     []stoat.Event
}

// TestFold creates a fold fixture for one stream.
func TestFold[S any](t TB, projection *stoat.Projection[S], streamID string) *FoldFixture[S] {
	return &FoldFixture[S]{t: t, projection: projection, streamID: streamID}
}

// Given adds payloads as the next versions, using their type names as kinds.
func (f *FoldFixture[S]) Given(payloads ...interface{}) *FoldFixture[S] {
	for _, p := range payloads {
		version := int64(len(f.events) + 1)
		f.events = append(f.events, stoat.NewEvent(f.streamID, stoat.KindName(p), version, p))
	}
	return f
}

// Then asserts the folded state.
func (f *FoldFixture[S]) Then(expected S) {
	f.t.Helper()
	actual, err := f.projection.Fold(f.events)
	if err != nil {
		f.t.Fatalf("Fold failed: %v", err)
		return
	}
	if !reflect.DeepEqual(actual, expected) {
		f.t.Errorf("State mismatch:\nExpected: %+v\nActual: %+v", expected, actual)
	}
}

// ThenFails asserts that the fold fails with target.
func (f *FoldFixture[S]) ThenFails(target error) {
	f.t.Helper()
	_, err := f.projection.Fold(f.events)
	if !errors.Is(err, target) {
		f.t.Errorf("Expected fold error %v, got %v", target, err)
	}
}
