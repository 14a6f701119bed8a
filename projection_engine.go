package stoat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// ProjectionMetrics collects metrics about projection processing.
type ProjectionMetrics interface {
	// RecordEventProcessed records that an event was folded into a projection.
	RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool)

	// RecordError records a projection error.
	RecordError(projectionName string, err error)
}

// noopProjectionMetrics is a no-op implementation of ProjectionMetrics.
type noopProjectionMetrics struct{}

func (m *noopProjectionMetrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordError(projectionName string, err error) {
}

// ProjectionEngine holds the registered projections of a store, folds events
// through them and keeps inline projection documents current.
type ProjectionEngine struct {
	store *EventStore

	mu          sync.RWMutex
	projections map[string]Projector
	order       []string
	byType      map[string][]Projector
}

func newProjectionEngine(store *EventStore) *ProjectionEngine {
	return &ProjectionEngine{
		store:       store,
		projections: make(map[string]Projector),
		byType:      make(map[string][]Projector),
	}
}

// Register adds a projection. Names must be unique.
func (e *ProjectionEngine) Register(p Projector) error {
	if p == nil {
		return fmt.Errorf("%w: nil projection", ErrInvalidProjection)
	}
	if p.Name() == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProjection)
	}
	if p.StreamType() == "" {
		return fmt.Errorf("%w: %q has no stream type", ErrInvalidProjection, p.Name())
	}
	switch p.Lifecycle() {
	case Inline, Live:
	default:
		return fmt.Errorf("%w: %q has unknown lifecycle %q", ErrInvalidProjection, p.Name(), p.Lifecycle())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.projections[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, p.Name())
	}
	e.projections[p.Name()] = p
	e.order = append(e.order, p.Name())
	e.byType[p.StreamType()] = append(e.byType[p.StreamType()], p)

	e.store.logger.Info("Registered projection",
		"name", p.Name(),
		"streamType", p.StreamType(),
		"lifecycle", string(p.Lifecycle()))
	return nil
}

// Get returns the projection registered under name.
func (e *ProjectionEngine) Get(name string) (Projector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.projections[name]
	return p, ok
}

// Projections returns all projections in registration order.
func (e *ProjectionEngine) Projections() []Projector {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]Projector, len(e.order))
	for i, name := range e.order {
		result[i] = e.projections[name]
	}
	return result
}

// ForStreamType returns the projections of a stream type in registration order.
func (e *ProjectionEngine) ForStreamType(streamType string) []Projector {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]Projector, len(e.byType[streamType]))
	copy(result, e.byType[streamType])
	return result
}

// Validate checks every fold table against the event registry: handled kinds
// must be registered, every projection needs a creator, and every kind declared
// for a projection must be handled by it. All problems are joined.
func (e *ProjectionEngine) Validate() error {
	registry := e.store.registry
	var errs []error

	for _, p := range e.Projections() {
		if len(p.CreatorEvents()) == 0 {
			errs = append(errs, NewNoCreatorEventError(p.Name(), "", ""))
		}
		for _, kind := range p.HandledEvents() {
			if !registry.IsRegistered(kind) {
				errs = append(errs, fmt.Errorf("projection %q: %w", p.Name(), NewUnknownEventKindError(kind)))
			}
		}
	}

	for _, kind := range registry.Kinds() {
		for _, name := range registry.ProjectionsFor(kind) {
			p, ok := e.Get(name)
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %w: kind %q declares %q",
					ErrMisconfigured, ErrProjectionNotFound, kind, name))
				continue
			}
			if !p.HasApply(kind) && !contains(p.CreatorEvents(), kind) {
				errs = append(errs, NewNoApplyHandlerError(name, kind, ""))
			}
		}
	}

	return errors.Join(errs...)
}

// Fold folds events with the first projection registered for streamType.
func (e *ProjectionEngine) Fold(streamType string, events []Event) (interface{}, error) {
	p, err := e.primary(streamType)
	if err != nil {
		return nil, err
	}
	return e.fold(p, nil, false, events)
}

// FoldProjection folds events with the named projection.
func (e *ProjectionEngine) FoldProjection(name string, events []Event) (interface{}, error) {
	p, ok := e.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return e.fold(p, nil, false, events)
}

// Project reads a stream and folds it with its stream type's first projection.
func (e *ProjectionEngine) Project(ctx context.Context, streamID string) (interface{}, error) {
	return e.ProjectAt(ctx, streamID, 0)
}

// ProjectAt folds a stream up to and including version. A version of 0 means the latest.
func (e *ProjectionEngine) ProjectAt(ctx context.Context, streamID string, version int64) (interface{}, error) {
	if version < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	info, err := e.store.StreamInfo(ctx, streamID)
	if err != nil {
		return nil, err
	}
	p, err := e.primary(info.StreamType)
	if err != nil {
		return nil, err
	}

	events, err := e.store.ReadStream(ctx, streamID, ToVersion(version))
	if err != nil {
		return nil, err
	}
	return e.fold(p, nil, false, events)
}

func (e *ProjectionEngine) primary(streamType string) (Projector, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := e.byType[streamType]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no projection for stream type %q", ErrProjectionNotFound, streamType)
	}
	return candidates[0], nil
}

// fold runs a projection with registry declarations and metrics attached.
func (e *ProjectionEngine) fold(p Projector, state interface{}, started bool, events []Event) (interface{}, error) {
	name := p.Name()
	declared := func(kind string) bool {
		return e.store.registry.Declares(kind, name)
	}
	observe := func(ev Event, d time.Duration, err error) {
		e.store.metrics.RecordEventProcessed(name, ev.Type, d, err == nil)
	}

	result, err := p.foldAny(state, started, events, declared, observe)
	if err != nil {
		e.store.metrics.RecordError(name, err)
		return nil, err
	}
	return result, nil
}

// applyInline updates every inline projection of the written stream inside tx.
// NoApplyHandlerError is isolated to the failing projection and returned in the
// first result; any other error aborts.
func (e *ProjectionEngine) applyInline(ctx context.Context, tx adapters.Transaction, write *adapters.AppendResult, events []Event) ([]ProjectionError, error) {
	var targets []Projector
	for _, p := range e.ForStreamType(write.StreamType) {
		if p.Lifecycle() == Inline {
			targets = append(targets, p)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Name() < targets[j].Name()
	})

	var isolated []ProjectionError
	for _, p := range targets {
		err := e.updateDocument(ctx, tx, p, write, events)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNoApplyHandler) {
			e.store.logger.Warn("Skipped projection update",
				"projection", p.Name(),
				"streamID", write.StreamID,
				"error", err)
			isolated = append(isolated, ProjectionError{Projection: p.Name(), StreamID: write.StreamID, Err: err})
			continue
		}
		return nil, &ProjectionError{Projection: p.Name(), StreamID: write.StreamID, Err: err}
	}
	return isolated, nil
}

func (e *ProjectionEngine) updateDocument(ctx context.Context, tx adapters.Transaction, p Projector, write *adapters.AppendResult, events []Event) error {
	doc, err := tx.LoadDocument(ctx, p.Name(), write.StreamID)
	if err != nil {
		return err
	}

	var state interface{}
	started := false

	switch {
	case doc != nil && doc.Version == write.FromVersion:
		state, err = p.decodeState(doc.Data)
		if err != nil {
			return err
		}
		started = true

	case write.FromVersion > 0:
		// The document is missing or lags the stream: refold the prefix.
		prior, err := tx.Load(ctx, write.StreamID, 1, write.FromVersion)
		if err != nil {
			return err
		}
		priorEvents, err := e.store.registry.DecodeAll(prior)
		if err != nil {
			return err
		}
		state, err = e.fold(p, nil, false, priorEvents)
		if err != nil {
			return err
		}
		started = true
	}

	state, err = e.fold(p, state, started, events)
	if err != nil {
		return err
	}

	data, err := p.encodeState(state)
	if err != nil {
		return err
	}
	return tx.SaveDocument(ctx, adapters.DocumentRecord{
		Projection: p.Name(),
		Key:        write.StreamID,
		Version:    write.Version,
		Data:       data,
		UpdatedAt:  e.store.clock(),
	})
}

// LoadProjection returns the state of p for a stream and the stream version it
// reflects. Inline projections read the persisted document; live projections
// fold the stream on demand.
func LoadProjection[S any](ctx context.Context, store *EventStore, p *Projection[S], streamID string) (S, int64, error) {
	var zero S

	if p.Lifecycle() == Live {
		events, err := store.ReadStream(ctx, streamID)
		if err != nil {
			return zero, 0, err
		}
		state, err := store.projections.fold(p, nil, false, events)
		if err != nil {
			return zero, 0, err
		}
		return state.(S), events[len(events)-1].Version, nil
	}

	doc, err := store.adapter.LoadDocument(ctx, p.Name(), streamID)
	if err != nil {
		return zero, 0, err
	}
	if doc == nil {
		if _, err := store.StreamInfo(ctx, streamID); err != nil {
			return zero, 0, err
		}
		return zero, 0, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, p.Name(), streamID)
	}

	state, err := p.decodeState(doc.Data)
	if err != nil {
		return zero, 0, err
	}
	return state.(S), doc.Version, nil
}

func contains(items []string, item string) bool {
	for _, it := range items {
		if it == item {
			return true
		}
	}
	return false
}
