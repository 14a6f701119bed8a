package stoat

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Lifecycle controls when a projection's state is computed.
type Lifecycle string

const (
	// Inline projections are folded and persisted in the transaction that
	// appends their events, so reads never lag writes.
	Inline Lifecycle = "inline"

	// Live projections are never persisted; they are folded from the stream on demand.
	Live Lifecycle = "live"
)

// Projector is the engine-facing view of a Projection. It is implemented by
// *Projection[S] only.
type Projector interface {
	// Name returns the unique projection name; it keys persisted documents.
	Name() string

	// StreamType returns the stream type whose events the projection folds.
	StreamType() string

	Lifecycle() Lifecycle

	// HandledEvents returns the kinds with a create or apply function, sorted.
	HandledEvents() []string

	// CreatorEvents returns the kinds that can create state, sorted.
	CreatorEvents() []string

	// HasApply reports whether kind has an apply function.
	HasApply(kind string) bool

	foldAny(state interface{}, started bool, events []Event, declared func(kind string) bool, observe foldObserver) (interface{}, error)
	encodeState(state interface{}) ([]byte, error)
	decodeState(data []byte) (interface{}, error)
}

type foldObserver func(event Event, duration time.Duration, err error)

// CreateFunc produces the initial state from a creator event.
type CreateFunc[S any] func(event Event) (S, error)

// ApplyFunc folds one event into the prior state and returns the new state.
type ApplyFunc[S any] func(event Event, state S) (S, error)

type projectionConfig struct {
	lifecycle  Lifecycle
	stateCodec StateCodec
	strict     bool
}

// ProjectionOption configures a Projection.
type ProjectionOption func(*projectionConfig)

// WithLifecycle sets the projection lifecycle. The default is Inline.
func WithLifecycle(l Lifecycle) ProjectionOption {
	return func(c *projectionConfig) {
		c.lifecycle = l
	}
}

// WithStateCodec sets the codec used to persist inline state. The default is JSON.
func WithStateCodec(codec StateCodec) ProjectionOption {
	return func(c *projectionConfig) {
		c.stateCodec = codec
	}
}

// Strict makes every event without an apply function fail the fold with
// NoApplyHandlerError instead of being skipped.
func Strict() ProjectionOption {
	return func(c *projectionConfig) {
		c.strict = true
	}
}

// Projection is a fold table turning the events of one stream type into a state S.
// Fold tables are built at startup and must not change once the projection is
// registered with a store.
type Projection[S any] struct {
	name       string
	streamType string
	config     projectionConfig
	creates    map[string]CreateFunc[S]
	applies    map[string]ApplyFunc[S]
}

// NewProjection creates an empty projection named name over streams of streamType.
func NewProjection[S any](name, streamType string, opts ...ProjectionOption) *Projection[S] {
	cfg := projectionConfig{
		lifecycle:  Inline,
		stateCodec: JSONStateCodec(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Projection[S]{
		name:       name,
		streamType: streamType,
		config:     cfg,
		creates:    make(map[string]CreateFunc[S]),
		applies:    make(map[string]ApplyFunc[S]),
	}
}

// Name returns the projection name.
func (p *Projection[S]) Name() string { return p.name }

// StreamType returns the stream type the projection folds.
func (p *Projection[S]) StreamType() string { return p.streamType }

// Lifecycle returns the projection lifecycle.
func (p *Projection[S]) Lifecycle() Lifecycle { return p.config.lifecycle }

// Create registers fn as the creator for kind.
func (p *Projection[S]) Create(kind string, fn CreateFunc[S]) *Projection[S] {
	p.creates[kind] = fn
	return p
}

// Apply registers fn as the transition for kind.
func (p *Projection[S]) Apply(kind string, fn ApplyFunc[S]) *Projection[S] {
	p.applies[kind] = fn
	return p
}

// HandledEvents returns the kinds with a create or apply function, sorted.
func (p *Projection[S]) HandledEvents() []string {
	set := make(map[string]struct{}, len(p.creates)+len(p.applies))
	for k := range p.creates {
		set[k] = struct{}{}
	}
	for k := range p.applies {
		set[k] = struct{}{}
	}
	return sortedKeys(set)
}

// CreatorEvents returns the creator kinds, sorted.
func (p *Projection[S]) CreatorEvents() []string {
	return sortedKeys(p.creates)
}

// HasApply reports whether kind has an apply function.
func (p *Projection[S]) HasApply(kind string) bool {
	_, ok := p.applies[kind]
	return ok
}

func (p *Projection[S]) handles(kind string) bool {
	if _, ok := p.creates[kind]; ok {
		return true
	}
	_, ok := p.applies[kind]
	return ok
}

// Fold folds events into a new state. Events are ordered by version first.
// Kinds the projection does not handle are skipped unless the projection is Strict.
func (p *Projection[S]) Fold(events []Event) (S, error) {
	var zero S
	return p.fold(zero, false, events, nil, nil)
}

// FoldFrom continues folding from an existing state.
func (p *Projection[S]) FoldFrom(state S, events []Event) (S, error) {
	return p.fold(state, true, events, nil, nil)
}

func (p *Projection[S]) fold(state S, started bool, events []Event, declared func(string) bool, observe foldObserver) (S, error) {
	var zero S

	ordered, err := orderEvents(events)
	if err != nil {
		return zero, err
	}
	if !started && len(ordered) == 0 {
		return zero, NewNoCreatorEventError(p.name, "", "")
	}

	for _, e := range ordered {
		began := time.Now()
		next, err := p.step(state, started, e, declared)
		if observe != nil && (err != nil || next.handled) {
			observe(e, time.Since(began), err)
		}
		if err != nil {
			return zero, err
		}
		state = next.state
		started = true
	}
	return state, nil
}

type foldStep[S any] struct {
	state   S
	handled bool
}

func (p *Projection[S]) step(state S, started bool, e Event, declared func(string) bool) (foldStep[S], error) {
	if !started {
		create, ok := p.creates[e.Type]
		if !ok {
			return foldStep[S]{}, NewNoCreatorEventError(p.name, e.StreamID, e.Type)
		}
		s, err := create(e)
		if err != nil {
			return foldStep[S]{}, fmt.Errorf("stoat: projection %q: create from %s v%d: %w", p.name, e.Type, e.Version, err)
		}
		return foldStep[S]{state: s, handled: true}, nil
	}

	apply, ok := p.applies[e.Type]
	if !ok {
		if p.config.strict || p.handles(e.Type) || (declared != nil && declared(e.Type)) {
			return foldStep[S]{}, NewNoApplyHandlerError(p.name, e.Type, e.StreamID)
		}
		return foldStep[S]{state: state}, nil
	}
	s, err := apply(e, state)
	if err != nil {
		return foldStep[S]{}, fmt.Errorf("stoat: projection %q: apply %s v%d: %w", p.name, e.Type, e.Version, err)
	}
	return foldStep[S]{state: s, handled: true}, nil
}

func (p *Projection[S]) foldAny(state interface{}, started bool, events []Event, declared func(string) bool, observe foldObserver) (interface{}, error) {
	var typed S
	if started {
		s, ok := state.(S)
		if !ok {
			return nil, fmt.Errorf("%w: projection %q state is %T", ErrUnexpectedPayload, p.name, state)
		}
		typed = s
	}
	next, err := p.fold(typed, started, events, declared, observe)
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (p *Projection[S]) encodeState(state interface{}) ([]byte, error) {
	data, err := p.config.stateCodec.Marshal(state)
	if err != nil {
		return nil, NewSerializationError(p.name, "encode state of", err)
	}
	return data, nil
}

func (p *Projection[S]) decodeState(data []byte) (interface{}, error) {
	var s S
	if err := p.config.stateCodec.Unmarshal(data, &s); err != nil {
		return nil, NewSerializationError(p.name, "decode state of", err)
	}
	return s, nil
}

// OnCreate registers fn as the creator for the kind named after E.
func OnCreate[E, S any](p *Projection[S], fn func(E) S) *Projection[S] {
	return p.Create(kindFor[E](), func(e Event) (S, error) {
		payload, err := PayloadAs[E](e)
		if err != nil {
			var zero S
			return zero, err
		}
		return fn(payload), nil
	})
}

// OnApply registers fn as the transition for the kind named after E.
func OnApply[E, S any](p *Projection[S], fn func(E, S) S) *Projection[S] {
	return p.Apply(kindFor[E](), func(e Event, state S) (S, error) {
		payload, err := PayloadAs[E](e)
		if err != nil {
			var zero S
			return zero, err
		}
		return fn(payload, state), nil
	})
}

// PayloadAs returns the event payload as E. Pointer payloads are dereferenced.
func PayloadAs[E any](e Event) (E, error) {
	if v, ok := e.Data.(E); ok {
		return v, nil
	}
	if ptr, ok := e.Data.(*E); ok && ptr != nil {
		return *ptr, nil
	}
	var zero E
	return zero, fmt.Errorf("%w: %s v%d carries %T, want %T", ErrUnexpectedPayload, e.Type, e.Version, e.Data, zero)
}

func kindFor[E any]() string {
	t := reflect.TypeOf((*E)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// orderEvents returns a copy of events sorted by version. Duplicate versions
// and events from more than one stream are rejected.
func orderEvents(events []Event) ([]Event, error) {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].StreamID != ordered[0].StreamID {
			return nil, fmt.Errorf("%w: events from streams %q and %q", ErrInvalidEventSequence,
				ordered[0].StreamID, ordered[i].StreamID)
		}
		if ordered[i].Version == ordered[i-1].Version {
			return nil, fmt.Errorf("%w: duplicate version %d in stream %q", ErrInvalidEventSequence,
				ordered[i].Version, ordered[i].StreamID)
		}
	}
	return ordered, nil
}

var _ Projector = (*Projection[struct{}])(nil)
