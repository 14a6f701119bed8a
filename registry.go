package stoat

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// EventRegistry maps event kinds to their codecs and to the projections that
// must fold them. It is filled at startup and read concurrently afterwards.
type EventRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*registration
	types map[reflect.Type]string
}

type registration struct {
	codec       Codec
	projections map[string]struct{}
}

// NewEventRegistry creates a new empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		kinds: make(map[string]*registration),
		types: make(map[reflect.Type]string),
	}
}

// Register associates kind with codec and declares the projections that know how
// to fold it. Registering a kind again with an equal codec adds projections;
// a different codec fails with DuplicateKindError.
func (r *EventRegistry) Register(kind string, codec Codec, projections ...string) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidRegistration)
	}
	if codec == nil || codec.Type() == nil {
		return fmt.Errorf("%w: nil codec for %q", ErrInvalidRegistration, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.kinds[kind]
	if ok && !sameCodec(reg.codec, codec) {
		return NewDuplicateKindError(kind)
	}
	if !ok {
		reg = &registration{codec: codec, projections: make(map[string]struct{})}
		r.kinds[kind] = reg
		if _, taken := r.types[codec.Type()]; !taken {
			r.types[codec.Type()] = kind
		}
	}
	for _, p := range projections {
		reg.projections[p] = struct{}{}
	}
	return nil
}

// RegisterEvents registers each example under its Go type name with a JSON codec.
func (r *EventRegistry) RegisterEvents(examples ...interface{}) error {
	for _, example := range examples {
		if err := r.Register(KindName(example), NewJSONCodec(example)); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the codec registered for kind.
func (r *EventRegistry) Resolve(kind string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.kinds[kind]
	if !ok {
		return nil, NewUnknownEventKindError(kind)
	}
	return reg.codec, nil
}

// KindOf returns the kind registered for the Go type of payload.
func (r *EventRegistry) KindOf(payload interface{}) (string, error) {
	t := reflect.TypeOf(payload)
	if t == nil {
		return "", fmt.Errorf("%w: nil payload", ErrUnexpectedPayload)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind, ok := r.types[t]; ok {
		return kind, nil
	}
	if t.Kind() == reflect.Ptr {
		if kind, ok := r.types[t.Elem()]; ok {
			return kind, nil
		}
	}
	return "", NewUnknownEventKindError(t.String())
}

// IsRegistered reports whether kind has a codec.
func (r *EventRegistry) IsRegistered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// ProjectionsFor returns the projections declared for kind, sorted.
func (r *EventRegistry) ProjectionsFor(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.kinds[kind]
	if !ok {
		return nil
	}
	return sortedKeys(reg.projections)
}

// Declares reports whether kind is declared for projection.
func (r *EventRegistry) Declares(kind, projection string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.kinds[kind]
	if !ok {
		return false
	}
	_, ok = reg.projections[projection]
	return ok
}

// Kinds returns all registered kinds, sorted.
func (r *EventRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.kinds)
}

// Count returns the number of registered kinds.
func (r *EventRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kinds)
}

// Encode encodes payload with the codec of its kind.
func (r *EventRegistry) Encode(payload interface{}) (string, []byte, error) {
	kind, err := r.KindOf(payload)
	if err != nil {
		return "", nil, err
	}
	codec, err := r.Resolve(kind)
	if err != nil {
		return "", nil, err
	}
	data, err := codec.Encode(payload)
	if err != nil {
		return "", nil, NewSerializationError(kind, "encode", err)
	}
	return kind, data, nil
}

// Decode turns a stored event into an Event with a decoded payload.
func (r *EventRegistry) Decode(stored StoredEvent) (Event, error) {
	codec, err := r.Resolve(stored.Type)
	if err != nil {
		return Event{}, err
	}
	data, err := codec.Decode(stored.Data)
	if err != nil {
		return Event{}, NewSerializationError(stored.Type, "decode", err)
	}
	return eventFromStored(stored, data), nil
}

// DecodeAll decodes a slice of stored events, stopping at the first failure.
func (r *EventRegistry) DecodeAll(stored []StoredEvent) ([]Event, error) {
	events := make([]Event, len(stored))
	for i, s := range stored {
		e, err := r.Decode(s)
		if err != nil {
			return nil, err
		}
		events[i] = e
	}
	return events, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
