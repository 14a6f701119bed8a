package stoat

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec encodes and decodes the payload of one event kind.
// Codecs are compared with == when a kind is registered twice, so
// implementations should be comparable values.
type Codec interface {
	// Type returns the Go type Decode produces.
	Type() reflect.Type

	// Encode converts a payload to bytes.
	Encode(v interface{}) ([]byte, error)

	// Decode converts bytes back to a payload of Type().
	Decode(data []byte) (interface{}, error)
}

// StateCodec encodes projection state for persistence.
type StateCodec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec is the default Codec, using encoding/json.
type JSONCodec struct {
	t reflect.Type
}

// NewJSONCodec creates a JSON codec for the type of example.
// Pointers are dereferenced: decoded payloads are values.
func NewJSONCodec(example interface{}) JSONCodec {
	return JSONCodec{t: TypeOf(example)}
}

// Type returns the payload type.
func (c JSONCodec) Type() reflect.Type {
	return c.t
}

// Encode marshals v, which must be of the codec's type or a pointer to it.
func (c JSONCodec) Encode(v interface{}) ([]byte, error) {
	if err := CheckPayloadType(c.t, v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Decode unmarshals data into a new value of the codec's type.
func (c JSONCodec) Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("stoat: cannot decode empty %s payload", c.t.Name())
	}
	ptr := reflect.New(c.t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

type jsonStateCodec struct{}

func (jsonStateCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonStateCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// JSONStateCodec returns the default projection state codec.
func JSONStateCodec() StateCodec {
	return jsonStateCodec{}
}

// TypeOf returns the non-pointer type of v.
func TypeOf(v interface{}) reflect.Type {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// KindName returns the default kind for a payload: its Go type name.
func KindName(v interface{}) string {
	t := TypeOf(v)
	if t == nil {
		return ""
	}
	return t.Name()
}

// CheckPayloadType reports an error unless v is of type t or a pointer to t.
func CheckPayloadType(t reflect.Type, v interface{}) error {
	if v == nil {
		return fmt.Errorf("%w: nil payload", ErrUnexpectedPayload)
	}
	vt := reflect.TypeOf(v)
	if vt == t || (vt.Kind() == reflect.Ptr && vt.Elem() == t) {
		return nil
	}
	return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPayload, vt, t)
}

func sameCodec(a, b Codec) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || a.Type() != b.Type() {
		return false
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}
