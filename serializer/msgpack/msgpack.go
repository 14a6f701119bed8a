// Package msgpack provides MessagePack codecs for stoat.
//
// MessagePack is a binary serialization format that produces smaller payloads
// than JSON while maintaining similar flexibility. It's particularly useful
// for high-throughput event sourcing applications.
//
// Basic usage:
//
//	registry := store.Registry()
//	registry.Register("QuestStarted", msgpack.NewCodec(QuestStarted{}), "quest")
//
//	quest := stoat.NewProjection[Quest]("quest", "Quest",
//		stoat.WithStateCodec(msgpack.StateCodec()))
package msgpack

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// Codec is a MessagePack implementation of stoat.Codec for one payload type.
type Codec struct {
	t reflect.Type
}

var _ stoat.Codec = Codec{}

// NewCodec creates a codec for the type of example.
// Pointers are dereferenced: decoded payloads are values.
func NewCodec(example interface{}) Codec {
	return Codec{t: stoat.TypeOf(example)}
}

// Codecs builds a codec for example. It matches the codec factory shape
// used when registering a whole domain at once.
func Codecs(example interface{}) stoat.Codec {
	return NewCodec(example)
}

// Type returns the payload type.
func (c Codec) Type() reflect.Type {
	return c.t
}

// Encode converts a payload to MessagePack bytes.
func (c Codec) Encode(v interface{}) ([]byte, error) {
	if err := stoat.CheckPayloadType(c.t, v); err != nil {
		return nil, err
	}
	return msgpack.Marshal(v)
}

// Decode converts MessagePack bytes back to a value of the codec's type.
func (c Codec) Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("stoat/msgpack: cannot decode empty %s payload", c.t.Name())
	}
	ptr := reflect.New(c.t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// RegisterEvents registers each example under its Go type name with a
// MessagePack codec, declaring it for the given projections.
func RegisterEvents(registry *stoat.EventRegistry, projections []string, examples ...interface{}) error {
	for _, example := range examples {
		if err := registry.Register(stoat.KindName(example), NewCodec(example), projections...); err != nil {
			return err
		}
	}
	return nil
}

type stateCodec struct{}

// StateCodec returns a projection state codec using MessagePack.
func StateCodec() stoat.StateCodec {
	return stateCodec{}
}

func (stateCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (stateCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
