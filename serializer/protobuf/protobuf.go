// Package protobuf provides Protocol Buffers codecs for stoat events.
//
// Protocol Buffers is a language-neutral, platform-neutral extensible mechanism
// for serializing structured data developed by Google. It offers smaller payloads
// and faster serialization compared to JSON.
//
// Usage:
//
//	// Register event kinds (must implement proto.Message)
//	err := protobuf.RegisterMessages(store.Registry(), []string{"order"},
//		&pb.OrderCreated{}, &pb.ItemAdded{})
//
//	// Fold handlers receive pointers
//	stoat.OnApply(p, func(e *pb.ItemAdded, o Order) Order { ... })
//
// Decoded payloads are always pointers to the message type: generated
// messages must not be copied by value.
package protobuf

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyData indicates an attempt to decode nil data.
	ErrEmptyData = errors.New("stoat/protobuf: cannot decode empty data")

	// ErrNotProtoMessage indicates the payload does not implement proto.Message.
	ErrNotProtoMessage = errors.New("stoat/protobuf: payload must implement proto.Message")
)

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// =============================================================================
// Codec
// =============================================================================

// Codec is a Protocol Buffers implementation of stoat.Codec for one message type.
type Codec struct {
	t reflect.Type
}

var _ stoat.Codec = Codec{}

// NewCodec creates a codec for the message type of example, which must be a
// proto.Message or a value whose pointer is one.
func NewCodec(example interface{}) (Codec, error) {
	t := stoat.TypeOf(example)
	if t == nil || !reflect.PointerTo(t).Implements(messageType) {
		return Codec{}, fmt.Errorf("%w: %T", ErrNotProtoMessage, example)
	}
	return Codec{t: t}, nil
}

// MustCodec is like NewCodec but panics on error.
func MustCodec(example interface{}) Codec {
	c, err := NewCodec(example)
	if err != nil {
		panic(err)
	}
	return c
}

// Type returns the message struct type.
func (c Codec) Type() reflect.Type {
	return c.t
}

// Encode converts a message to Protocol Buffers binary format.
func (c Codec) Encode(v interface{}) ([]byte, error) {
	if err := stoat.CheckPayloadType(c.t, v); err != nil {
		return nil, err
	}
	msg, ok := v.(proto.Message)
	if !ok {
		// A message passed by value: marshal through a fresh pointer.
		ptr := reflect.New(c.t)
		ptr.Elem().Set(reflect.ValueOf(v))
		msg = ptr.Interface().(proto.Message)
	}
	return proto.Marshal(msg)
}

// Decode converts binary data to a new message. Protocol Buffers encodes a
// message with only default values as zero bytes, so an empty non-nil slice
// is valid.
func (c Codec) Decode(data []byte) (interface{}, error) {
	if data == nil {
		return nil, ErrEmptyData
	}
	msg := reflect.New(c.t).Interface().(proto.Message)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RegisterMessages registers each message under its Go type name with a
// Protocol Buffers codec, declaring it for the given projections.
func RegisterMessages(registry *stoat.EventRegistry, projections []string, messages ...proto.Message) error {
	for _, msg := range messages {
		codec, err := NewCodec(msg)
		if err != nil {
			return err
		}
		if err := registry.Register(stoat.KindName(msg), codec, projections...); err != nil {
			return err
		}
	}
	return nil
}

// FullName returns the fully qualified protobuf name of a message,
// for use as an explicit event kind.
func FullName(msg proto.Message) string {
	return string(msg.ProtoReflect().Descriptor().FullName())
}
