package actor

import (
	"errors"
	"fmt"
	"reflect"

	msgpack "github.com/vmihailenco/msgpack/v5"
)

// Envelope contains a value that can be decoded into an object.
type Envelope interface {
	// Decode the value into the object pointed by into.
	Decode(into any) error
}

// NewBytesEnvelope returns an Envelope for msgpack-encoded data.
func NewBytesEnvelope(data []byte) Envelope {
	return bytesEnvelope(data)
}

// NewObjectEnvelope returns an Envelope for an object that was not serialized.
// Decoding the envelope produces a copy of the object made with the cloner.
func NewObjectEnvelope(obj any, cloner Cloner) Envelope {
	if cloner == nil {
		cloner = MsgpackCloner{}
	}
	return &objectEnvelope{
		object: obj,
		cloner: cloner,
	}
}

// bytesEnvelope implements Envelope for msgpack-encoded data
type bytesEnvelope []byte

func (b bytesEnvelope) Decode(into any) error {
	if len(b) == 0 {
		return nil
	}

	err := checkDecodeTarget(into)
	if err != nil {
		return err
	}

	err = msgpack.Unmarshal(b, into)
	if err != nil {
		return fmt.Errorf("failed to deserialize data using msgpack: %w", err)
	}

	return nil
}

// objectEnvelope implements Envelope to return an object that was not serialized
type objectEnvelope struct {
	object any
	cloner Cloner
}

func (o *objectEnvelope) Decode(into any) error {
	if o == nil || o.object == nil {
		return nil
	}

	err := checkDecodeTarget(into)
	if err != nil {
		return err
	}

	objVal := reflect.ValueOf(o.object)
	if objVal.IsZero() {
		// Object is zero value
		return nil
	}

	return o.cloner.Clone(o.object, into)
}

func checkDecodeTarget(into any) error {
	if into == nil {
		return errors.New("target object is nil")
	}

	intoVal := reflect.ValueOf(into)
	if intoVal.Kind() != reflect.Pointer || intoVal.IsNil() {
		return errors.New("parameter out must be a non-nil pointer")
	}

	return nil
}
