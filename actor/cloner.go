package actor

import (
	"errors"
	"fmt"
	"reflect"

	msgpack "github.com/vmihailenco/msgpack/v5"
)

// Cloner creates deep, reference-independent copies of objects.
// It's used every time a value crosses a logical call boundary in-process.
type Cloner interface {
	// Clone copies src into dst, which must be a non-nil pointer.
	Clone(src any, dst any) error
}

// MsgpackCloner is a Cloner that serializes objects with msgpack.
type MsgpackCloner struct{}

// Clone implements Cloner.
func (MsgpackCloner) Clone(src any, dst any) error {
	if dst == nil {
		return errors.New("target object is nil")
	}

	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.IsNil() {
		return errors.New("parameter dst must be a non-nil pointer")
	}

	if src == nil {
		return nil
	}

	data, err := msgpack.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to serialize data using msgpack: %w", err)
	}

	err = msgpack.Unmarshal(data, dst)
	if err != nil {
		return fmt.Errorf("failed to deserialize data using msgpack: %w", err)
	}

	return nil
}
