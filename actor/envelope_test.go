package actor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	msgpack "github.com/vmihailenco/msgpack/v5"
)

// Compile-time interface assertions
var (
	_ Envelope = (*objectEnvelope)(nil)
	_ Envelope = bytesEnvelope(nil)
	_ Cloner   = MsgpackCloner{}
)

type testPayload struct {
	Name  string
	Count int
	Tags  []string
}

func TestObjectEnvelope(t *testing.T) {
	t.Run("nil envelope returns nil", func(t *testing.T) {
		var envelope *objectEnvelope
		var target string

		err := envelope.Decode(&target)
		require.NoError(t, err)
		assert.Empty(t, target)
	})

	t.Run("decode nil object returns nil", func(t *testing.T) {
		envelope := NewObjectEnvelope(nil, nil)
		var target string

		err := envelope.Decode(&target)
		require.NoError(t, err)
		assert.Empty(t, target)
	})

	t.Run("decode into nil target returns error", func(t *testing.T) {
		envelope := NewObjectEnvelope("test", nil)

		err := envelope.Decode(nil)
		require.ErrorContains(t, err, "target object is nil")
	})

	t.Run("decode into non-pointer returns error", func(t *testing.T) {
		envelope := NewObjectEnvelope("test", nil)
		var target string

		err := envelope.Decode(target)
		require.ErrorContains(t, err, "parameter out must be a non-nil pointer")
	})

	t.Run("decode zero value object leaves target unchanged", func(t *testing.T) {
		envelope := NewObjectEnvelope(0, nil)
		target := 42

		err := envelope.Decode(&target)
		require.NoError(t, err)
		assert.Equal(t, 42, target)
	})

	t.Run("decoded value is a copy", func(t *testing.T) {
		original := testPayload{Name: "a", Count: 1, Tags: []string{"x", "y"}}
		envelope := NewObjectEnvelope(original, nil)

		var target testPayload
		err := envelope.Decode(&target)
		require.NoError(t, err)
		assert.Equal(t, original, target)

		// Mutating the copy must not affect the original
		target.Tags[0] = "changed"
		assert.Equal(t, "x", original.Tags[0])
	})

	t.Run("pointer source", func(t *testing.T) {
		original := &testPayload{Name: "b"}
		envelope := NewObjectEnvelope(original, nil)

		var target testPayload
		err := envelope.Decode(&target)
		require.NoError(t, err)
		assert.Equal(t, "b", target.Name)
	})
}

func TestBytesEnvelope(t *testing.T) {
	t.Run("empty data leaves target unchanged", func(t *testing.T) {
		envelope := NewBytesEnvelope(nil)
		target := "unchanged"

		err := envelope.Decode(&target)
		require.NoError(t, err)
		assert.Equal(t, "unchanged", target)
	})

	t.Run("decodes msgpack data", func(t *testing.T) {
		data, err := msgpack.Marshal(testPayload{Name: "c", Count: 3})
		require.NoError(t, err)

		var target testPayload
		err = NewBytesEnvelope(data).Decode(&target)
		require.NoError(t, err)
		assert.Equal(t, "c", target.Name)
		assert.Equal(t, 3, target.Count)
	})

	t.Run("invalid data returns error", func(t *testing.T) {
		var target testPayload
		err := NewBytesEnvelope([]byte{0xc1}).Decode(&target)
		require.ErrorContains(t, err, "failed to deserialize data using msgpack")
	})

	t.Run("decode into non-pointer returns error", func(t *testing.T) {
		var target testPayload
		err := NewBytesEnvelope([]byte{0x01}).Decode(target)
		require.ErrorContains(t, err, "parameter out must be a non-nil pointer")
	})
}

func TestMsgpackCloner(t *testing.T) {
	c := MsgpackCloner{}

	t.Run("deep copy", func(t *testing.T) {
		src := map[string][]int{"a": {1, 2}}
		var dst map[string][]int
		err := c.Clone(src, &dst)
		require.NoError(t, err)
		assert.Equal(t, src, dst)

		dst["a"][0] = 100
		assert.Equal(t, 1, src["a"][0])
	})

	t.Run("nil source", func(t *testing.T) {
		dst := "keep"
		err := c.Clone(nil, &dst)
		require.NoError(t, err)
		assert.Equal(t, "keep", dst)
	})

	t.Run("invalid target", func(t *testing.T) {
		err := c.Clone("a", nil)
		require.Error(t, err)

		var s string
		err = c.Clone("a", s)
		require.Error(t, err)
	})
}
