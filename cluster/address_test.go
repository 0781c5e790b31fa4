package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeAddress(t *testing.T) {
	t.Run("string round trip", func(t *testing.T) {
		a, err := NewNodeAddress()
		require.NoError(t, err)
		require.False(t, a.IsZero())

		parsed, err := ParseNodeAddress(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)

		fromBytes, err := NodeAddressFromBytes(a[:])
		require.NoError(t, err)
		assert.Equal(t, a, fromBytes)
	})

	t.Run("zero value", func(t *testing.T) {
		var a NodeAddress
		assert.True(t, a.IsZero())
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := ParseNodeAddress("not-a-uuid")
		require.Error(t, err)

		_, err = NodeAddressFromBytes([]byte{1, 2, 3})
		require.Error(t, err)
	})

	t.Run("sorted view removes duplicates", func(t *testing.T) {
		a := NodeAddress{1}
		b := NodeAddress{2}
		c := NodeAddress{3}

		view := SortedView([]NodeAddress{c, a, b, a})
		assert.Equal(t, []NodeAddress{a, b, c}, view)
	})
}
