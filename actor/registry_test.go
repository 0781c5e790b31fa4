package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterActor struct {
	value int
}

func (c *counterActor) Add(_ context.Context, n int) (int, error) {
	c.value += n
	return c.value, nil
}

func (c *counterActor) Fail(_ context.Context, _ struct{}) (struct{}, error) {
	return struct{}{}, errors.New("simulated")
}

func newCounterInterface(t *testing.T) *InterfaceDescriptor {
	t.Helper()

	d, err := NewInterface("counter",
		func(Identity, *Service) Actor { return &counterActor{} },
		Method("add", (*counterActor).Add, WithTimeout(time.Second)),
		Method("fail", (*counterActor).Fail, WithOneWay()),
	)
	require.NoError(t, err)
	return d
}

func TestMethod(t *testing.T) {
	d := newCounterInterface(t)

	t.Run("invoke", func(t *testing.T) {
		m, ok := d.Method("add")
		require.True(t, ok)
		assert.Equal(t, StableID("add"), m.ID)
		assert.Equal(t, time.Second, m.Timeout)
		assert.False(t, m.OneWay)

		a := &counterActor{value: 1}
		res, err := m.Invoke(t.Context(), a, NewObjectEnvelope(2, nil))
		require.NoError(t, err)
		assert.Equal(t, 3, res)
	})

	t.Run("nil input", func(t *testing.T) {
		m, _ := d.Method("add")
		res, err := m.Invoke(t.Context(), &counterActor{value: 5}, nil)
		require.NoError(t, err)
		assert.Equal(t, 5, res)
	})

	t.Run("method returns error", func(t *testing.T) {
		m, ok := d.MethodByID(StableID("fail"))
		require.True(t, ok)
		assert.True(t, m.OneWay)

		_, err := m.Invoke(t.Context(), &counterActor{}, nil)
		require.EqualError(t, err, "simulated")
	})

	t.Run("wrong actor type", func(t *testing.T) {
		m, _ := d.Method("add")
		_, err := m.Invoke(t.Context(), "not an actor", nil)
		require.ErrorContains(t, err, "does not implement")
	})

	t.Run("invalid input", func(t *testing.T) {
		m, _ := d.Method("add")
		_, err := m.Invoke(t.Context(), &counterActor{}, NewBytesEnvelope([]byte("\xa3abc")))
		require.ErrorContains(t, err, "failed to decode input for method 'add'")
	})

	t.Run("method not found", func(t *testing.T) {
		_, ok := d.Method("nope")
		assert.False(t, ok)
	})
}

func TestNewInterface(t *testing.T) {
	factory := func(Identity, *Service) Actor { return &counterActor{} }

	t.Run("empty name", func(t *testing.T) {
		_, err := NewInterface("", factory)
		require.Error(t, err)
	})

	t.Run("nil factory", func(t *testing.T) {
		_, err := NewInterface("counter", nil)
		require.Error(t, err)
	})

	t.Run("duplicate method", func(t *testing.T) {
		_, err := NewInterface("counter", factory,
			Method("add", (*counterActor).Add),
			Method("add", (*counterActor).Add),
		)
		require.ErrorContains(t, err, "duplicate method 'add'")
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d := newCounterInterface(t)

	require.NoError(t, r.Register(d))

	t.Run("duplicate interface", func(t *testing.T) {
		err := r.Register(d)
		require.ErrorContains(t, err, "have the same ID")
	})

	t.Run("lookup", func(t *testing.T) {
		got, ok := r.Interface(StableID("counter"))
		require.True(t, ok)
		assert.Same(t, d, got)

		got, ok = r.InterfaceByName("counter")
		require.True(t, ok)
		assert.Same(t, d, got)

		assert.Equal(t, "counter", r.InterfaceName(d.ID))
		assert.Equal(t, "interface#12", r.InterfaceName(12))
	})

	t.Run("list", func(t *testing.T) {
		other, err := NewInterface("alpha", func(Identity, *Service) Actor { return &counterActor{} })
		require.NoError(t, err)
		require.NoError(t, r.Register(other))

		list := r.Interfaces()
		require.Len(t, list, 2)
		assert.Equal(t, "alpha", list[0].Name)
		assert.Equal(t, "counter", list[1].Name)
	})

	t.Run("sealed", func(t *testing.T) {
		r.Seal()
		other, err := NewInterface("beta", func(Identity, *Service) Actor { return &counterActor{} })
		require.NoError(t, err)
		err = r.Register(other)
		require.ErrorContains(t, err, "sealed")
	})
}
