package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestCache(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clock := clocktesting.NewFakeClock(time.Now())
	newCache := func(t *testing.T, maxTTL time.Duration) *Cache[string] {
		c := NewCache[string](&CacheOptions{
			MaxTTL:          maxTTL,
			CleanupInterval: time.Minute,
			Clock:           clock,
		})
		t.Cleanup(c.Stop)
		return c
	}

	t.Run("get and set", func(t *testing.T) {
		c := newCache(t, 0)

		_, ok := c.Get("a")
		assert.False(t, ok)

		c.Set("a", "1", time.Second)
		v, ok := c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "1", v)

		clock.Step(time.Second)
		_, ok = c.Get("a")
		assert.False(t, ok)
	})

	t.Run("max TTL caps entries", func(t *testing.T) {
		c := newCache(t, 2*time.Second)

		c.Set("a", "1", time.Hour)
		c.Set("b", "2", 0)

		clock.Step(time.Second)
		_, ok := c.Get("a")
		assert.True(t, ok)
		_, ok = c.Get("b")
		assert.True(t, ok)

		clock.Step(time.Second)
		_, ok = c.Get("a")
		assert.False(t, ok)
		_, ok = c.Get("b")
		assert.False(t, ok)
	})

	t.Run("non-positive TTL without max deletes", func(t *testing.T) {
		c := newCache(t, 0)

		c.Set("a", "1", time.Minute)
		c.Set("a", "1", 0)
		_, ok := c.Get("a")
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		c := newCache(t, 0)

		c.Set("a", "1", time.Minute)
		c.Set("b", "2", time.Minute)
		c.Set("c", "1", time.Minute)

		c.Delete("a")
		_, ok := c.Get("a")
		assert.False(t, ok)

		assert.False(t, c.CompareAndDelete("b", func(v string) bool { return v == "x" }))
		assert.True(t, c.CompareAndDelete("b", func(v string) bool { return v == "2" }))
		assert.False(t, c.CompareAndDelete("b", func(string) bool { return true }))

		c.Set("d", "1", time.Minute)
		c.DeleteFunc(func(_ string, v string) bool { return v == "1" })
		assert.Equal(t, 0, c.Len())
	})

	t.Run("background cleanup", func(t *testing.T) {
		c := newCache(t, 0)

		c.Set("a", "1", time.Second)
		c.Set("b", "2", time.Hour)
		assert.Equal(t, 2, c.Len())

		clock.Step(time.Minute)
		assert.EventuallyWithT(t, func(ct *assert.CollectT) {
			assert.Equal(ct, 1, c.Len())
		}, 3*time.Second, 10*time.Millisecond)
	})
}
