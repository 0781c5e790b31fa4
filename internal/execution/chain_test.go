package execution

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func TestCallChain(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	chain := callChain{}.With(a)
	extended := chain.With(b)

	assert.True(t, extended.Contains(a))
	assert.True(t, extended.Contains(b))
	assert.False(t, chain.Contains(b), "original chain must not be modified")

	parsed := parseCallChain(extended.Header())
	assert.Equal(t, extended, parsed)

	parsed = parseCallChain(a.String() + ",not-a-uuid, " + b.String())
	assert.Equal(t, callChain{a, b}, parsed)

	assert.Nil(t, parseCallChain(""))
}

func TestHeaders(t *testing.T) {
	a := uuid.New()

	headers := buildHeaders(map[string]string{
		"tenant":          "acme",
		"x-orbit-spoofed": "1",
	}, callChain{a}, true)
	assert.Equal(t, map[string]string{
		"tenant":           "acme",
		headerCallChain:    a.String(),
		headerOnlyIfActive: "1",
	}, headers)

	user, chain, onlyIfActive := splitHeaders(headers)
	assert.Equal(t, map[string]string{"tenant": "acme"}, user)
	assert.Equal(t, callChain{a}, chain)
	assert.True(t, onlyIfActive)

	assert.Nil(t, buildHeaders(nil, nil, false))
}

func TestPoolSlot(t *testing.T) {
	sem := semaphore.NewWeighted(1)

	slot, err := acquireSlot(t.Context(), sem)
	require.NoError(t, err)
	assert.False(t, sem.TryAcquire(1))

	resume := slot.Suspend()
	require.True(t, sem.TryAcquire(1), "suspended slot must be available")
	sem.Release(1)

	// Suspending twice is a no-op
	slot.Suspend()()

	resume()
	assert.False(t, sem.TryAcquire(1))

	slot.Release()
	slot.Release()
	require.True(t, sem.TryAcquire(1))
	sem.Release(1)

	// A nil slot is allowed
	var none *poolSlot
	none.Suspend()()
}
