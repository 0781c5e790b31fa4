package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	components_mocks "github.com/italypaleale/orbit/internal/mocks/components"
)

func TestNewExecution(t *testing.T) {
	t.Run("missing options", func(t *testing.T) {
		_, err := NewExecution(Options{})
		require.ErrorContains(t, err, "option Registry is required")
	})

	t.Run("target greater than max", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), nil)
		opts := Options{
			Registry:          actor.NewRegistry(),
			Directory:         node.dir,
			Messaging:         node.exec.msg,
			Peer:              node.dir,
			MaxActivations:    5,
			TargetActivations: 10,
		}
		_, err := NewExecution(opts)
		require.ErrorContains(t, err, "must not be greater than MaxActivations")
	})

	t.Run("default target", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), func(opts *Options) {
			opts.MaxActivations = 100
		})
		assert.Equal(t, 90, node.exec.targetActs)
		assert.Equal(t, DefaultIdleTimeout, node.exec.configFor(actor.StableID(testInterface)).IdleTimeout)
	})
}

func TestActivationLifecycle(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	svc := node.Service()
	ref := svc.Reference(testInterface, "a1")

	// First call activates the actor
	var res int
	require.NoError(t, ref.Invoke(t.Context(), "Add", 5, &res))
	assert.Equal(t, 5, res)
	assert.True(t, node.exec.IsActive(ref.Identity()))
	assert.True(t, node.dir.IsRegistered(ref.Identity()))
	assert.EqualValues(t, 1, node.hooks.activations.Load())

	var firstID string
	require.NoError(t, ref.Invoke(t.Context(), "ActivationID", nil, &firstID))

	// Deactivation persists the state and unregisters the actor
	require.NoError(t, ref.Deactivate(t.Context()))
	assert.False(t, node.exec.IsActive(ref.Identity()))
	assert.False(t, node.dir.IsRegistered(ref.Identity()))
	assert.EqualValues(t, 1, node.hooks.deactivations.Load())
	count, ok := readCount(t, node.store, "a1")
	require.True(t, ok)
	assert.Equal(t, 5, count)

	// Next call creates a new activation with the state hydrated
	require.NoError(t, ref.Invoke(t.Context(), "Get", nil, &res))
	assert.Equal(t, 5, res)
	assert.EqualValues(t, 2, node.hooks.activations.Load())

	var secondID string
	require.NoError(t, ref.Invoke(t.Context(), "ActivationID", nil, &secondID))
	assert.NotEqual(t, firstID, secondID)
}

func TestTurnBasedConcurrency(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	ref := node.Service().Reference(testInterface, "serial")

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			assert.NoError(t, ref.Invoke(t.Context(), "Add", 1, nil))
		})
	}
	wg.Wait()

	var res int
	require.NoError(t, ref.Invoke(t.Context(), "Get", nil, &res))
	assert.Equal(t, n, res)
	assert.EqualValues(t, 1, node.hooks.maxConcurrent.Load())
}

func TestConcurrentActivation(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	ref := node.Service().Reference(testInterface, "once")

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			assert.NoError(t, ref.Invoke(t.Context(), "Get", nil, nil))
		})
	}
	wg.Wait()

	assert.EqualValues(t, 1, node.hooks.activations.Load())
	assert.Equal(t, 1, node.exec.ActivationCount())
}

func TestReentrancy(t *testing.T) {
	verifyNoLeaks(t)

	t.Run("call to self", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), nil)

		var res int
		err := node.Service().Invoke(t.Context(), testInterface, "self", "AddSelf", 3, &res)
		require.NoError(t, err)
		assert.Equal(t, 3, res)
	})

	t.Run("call through another actor", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), nil)

		var res int
		err := node.Service().Invoke(t.Context(), testInterface, "x", "Relay", []string{"y", "x"}, &res)
		require.NoError(t, err)
		assert.Equal(t, 1, res)
	})

	t.Run("pool with a single slot", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), func(opts *Options) {
			opts.PoolSize = 1
		})

		var res int
		err := node.Service().Invoke(t.Context(), testInterface, "caller", "CallOther", "callee", &res)
		require.NoError(t, err)
		assert.Equal(t, 1, res)
	})
}

func TestInvocationErrors(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	svc := node.Service()

	t.Run("error from actor", func(t *testing.T) {
		err := svc.Invoke(t.Context(), testInterface, "e1", "Fail", "boom", nil)
		require.EqualError(t, err, "boom")
	})

	t.Run("method not found", func(t *testing.T) {
		err := svc.Invoke(t.Context(), testInterface, "e1", "Nope", nil, nil)
		require.ErrorIs(t, err, actor.ErrMethodNotFound)
	})

	t.Run("unsupported interface", func(t *testing.T) {
		err := svc.Invoke(t.Context(), "other", "e1", "Get", nil, nil)
		require.ErrorIs(t, err, actor.ErrUnsupportedInterface)
	})

	t.Run("method timeout", func(t *testing.T) {
		err := svc.Invoke(t.Context(), testInterface, "e1", "Slow", nil, nil)
		require.ErrorIs(t, err, actor.ErrTimeout)

		// The actor is still usable
		require.NoError(t, svc.Invoke(t.Context(), testInterface, "e1", "Get", nil, nil))
	})
}

func TestActivationFailure(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	ref := node.Service().Reference(testInterface, "broken")

	node.hooks.failActivate.Store(true)
	err := ref.Invoke(t.Context(), "Get", nil, nil)
	require.ErrorIs(t, err, actor.ErrActivationFailed)
	assert.Equal(t, 0, node.exec.ActivationCount())
	assert.False(t, node.dir.IsRegistered(ref.Identity()))

	// The next invocation tries again
	node.hooks.failActivate.Store(false)
	require.NoError(t, ref.Invoke(t.Context(), "Get", nil, nil))
	assert.True(t, node.exec.IsActive(ref.Identity()))
}

func TestOnlyIfActive(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	ref := node.Service().Reference(testInterface, "maybe")

	err := ref.InvokeIfActive(t.Context(), "Add", 1, nil)
	require.ErrorIs(t, err, actor.ErrNotActivated)
	assert.Equal(t, 0, node.exec.ActivationCount())

	require.NoError(t, ref.Invoke(t.Context(), "Add", 1, nil))

	var res int
	require.NoError(t, ref.InvokeIfActive(t.Context(), "Add", 1, &res))
	assert.Equal(t, 2, res)
}

func TestOnlyIfActiveWhileActivating(t *testing.T) {
	verifyNoLeaks(t)

	// Blocks the Activate hook of the node's actors until released
	gateActivation := func(t *testing.T, node *testNode) (release func()) {
		gate := make(chan struct{})
		node.hooks.activateGate.Store(&gate)
		release = sync.OnceFunc(func() { close(gate) })
		t.Cleanup(release)
		return release
	}

	// Starts an activation on the node and waits until it's in the table
	startActivation := func(t *testing.T, node *testNode, id string) <-chan error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- node.Service().Invoke(context.Background(), testInterface, id, "Add", 1, nil)
		}()
		require.Eventually(t, func() bool {
			return node.exec.ActivationCount() == 1
		}, 2*time.Second, 5*time.Millisecond)
		return errCh
	}

	t.Run("local", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), nil)
		release := gateActivation(t, node)
		errCh := startActivation(t, node, "warming")
		ref := node.Service().Reference(testInterface, "warming")

		ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := ref.InvokeIfActive(ctx, "Add", 1, nil)
		require.ErrorIs(t, err, actor.ErrNotActivated)
		assert.Less(t, time.Since(start), 250*time.Millisecond)

		release()
		require.NoError(t, <-errCh)

		// Only the first invocation was executed
		var res int
		require.NoError(t, ref.InvokeIfActive(t.Context(), "Get", nil, &res))
		assert.Equal(t, 1, res)
	})

	t.Run("remote", func(t *testing.T) {
		net := newTestNetwork()
		nodeA := newTestNode(t, net, nil)
		nodeB := newTestNode(t, net, nil)
		nodeA.dir.locate = func(actor.Identity) cluster.NodeAddress {
			return nodeB.addr
		}

		release := gateActivation(t, nodeB)
		errCh := startActivation(t, nodeB, "warming")

		ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
		defer cancel()
		err := nodeA.Service().Reference(testInterface, "warming").InvokeIfActive(ctx, "Add", 1, nil)
		require.ErrorIs(t, err, actor.ErrNotActivated)

		release()
		require.NoError(t, <-errCh)

		// Only the first invocation was executed
		var res int
		require.NoError(t, nodeB.Service().Reference(testInterface, "warming").InvokeIfActive(t.Context(), "Get", nil, &res))
		assert.Equal(t, 1, res)
	})
}

func TestCallFromActivateHook(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), func(opts *Options) {
		opts.Configs = map[int32]ActorConfig{
			actor.StableID(testInterface): {ActivationTimeout: 2 * time.Second},
		}
	})
	node.hooks.addOnActivate.Store(true)
	ref := node.Service().Reference(testInterface, "bootstrap")

	start := time.Now()
	var res int
	require.NoError(t, ref.Invoke(t.Context(), "Get", nil, &res))
	assert.Equal(t, 10, res)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, node.hooks.activations.Load())
	assert.True(t, node.exec.IsActive(ref.Identity()))
}

func TestOneWay(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	ref := node.Service().Reference(testInterface, "fire")

	require.NoError(t, ref.InvokeOneWay(t.Context(), "Add", 2))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		var res int
		if assert.NoError(c, ref.Invoke(t.Context(), "Get", nil, &res)) {
			assert.Equal(c, 2, res)
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleDeactivation(t *testing.T) {
	verifyNoLeaks(t)

	clock := clocktesting.NewFakeClock(time.Now())
	node := newTestNode(t, newTestNetwork(), func(opts *Options) {
		opts.Clock = clock
		opts.Configs = map[int32]ActorConfig{
			actor.StableID(testInterface): {IdleTimeout: time.Minute},
		}
	})
	ref := node.Service().Reference(testInterface, "idle")

	require.NoError(t, ref.Invoke(t.Context(), "Add", 1, nil))
	assert.Eventually(t, clock.HasWaiters, time.Second, 5*time.Millisecond)

	// Using the actor pushes back its idle deadline
	clock.Step(30 * time.Second)
	require.NoError(t, ref.Invoke(t.Context(), "Add", 1, nil))
	clock.Step(40 * time.Second)

	// At this point, the processor has checked the actor and re-enqueued it
	assert.Eventually(t, clock.HasWaiters, time.Second, 5*time.Millisecond)
	assert.True(t, node.exec.IsActive(ref.Identity()))

	clock.Step(30 * time.Second)
	assert.Eventually(t, func() bool {
		return !node.exec.IsActive(ref.Identity()) && node.exec.ActivationCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	count, ok := readCount(t, node.store, "idle")
	require.True(t, ok)
	assert.Equal(t, 2, count)
	assert.EqualValues(t, 1, node.hooks.deactivations.Load())
}

func TestLRUEviction(t *testing.T) {
	verifyNoLeaks(t)

	clock := clocktesting.NewFakeClock(time.Now())
	node := newTestNode(t, newTestNetwork(), func(opts *Options) {
		opts.Clock = clock
		opts.MaxActivations = 5
		opts.TargetActivations = 3
		opts.Configs = map[int32]ActorConfig{
			actor.StableID(testInterface): {IdleTimeout: -1},
		}
	})
	svc := node.Service()

	for i := range 6 {
		clock.Step(time.Second)
		require.NoError(t, svc.Invoke(t.Context(), testInterface, fmt.Sprintf("lru-%d", i), "Add", 1, nil))
	}

	// Activating the sixth actor triggers the eviction
	assert.Eventually(t, func() bool {
		return node.exec.ActivationCount() == 3
	}, 2*time.Second, 5*time.Millisecond)

	for i := range 6 {
		identity := actor.NewIdentity(testInterface, fmt.Sprintf("lru-%d", i))
		assert.Equal(t, i >= 3, node.exec.IsActive(identity), "actor %d", i)
	}

	// Evicted actors had their state saved
	count, ok := readCount(t, node.store, "lru-0")
	require.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestCleanup(t *testing.T) {
	verifyNoLeaks(t)

	clock := clocktesting.NewFakeClock(time.Now())
	node := newTestNode(t, newTestNetwork(), func(opts *Options) {
		opts.Clock = clock
		opts.Configs = map[int32]ActorConfig{
			actor.StableID(testInterface): {IdleTimeout: time.Hour},
		}
	})
	svc := node.Service()

	for i := range 3 {
		require.NoError(t, svc.Invoke(t.Context(), testInterface, fmt.Sprintf("c-%d", i), "Add", 1, nil))
	}
	assert.Equal(t, 3, node.exec.ActivationCount())

	// Nothing is idle yet
	require.NoError(t, node.exec.Cleanup(t.Context()))
	assert.Equal(t, 3, node.exec.ActivationCount())

	// Stop the idle processor so only Cleanup deactivates actors
	require.NoError(t, node.exec.idleProcessor.Close())

	// Once past the idle timeout, Cleanup deactivates them right away
	clock.SetTime(clock.Now().Add(2 * time.Hour))
	require.NoError(t, node.exec.Cleanup(t.Context()))
	assert.Equal(t, 0, node.exec.ActivationCount())
	assert.Equal(t, 3, node.store.Len())
}

func TestCleanupWithFailingDeactivation(t *testing.T) {
	verifyNoLeaks(t)

	clock := clocktesting.NewFakeClock(time.Now())
	node := newTestNode(t, newTestNetwork(), func(opts *Options) {
		opts.Clock = clock
		opts.Configs = map[int32]ActorConfig{
			actor.StableID(testInterface): {IdleTimeout: time.Hour},
		}
	})
	svc := node.Service()

	require.NoError(t, svc.Invoke(t.Context(), testInterface, "faulty", "Add", 1, nil))

	// Stop the idle processor so only Cleanup deactivates actors
	require.NoError(t, node.exec.idleProcessor.Close())
	clock.Step(2 * time.Hour)

	for i := range 5 {
		clock.Step(time.Second)
		require.NoError(t, svc.Invoke(t.Context(), testInterface, fmt.Sprintf("fresh-%d", i), "Add", 1, nil))
	}
	require.Equal(t, 6, node.exec.ActivationCount())

	// Enable eviction only now, so activations don't trigger it
	node.exec.maxActs = 3
	node.exec.targetActs = 2

	err := node.exec.Cleanup(t.Context())
	require.ErrorContains(t, err, "simulated deactivation failure")

	// The idle actor was removed anyway, and the least recently used ones were evicted
	assert.Equal(t, 2, node.exec.ActivationCount())
	assert.False(t, node.exec.IsActive(actor.NewIdentity(testInterface, "faulty")))
	for i := range 5 {
		assert.Equal(t, i >= 3, node.exec.IsActive(actor.NewIdentity(testInterface, fmt.Sprintf("fresh-%d", i))), "actor %d", i)
	}

	count, ok := readCount(t, node.store, "faulty")
	require.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestDeactivateFromTurn(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	ref := node.Service().Reference(testInterface, "retiring")

	require.NoError(t, ref.Invoke(t.Context(), "Retire", nil, nil))
	assert.Eventually(t, func() bool {
		return node.exec.ActivationCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, node.hooks.deactivations.Load())
}

func TestStateOperations(t *testing.T) {
	verifyNoLeaks(t)

	t.Run("save state", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), nil)
		ref := node.Service().Reference(testInterface, "saver")

		require.NoError(t, ref.Invoke(t.Context(), "Persist", 42, nil))
		assert.True(t, node.exec.IsActive(ref.Identity()))

		count, ok := readCount(t, node.store, "saver")
		require.True(t, ok)
		assert.Equal(t, 42, count)

		// Works from outside the actor too
		require.NoError(t, node.exec.SaveState(t.Context(), ref.Identity()))
	})

	t.Run("clear state", func(t *testing.T) {
		store := components_mocks.NewMockStateStore(t)
		node := newTestNode(t, newTestNetwork(), func(opts *Options) {
			opts.StateStore = store
		})
		ref := node.Service().Reference(testInterface, "forgetful")

		store.On("ReadState", mock.Anything, ref.Identity()).Return(true, []byte{0x81, 0xa5, 'c', 'o', 'u', 'n', 't', 0x07}, nil).Once()
		store.On("ClearState", mock.Anything, ref.Identity()).Return(nil).Once()

		var res int
		require.NoError(t, ref.Invoke(t.Context(), "Get", nil, &res))
		assert.Equal(t, 7, res)

		require.NoError(t, ref.Invoke(t.Context(), "Forget", nil, nil))
		require.NoError(t, ref.Deactivate(t.Context()))

		store.AssertNotCalled(t, "WriteState", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("not activated", func(t *testing.T) {
		node := newTestNode(t, newTestNetwork(), nil)
		err := node.exec.SaveState(t.Context(), actor.NewIdentity(testInterface, "nobody"))
		require.ErrorIs(t, err, actor.ErrNotActivated)
	})
}

func TestStop(t *testing.T) {
	verifyNoLeaks(t)

	node := newTestNode(t, newTestNetwork(), nil)
	svc := node.Service()

	for i := range 3 {
		require.NoError(t, svc.Invoke(t.Context(), testInterface, fmt.Sprintf("s-%d", i), "Add", i+1, nil))
	}

	require.NoError(t, node.exec.Stop(t.Context()))
	assert.Equal(t, 0, node.exec.ActivationCount())
	assert.EqualValues(t, 3, node.hooks.deactivations.Load())
	assert.Equal(t, 3, node.store.Len())

	err := svc.Invoke(t.Context(), testInterface, "s-0", "Get", nil, nil)
	require.ErrorIs(t, err, actor.ErrStageStopping)

	// Stopping again is a no-op
	require.NoError(t, node.exec.Stop(t.Context()))
}

func TestRemoteInvocation(t *testing.T) {
	verifyNoLeaks(t)

	net := newTestNetwork()
	nodeA := newTestNode(t, net, nil)
	nodeB := newTestNode(t, net, nil)

	// Node A sends everything to node B
	nodeA.dir.locate = func(actor.Identity) cluster.NodeAddress {
		return nodeB.addr
	}
	svc := nodeA.Service()

	t.Run("invoke", func(t *testing.T) {
		var res int
		require.NoError(t, svc.Invoke(t.Context(), testInterface, "r1", "Add", 4, &res))
		assert.Equal(t, 4, res)

		identity := actor.NewIdentity(testInterface, "r1")
		assert.False(t, nodeA.exec.IsActive(identity))
		assert.True(t, nodeB.exec.IsActive(identity))
	})

	t.Run("error from actor", func(t *testing.T) {
		err := svc.Invoke(t.Context(), testInterface, "r1", "Fail", "remote boom", nil)
		require.Error(t, err)

		var appErr *actor.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "remote boom", appErr.Message)
	})

	t.Run("headers", func(t *testing.T) {
		var res string
		env, err := nodeA.exec.Invoke(t.Context(), actor.InvokeRequest{
			Identity: actor.NewIdentity(testInterface, "r1"),
			Method:   "Header",
			Data:     "tenant",
			Headers:  map[string]string{"tenant": "acme"},
		})
		require.NoError(t, err)
		require.NoError(t, env.Decode(&res))
		assert.Equal(t, "acme", res)
	})

	t.Run("only if active", func(t *testing.T) {
		err := svc.Reference(testInterface, "r2").InvokeIfActive(t.Context(), "Add", 1, nil)
		require.ErrorIs(t, err, actor.ErrNotActivated)
		assert.False(t, nodeB.exec.IsActive(actor.NewIdentity(testInterface, "r2")))
	})

	t.Run("unsupported method", func(t *testing.T) {
		err := svc.Invoke(t.Context(), testInterface, "r1", "Nope", nil, nil)
		require.ErrorIs(t, err, actor.ErrMethodNotFound)
	})
}

func TestRemoteNotOwnerRetry(t *testing.T) {
	verifyNoLeaks(t)

	net := newTestNetwork()
	nodeA := newTestNode(t, net, nil)
	nodeB := newTestNode(t, net, nil)

	nodeA.dir.locate = func(actor.Identity) cluster.NodeAddress {
		return nodeB.addr
	}

	// Node B rejects the first request
	var rejected bool
	nodeB.dir.shouldHost = func(actor.Identity) bool {
		if !rejected {
			rejected = true
			return false
		}
		return true
	}

	var res int
	require.NoError(t, nodeA.Service().Invoke(t.Context(), testInterface, "moved", "Add", 1, &res))
	assert.Equal(t, 1, res)
	assert.Equal(t, []string{actor.NewIdentity(testInterface, "moved").String()}, nodeA.dir.Invalidated())
}

func TestRemoteReentrancy(t *testing.T) {
	verifyNoLeaks(t)

	net := newTestNetwork()
	nodeA := newTestNode(t, net, nil)
	nodeB := newTestNode(t, net, nil)

	// Actor "x" lives on node B and actor "y" on node A
	place := func(identity actor.Identity) cluster.NodeAddress {
		if identity.ID == "x" {
			return nodeB.addr
		}
		return nodeA.addr
	}
	nodeA.dir.locate = place
	nodeB.dir.locate = place

	// x -> y -> x must not deadlock on x's lock
	var res int
	require.NoError(t, nodeA.Service().Invoke(t.Context(), testInterface, "x", "Relay", []string{"y", "x"}, &res))
	assert.Equal(t, 1, res)
	assert.True(t, nodeB.exec.IsActive(actor.NewIdentity(testInterface, "x")))
	assert.True(t, nodeA.exec.IsActive(actor.NewIdentity(testInterface, "y")))
}

func TestQueryCapability(t *testing.T) {
	verifyNoLeaks(t)

	net := newTestNetwork()
	nodeA := newTestNode(t, net, nil)
	nodeB := newTestNode(t, net, nil)

	id := actor.StableID(testInterface)

	capability, err := nodeA.exec.QueryCapability(t.Context(), nodeA.addr, id)
	require.NoError(t, err)
	assert.True(t, capability.CanActivate)

	capability, err = nodeA.exec.QueryCapability(t.Context(), nodeB.addr, id)
	require.NoError(t, err)
	assert.True(t, capability.CanActivate)
	assert.Equal(t, "default", capability.PlacementGroup)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	unknown, err := cluster.NewNodeAddress()
	require.NoError(t, err)
	_, err = nodeA.exec.QueryCapability(ctx, unknown, id)
	require.Error(t, err)
}
