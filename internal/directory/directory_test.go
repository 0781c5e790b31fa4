package directory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
)

// memoryCache is a cluster.Cache shared by all test nodes
type memoryCache struct {
	lock sync.Mutex
	data map[string][]byte
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.data[key] = value
	return nil
}

func (c *memoryCache) PutIfAbsent(_ context.Context, key string, value []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.data[key]
	if ok {
		return v, nil
	}
	c.data[key] = value
	return value, nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.data, key)
	return nil
}

type testPeer struct {
	addr  cluster.NodeAddress
	cache *memoryCache
}

func (p *testPeer) LocalAddress() cluster.NodeAddress {
	return p.addr
}

func (p *testPeer) GetCache(string) cluster.Cache {
	return p.cache
}

// testCluster is a set of directories that query each other directly
type testCluster struct {
	lock    sync.Mutex
	nodes   map[cluster.NodeAddress]*Directory
	order   []cluster.NodeAddress
	cache   *memoryCache
	queries int
}

const (
	ifaceName  = "counter"
	otherIface = "other"
)

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	return &testCluster{
		nodes: map[cluster.NodeAddress]*Directory{},
		cache: &memoryCache{data: map[string][]byte{}},
	}
}

func (c *testCluster) query(_ context.Context, node cluster.NodeAddress, interfaceID int32) (Capability, error) {
	c.lock.Lock()
	c.queries++
	d, ok := c.nodes[node]
	c.lock.Unlock()
	if !ok {
		return Capability{}, errors.New("node unreachable")
	}
	return d.LocalCapability(interfaceID), nil
}

type nodeOpts struct {
	group        string
	targetGroups []string
	selector     NodeSelector
	interfaces   []string
}

func (c *testCluster) addNode(t *testing.T, opts nodeOpts) *Directory {
	t.Helper()

	addr, err := cluster.NewNodeAddress()
	require.NoError(t, err)

	if opts.interfaces == nil {
		opts.interfaces = []string{ifaceName}
	}
	registry := actor.NewRegistry()
	for _, name := range opts.interfaces {
		desc, err := actor.NewInterface(name, func(actor.Identity, *actor.Service) actor.Actor { return struct{}{} })
		require.NoError(t, err)
		require.NoError(t, registry.Register(desc))
	}
	registry.Seal()

	d, err := New(Options{
		Peer:            &testPeer{addr: addr, cache: c.cache},
		Registry:        registry,
		QueryCapability: c.query,
		PlacementGroup:  opts.group,
		TargetGroups:    opts.targetGroups,
		NodeSelector:    opts.selector,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	c.lock.Lock()
	c.nodes[addr] = d
	c.order = append(c.order, addr)
	c.lock.Unlock()

	c.broadcastView()
	return d
}

func (c *testCluster) removeNode(addr cluster.NodeAddress) {
	c.lock.Lock()
	delete(c.nodes, addr)
	for i, a := range c.order {
		if a == addr {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.lock.Unlock()

	c.broadcastView()
}

func (c *testCluster) broadcastView() {
	c.lock.Lock()
	view := append([]cluster.NodeAddress(nil), c.order...)
	nodes := make([]*Directory, 0, len(c.nodes))
	for _, d := range c.nodes {
		nodes = append(nodes, d)
	}
	c.lock.Unlock()

	for _, d := range nodes {
		d.OnViewChange(view)
	}
}

func (c *testCluster) owners(t *testing.T, identity actor.Identity) []cluster.NodeAddress {
	t.Helper()

	c.lock.Lock()
	nodes := make(map[cluster.NodeAddress]*Directory, len(c.nodes))
	for addr, d := range c.nodes {
		nodes[addr] = d
	}
	c.lock.Unlock()

	var res []cluster.NodeAddress
	for addr, d := range nodes {
		owner, err := d.IsOwner(t.Context(), identity)
		require.NoError(t, err)
		if owner {
			res = append(res, addr)
		}
	}
	return res
}

func TestIsOwner(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("exactly one owner in a ten-node cluster", func(t *testing.T) {
		c := newTestCluster(t)
		for range 10 {
			c.addNode(t, nodeOpts{})
		}

		for i := range 1000 {
			identity := actor.NewIdentity(ifaceName, "key-"+strconv.Itoa(i))
			assert.Len(t, c.owners(t, identity), 1, "identity %s", identity)
		}
	})

	t.Run("owner leaves", func(t *testing.T) {
		c := newTestCluster(t)
		for range 10 {
			c.addNode(t, nodeOpts{})
		}

		test1 := actor.NewIdentity(ifaceName, "test1")
		owners := c.owners(t, test1)
		require.Len(t, owners, 1)
		removed := owners[0]

		// Find a stable key that is owned by a different node
		var other actor.Identity
		var otherOwner cluster.NodeAddress
		for i := range 100 {
			other = actor.NewIdentity(ifaceName, "stable-"+strconv.Itoa(i))
			o := c.owners(t, other)
			require.Len(t, o, 1)
			if o[0] != removed {
				otherOwner = o[0]
				break
			}
		}
		require.False(t, otherOwner.IsZero())

		c.removeNode(removed)

		owners = c.owners(t, test1)
		require.Len(t, owners, 1)
		assert.NotEqual(t, removed, owners[0])

		o := c.owners(t, other)
		require.Len(t, o, 1)
		assert.Equal(t, otherOwner, o[0])
	})

	t.Run("nodes that don't support the interface are not eligible", func(t *testing.T) {
		c := newTestCluster(t)
		supported := c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{interfaces: []string{otherIface}})
		c.addNode(t, nodeOpts{interfaces: []string{otherIface}})

		for i := range 50 {
			identity := actor.NewIdentity(ifaceName, strconv.Itoa(i))
			owners := c.owners(t, identity)
			require.Len(t, owners, 1)
			assert.Equal(t, supported.peer.LocalAddress(), owners[0])
		}
	})

	t.Run("capabilities are cached", func(t *testing.T) {
		c := newTestCluster(t)
		d := c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{})

		for i := range 20 {
			_, err := d.IsOwner(t.Context(), actor.NewIdentity(ifaceName, strconv.Itoa(i)))
			require.NoError(t, err)
		}
		assert.Equal(t, 2, c.queries)
	})
}

func TestPlacementGroups(t *testing.T) {
	// Registered first so it runs after the directories are closed
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	c := newTestCluster(t)
	caller := c.addNode(t, nodeOpts{group: "front", targetGroups: []string{"back"}})
	back1 := c.addNode(t, nodeOpts{group: "back"})
	back2 := c.addNode(t, nodeOpts{group: "back"})
	batch := c.addNode(t, nodeOpts{group: "batch"})

	assert.Equal(t, "front", caller.PlacementGroup())
	assert.Equal(t, []string{"back"}, caller.TargetPlacementGroups())

	defaults, err := New(Options{Peer: &testPeer{cache: c.cache}, Registry: actor.NewRegistry(), QueryCapability: c.query})
	require.NoError(t, err)
	assert.Equal(t, DefaultPlacementGroup, defaults.PlacementGroup())
	assert.Equal(t, []string{DefaultPlacementGroup}, defaults.TargetPlacementGroups())
	defaults.Close()

	backNodes := []cluster.NodeAddress{back1.peer.LocalAddress(), back2.peer.LocalAddress()}

	t.Run("actors are placed on target groups", func(t *testing.T) {
		for i := range 50 {
			node, err := caller.Locate(t.Context(), actor.NewIdentity(ifaceName, "pg-"+strconv.Itoa(i)), true)
			require.NoError(t, err)
			assert.Contains(t, backNodes, node)
		}
	})

	t.Run("changing target groups applies to the next decision", func(t *testing.T) {
		caller.SetTargetPlacementGroups("batch")
		node, err := caller.Locate(t.Context(), actor.NewIdentity(ifaceName, "batch-1"), true)
		require.NoError(t, err)
		assert.Equal(t, batch.peer.LocalAddress(), node)

		caller.SetTargetPlacementGroups("nowhere")
		_, err = caller.Locate(t.Context(), actor.NewIdentity(ifaceName, "batch-2"), true)
		require.ErrorIs(t, err, actor.ErrNoNodeAvailable)
	})

	t.Run("per-interface target groups override the node ones", func(t *testing.T) {
		caller.SetTargetPlacementGroups("nowhere")
		caller.SetInterfaceTargetGroups(actor.StableID(ifaceName), "back")
		defer caller.SetInterfaceTargetGroups(actor.StableID(ifaceName))

		node, err := caller.Locate(t.Context(), actor.NewIdentity(ifaceName, "override-1"), true)
		require.NoError(t, err)
		assert.Contains(t, backNodes, node)
	})
}

func TestLocate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("not activated", func(t *testing.T) {
		c := newTestCluster(t)
		d := c.addNode(t, nodeOpts{})

		_, err := d.Locate(t.Context(), actor.NewIdentity(ifaceName, "a"), false)
		require.ErrorIs(t, err, actor.ErrNotActivated)
	})

	t.Run("decision is shared by all nodes", func(t *testing.T) {
		c := newTestCluster(t)
		d1 := c.addNode(t, nodeOpts{selector: RandomNodeSelector(0)})
		d2 := c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{})

		for i := range 30 {
			identity := actor.NewIdentity(ifaceName, "shared-"+strconv.Itoa(i))
			n1, err := d1.Locate(t.Context(), identity, true)
			require.NoError(t, err)

			n2, err := d2.Locate(t.Context(), identity, false)
			require.NoError(t, err)
			assert.Equal(t, n1, n2)
		}
	})

	t.Run("default selector spreads beyond the ring owner", func(t *testing.T) {
		c := newTestCluster(t)
		d := c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{})

		notOwner := 0
		for i := range 60 {
			identity := actor.NewIdentity(ifaceName, "spread-"+strconv.Itoa(i))
			node, err := d.Locate(t.Context(), identity, true)
			require.NoError(t, err)

			candidates, err := d.candidates(t.Context(), identity, DefaultSelectorCandidates)
			require.NoError(t, err)
			assert.Contains(t, candidates, node)
			if node != candidates[0] {
				notOwner++
			}
		}
		assert.Positive(t, notOwner)
	})

	t.Run("prefer local", func(t *testing.T) {
		c := newTestCluster(t)
		d := c.addNode(t, nodeOpts{selector: PreferLocalSelector(nil)})
		c.addNode(t, nodeOpts{})
		c.addNode(t, nodeOpts{})

		for i := range 20 {
			node, err := d.Locate(t.Context(), actor.NewIdentity(ifaceName, "local-"+strconv.Itoa(i)), true)
			require.NoError(t, err)
			assert.Equal(t, d.peer.LocalAddress(), node)

			assigned, err := d.IsAssignedLocally(t.Context(), actor.NewIdentity(ifaceName, "local-"+strconv.Itoa(i)))
			require.NoError(t, err)
			assert.True(t, assigned)
		}
	})

	t.Run("entries of departed nodes are ignored", func(t *testing.T) {
		c := newTestCluster(t)
		d1 := c.addNode(t, nodeOpts{})
		d2 := c.addNode(t, nodeOpts{})

		identity := actor.NewIdentity(ifaceName, "departed")
		require.NoError(t, d2.Register(t.Context(), identity))

		node, err := d1.Locate(t.Context(), identity, false)
		require.NoError(t, err)
		assert.Equal(t, d2.peer.LocalAddress(), node)

		c.removeNode(d2.peer.LocalAddress())

		_, err = d1.Locate(t.Context(), identity, false)
		require.ErrorIs(t, err, actor.ErrNotActivated)

		node, err = d1.Locate(t.Context(), identity, true)
		require.NoError(t, err)
		assert.Equal(t, d1.peer.LocalAddress(), node)
	})

	t.Run("invalidate", func(t *testing.T) {
		c := newTestCluster(t)
		d1 := c.addNode(t, nodeOpts{})
		d2 := c.addNode(t, nodeOpts{})

		identity := actor.NewIdentity(ifaceName, "inv")
		require.NoError(t, d2.Register(t.Context(), identity))
		_, err := d1.Locate(t.Context(), identity, false)
		require.NoError(t, err)

		// Invalidating for a different node is a no-op
		require.NoError(t, d1.Invalidate(t.Context(), identity, d1.peer.LocalAddress()))
		node, err := d1.Locate(t.Context(), identity, false)
		require.NoError(t, err)
		assert.Equal(t, d2.peer.LocalAddress(), node)

		require.NoError(t, d1.Invalidate(t.Context(), identity, d2.peer.LocalAddress()))
		_, err = d1.Locate(t.Context(), identity, false)
		require.ErrorIs(t, err, actor.ErrNotActivated)
	})

	t.Run("unregister", func(t *testing.T) {
		c := newTestCluster(t)
		d := c.addNode(t, nodeOpts{})

		identity := actor.NewIdentity(ifaceName, "unreg")
		require.NoError(t, d.Register(t.Context(), identity))
		assigned, err := d.IsAssignedLocally(t.Context(), identity)
		require.NoError(t, err)
		assert.True(t, assigned)

		require.NoError(t, d.Unregister(t.Context(), identity))
		assigned, err = d.IsAssignedLocally(t.Context(), identity)
		require.NoError(t, err)
		assert.False(t, assigned)
	})
}

func TestShouldHost(t *testing.T) {
	// Registered first so it runs after the directories are closed
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	c := newTestCluster(t)
	d1 := c.addNode(t, nodeOpts{})
	d2 := c.addNode(t, nodeOpts{})
	unsupported := c.addNode(t, nodeOpts{interfaces: []string{otherIface}})

	t.Run("ring owner without directory entry", func(t *testing.T) {
		for i := range 20 {
			identity := actor.NewIdentity(ifaceName, "host-"+strconv.Itoa(i))
			h1, err := d1.ShouldHost(t.Context(), identity)
			require.NoError(t, err)
			h2, err := d2.ShouldHost(t.Context(), identity)
			require.NoError(t, err)
			assert.NotEqual(t, h1, h2)
		}
	})

	t.Run("directory entry wins over the ring", func(t *testing.T) {
		identity := actor.NewIdentity(ifaceName, "entry")
		o1, err := d1.IsOwner(t.Context(), identity)
		require.NoError(t, err)

		nonOwner := d2
		if !o1 {
			nonOwner = d1
		}
		require.NoError(t, nonOwner.Register(t.Context(), identity))

		h1, err := d1.ShouldHost(t.Context(), identity)
		require.NoError(t, err)
		h2, err := d2.ShouldHost(t.Context(), identity)
		require.NoError(t, err)
		assert.Equal(t, nonOwner == d1, h1)
		assert.Equal(t, nonOwner == d2, h2)
	})

	t.Run("unsupported interface", func(t *testing.T) {
		ok, err := unsupported.ShouldHost(t.Context(), actor.NewIdentity(ifaceName, "x"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not accepting", func(t *testing.T) {
		d1.SetAccepting(false)
		defer d1.SetAccepting(true)

		assert.False(t, d1.LocalCapability(actor.StableID(ifaceName)).CanActivate)
		ok, err := d1.ShouldHost(t.Context(), actor.NewIdentity(ifaceName, "y"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSelectors(t *testing.T) {
	nodes := make([]cluster.NodeAddress, 5)
	for i := range nodes {
		var err error
		nodes[i], err = cluster.NewNodeAddress()
		require.NoError(t, err)
	}

	t.Run("ring owner", func(t *testing.T) {
		assert.Equal(t, nodes[0], RingOwnerSelector("x", nodes[3], nodes))
	})

	t.Run("random among first n", func(t *testing.T) {
		sel := RandomNodeSelector(2)
		seen := map[cluster.NodeAddress]bool{}
		for range 200 {
			n := sel("x", nodes[4], nodes)
			assert.Contains(t, nodes[:2], n)
			seen[n] = true
		}
		assert.Len(t, seen, 2)
	})

	t.Run("default spreads among ring-adjacent candidates", func(t *testing.T) {
		sel := DefaultNodeSelector()
		seen := map[cluster.NodeAddress]bool{}
		for range 300 {
			n := sel("x", nodes[4], nodes)
			assert.Contains(t, nodes[:DefaultSelectorCandidates], n)
			seen[n] = true
		}
		assert.Len(t, seen, DefaultSelectorCandidates)
	})

	t.Run("prefer local", func(t *testing.T) {
		sel := PreferLocalSelector(nil)
		assert.Equal(t, nodes[3], sel("x", nodes[3], nodes))

		other, err := cluster.NewNodeAddress()
		require.NoError(t, err)
		assert.Equal(t, nodes[0], sel("x", other, nodes))
	})
}

func TestCapabilityKey(t *testing.T) {
	node, err := cluster.NewNodeAddress()
	require.NoError(t, err)

	parsedNode, id, ok := parseCapabilityKey(capabilityKey(node, 1234))
	require.True(t, ok)
	assert.Equal(t, node, parsedNode)
	assert.Equal(t, int32(1234), id)

	_, _, ok = parseCapabilityKey("invalid")
	assert.False(t, ok)
}
