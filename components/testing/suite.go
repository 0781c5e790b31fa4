package comptesting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/components"
)

// Suite implements a test suite for provider components.
type Suite struct {
	p ProviderTesting
}

func NewSuite(p ProviderTesting) *Suite {
	return &Suite{p: p}
}

func (s Suite) Run(t *testing.T) {
	t.Run("register host", s.TestRegisterHost)
	t.Run("update host health", s.TestUpdateHostHealth)
	t.Run("unregister host", s.TestUnregisterHost)
	t.Run("list hosts", s.TestListHosts)

	t.Run("actor state", s.TestState)

	t.Run("cache", s.TestCache)

	t.Run("cleanup expired", s.TestCleanupExpired)
}

func (s Suite) expectHosts(t *testing.T, expected HostSpecCollection) {
	t.Helper()

	actual, err := s.p.GetAllHosts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, expected.Sorted(), actual.Sorted())
}

func (s Suite) TestRegisterHost(t *testing.T) {
	spec := GetSpec()

	t.Run("register new host", func(t *testing.T) {
		require.NoError(t, s.p.Seed(t.Context(), Spec{}))

		err := s.p.RegisterHost(t.Context(), components.RegisterHostReq{
			ClusterName: SpecClusterA,
			HostID:      SpecHostH1,
			Name:        "new",
			Address:     "10.0.0.1:4000",
		})
		require.NoError(t, err)

		s.expectHosts(t, HostSpecCollection{
			{ClusterName: SpecClusterA, HostID: SpecHostH1, Name: "new", Address: "10.0.0.1:4000"},
		})
	})

	t.Run("address used by a healthy host", func(t *testing.T) {
		require.NoError(t, s.p.Seed(t.Context(), spec))

		err := s.p.RegisterHost(t.Context(), components.RegisterHostReq{
			ClusterName: SpecClusterA,
			HostID:      SpecHostNonExistent,
			Address:     "127.0.0.1:4001",
		})
		require.ErrorIs(t, err, components.ErrHostAlreadyRegistered)

		s.expectHosts(t, spec.Hosts)
	})

	t.Run("host ID used by a healthy host", func(t *testing.T) {
		require.NoError(t, s.p.Seed(t.Context(), spec))

		err := s.p.RegisterHost(t.Context(), components.RegisterHostReq{
			ClusterName: SpecClusterA,
			HostID:      SpecHostH2,
			Address:     "10.0.0.2:4000",
		})
		require.ErrorIs(t, err, components.ErrHostAlreadyRegistered)
	})

	t.Run("replaces unhealthy host at the same address", func(t *testing.T) {
		require.NoError(t, s.p.Seed(t.Context(), spec))

		err := s.p.RegisterHost(t.Context(), components.RegisterHostReq{
			ClusterName: SpecClusterA,
			HostID:      SpecHostNonExistent,
			Name:        "replacement",
			Address:     "127.0.0.1:4003",
		})
		require.NoError(t, err)

		expected := HostSpecCollection{
			spec.Hosts[0], spec.Hosts[1], spec.Hosts[3], spec.Hosts[4],
			{ClusterName: SpecClusterA, HostID: SpecHostNonExistent, Name: "replacement", Address: "127.0.0.1:4003"},
		}
		s.expectHosts(t, expected)
	})

	t.Run("same address in another cluster", func(t *testing.T) {
		require.NoError(t, s.p.Seed(t.Context(), spec))

		err := s.p.RegisterHost(t.Context(), components.RegisterHostReq{
			ClusterName: SpecClusterB,
			HostID:      SpecHostNonExistent,
			Address:     "127.0.0.1:4002",
		})
		require.NoError(t, err)

		hosts, err := s.p.ListHosts(t.Context(), SpecClusterB)
		require.NoError(t, err)
		require.Len(t, hosts, 2)
	})
}

func (s Suite) TestUpdateHostHealth(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), GetSpec()))

	// After this, H1 is 37s old and H2 is past the deadline
	require.NoError(t, s.p.AdvanceClock(35*time.Second))

	t.Run("healthy host", func(t *testing.T) {
		err := s.p.UpdateHostHealth(t.Context(), SpecClusterA, SpecHostH1)
		require.NoError(t, err)

		hosts, err := s.p.ListHosts(t.Context(), SpecClusterA)
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, SpecHostH1, hosts[0].HostID)
		assert.WithinDuration(t, s.p.Now(), hosts[0].LastHealthCheck, time.Millisecond)
	})

	t.Run("host past the deadline", func(t *testing.T) {
		err := s.p.UpdateHostHealth(t.Context(), SpecClusterA, SpecHostH2)
		require.ErrorIs(t, err, components.ErrHostUnregistered)

		err = s.p.UpdateHostHealth(t.Context(), SpecClusterA, SpecHostH3)
		require.ErrorIs(t, err, components.ErrHostUnregistered)
	})

	t.Run("host does not exist", func(t *testing.T) {
		err := s.p.UpdateHostHealth(t.Context(), SpecClusterA, SpecHostNonExistent)
		require.ErrorIs(t, err, components.ErrHostUnregistered)
	})

	t.Run("host in another cluster", func(t *testing.T) {
		err := s.p.UpdateHostHealth(t.Context(), SpecClusterB, SpecHostH1)
		require.ErrorIs(t, err, components.ErrHostUnregistered)
	})

	t.Run("host stays healthy", func(t *testing.T) {
		require.NoError(t, s.p.AdvanceClock(50*time.Second))

		hosts, err := s.p.ListHosts(t.Context(), SpecClusterA)
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, SpecHostH1, hosts[0].HostID)
	})
}

func (s Suite) TestUnregisterHost(t *testing.T) {
	spec := GetSpec()
	require.NoError(t, s.p.Seed(t.Context(), spec))

	err := s.p.UnregisterHost(t.Context(), SpecClusterA, SpecHostH1)
	require.NoError(t, err)
	s.expectHosts(t, spec.Hosts[1:])

	// Again
	err = s.p.UnregisterHost(t.Context(), SpecClusterA, SpecHostH1)
	require.ErrorIs(t, err, components.ErrHostUnregistered)

	// Wrong cluster
	err = s.p.UnregisterHost(t.Context(), SpecClusterB, SpecHostH2)
	require.ErrorIs(t, err, components.ErrHostUnregistered)
	s.expectHosts(t, spec.Hosts[1:])
}

func (s Suite) TestListHosts(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), GetSpec()))
	now := s.p.Now()

	hosts, err := s.p.ListHosts(t.Context(), SpecClusterA)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, SpecHostH1, hosts[0].HostID)
	assert.Equal(t, "h1", hosts[0].Name)
	assert.Equal(t, "127.0.0.1:4001", hosts[0].Address)
	assert.WithinDuration(t, now.Add(-2*time.Second), hosts[0].LastHealthCheck, time.Millisecond)
	assert.Equal(t, SpecHostH2, hosts[1].HostID)

	hosts, err = s.p.ListHosts(t.Context(), SpecClusterB)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, SpecHostH4, hosts[0].HostID)

	hosts, err = s.p.ListHosts(t.Context(), "not-a-cluster")
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func (s Suite) TestState(t *testing.T) {
	spec := GetSpec()
	require.NoError(t, s.p.Seed(t.Context(), spec))

	t.Run("read existing state", func(t *testing.T) {
		found, data, err := s.p.ReadState(t.Context(), spec.ActorState[0].Identity())
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "state-a1", string(data))
	})

	t.Run("read missing state", func(t *testing.T) {
		found, data, err := s.p.ReadState(t.Context(), actor.Identity{InterfaceID: 10, ID: "nope"})
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, data)
	})

	t.Run("write state", func(t *testing.T) {
		ctx := t.Context()

		// New actor
		ref := actor.Identity{InterfaceID: 30, ID: "new"}
		require.NoError(t, s.p.WriteState(ctx, ref, []byte("hello")))
		found, data, err := s.p.ReadState(ctx, ref)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "hello", string(data))

		// Replace existing state
		require.NoError(t, s.p.WriteState(ctx, spec.ActorState[1].Identity(), []byte("updated")))
		found, data, err = s.p.ReadState(ctx, spec.ActorState[1].Identity())
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "updated", string(data))

		all, err := s.p.GetAllActorState(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActorStateSpecCollection{
			spec.ActorState[0],
			{InterfaceID: 10, ActorID: "a2", Data: []byte("updated")},
			spec.ActorState[2],
			{InterfaceID: 30, ActorID: "new", Data: []byte("hello")},
		}.Sorted(), all.Sorted())
	})

	t.Run("clear state", func(t *testing.T) {
		ctx := t.Context()

		require.NoError(t, s.p.ClearState(ctx, spec.ActorState[0].Identity()))
		found, _, err := s.p.ReadState(ctx, spec.ActorState[0].Identity())
		require.NoError(t, err)
		assert.False(t, found)

		// State of actors with the same ID in other interfaces is not affected
		found, _, err = s.p.ReadState(ctx, spec.ActorState[2].Identity())
		require.NoError(t, err)
		assert.True(t, found)

		// Clearing again is not an error
		require.NoError(t, s.p.ClearState(ctx, spec.ActorState[0].Identity()))
	})
}

func (s Suite) TestCache(t *testing.T) {
	spec := GetSpec()
	require.NoError(t, s.p.Seed(t.Context(), spec))

	ref := func(cluster, cache, key string) components.CacheRef {
		return components.CacheRef{ClusterName: cluster, Cache: cache, Key: key}
	}

	t.Run("get", func(t *testing.T) {
		val, found, err := s.p.CacheGet(t.Context(), ref(SpecClusterA, "placement", "k1"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "v1", string(val))

		// Caches are separate for each cluster
		val, found, err = s.p.CacheGet(t.Context(), ref(SpecClusterB, "placement", "k1"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "b1", string(val))

		// Missing key
		_, found, err = s.p.CacheGet(t.Context(), ref(SpecClusterA, "placement", "missing"))
		require.NoError(t, err)
		assert.False(t, found)

		// Expired entries are not returned
		_, found, err = s.p.CacheGet(t.Context(), ref(SpecClusterA, "placement", "k2"))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("set", func(t *testing.T) {
		ctx := t.Context()

		require.NoError(t, s.p.CacheSet(ctx, ref(SpecClusterA, "placement", "k3"), []byte("v3")))
		require.NoError(t, s.p.CacheSet(ctx, ref(SpecClusterA, "other", "k1"), []byte("o1-updated")))

		val, found, err := s.p.CacheGet(ctx, ref(SpecClusterA, "placement", "k3"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "v3", string(val))

		val, found, err = s.p.CacheGet(ctx, ref(SpecClusterA, "other", "k1"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "o1-updated", string(val))
	})

	t.Run("put if absent", func(t *testing.T) {
		ctx := t.Context()

		// Existing key keeps its value
		val, err := s.p.CachePutIfAbsent(ctx, ref(SpecClusterA, "placement", "k1"), []byte("nope"))
		require.NoError(t, err)
		assert.Equal(t, "v1", string(val))

		// New key
		val, err = s.p.CachePutIfAbsent(ctx, ref(SpecClusterA, "placement", "k4"), []byte("v4"))
		require.NoError(t, err)
		assert.Equal(t, "v4", string(val))

		// Expired entries are replaced
		val, err = s.p.CachePutIfAbsent(ctx, ref(SpecClusterA, "placement", "k2"), []byte("v2-new"))
		require.NoError(t, err)
		assert.Equal(t, "v2-new", string(val))

		val, found, err := s.p.CacheGet(ctx, ref(SpecClusterA, "placement", "k2"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "v2-new", string(val))
	})

	t.Run("delete", func(t *testing.T) {
		ctx := t.Context()

		require.NoError(t, s.p.CacheDelete(ctx, ref(SpecClusterA, "placement", "k1")))
		_, found, err := s.p.CacheGet(ctx, ref(SpecClusterA, "placement", "k1"))
		require.NoError(t, err)
		assert.False(t, found)

		// Deleting a missing key is not an error
		require.NoError(t, s.p.CacheDelete(ctx, ref(SpecClusterA, "placement", "k1")))

		all, err := s.p.GetAllCacheEntries(ctx)
		require.NoError(t, err)
		assert.Equal(t, CacheEntrySpecCollection{
			{ClusterName: SpecClusterA, Cache: "placement", Key: "k2", Value: []byte("v2-new")},
			{ClusterName: SpecClusterA, Cache: "placement", Key: "k3", Value: []byte("v3")},
			{ClusterName: SpecClusterA, Cache: "placement", Key: "k4", Value: []byte("v4")},
			{ClusterName: SpecClusterA, Cache: "other", Key: "k1", Value: []byte("o1-updated")},
			{ClusterName: SpecClusterB, Cache: "placement", Key: "k1", Value: []byte("b1")},
		}.Sorted(), all.Sorted())
	})
}

func (s Suite) TestCleanupExpired(t *testing.T) {
	spec := GetSpec()
	require.NoError(t, s.p.Seed(t.Context(), spec))

	require.NoError(t, s.p.CleanupExpired())

	// Unhealthy hosts and expired cache entries are removed
	s.expectHosts(t, HostSpecCollection{spec.Hosts[0], spec.Hosts[1], spec.Hosts[3]})

	entries, err := s.p.GetAllCacheEntries(t.Context())
	require.NoError(t, err)
	assert.Equal(t, CacheEntrySpecCollection{spec.CacheEntries[0], spec.CacheEntries[2], spec.CacheEntries[3]}.Sorted(), entries.Sorted())

	// Actor state is never removed
	state, err := s.p.GetAllActorState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, spec.ActorState.Sorted(), state.Sorted())

	// After the deadline, all hosts are removed
	require.NoError(t, s.p.AdvanceClock(2*time.Hour))
	require.NoError(t, s.p.CleanupExpired())
	s.expectHosts(t, HostSpecCollection{})

	entries, err = s.p.GetAllCacheEntries(t.Context())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
