package comptesting

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/components"
)

// Clusters used in the test data
const (
	SpecClusterA = "cluster-a"
	SpecClusterB = "cluster-b"
)

// Test host IDs, which are the string form of node addresses
const (
	SpecHostH1          = "11111111-1111-4111-8111-111111111111" // H1
	SpecHostH2          = "22222222-2222-4222-8222-222222222222" // H2
	SpecHostH3          = "33333333-3333-4333-8333-333333333333" // H3
	SpecHostH4          = "44444444-4444-4444-8444-444444444444" // H4
	SpecHostH5          = "55555555-5555-4555-8555-555555555555" // H5
	SpecHostNonExistent = "10101010-1010-4101-8101-101010101010"
)

// Spec contains all the test data
type Spec struct {
	// Hosts to create
	Hosts HostSpecCollection

	// State of actors
	ActorState ActorStateSpecCollection

	// Entries in caches
	CacheEntries CacheEntrySpecCollection
}

// String implements fmt.Stringer and is used for debugging
func (s Spec) String() string {
	j, _ := json.Marshal(s)
	return string(j)
}

type HostSpec struct {
	ClusterName   string
	HostID        string
	Name          string
	Address       string
	LastHealthAgo time.Duration // now - LastHealthAgo
}

type HostSpecCollection []HostSpec

// Sorted returns a copy of the collection sorted by cluster and host ID, with LastHealthAgo reset so collections can be compared.
func (s HostSpecCollection) Sorted() HostSpecCollection {
	res := make(HostSpecCollection, len(s))
	copy(res, s)
	for i := range res {
		res[i].LastHealthAgo = 0
	}
	slices.SortFunc(res, func(a, b HostSpec) int {
		return cmp.Or(
			cmp.Compare(a.ClusterName, b.ClusterName),
			cmp.Compare(a.HostID, b.HostID),
		)
	})
	return res
}

type ActorStateSpec struct {
	InterfaceID int32
	ActorID     string
	Data        []byte
}

// Identity returns the identity of the actor.
func (s ActorStateSpec) Identity() actor.Identity {
	return actor.Identity{InterfaceID: s.InterfaceID, ID: s.ActorID}
}

type ActorStateSpecCollection []ActorStateSpec

// Sorted returns a copy of the collection sorted by actor.
func (s ActorStateSpecCollection) Sorted() ActorStateSpecCollection {
	res := make(ActorStateSpecCollection, len(s))
	copy(res, s)
	slices.SortFunc(res, func(a, b ActorStateSpec) int {
		return cmp.Or(
			cmp.Compare(a.InterfaceID, b.InterfaceID),
			cmp.Compare(a.ActorID, b.ActorID),
		)
	})
	return res
}

type CacheEntrySpec struct {
	ClusterName string
	Cache       string
	Key         string
	Value       []byte
	UpdatedAgo  time.Duration // now - UpdatedAgo
}

// Ref returns the reference to the entry.
func (s CacheEntrySpec) Ref() components.CacheRef {
	return components.CacheRef{ClusterName: s.ClusterName, Cache: s.Cache, Key: s.Key}
}

type CacheEntrySpecCollection []CacheEntrySpec

// Sorted returns a copy of the collection sorted by cluster, cache, and key, with UpdatedAgo reset so collections can be compared.
func (s CacheEntrySpecCollection) Sorted() CacheEntrySpecCollection {
	res := make(CacheEntrySpecCollection, len(s))
	copy(res, s)
	for i := range res {
		res[i].UpdatedAgo = 0
	}
	slices.SortFunc(res, func(a, b CacheEntrySpec) int {
		return cmp.Or(
			cmp.Compare(a.ClusterName, b.ClusterName),
			cmp.Compare(a.Cache, b.Cache),
			cmp.Compare(a.Key, b.Key),
		)
	})
	return res
}

// GetProviderConfig returns the ProviderConfig for the test
func GetProviderConfig() components.ProviderConfig {
	return components.ProviderConfig{
		HostHealthCheckDeadline: time.Minute,
		CleanupInterval:         5 * time.Minute,
		CacheEntryTTL:           time.Hour,
	}
}

// GetSpec returns a test spec
func GetSpec() Spec {
	return Spec{
		Hosts: HostSpecCollection{
			{ClusterName: SpecClusterA, HostID: SpecHostH1, Name: "h1", Address: "127.0.0.1:4001", LastHealthAgo: 2 * time.Second},  // healthy (H1)
			{ClusterName: SpecClusterA, HostID: SpecHostH2, Name: "h2", Address: "127.0.0.1:4002", LastHealthAgo: 30 * time.Second}, // healthy (H2)
			{ClusterName: SpecClusterA, HostID: SpecHostH3, Name: "h3", Address: "127.0.0.1:4003", LastHealthAgo: 2 * time.Minute},  // unhealthy (H3)
			{ClusterName: SpecClusterB, HostID: SpecHostH4, Name: "h4", Address: "127.0.0.1:4001", LastHealthAgo: 5 * time.Second},  // healthy, other cluster (H4)
			{ClusterName: SpecClusterB, HostID: SpecHostH5, Name: "h5", Address: "127.0.0.1:4005", LastHealthAgo: time.Hour},        // unhealthy, other cluster (H5)
		},
		ActorState: ActorStateSpecCollection{
			{InterfaceID: 10, ActorID: "a1", Data: []byte("state-a1")},
			{InterfaceID: 10, ActorID: "a2", Data: []byte("state-a2")},
			{InterfaceID: 20, ActorID: "a1", Data: []byte("state-b1")},
		},
		CacheEntries: CacheEntrySpecCollection{
			{ClusterName: SpecClusterA, Cache: "placement", Key: "k1", Value: []byte("v1"), UpdatedAgo: time.Minute},
			{ClusterName: SpecClusterA, Cache: "placement", Key: "k2", Value: []byte("v2"), UpdatedAgo: 2 * time.Hour}, // expired
			{ClusterName: SpecClusterA, Cache: "other", Key: "k1", Value: []byte("o1"), UpdatedAgo: 10 * time.Minute},
			{ClusterName: SpecClusterB, Cache: "placement", Key: "k1", Value: []byte("b1"), UpdatedAgo: 5 * time.Minute},
		},
	}
}
