// Package ring implements a consistent-hash ring with virtual nodes.
//
// Each node is placed on the ring at a number of points derived from its address, so adding or removing one node
// relocates only about 1/N of the keys. Rings are immutable: a new one is built every time the cluster view changes.
package ring

import (
	"encoding/binary"
	"slices"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/italypaleale/orbit/cluster"
)

// DefaultVirtualNodes is the default number of points on the ring for each node.
const DefaultVirtualNodes = 128

type point struct {
	hash uint64
	node cluster.NodeAddress
}

// Ring is an immutable consistent-hash ring.
type Ring struct {
	points []point
	nodes  []cluster.NodeAddress
}

// New returns a ring containing the given nodes, each with vnodes points.
// Duplicate and zero addresses are ignored.
func New(nodes []cluster.NodeAddress, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}

	sorted := cluster.SortedView(nodes)
	sorted = slices.DeleteFunc(sorted, func(n cluster.NodeAddress) bool {
		return n.IsZero()
	})

	r := &Ring{
		points: make([]point, 0, len(sorted)*vnodes),
		nodes:  sorted,
	}

	var buf [20]byte
	for _, n := range sorted {
		copy(buf[:16], n[:])
		for i := range vnodes {
			binary.LittleEndian.PutUint32(buf[16:], uint32(i))
			r.points = append(r.points, point{
				hash: xxh3.Hash(buf[:]),
				node: n,
			})
		}
	}

	// Ties are broken by address so the order is deterministic across processes
	slices.SortFunc(r.points, func(a, b point) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		default:
			return a.node.Compare(b.node)
		}
	})

	return r
}

// Len returns the number of nodes in the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// Nodes returns the nodes in the ring, sorted by address.
func (r *Ring) Nodes() []cluster.NodeAddress {
	return slices.Clone(r.nodes)
}

// Contains returns true if the node is in the ring.
func (r *Ring) Contains(node cluster.NodeAddress) bool {
	_, ok := slices.BinarySearchFunc(r.nodes, node, cluster.NodeAddress.Compare)
	return ok
}

// Owner returns the node that owns the key, which is the first node found walking clockwise from the key's hash.
func (r *Ring) Owner(key string) (cluster.NodeAddress, bool) {
	var owner cluster.NodeAddress
	r.Walk(key, func(n cluster.NodeAddress) bool {
		owner = n
		return false
	})
	return owner, !owner.IsZero()
}

// Candidates returns up to limit distinct nodes in ring order starting from the key's hash, filtered by the eligible function.
// If eligible is nil, all nodes are eligible. If limit is 0 or negative, all eligible nodes are returned.
// The first candidate is the owner of the key among eligible nodes.
func (r *Ring) Candidates(key string, limit int, eligible func(cluster.NodeAddress) bool) []cluster.NodeAddress {
	if limit <= 0 || limit > len(r.nodes) {
		limit = len(r.nodes)
	}

	res := make([]cluster.NodeAddress, 0, limit)
	r.Walk(key, func(n cluster.NodeAddress) bool {
		if eligible == nil || eligible(n) {
			res = append(res, n)
		}
		return len(res) < limit
	})
	return res
}

// Walk invokes fn for each distinct node in ring order, starting from the key's hash, until fn returns false.
func (r *Ring) Walk(key string, fn func(n cluster.NodeAddress) bool) {
	if len(r.points) == 0 {
		return
	}

	h := xxh3.HashString(key)
	start := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})

	seen := make(map[cluster.NodeAddress]struct{}, len(r.nodes))
	for i := range r.points {
		p := r.points[(start+i)%len(r.points)]
		if _, ok := seen[p.node]; ok {
			continue
		}
		seen[p.node] = struct{}{}

		if !fn(p.node) || len(seen) == len(r.nodes) {
			return
		}
	}
}
