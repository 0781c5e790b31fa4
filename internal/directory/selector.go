package directory

import (
	"math/rand/v2"
	"slices"

	"github.com/italypaleale/orbit/cluster"
)

// DefaultSelectorCandidates is the number of ring-adjacent candidates the default NodeSelector chooses from.
const DefaultSelectorCandidates = 3

// NodeSelector chooses the node where a new activation is placed.
// Candidates are the eligible nodes in ring order, starting with the ring owner; the list is never empty.
// Returning a node that is not a candidate (or the zero address) makes the directory fall back to the ring owner.
type NodeSelector func(interfaceName string, local cluster.NodeAddress, candidates []cluster.NodeAddress) cluster.NodeAddress

// DefaultNodeSelector returns the selector used when none is configured: a uniform random choice among
// the first DefaultSelectorCandidates candidates in ring order.
func DefaultNodeSelector() NodeSelector {
	return RandomNodeSelector(DefaultSelectorCandidates)
}

// RingOwnerSelector always picks the ring owner.
// This makes placement a pure function of the identity and the cluster view.
func RingOwnerSelector(_ string, _ cluster.NodeAddress, candidates []cluster.NodeAddress) cluster.NodeAddress {
	return candidates[0]
}

// RandomNodeSelector returns a selector that picks uniformly at random among the first n candidates in ring order.
// Spreading new activations across ring-adjacent nodes balances load, while the ring keeps the choice stable
// across membership changes. If n is less than 1, all candidates are considered.
func RandomNodeSelector(n int) NodeSelector {
	return func(_ string, _ cluster.NodeAddress, candidates []cluster.NodeAddress) cluster.NodeAddress {
		limit := len(candidates)
		if n > 0 && n < limit {
			limit = n
		}
		return candidates[rand.IntN(limit)]
	}
}

// PreferLocalSelector returns a selector that picks the local node when it's a candidate, and otherwise delegates to next.
// If next is nil, RingOwnerSelector is used.
func PreferLocalSelector(next NodeSelector) NodeSelector {
	if next == nil {
		next = RingOwnerSelector
	}
	return func(interfaceName string, local cluster.NodeAddress, candidates []cluster.NodeAddress) cluster.NodeAddress {
		if slices.Contains(candidates, local) {
			return local
		}
		return next(interfaceName, local, candidates)
	}
}
