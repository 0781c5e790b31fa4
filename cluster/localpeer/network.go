// Package localpeer implements a cluster.ClusterPeer where all nodes run in the same process.
// It's meant for tests and for single-process deployments, and it allows simulating network partitions and message loss.
package localpeer

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/alphadose/haxmap"

	"github.com/italypaleale/orbit/cluster"
)

// DropFilter returns true if a message must be dropped.
type DropFilter func(from cluster.NodeAddress, to cluster.NodeAddress, data []byte) bool

// Network connects the local peers.
type Network struct {
	lock       sync.RWMutex
	clusters   map[string]*localCluster
	partitions map[[2]cluster.NodeAddress]struct{}
	dropFilter DropFilter
	log        *slog.Logger

	// Serializes view notifications, so listeners receive views in order
	viewLock sync.Mutex
}

type localCluster struct {
	members map[cluster.NodeAddress]*Peer
	caches  map[string]*cache
}

// NewNetwork returns a new Network.
func NewNetwork(log *slog.Logger) *Network {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Network{
		clusters:   map[string]*localCluster{},
		partitions: map[[2]cluster.NodeAddress]struct{}{},
		log:        log,
	}
}

// NewPeer returns a new peer connected to the network.
// The peer must join a cluster before it can be used.
func (n *Network) NewPeer() *Peer {
	return &Peer{
		net: n,
	}
}

// Partition prevents messages from being exchanged between two nodes, in both directions.
func (n *Network) Partition(a cluster.NodeAddress, b cluster.NodeAddress) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.partitions[partitionKey(a, b)] = struct{}{}
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.lock.Lock()
	defer n.lock.Unlock()
	clear(n.partitions)
}

// SetDropFilter sets a function that decides which messages are lost.
// Pass nil to deliver all messages.
func (n *Network) SetDropFilter(fn DropFilter) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.dropFilter = fn
}

// Kill removes a node from its cluster abruptly, as if it crashed.
// The node stops receiving messages and the other members are notified of the new view.
func (n *Network) Kill(addr cluster.NodeAddress) {
	n.lock.RLock()
	var peer *Peer
	for _, c := range n.clusters {
		p, ok := c.members[addr]
		if ok {
			peer = p
			break
		}
	}
	n.lock.RUnlock()

	if peer != nil {
		peer.leave()
	}
}

func partitionKey(a cluster.NodeAddress, b cluster.NodeAddress) [2]cluster.NodeAddress {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return [2]cluster.NodeAddress{a, b}
}

func (n *Network) join(p *Peer, clusterName string) {
	n.lock.Lock()
	c, ok := n.clusters[clusterName]
	if !ok {
		c = &localCluster{
			members: map[cluster.NodeAddress]*Peer{},
			caches:  map[string]*cache{},
		}
		n.clusters[clusterName] = c
	}
	c.members[p.LocalAddress()] = p
	n.lock.Unlock()

	n.notifyView(clusterName)
}

func (n *Network) leave(p *Peer, clusterName string) {
	n.lock.Lock()
	c, ok := n.clusters[clusterName]
	if ok {
		delete(c.members, p.LocalAddress())
	}
	n.lock.Unlock()

	n.notifyView(clusterName)
}

// notifyView sends the current view to all members of the cluster.
func (n *Network) notifyView(clusterName string) {
	n.viewLock.Lock()
	defer n.viewLock.Unlock()

	n.lock.RLock()
	c, ok := n.clusters[clusterName]
	if !ok {
		n.lock.RUnlock()
		return
	}
	view := make([]cluster.NodeAddress, 0, len(c.members))
	members := make([]*Peer, 0, len(c.members))
	for addr, p := range c.members {
		view = append(view, addr)
		members = append(members, p)
	}
	n.lock.RUnlock()

	view = cluster.SortedView(view)
	n.log.Debug("Cluster view changed", slog.String("cluster", clusterName), slog.Int("members", len(view)))

	for _, p := range members {
		p.notifyView(slices.Clone(view))
	}
}

// send delivers a message asynchronously, unless it's dropped.
func (n *Network) send(clusterName string, from cluster.NodeAddress, to cluster.NodeAddress, data []byte) {
	n.lock.RLock()
	c, ok := n.clusters[clusterName]
	var target *Peer
	if ok {
		target = c.members[to]
	}
	_, partitioned := n.partitions[partitionKey(from, to)]
	dropFilter := n.dropFilter
	n.lock.RUnlock()

	if target == nil || partitioned || (dropFilter != nil && dropFilter(from, to, data)) {
		return
	}

	// Receivers may retain the slice
	go target.deliver(from, slices.Clone(data))
}

func (n *Network) cache(clusterName string, name string) *cache {
	n.lock.Lock()
	defer n.lock.Unlock()

	c, ok := n.clusters[clusterName]
	if !ok {
		c = &localCluster{
			members: map[cluster.NodeAddress]*Peer{},
			caches:  map[string]*cache{},
		}
		n.clusters[clusterName] = c
	}

	res, ok := c.caches[name]
	if !ok {
		res = &cache{data: haxmap.New[string, []byte]()}
		c.caches[name] = res
	}
	return res
}
