package localpeer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/italypaleale/orbit/cluster"
)

var _ cluster.ClusterPeer = (*Peer)(nil)

// Peer is a cluster.ClusterPeer connected to a local Network.
type Peer struct {
	net *Network

	lock        sync.RWMutex
	clusterName string
	nodeName    string
	addr        cluster.NodeAddress
	listeners   []cluster.ViewListener
	receivers   []cluster.MessageReceiver

	joined atomic.Bool
}

// Join implements cluster.ClusterPeer.
func (p *Peer) Join(ctx context.Context, clusterName string, nodeName string) error {
	if clusterName == "" {
		return errors.New("cluster name is empty")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	addr, err := cluster.NewNodeAddress()
	if err != nil {
		return err
	}

	p.lock.Lock()
	if !p.joined.CompareAndSwap(false, true) {
		p.lock.Unlock()
		return errors.New("peer has already joined a cluster")
	}
	p.clusterName = clusterName
	p.nodeName = nodeName
	p.addr = addr
	p.lock.Unlock()

	p.net.join(p, clusterName)
	return nil
}

// Leave implements cluster.ClusterPeer.
func (p *Peer) Leave(ctx context.Context) error {
	p.leave()
	return nil
}

func (p *Peer) leave() {
	if !p.joined.CompareAndSwap(true, false) {
		return
	}

	p.lock.RLock()
	clusterName := p.clusterName
	p.lock.RUnlock()

	p.net.leave(p, clusterName)
}

// LocalAddress implements cluster.ClusterPeer.
func (p *Peer) LocalAddress() cluster.NodeAddress {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.addr
}

// NodeName returns the name the node joined with.
func (p *Peer) NodeName() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.nodeName
}

// RegisterViewListener implements cluster.ClusterPeer.
func (p *Peer) RegisterViewListener(fn cluster.ViewListener) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.listeners = append(p.listeners, fn)
}

// RegisterMessageReceiver implements cluster.ClusterPeer.
func (p *Peer) RegisterMessageReceiver(fn cluster.MessageReceiver) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.receivers = append(p.receivers, fn)
}

// SendMessage implements cluster.ClusterPeer.
func (p *Peer) SendMessage(to cluster.NodeAddress, data []byte) {
	if !p.joined.Load() {
		return
	}

	p.lock.RLock()
	clusterName := p.clusterName
	from := p.addr
	p.lock.RUnlock()

	p.net.send(clusterName, from, to, data)
}

// GetCache implements cluster.ClusterPeer.
func (p *Peer) GetCache(name string) cluster.Cache {
	p.lock.RLock()
	clusterName := p.clusterName
	p.lock.RUnlock()

	return &peerCache{
		peer:  p,
		cache: p.net.cache(clusterName, name),
	}
}

func (p *Peer) notifyView(view []cluster.NodeAddress) {
	p.lock.RLock()
	listeners := p.listeners
	p.lock.RUnlock()

	for _, fn := range listeners {
		fn(view)
	}
}

func (p *Peer) deliver(from cluster.NodeAddress, data []byte) {
	if !p.joined.Load() {
		return
	}

	p.lock.RLock()
	receivers := p.receivers
	p.lock.RUnlock()

	for _, fn := range receivers {
		fn(from, data)
	}
}
