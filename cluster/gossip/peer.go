// Package gossip contains a cluster.ClusterPeer built on hashicorp/memberlist.
//
// Membership is discovered with the SWIM gossip protocol, messages are sent over memberlist's reliable (TCP) channel,
// and caches are replicated to all members with gossip broadcasts and push/pull state synchronization.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"

	"github.com/italypaleale/orbit/cluster"
)

var _ cluster.ClusterPeer = (*Peer)(nil)

const (
	msgTypeUser byte = iota + 1
	msgTypeCacheUpdate
)

// nodeMeta is stored in the memberlist node metadata.
type nodeMeta struct {
	Address cluster.NodeAddress `msgpack:"a"`
	Name    string              `msgpack:"n,omitempty"`
}

// Peer is a cluster.ClusterPeer that uses gossip for membership.
type Peer struct {
	opts peerOptions
	log  *slog.Logger

	lock        sync.RWMutex
	ml          *memberlist.Memberlist
	addr        cluster.NodeAddress
	clusterName string
	nodeName    string
	listeners   []cluster.ViewListener
	receivers   []cluster.MessageReceiver

	// Current view, indexed by node address
	members  atomic.Pointer[map[cluster.NodeAddress]*memberlist.Node]
	view     []cluster.NodeAddress
	viewLock sync.Mutex

	store      *cacheStore
	broadcasts *memberlist.TransmitLimitedQueue

	started atomic.Bool
	joined  atomic.Bool
	viewCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPeer returns a new Peer.
func NewPeer(opts ...Option) *Peer {
	var o peerOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()

	p := &Peer{
		opts:  o,
		log:   o.Logger,
		store: newCacheStore(),
	}
	p.members.Store(&map[cluster.NodeAddress]*memberlist.Node{})
	return p
}

// Join implements cluster.ClusterPeer.
// If seeds are configured, it retries joining them until the join timeout.
// A Peer can join a cluster only once.
func (p *Peer) Join(ctx context.Context, clusterName string, nodeName string) error {
	if clusterName == "" {
		return errors.New("cluster name is empty")
	}

	if !p.started.CompareAndSwap(false, true) {
		return errors.New("peer has already joined a cluster")
	}

	addr, err := cluster.NewNodeAddress()
	if err != nil {
		p.started.Store(false)
		return err
	}
	meta, err := msgpack.Marshal(nodeMeta{Address: addr, Name: nodeName})
	if err != nil {
		p.started.Store(false)
		return fmt.Errorf("failed to encode node metadata: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		p.started.Store(false)
		return errors.New("node name is too long")
	}

	p.lock.Lock()
	p.addr = addr
	p.clusterName = clusterName
	p.nodeName = nodeName
	p.viewCh = make(chan struct{}, 1)
	p.stopCh = make(chan struct{})
	p.lock.Unlock()

	conf := p.opts.memberlistConfig(clusterName, addr.String())
	d := &delegate{peer: p, meta: meta}
	conf.Delegate = d
	conf.Events = d
	p.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			return len(*p.members.Load())
		},
		RetransmitMult: conf.RetransmitMult,
	}

	// The lock is not held here, as memberlist invokes the delegate while creating the list and joining
	ml, err := memberlist.Create(conf)
	if err != nil {
		p.started.Store(false)
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	p.lock.Lock()
	p.ml = ml
	p.lock.Unlock()

	if len(p.opts.Seeds) > 0 {
		n, err := backoff.Retry(ctx,
			func() (int, error) {
				return ml.Join(p.opts.Seeds)
			},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(p.opts.JoinTimeout),
			backoff.WithNotify(func(err error, d time.Duration) {
				p.log.WarnContext(ctx, "Failed to join cluster, will retry", slog.Any("error", err), slog.Duration("delay", d))
			}),
		)
		if err != nil {
			_ = ml.Shutdown()
			p.lock.Lock()
			p.ml = nil
			p.lock.Unlock()
			p.started.Store(false)
			return fmt.Errorf("failed to join cluster '%s': %w", clusterName, err)
		}
		p.log.InfoContext(ctx, "Joined cluster", slog.String("cluster", clusterName), slog.Int("contacted", n))
	}

	p.joined.Store(true)

	// Deliver the first view before returning, then keep it updated in background
	p.refreshView()
	p.wg.Go(p.viewLoop)

	return nil
}

// Leave implements cluster.ClusterPeer.
func (p *Peer) Leave(ctx context.Context) error {
	p.lock.Lock()
	ml := p.ml
	if ml == nil || !p.joined.CompareAndSwap(true, false) {
		p.lock.Unlock()
		return nil
	}
	close(p.stopCh)
	p.lock.Unlock()

	timeout := p.opts.LeaveTimeout
	deadline, ok := ctx.Deadline()
	if ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	var errs error
	err := ml.Leave(timeout)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to leave cluster: %w", err))
	}

	// Wait for in-flight sends and the view loop
	p.wg.Wait()

	err = ml.Shutdown()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to shut down memberlist: %w", err))
	}

	return errs
}

// LocalAddress implements cluster.ClusterPeer.
func (p *Peer) LocalAddress() cluster.NodeAddress {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.addr
}

// NodeName returns the name of the node in the cluster.
func (p *Peer) NodeName() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.nodeName
}

// GossipAddress returns the "host:port" address where the node receives gossip, which other nodes can use as seed.
// It's empty until the node has joined.
func (p *Peer) GossipAddress() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.ml == nil {
		return ""
	}
	return p.ml.LocalNode().Address()
}

// RegisterViewListener implements cluster.ClusterPeer.
func (p *Peer) RegisterViewListener(fn cluster.ViewListener) {
	p.lock.Lock()
	p.listeners = append(p.listeners, fn)
	p.lock.Unlock()
}

// RegisterMessageReceiver implements cluster.ClusterPeer.
func (p *Peer) RegisterMessageReceiver(fn cluster.MessageReceiver) {
	p.lock.Lock()
	p.receivers = append(p.receivers, fn)
	p.lock.Unlock()
}

// SendMessage implements cluster.ClusterPeer.
// Messages are sent over memberlist's reliable channel, in background.
func (p *Peer) SendMessage(to cluster.NodeAddress, data []byte) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if !p.joined.Load() {
		return
	}

	if to == p.addr {
		from := p.addr
		msg := slices.Clone(data)
		p.wg.Go(func() {
			p.deliver(from, msg)
		})
		return
	}

	node, ok := (*p.members.Load())[to]
	if !ok {
		p.log.Debug("Dropped message for node not in view", slog.String("to", to.String()))
		return
	}

	frame := make([]byte, 0, 1+len(p.addr)+len(data))
	frame = append(frame, msgTypeUser)
	frame = append(frame, p.addr[:]...)
	frame = append(frame, data...)

	ml := p.ml
	p.wg.Go(func() {
		err := ml.SendReliable(node, frame)
		if err != nil {
			p.log.Debug("Failed to send message", slog.String("to", to.String()), slog.Any("error", err))
		}
	})
}

// GetCache implements cluster.ClusterPeer.
func (p *Peer) GetCache(name string) cluster.Cache {
	return &peerCache{
		peer: p,
		name: name,
	}
}

func (p *Peer) deliver(from cluster.NodeAddress, data []byte) {
	p.lock.RLock()
	receivers := p.receivers
	p.lock.RUnlock()

	for _, fn := range receivers {
		fn(from, data)
	}
}

func (p *Peer) broadcastUpdate(cache string, key string, e entry) {
	msg, err := encodeCacheUpdate(cacheUpdate{Cache: cache, Key: key, Entry: e})
	if err != nil {
		p.log.Error("Failed to encode cache update", slog.Any("error", err))
		return
	}

	p.broadcasts.QueueBroadcast(&broadcast{
		name: cache + "/" + key,
		msg:  msg,
	})
}

// viewChanged signals the view loop that membership has changed.
func (p *Peer) viewChanged() {
	select {
	case p.viewCh <- struct{}{}:
	default:
		// There's already a pending notification
	}
}

func (p *Peer) viewLoop() {
	for {
		select {
		case <-p.viewCh:
			p.refreshView()
		case <-p.stopCh:
			return
		}
	}
}

// refreshView rebuilds the view from memberlist and notifies listeners if it changed.
func (p *Peer) refreshView() {
	p.viewLock.Lock()
	defer p.viewLock.Unlock()

	p.lock.RLock()
	ml := p.ml
	listeners := p.listeners
	p.lock.RUnlock()
	if ml == nil {
		return
	}

	nodes := ml.Members()
	members := make(map[cluster.NodeAddress]*memberlist.Node, len(nodes))
	view := make([]cluster.NodeAddress, 0, len(nodes))
	for _, n := range nodes {
		var meta nodeMeta
		err := msgpack.Unmarshal(n.Meta, &meta)
		if err != nil || meta.Address.IsZero() {
			p.log.Warn("Ignoring member with invalid metadata", slog.String("node", n.Name))
			continue
		}
		members[meta.Address] = n
		view = append(view, meta.Address)
	}
	view = cluster.SortedView(view)
	p.members.Store(&members)

	if slices.Equal(view, p.view) {
		return
	}
	p.view = view

	p.log.Debug("Cluster view changed", slog.Int("members", len(view)))
	for _, fn := range listeners {
		fn(slices.Clone(view))
	}
}
