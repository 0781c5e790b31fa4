// Package mesh contains a cluster.ClusterPeer that uses a shared host registry for membership.
//
// Nodes register themselves in a components.HostRegistry (such as the SQLite or Postgres providers) and send health checks periodically;
// every node reads the list of healthy hosts to build its view.
// Messages are delivered directly to the target node over HTTP/3, with mutual authentication, and caches are stored in a components.CacheStore.
package mesh

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	msgpack "github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"

	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/components"
)

var _ cluster.ClusterPeer = (*Peer)(nil)

// Peer is a cluster.ClusterPeer that uses a host registry for membership and HTTP/3 for messages.
type Peer struct {
	opts       peerOptions
	log        *slog.Logger
	registry   components.HostRegistry
	cacheStore components.CacheStore

	serverTLSConfig *tls.Config
	clientTLSConfig *tls.Config

	lock        sync.RWMutex
	addr        cluster.NodeAddress
	clusterName string
	nodeName    string
	advertise   string
	listeners   []cluster.ViewListener
	receivers   []cluster.MessageReceiver

	// Address of each member, indexed by node address
	members  atomic.Pointer[map[cluster.NodeAddress]string]
	view     []cluster.NodeAddress
	viewLock sync.Mutex

	conn       net.PacketConn
	server     *http3.Server
	transport  *http3.Transport
	client     *http.Client
	sendCtx    context.Context
	sendCancel context.CancelFunc

	started atomic.Bool
	joined  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPeer returns a new Peer.
// The registry and cache store are usually the same components.Provider.
func NewPeer(registry components.HostRegistry, cacheStore components.CacheStore, opts ...Option) (*Peer, error) {
	if registry == nil {
		return nil, errors.New("host registry is required")
	}
	if cacheStore == nil {
		return nil, errors.New("cache store is required")
	}

	var o peerOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults(registry)
	err := o.validate()
	if err != nil {
		return nil, err
	}

	serverTLSConfig, clientTLSConfig, err := o.TLS.GetTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get TLS configuration: %w", err)
	}
	o.PeerAuth.ConfigureTLS(serverTLSConfig, clientTLSConfig)

	p := &Peer{
		opts:            o,
		log:             o.Logger,
		registry:        registry,
		cacheStore:      cacheStore,
		serverTLSConfig: serverTLSConfig,
		clientTLSConfig: clientTLSConfig,
	}
	p.members.Store(&map[cluster.NodeAddress]string{})
	return p, nil
}

// Join implements cluster.ClusterPeer.
// It starts the server, then registers the node, retrying while its address is still held by a previous host that isn't healthy anymore.
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

	conn, err := net.ListenPacket("udp", p.opts.BindAddress)
	if err != nil {
		p.started.Store(false)
		return fmt.Errorf("failed to listen on '%s': %w", p.opts.BindAddress, err)
	}

	advertise := p.opts.AdvertiseAddress
	if advertise == "" {
		advertise = conn.LocalAddr().String()
	}

	p.lock.Lock()
	p.addr = addr
	p.clusterName = clusterName
	p.nodeName = nodeName
	p.advertise = advertise
	p.conn = conn
	p.stopCh = make(chan struct{})
	p.sendCtx, p.sendCancel = context.WithCancel(context.Background())
	p.transport = &http3.Transport{
		TLSClientConfig: p.clientTLSConfig,
		QUICConfig:      &quic.Config{},
	}
	p.client = &http.Client{
		Transport: p.transport,
	}
	p.startServer(conn)
	p.lock.Unlock()

	err = p.register(ctx)
	if err != nil {
		p.sendCancel()
		_ = p.stopServer(ctx)
		p.wg.Wait()
		_ = p.transport.Close()
		_ = conn.Close()
		p.started.Store(false)
		return fmt.Errorf("failed to register in cluster '%s': %w", clusterName, err)
	}

	p.joined.Store(true)
	p.log.InfoContext(ctx, "Joined cluster",
		slog.String("cluster", clusterName),
		slog.String("node", addr.String()),
		slog.String("address", advertise),
	)

	// Deliver the first view before returning, then keep it updated in background
	err = p.refreshView(ctx)
	if err != nil {
		p.log.WarnContext(ctx, "Failed to list hosts", slog.Any("error", err))
	}
	p.wg.Go(p.heartbeatLoop)
	p.wg.Go(p.pollLoop)

	return nil
}

// Leave implements cluster.ClusterPeer.
func (p *Peer) Leave(ctx context.Context) error {
	p.lock.Lock()
	if !p.joined.CompareAndSwap(true, false) {
		p.lock.Unlock()
		return nil
	}
	close(p.stopCh)
	p.sendCancel()
	p.lock.Unlock()

	var errs error

	unregisterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.HealthCheckInterval)
	err := p.registry.UnregisterHost(unregisterCtx, p.clusterName, p.addr.String())
	cancel()
	if err != nil && !errors.Is(err, components.ErrHostUnregistered) {
		errs = multierr.Append(errs, fmt.Errorf("failed to unregister host: %w", err))
	}

	errs = multierr.Append(errs, p.stopServer(ctx))

	// Wait for in-flight sends and the background loops
	p.wg.Wait()

	err = p.transport.Close()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close transport: %w", err))
	}
	err = p.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, fmt.Errorf("failed to close listener: %w", err))
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

// AdvertiseAddress returns the "host:port" address other nodes use to send messages to this node.
// It's empty until the node has joined.
func (p *Peer) AdvertiseAddress() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.advertise
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
// Messages are sent in background; failures are logged and the message is dropped.
func (p *Peer) SendMessage(to cluster.NodeAddress, data []byte) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if !p.joined.Load() {
		return
	}

	msg := slices.Clone(data)
	if to == p.addr {
		from := p.addr
		p.wg.Go(func() {
			p.deliver(from, msg)
		})
		return
	}

	address, ok := (*p.members.Load())[to]
	if !ok {
		p.log.Debug("Dropped message for node not in view", slog.String("to", to.String()))
		return
	}

	from := p.addr
	p.wg.Go(func() {
		err := p.send(from, to, address, msg)
		if err != nil {
			p.log.Debug("Failed to send message", slog.String("to", to.String()), slog.Any("error", err))
		}
	})
}

// GetCache implements cluster.ClusterPeer.
func (p *Peer) GetCache(name string) cluster.Cache {
	return &meshCache{
		peer: p,
		name: name,
	}
}

func (p *Peer) send(from cluster.NodeAddress, to cluster.NodeAddress, address string, data []byte) error {
	ctx, cancel := context.WithTimeout(p.sendCtx, p.opts.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+address+pathMessage, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, contentTypeMessage)
	req.Header.Set(headerFrom, from.String())
	req.Header.Set(headerTo, to.String())
	err = p.opts.PeerAuth.UpdateRequest(req)
	if err != nil {
		return fmt.Errorf("failed to authenticate request: %w", err)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusNoContent || res.StatusCode == http.StatusOK {
		return nil
	}

	apiErr := &apiError{HTTPStatus: res.StatusCode}
	if res.Header.Get(headerContentType) == contentTypeMsgpack {
		dec := msgpack.GetDecoder()
		defer msgpack.PutDecoder(dec)
		dec.Reset(res.Body)
		_ = dec.Decode(apiErr)
	}
	return fmt.Errorf("node responded with status %d: %w", res.StatusCode, apiErr)
}

func (p *Peer) deliver(from cluster.NodeAddress, data []byte) {
	p.lock.RLock()
	receivers := p.receivers
	p.lock.RUnlock()

	for _, fn := range receivers {
		fn(from, data)
	}
}

// register adds the node to the registry, retrying with an exponential backoff.
func (p *Peer) register(ctx context.Context) error {
	req := components.RegisterHostReq{
		ClusterName: p.clusterName,
		HostID:      p.addr.String(),
		Name:        p.nodeName,
		Address:     p.advertise,
	}

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, p.registry.RegisterHost(ctx, req)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.opts.RegisterTimeout),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.log.WarnContext(ctx, "Failed to register host, will retry", slog.Any("error", err), slog.Duration("delay", d))
		}),
	)
	return err
}

func (p *Peer) heartbeatLoop() {
	ticker := p.opts.clock.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			p.healthCheck()
		case <-p.stopCh:
			return
		}
	}
}

// healthCheck updates the health of the node in the registry.
// If the registry has removed the node, it registers it again.
func (p *Peer) healthCheck() {
	ctx, cancel := context.WithTimeout(p.sendCtx, p.opts.HealthCheckInterval)
	defer cancel()

	err := p.registry.UpdateHostHealth(ctx, p.clusterName, p.addr.String())
	switch {
	case errors.Is(err, components.ErrHostUnregistered):
		p.log.WarnContext(ctx, "Host was removed from the registry, registering again")
		err = p.registry.RegisterHost(ctx, components.RegisterHostReq{
			ClusterName: p.clusterName,
			HostID:      p.addr.String(),
			Name:        p.nodeName,
			Address:     p.advertise,
		})
		if err != nil {
			p.log.ErrorContext(ctx, "Failed to register host again", slog.Any("error", err))
		}
	case err != nil:
		p.log.WarnContext(ctx, "Failed to update host health", slog.Any("error", err))
	}
}

func (p *Peer) pollLoop() {
	ticker := p.opts.clock.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(p.sendCtx, p.opts.PollInterval)
			err := p.refreshView(ctx)
			cancel()
			if err != nil {
				p.log.Warn("Failed to list hosts", slog.Any("error", err))
			}
		case <-p.stopCh:
			return
		}
	}
}

// refreshView reads the hosts from the registry and notifies listeners if the view has changed.
// The local node is always part of its own view.
func (p *Peer) refreshView(ctx context.Context) error {
	p.viewLock.Lock()
	defer p.viewLock.Unlock()

	hosts, err := p.registry.ListHosts(ctx, p.clusterName)
	if err != nil {
		return err
	}

	p.lock.RLock()
	self := p.addr
	advertise := p.advertise
	listeners := p.listeners
	p.lock.RUnlock()

	members := make(map[cluster.NodeAddress]string, len(hosts)+1)
	members[self] = advertise
	for _, h := range hosts {
		addr, err := cluster.ParseNodeAddress(h.HostID)
		if err != nil || addr.IsZero() {
			p.log.WarnContext(ctx, "Ignoring host with invalid ID", slog.String("host", h.HostID))
			continue
		}
		members[addr] = h.Address
	}

	view := make([]cluster.NodeAddress, 0, len(members))
	for addr := range members {
		view = append(view, addr)
	}
	view = cluster.SortedView(view)
	p.members.Store(&members)

	if slices.Equal(view, p.view) {
		return nil
	}
	p.view = view

	p.log.DebugContext(ctx, "Cluster view changed", slog.Int("members", len(view)))
	for _, fn := range listeners {
		fn(slices.Clone(view))
	}
	return nil
}
