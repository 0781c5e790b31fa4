package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/components"
)

var _ components.Provider = (*Provider)(nil)

// Provider is an in-memory components.Provider.
// It can be shared by nodes that run in the same process, which is useful for testing.
type Provider struct {
	*StateStore

	cfg     components.ProviderConfig
	clock   clock.WithTicker
	running atomic.Bool

	lock  sync.Mutex
	hosts map[hostKey]*hostEntry
	cache map[components.CacheRef]cacheEntry
}

type hostKey struct {
	cluster string
	id      string
}

type hostEntry struct {
	name       string
	address    string
	lastHealth time.Time
}

type cacheEntry struct {
	value     []byte
	updatedAt time.Time
}

// NewProvider returns a new Provider.
func NewProvider(providerConfig components.ProviderConfig) (*Provider, error) {
	providerConfig.SetDefaults()
	err := providerConfig.Validate()
	if err != nil {
		return nil, fmt.Errorf("provider configuration is not valid: %w", err)
	}

	return &Provider{
		StateStore: NewStateStore(),
		cfg:        providerConfig,
		clock:      clock.RealClock{},
		hosts:      map[hostKey]*hostEntry{},
		cache:      map[components.CacheRef]cacheEntry{},
	}, nil
}

func (p *Provider) Init(context.Context) error {
	return nil
}

// Run removes expired hosts and cache entries periodically, until the context is canceled.
func (p *Provider) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer p.running.Store(false)

	ticker := p.clock.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			p.cleanupExpired()
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Provider) HealthCheckInterval() time.Duration {
	return p.cfg.HealthCheckInterval()
}

func (p *Provider) Close() error {
	return nil
}

func (p *Provider) isHealthy(h *hostEntry) bool {
	return !h.lastHealth.Before(p.clock.Now().Add(-p.cfg.HostHealthCheckDeadline))
}

func (p *Provider) isFresh(e cacheEntry) bool {
	return !e.updatedAt.Before(p.clock.Now().Add(-p.cfg.CacheEntryTTL))
}

func (p *Provider) RegisterHost(_ context.Context, req components.RegisterHostReq) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	key := hostKey{cluster: req.ClusterName, id: req.HostID}
	existing, ok := p.hosts[key]
	if ok && p.isHealthy(existing) {
		return components.ErrHostAlreadyRegistered
	}

	for k, h := range p.hosts {
		if k.cluster != req.ClusterName || h.address != req.Address {
			continue
		}
		if p.isHealthy(h) {
			return components.ErrHostAlreadyRegistered
		}
		delete(p.hosts, k)
	}

	p.hosts[key] = &hostEntry{
		name:       req.Name,
		address:    req.Address,
		lastHealth: p.clock.Now(),
	}
	return nil
}

func (p *Provider) UpdateHostHealth(_ context.Context, clusterName string, hostID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	h, ok := p.hosts[hostKey{cluster: clusterName, id: hostID}]
	if !ok || !p.isHealthy(h) {
		return components.ErrHostUnregistered
	}
	h.lastHealth = p.clock.Now()
	return nil
}

func (p *Provider) UnregisterHost(_ context.Context, clusterName string, hostID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	key := hostKey{cluster: clusterName, id: hostID}
	_, ok := p.hosts[key]
	if !ok {
		return components.ErrHostUnregistered
	}
	delete(p.hosts, key)
	return nil
}

func (p *Provider) ListHosts(_ context.Context, clusterName string) ([]components.HostInfo, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	res := make([]components.HostInfo, 0)
	for k, h := range p.hosts {
		if k.cluster != clusterName || !p.isHealthy(h) {
			continue
		}
		res = append(res, components.HostInfo{
			HostID:          k.id,
			Name:            h.name,
			Address:         h.address,
			LastHealthCheck: h.lastHealth,
		})
	}
	slices.SortFunc(res, func(a, b components.HostInfo) int {
		return cmp.Compare(a.HostID, b.HostID)
	})
	return res, nil
}

func (p *Provider) CacheGet(_ context.Context, ref components.CacheRef) ([]byte, bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	e, ok := p.cache[ref]
	if !ok || !p.isFresh(e) {
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

func (p *Provider) CacheSet(_ context.Context, ref components.CacheRef, value []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.cache[ref] = cacheEntry{value: slices.Clone(value), updatedAt: p.clock.Now()}
	return nil
}

func (p *Provider) CachePutIfAbsent(_ context.Context, ref components.CacheRef, value []byte) ([]byte, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	e, ok := p.cache[ref]
	if !ok || !p.isFresh(e) {
		e = cacheEntry{value: slices.Clone(value), updatedAt: p.clock.Now()}
		p.cache[ref] = e
	}
	return slices.Clone(e.value), nil
}

func (p *Provider) CacheDelete(_ context.Context, ref components.CacheRef) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.cache, ref)
	return nil
}

func (p *Provider) cleanupExpired() {
	p.lock.Lock()
	defer p.lock.Unlock()

	for k, h := range p.hosts {
		if !p.isHealthy(h) {
			delete(p.hosts, k)
		}
	}
	for k, e := range p.cache {
		if !p.isFresh(e) {
			delete(p.cache, k)
		}
	}
}
