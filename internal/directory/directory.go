// Package directory decides which node hosts each actor.
//
// Ownership is computed with a consistent-hash ring over the nodes that are eligible for an actor interface:
// nodes whose placement group is one of the target groups for the interface, and that can activate it.
// New activations are placed by a NodeSelector among the ring-adjacent candidates (by default, a random one among
// the first few), and the decision is published in a cluster-wide directory cache, so every node routes to the same activation.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/internal/ring"
	"github.com/italypaleale/orbit/internal/ttlcache"
)

const (
	// DefaultPlacementGroup is the placement group of nodes that don't set one.
	DefaultPlacementGroup = "default"
	// CacheName is the name of the cluster-wide cache holding directory entries.
	CacheName = "directory"
	// DefaultCacheTTL is the default TTL for entries in the local directory cache.
	DefaultCacheTTL = 5 * time.Minute
)

// Capability is the answer of a node to the canActivate control operation.
type Capability struct {
	CanActivate    bool   `msgpack:"c"`
	PlacementGroup string `msgpack:"g"`
}

// CapabilityQuery asks a remote node whether it can activate an actor interface.
type CapabilityQuery func(ctx context.Context, node cluster.NodeAddress, interfaceID int32) (Capability, error)

// Peer is the part of the cluster peer used by the directory.
type Peer interface {
	LocalAddress() cluster.NodeAddress
	GetCache(name string) cluster.Cache
}

// Options for New.
type Options struct {
	// Cluster peer
	Peer Peer
	// Registry of actor interfaces supported by this node
	Registry *actor.Registry
	// Function used to query other nodes for their capabilities
	QueryCapability CapabilityQuery
	// Placement group of this node; defaults to DefaultPlacementGroup
	PlacementGroup string
	// Groups where actors created by this node are placed; defaults to the node's own placement group
	TargetGroups []string
	// Policy for choosing among eligible nodes; defaults to DefaultNodeSelector
	NodeSelector NodeSelector
	// Number of points per node on the hash ring
	VirtualNodes int
	// TTL for the local cache of directory entries
	CacheTTL time.Duration
	// Clock
	Clock clock.WithTicker
	// Logger
	Logger *slog.Logger
}

// Directory determines the placement of actors.
type Directory struct {
	peer           Peer
	registry       *actor.Registry
	query          CapabilityQuery
	placementGroup string
	selector       NodeSelector
	vnodes         int
	log            *slog.Logger

	targetGroups     atomic.Pointer[mapset.Set[string]]
	typeTargetGroups *haxmap.Map[int32, mapset.Set[string]]
	accepting        atomic.Bool

	ring         atomic.Pointer[ring.Ring]
	viewLock     sync.Mutex
	cache        *ttlcache.Cache[cluster.NodeAddress]
	capabilities *haxmap.Map[string, Capability]
}

// New returns a new Directory.
func New(opts Options) (*Directory, error) {
	if opts.Peer == nil {
		return nil, errors.New("option Peer is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("option Registry is required")
	}
	if opts.QueryCapability == nil {
		return nil, errors.New("option QueryCapability is required")
	}
	if opts.PlacementGroup == "" {
		opts.PlacementGroup = DefaultPlacementGroup
	}
	if len(opts.TargetGroups) == 0 {
		opts.TargetGroups = []string{opts.PlacementGroup}
	}
	if opts.NodeSelector == nil {
		opts.NodeSelector = DefaultNodeSelector()
	}
	if opts.VirtualNodes <= 0 {
		opts.VirtualNodes = ring.DefaultVirtualNodes
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	d := &Directory{
		peer:             opts.Peer,
		registry:         opts.Registry,
		query:            opts.QueryCapability,
		placementGroup:   opts.PlacementGroup,
		selector:         opts.NodeSelector,
		vnodes:           opts.VirtualNodes,
		log:              opts.Logger,
		typeTargetGroups: haxmap.New[int32, mapset.Set[string]](),
		capabilities:     haxmap.New[string, Capability](),
		cache: ttlcache.NewCache[cluster.NodeAddress](&ttlcache.CacheOptions{
			MaxTTL:          opts.CacheTTL,
			CleanupInterval: opts.CacheTTL,
			Clock:           opts.Clock,
		}),
	}
	d.SetTargetPlacementGroups(opts.TargetGroups...)
	d.ring.Store(ring.New(nil, d.vnodes))
	d.accepting.Store(true)

	return d, nil
}

// Close releases the resources used by the directory.
func (d *Directory) Close() {
	d.cache.Stop()
}

// PlacementGroup returns the placement group of the local node.
func (d *Directory) PlacementGroup() string {
	return d.placementGroup
}

// SetTargetPlacementGroups sets the groups where actors are placed by this node.
// The change is local to this node and it's honored by the next placement decision.
func (d *Directory) SetTargetPlacementGroups(groups ...string) {
	set := mapset.NewSet(groups...)
	d.targetGroups.Store(&set)
}

// TargetPlacementGroups returns the groups where actors are placed by this node, sorted.
func (d *Directory) TargetPlacementGroups() []string {
	res := (*d.targetGroups.Load()).ToSlice()
	slices.Sort(res)
	return res
}

// SetInterfaceTargetGroups sets the target groups for an interface, overriding the node-wide ones.
// Passing no groups removes the override.
func (d *Directory) SetInterfaceTargetGroups(interfaceID int32, groups ...string) {
	if len(groups) == 0 {
		d.typeTargetGroups.Del(interfaceID)
		return
	}
	d.typeTargetGroups.Set(interfaceID, mapset.NewSet(groups...))
}

// SetAccepting controls whether this node reports that it can activate actors.
// The stage stops accepting new activations when it's shutting down.
func (d *Directory) SetAccepting(accepting bool) {
	d.accepting.Store(accepting)
}

// LocalCapability returns the capability of the local node for an interface.
// It's the answer to the canActivate control operation.
func (d *Directory) LocalCapability(interfaceID int32) Capability {
	_, ok := d.registry.Interface(interfaceID)
	return Capability{
		CanActivate:    ok && d.accepting.Load(),
		PlacementGroup: d.placementGroup,
	}
}

// OnViewChange updates the directory with the new cluster view.
// Cached entries and capabilities of nodes that left are dropped.
func (d *Directory) OnViewChange(view []cluster.NodeAddress) {
	d.viewLock.Lock()
	defer d.viewLock.Unlock()

	r := ring.New(view, d.vnodes)
	d.ring.Store(r)

	d.cache.DeleteFunc(func(_ string, node cluster.NodeAddress) bool {
		return !r.Contains(node)
	})

	var departed []string
	d.capabilities.ForEach(func(key string, _ Capability) bool {
		node, _, ok := parseCapabilityKey(key)
		if !ok || !r.Contains(node) {
			departed = append(departed, key)
		}
		return true
	})
	if len(departed) > 0 {
		d.capabilities.Del(departed...)
	}

	d.log.Debug("Cluster view updated", slog.Int("nodes", r.Len()))
}

// Nodes returns the nodes in the current view.
func (d *Directory) Nodes() []cluster.NodeAddress {
	return d.ring.Load().Nodes()
}

// IsOwner returns true if the local node is the ring owner of the identity among eligible nodes.
func (d *Directory) IsOwner(ctx context.Context, identity actor.Identity) (bool, error) {
	candidates, err := d.candidates(ctx, identity, 1)
	if err != nil {
		return false, err
	}
	return len(candidates) > 0 && candidates[0] == d.peer.LocalAddress(), nil
}

// IsAssignedLocally returns true if the cluster-wide directory names the local node as host of the identity.
func (d *Directory) IsAssignedLocally(ctx context.Context, identity actor.Identity) (bool, error) {
	node, ok, err := d.sharedEntry(ctx, identity)
	if err != nil || !ok {
		return false, err
	}
	return node == d.peer.LocalAddress(), nil
}

// ShouldHost returns true if the local node should activate the identity when it receives an invocation for it.
// That's the case when the local node can activate the interface, and it's either named by the cluster-wide
// directory, or it's the ring owner and no other live node is named by the directory.
func (d *Directory) ShouldHost(ctx context.Context, identity actor.Identity) (bool, error) {
	if !d.LocalCapability(identity.InterfaceID).CanActivate {
		return false, nil
	}

	local := d.peer.LocalAddress()
	node, ok, err := d.sharedEntry(ctx, identity)
	if err != nil {
		return false, err
	}
	if ok {
		return node == local, nil
	}

	return d.IsOwner(ctx, identity)
}

// Locate returns the node that hosts the identity.
// If there's no known activation and activateIfNeeded is true, a node is chosen among the eligible ones; otherwise, it returns actor.ErrNotActivated.
// If no node is eligible to host the actor, it returns actor.ErrNoNodeAvailable.
func (d *Directory) Locate(ctx context.Context, identity actor.Identity, activateIfNeeded bool) (cluster.NodeAddress, error) {
	key := identity.String()
	r := d.ring.Load()

	node, ok := d.cache.Get(key)
	if ok && r.Contains(node) {
		return node, nil
	}

	node, ok, err := d.sharedEntry(ctx, identity)
	if err != nil {
		return cluster.NodeAddress{}, err
	}
	if ok {
		d.cache.Set(key, node, 0)
		return node, nil
	}

	if !activateIfNeeded {
		return cluster.NodeAddress{}, actor.ErrNotActivated
	}

	candidates, err := d.candidates(ctx, identity, 0)
	if err != nil {
		return cluster.NodeAddress{}, err
	}
	if len(candidates) == 0 {
		return cluster.NodeAddress{}, actor.ErrNoNodeAvailable
	}

	chosen := d.selector(d.registry.InterfaceName(identity.InterfaceID), d.peer.LocalAddress(), candidates)
	if chosen.IsZero() || !slices.Contains(candidates, chosen) {
		chosen = candidates[0]
	}

	// Publish the decision; if another node got there first, its decision wins
	chosen, err = d.publish(ctx, identity, chosen, r)
	if err != nil {
		return cluster.NodeAddress{}, err
	}

	d.cache.Set(key, chosen, 0)
	return chosen, nil
}

// Register records that the identity is active on the local node.
func (d *Directory) Register(ctx context.Context, identity actor.Identity) error {
	local := d.peer.LocalAddress()
	d.cache.Set(identity.String(), local, 0)

	err := d.sharedCache().Set(ctx, identity.String(), local[:])
	if err != nil {
		return fmt.Errorf("failed to register actor in the directory: %w", err)
	}
	return nil
}

// Unregister removes the record of an activation on the local node.
func (d *Directory) Unregister(ctx context.Context, identity actor.Identity) error {
	return d.Invalidate(ctx, identity, d.peer.LocalAddress())
}

// Invalidate removes the cached entries for the identity, if they point to node.
// It also forgets the capability of the node for the interface, so it's queried again.
func (d *Directory) Invalidate(ctx context.Context, identity actor.Identity, node cluster.NodeAddress) error {
	key := identity.String()
	d.cache.CompareAndDelete(key, func(cached cluster.NodeAddress) bool {
		return cached == node
	})

	if node != d.peer.LocalAddress() {
		d.capabilities.Del(capabilityKey(node, identity.InterfaceID))
	}

	cache := d.sharedCache()
	data, ok, err := cache.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read directory entry: %w", err)
	}
	if !ok {
		return nil
	}
	shared, err := cluster.NodeAddressFromBytes(data)
	if err == nil && shared != node {
		return nil
	}

	err = cache.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete directory entry: %w", err)
	}
	return nil
}

// candidates returns up to limit eligible nodes for the identity, in ring order.
func (d *Directory) candidates(ctx context.Context, identity actor.Identity, limit int) ([]cluster.NodeAddress, error) {
	r := d.ring.Load()
	caps, err := d.capabilitiesFor(ctx, r.Nodes(), identity.InterfaceID)
	if err != nil {
		return nil, err
	}

	targets := d.targetGroupsFor(identity.InterfaceID)
	return r.Candidates(identity.String(), limit, func(n cluster.NodeAddress) bool {
		c, ok := caps[n]
		return ok && c.CanActivate && targets.Contains(c.PlacementGroup)
	}), nil
}

func (d *Directory) targetGroupsFor(interfaceID int32) mapset.Set[string] {
	groups, ok := d.typeTargetGroups.Get(interfaceID)
	if ok {
		return groups
	}
	return *d.targetGroups.Load()
}

// capabilitiesFor returns the capabilities of the nodes for the interface.
// Nodes that don't respond are omitted, and their answer is not cached.
func (d *Directory) capabilitiesFor(ctx context.Context, nodes []cluster.NodeAddress, interfaceID int32) (map[cluster.NodeAddress]Capability, error) {
	local := d.peer.LocalAddress()
	res := make(map[cluster.NodeAddress]Capability, len(nodes))

	var (
		lock    sync.Mutex
		missing []cluster.NodeAddress
	)
	for _, n := range nodes {
		if n == local {
			res[n] = d.LocalCapability(interfaceID)
			continue
		}
		c, ok := d.capabilities.Get(capabilityKey(n, interfaceID))
		if ok {
			res[n] = c
			continue
		}
		missing = append(missing, n)
	}

	if len(missing) == 0 {
		return res, nil
	}

	// Query all missing nodes in parallel
	g, gCtx := errgroup.WithContext(ctx)
	for _, n := range missing {
		g.Go(func() error {
			c, err := d.query(gCtx, n, interfaceID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.log.Debug("Failed to query node capability",
					slog.String("node", n.String()),
					slog.String("interface", d.registry.InterfaceName(interfaceID)),
					slog.Any("error", err),
				)
				return nil
			}

			d.capabilities.Set(capabilityKey(n, interfaceID), c)
			lock.Lock()
			res[n] = c
			lock.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// sharedEntry returns the node named by the cluster-wide directory for the identity, if it's in the current view.
func (d *Directory) sharedEntry(ctx context.Context, identity actor.Identity) (cluster.NodeAddress, bool, error) {
	data, ok, err := d.sharedCache().Get(ctx, identity.String())
	if err != nil {
		return cluster.NodeAddress{}, false, fmt.Errorf("failed to read directory entry: %w", err)
	}
	if !ok {
		return cluster.NodeAddress{}, false, nil
	}

	node, err := cluster.NodeAddressFromBytes(data)
	if err != nil || !d.ring.Load().Contains(node) {
		// Invalid or stale entry
		return cluster.NodeAddress{}, false, nil
	}
	return node, true, nil
}

// publish stores the decision in the cluster-wide directory, unless there's already a live entry.
// It returns the node that hosts the identity after the operation.
func (d *Directory) publish(ctx context.Context, identity actor.Identity, chosen cluster.NodeAddress, r *ring.Ring) (cluster.NodeAddress, error) {
	cache := d.sharedCache()
	key := identity.String()

	stored, err := cache.PutIfAbsent(ctx, key, chosen[:])
	if err != nil {
		return cluster.NodeAddress{}, fmt.Errorf("failed to publish directory entry: %w", err)
	}

	existing, err := cluster.NodeAddressFromBytes(stored)
	if err == nil && r.Contains(existing) {
		return existing, nil
	}

	// The existing entry points to a node that left
	err = cache.Set(ctx, key, chosen[:])
	if err != nil {
		return cluster.NodeAddress{}, fmt.Errorf("failed to publish directory entry: %w", err)
	}
	return chosen, nil
}

func (d *Directory) sharedCache() cluster.Cache {
	return d.peer.GetCache(CacheName)
}

func capabilityKey(node cluster.NodeAddress, interfaceID int32) string {
	return node.String() + "/" + strconv.FormatInt(int64(interfaceID), 10)
}

func parseCapabilityKey(key string) (cluster.NodeAddress, int32, bool) {
	// Node addresses are 36 characters long in their string form
	if len(key) < 38 || key[36] != '/' {
		return cluster.NodeAddress{}, 0, false
	}
	node, err := cluster.ParseNodeAddress(key[:36])
	if err != nil {
		return cluster.NodeAddress{}, 0, false
	}
	id, err := strconv.ParseInt(key[37:], 10, 32)
	if err != nil {
		return cluster.NodeAddress{}, 0, false
	}
	return node, int32(id), true
}
