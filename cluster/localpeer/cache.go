package localpeer

import (
	"context"
	"slices"

	"github.com/alphadose/haxmap"

	"github.com/italypaleale/orbit/cluster"
)

// cache is a named map shared by all members of a cluster.
type cache struct {
	data *haxmap.Map[string, []byte]
}

// peerCache is the view of a cache from a peer.
// Operations fail when the peer is not a member of the cluster.
type peerCache struct {
	peer  *Peer
	cache *cache
}

func (c *peerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !c.peer.joined.Load() {
		return nil, false, cluster.ErrNotJoined
	}

	val, ok := c.cache.data.Get(key)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(val), true, nil
}

func (c *peerCache) Set(ctx context.Context, key string, value []byte) error {
	if !c.peer.joined.Load() {
		return cluster.ErrNotJoined
	}

	c.cache.data.Set(key, slices.Clone(value))
	return nil
}

func (c *peerCache) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, error) {
	if !c.peer.joined.Load() {
		return nil, cluster.ErrNotJoined
	}

	actual, _ := c.cache.data.GetOrSet(key, slices.Clone(value))
	return slices.Clone(actual), nil
}

func (c *peerCache) Delete(ctx context.Context, key string) error {
	if !c.peer.joined.Load() {
		return cluster.ErrNotJoined
	}

	c.cache.data.Del(key)
	return nil
}
