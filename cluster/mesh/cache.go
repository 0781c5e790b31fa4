package mesh

import (
	"context"

	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/components"
)

// meshCache implements cluster.Cache on the shared cache store.
// All nodes read and write the same rows, so there's no replication delay.
type meshCache struct {
	peer *Peer
	name string
}

func (c *meshCache) ref(key string) (components.CacheRef, error) {
	if !c.peer.joined.Load() {
		return components.CacheRef{}, cluster.ErrNotJoined
	}

	c.peer.lock.RLock()
	clusterName := c.peer.clusterName
	c.peer.lock.RUnlock()

	return components.CacheRef{
		ClusterName: clusterName,
		Cache:       c.name,
		Key:         key,
	}, nil
}

func (c *meshCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ref, err := c.ref(key)
	if err != nil {
		return nil, false, err
	}
	return c.peer.cacheStore.CacheGet(ctx, ref)
}

func (c *meshCache) Set(ctx context.Context, key string, value []byte) error {
	ref, err := c.ref(key)
	if err != nil {
		return err
	}
	return c.peer.cacheStore.CacheSet(ctx, ref, value)
}

func (c *meshCache) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, error) {
	ref, err := c.ref(key)
	if err != nil {
		return nil, err
	}
	return c.peer.cacheStore.CachePutIfAbsent(ctx, ref, value)
}

func (c *meshCache) Delete(ctx context.Context, key string) error {
	ref, err := c.ref(key)
	if err != nil {
		return err
	}
	return c.peer.cacheStore.CacheDelete(ctx, ref)
}
