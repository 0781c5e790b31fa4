package gossip

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/italypaleale/orbit/cluster"
)

// entryVersion orders the updates to a key.
// Updates are ordered by time, then by the address of the node that made them, so all nodes agree on the order.
type entryVersion struct {
	Time int64               `msgpack:"t"`
	Node cluster.NodeAddress `msgpack:"n"`
}

func (v entryVersion) compare(o entryVersion) int {
	c := cmp.Compare(v.Time, o.Time)
	if c != 0 {
		return c
	}
	return v.Node.Compare(o.Node)
}

type entry struct {
	Value   []byte       `msgpack:"v,omitempty"`
	Version entryVersion `msgpack:"r"`
	// Tombstone
	Deleted bool `msgpack:"d,omitempty"`
	// Value was stored with PutIfAbsent
	IfAbsent bool `msgpack:"a,omitempty"`
}

// supersedes returns true if the entry should replace existing.
// Later writes win, except for concurrent PutIfAbsent: the earliest one wins, so every node converges on the first claim.
func (e entry) supersedes(existing entry) bool {
	if existing.Deleted || !e.IfAbsent {
		return e.Version.compare(existing.Version) > 0
	}
	return existing.IfAbsent && e.Version.compare(existing.Version) < 0
}

// cacheUpdate is the message gossiped for every change to a cache.
type cacheUpdate struct {
	Cache string `msgpack:"c"`
	Key   string `msgpack:"k"`
	Entry entry  `msgpack:"e"`
}

// cacheStore contains the local replica of all named caches.
type cacheStore struct {
	lock   sync.Mutex
	caches map[string]map[string]entry
}

func newCacheStore() *cacheStore {
	return &cacheStore{
		caches: map[string]map[string]entry{},
	}
}

func (s *cacheStore) get(cache string, key string) (entry, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.caches[cache][key]
	return e, ok
}

// apply merges an entry received from another node.
// Returns true if the entry was stored.
func (s *cacheStore) apply(cache string, key string, e entry) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	existing, ok := s.caches[cache][key]
	if ok && !e.supersedes(existing) {
		return false
	}
	s.setLocked(cache, key, e)
	return true
}

// update performs a local change under the lock.
// The function receives the current entry, if any, and returns the new one, or false to leave the key unchanged.
func (s *cacheStore) update(cache string, key string, fn func(existing entry, ok bool) (entry, bool)) (entry, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	existing, ok := s.caches[cache][key]
	e, changed := fn(existing, ok)
	if !changed {
		return existing, false
	}
	s.setLocked(cache, key, e)
	return e, true
}

func (s *cacheStore) setLocked(cache string, key string, e entry) {
	m, ok := s.caches[cache]
	if !ok {
		m = map[string]entry{}
		s.caches[cache] = m
	}
	m[key] = e
}

// snapshot returns all entries, dropping tombstones older than the cutoff.
func (s *cacheStore) snapshot(tombstoneCutoff int64) map[string]map[string]entry {
	s.lock.Lock()
	defer s.lock.Unlock()

	res := make(map[string]map[string]entry, len(s.caches))
	for name, m := range s.caches {
		cp := make(map[string]entry, len(m))
		for k, e := range m {
			if e.Deleted && e.Version.Time < tombstoneCutoff {
				delete(m, k)
				continue
			}
			cp[k] = e
		}
		res[name] = cp
	}
	return res
}

// nextVersion returns a version greater than the one of existing, even if the local clock is behind.
func nextVersion(now time.Time, node cluster.NodeAddress, existing entry, ok bool) entryVersion {
	t := now.UnixNano()
	if ok && t <= existing.Version.Time {
		t = existing.Version.Time + 1
	}
	return entryVersion{Time: t, Node: node}
}

// peerCache implements cluster.Cache on the replicated store.
// Reads are served from the local replica; writes are applied locally and gossiped.
type peerCache struct {
	peer *Peer
	name string
}

func (c *peerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !c.peer.joined.Load() {
		return nil, false, cluster.ErrNotJoined
	}

	e, ok := c.peer.store.get(c.name, key)
	if !ok || e.Deleted {
		return nil, false, nil
	}
	return slices.Clone(e.Value), true, nil
}

func (c *peerCache) Set(ctx context.Context, key string, value []byte) error {
	if !c.peer.joined.Load() {
		return cluster.ErrNotJoined
	}

	e, _ := c.peer.store.update(c.name, key, func(existing entry, ok bool) (entry, bool) {
		return entry{
			Value:   slices.Clone(value),
			Version: nextVersion(c.peer.opts.clock.Now(), c.peer.LocalAddress(), existing, ok),
		}, true
	})
	c.peer.broadcastUpdate(c.name, key, e)
	return nil
}

func (c *peerCache) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, error) {
	if !c.peer.joined.Load() {
		return nil, cluster.ErrNotJoined
	}

	e, changed := c.peer.store.update(c.name, key, func(existing entry, ok bool) (entry, bool) {
		if ok && !existing.Deleted {
			return entry{}, false
		}
		return entry{
			Value:    slices.Clone(value),
			Version:  nextVersion(c.peer.opts.clock.Now(), c.peer.LocalAddress(), existing, ok),
			IfAbsent: true,
		}, true
	})
	if changed {
		c.peer.broadcastUpdate(c.name, key, e)
	}
	return slices.Clone(e.Value), nil
}

func (c *peerCache) Delete(ctx context.Context, key string) error {
	if !c.peer.joined.Load() {
		return cluster.ErrNotJoined
	}

	e, changed := c.peer.store.update(c.name, key, func(existing entry, ok bool) (entry, bool) {
		if !ok || existing.Deleted {
			return entry{}, false
		}
		return entry{
			Version: nextVersion(c.peer.opts.clock.Now(), c.peer.LocalAddress(), existing, ok),
			Deleted: true,
		}, true
	})
	if changed {
		c.peer.broadcastUpdate(c.name, key, e)
	}
	return nil
}

// broadcast is a cache update queued for gossip.
type broadcast struct {
	name string
	msg  []byte
}

var _ memberlist.Broadcast = (*broadcast)(nil)

func (b *broadcast) Message() []byte {
	return b.msg
}

// Invalidates returns true for older updates to the same key, which don't need to be sent anymore.
func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*broadcast)
	return ok && o.name == b.name
}

func (b *broadcast) Finished() {}

func encodeCacheUpdate(u cacheUpdate) ([]byte, error) {
	data, err := msgpack.Marshal(u)
	if err != nil {
		return nil, err
	}
	return append([]byte{msgTypeCacheUpdate}, data...), nil
}
