package gossip

import (
	"log/slog"
	"slices"

	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/italypaleale/orbit/cluster"
)

// delegate receives the callbacks from memberlist.
// Callbacks must not block, as they're invoked from memberlist's network loops.
type delegate struct {
	peer *Peer
	meta []byte
}

var (
	_ memberlist.Delegate      = (*delegate)(nil)
	_ memberlist.EventDelegate = (*delegate)(nil)
)

// NodeMeta returns the metadata of the local node, which contains its address.
func (d *delegate) NodeMeta(limit int) []byte {
	return d.meta
}

// NotifyMsg is invoked when a message is received.
// The data may be modified after the call returns, so it's copied.
func (d *delegate) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}

	switch data[0] {
	case msgTypeUser:
		if len(data) < 17 {
			d.peer.log.Warn("Dropped message that is too short")
			return
		}
		from, err := cluster.NodeAddressFromBytes(data[1:17])
		if err != nil {
			d.peer.log.Warn("Dropped message with invalid sender", slog.Any("error", err))
			return
		}
		d.peer.deliver(from, slices.Clone(data[17:]))

	case msgTypeCacheUpdate:
		var u cacheUpdate
		err := msgpack.Unmarshal(data[1:], &u)
		if err != nil {
			d.peer.log.Warn("Dropped invalid cache update", slog.Any("error", err))
			return
		}
		d.peer.store.apply(u.Cache, u.Key, u.Entry)

	default:
		d.peer.log.Warn("Dropped message with unknown type", slog.Int("type", int(data[0])))
	}
}

// GetBroadcasts returns the cache updates to piggyback on gossip messages.
func (d *delegate) GetBroadcasts(overhead int, limit int) [][]byte {
	return d.peer.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState returns the full content of the caches, for push/pull synchronization with another node.
func (d *delegate) LocalState(join bool) []byte {
	cutoff := d.peer.opts.clock.Now().Add(-d.peer.opts.TombstoneTTL).UnixNano()
	data, err := msgpack.Marshal(d.peer.store.snapshot(cutoff))
	if err != nil {
		d.peer.log.Error("Failed to encode local state", slog.Any("error", err))
		return nil
	}
	return data
}

// MergeRemoteState merges the caches received from another node.
func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}

	var remote map[string]map[string]entry
	err := msgpack.Unmarshal(buf, &remote)
	if err != nil {
		d.peer.log.Warn("Failed to decode remote state", slog.Any("error", err))
		return
	}

	for name, entries := range remote {
		for key, e := range entries {
			d.peer.store.apply(name, key, e)
		}
	}
}

func (d *delegate) NotifyJoin(node *memberlist.Node) {
	d.peer.viewChanged()
}

func (d *delegate) NotifyLeave(node *memberlist.Node) {
	d.peer.viewChanged()
}

func (d *delegate) NotifyUpdate(node *memberlist.Node) {
	d.peer.viewChanged()
}
