// Package cluster contains the contract that a membership and transport implementation must satisfy to host a stage.
//
// The rest of the runtime only depends on ClusterPeer: placement, messaging and activation lifecycle are agnostic to the network technology.
package cluster

import (
	"context"
	"errors"
)

// ErrNotJoined is returned by peers when an operation requires the node to be a member of the cluster.
var ErrNotJoined = errors.New("peer has not joined a cluster")

// ViewListener receives the full membership list every time a node joins or leaves the cluster.
// The list is never a delta.
type ViewListener func(view []NodeAddress)

// MessageReceiver is invoked once per inbound message.
type MessageReceiver func(from NodeAddress, data []byte)

// ClusterPeer is implemented by concrete membership and transport layers.
type ClusterPeer interface {
	// Join the cluster with the given name.
	// Returns once the local node is an accepted member and has received its address.
	Join(ctx context.Context, clusterName string, nodeName string) error

	// Leave removes the node from the view.
	// This is best-effort and it doesn't wait for acknowledgements from peers.
	Leave(ctx context.Context) error

	// LocalAddress returns the address of the local node.
	// The value is the zero address until Join has completed.
	LocalAddress() NodeAddress

	// RegisterViewListener adds a listener for membership changes.
	// Must be called before Join.
	RegisterViewListener(fn ViewListener)

	// RegisterMessageReceiver adds a receiver for inbound messages.
	// Must be called before Join.
	RegisterMessageReceiver(fn MessageReceiver)

	// SendMessage sends a message to another node.
	// Delivery is best-effort and unordered: failures are not reported to the caller.
	SendMessage(to NodeAddress, data []byte)

	// GetCache returns a named key/value map shared, loosely, by all nodes in the cluster.
	GetCache(name string) Cache
}

// Cache is a cluster-wide key/value map.
// Consistency is eventual and implementation-dependent.
type Cache interface {
	// Get returns the value for the key.
	// The second return value is false if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value, replacing any existing one.
	Set(ctx context.Context, key string, value []byte) error

	// PutIfAbsent stores the value only if there's no value for the key already.
	// It returns the value stored after the operation, which is the existing one if any.
	PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, error)

	// Delete removes a key.
	// Deleting a key that doesn't exist is not an error.
	Delete(ctx context.Context, key string) error
}
