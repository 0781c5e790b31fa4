package components

import (
	"context"
	"time"

	"github.com/italypaleale/orbit/actor"
)

// StateStore persists the state of actors.
// The runtime reads the state when an actor is activated, and writes or clears it when the actor is deactivated.
// The encoding of the data is opaque to the store.
type StateStore interface {
	// ReadState retrieves the state of an actor.
	// If there's no state, found is false and err is nil.
	ReadState(ctx context.Context, identity actor.Identity) (found bool, data []byte, err error)

	// WriteState sets the state of an actor, replacing any existing value.
	WriteState(ctx context.Context, identity actor.Identity, data []byte) error

	// ClearState deletes the state of an actor.
	// Clearing a state that doesn't exist is not an error.
	ClearState(ctx context.Context, identity actor.Identity) error
}

// HostRegistry keeps track of the nodes that are members of a cluster.
// It's used by cluster peers that don't have a membership protocol of their own.
type HostRegistry interface {
	// RegisterHost registers a new host in the cluster.
	// If a host already exists at the same address and it's still healthy, returns ErrHostAlreadyRegistered.
	RegisterHost(ctx context.Context, req RegisterHostReq) error

	// UpdateHostHealth records a health check for the host.
	// If the host doesn't exist (or it was removed because it was not healthy), returns ErrHostUnregistered.
	UpdateHostHealth(ctx context.Context, clusterName string, hostID string) error

	// UnregisterHost removes a host from the cluster.
	// If the host doesn't exist, returns ErrHostUnregistered.
	UnregisterHost(ctx context.Context, clusterName string, hostID string) error

	// ListHosts returns the healthy hosts in the cluster, sorted by ID.
	ListHosts(ctx context.Context, clusterName string) ([]HostInfo, error)
}

// CacheStore is a durable key-value store backing cluster-wide caches.
type CacheStore interface {
	// CacheGet returns the value for a key.
	// If the key doesn't exist, found is false and err is nil.
	CacheGet(ctx context.Context, ref CacheRef) (value []byte, found bool, err error)

	// CacheSet stores a value, replacing any existing one.
	CacheSet(ctx context.Context, ref CacheRef, value []byte) error

	// CachePutIfAbsent stores a value if the key doesn't exist yet.
	// Returns the value stored after the operation.
	CachePutIfAbsent(ctx context.Context, ref CacheRef, value []byte) ([]byte, error)

	// CacheDelete removes a key.
	// Deleting a key that doesn't exist is not an error.
	CacheDelete(ctx context.Context, ref CacheRef) error
}

// Provider is implemented by durable stores that offer all the components.
type Provider interface {
	StateStore
	HostRegistry
	CacheStore

	// Init the provider, performing migrations if needed.
	Init(ctx context.Context) error

	// Run the provider's background tasks, such as garbage collection.
	// This method blocks until the context is canceled.
	// If the provider is already running, returns ErrAlreadyRunning.
	Run(ctx context.Context) error

	// HealthCheckInterval returns the recommended interval between health checks for hosts.
	HealthCheckInterval() time.Duration

	// Close the provider and release its resources.
	Close() error
}

// RegisterHostReq is the request object for the RegisterHost method.
type RegisterHostReq struct {
	// Name of the cluster
	ClusterName string
	// ID of the host, which is the string form of its node address
	HostID string
	// Human-readable name of the host
	Name string
	// Address where the host can be reached at, including port
	Address string
}

// HostInfo contains information on a host that is a member of a cluster.
type HostInfo struct {
	// ID of the host
	HostID string
	// Human-readable name of the host
	Name string
	// Address where the host can be reached at, including port
	Address string
	// Time of the last health check
	LastHealthCheck time.Time
}

// CacheRef identifies a key in a named cache.
type CacheRef struct {
	// Name of the cluster
	ClusterName string
	// Name of the cache
	Cache string
	// Key
	Key string
}
