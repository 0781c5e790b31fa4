package stage

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/internal/directory"
)

const (
	// DefaultClusterName is the name of the cluster nodes join when none is set.
	DefaultClusterName = "orbit"
	// DefaultCleanupInterval is the default interval for the background cleanup performed by Run.
	DefaultCleanupInterval = time.Minute
	// DefaultShutdownTimeout is the default timeout for deactivating all actors when Run returns.
	DefaultShutdownTimeout = 30 * time.Second
)

// Option configures a Stage.
type Option func(*stageOptions)

// WithLogger sets the instance of the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *stageOptions) { o.Logger = logger }
}

// WithClusterName sets the name of the cluster to join.
func WithClusterName(name string) Option {
	return func(o *stageOptions) { o.ClusterName = name }
}

// WithNodeName sets the name of the node, which is used for diagnostics only.
func WithNodeName(name string) Option {
	return func(o *stageOptions) { o.NodeName = name }
}

// WithPlacementGroup sets the placement group of the node.
// The placement group of a node cannot change after the stage is created.
func WithPlacementGroup(group string) Option {
	return func(o *stageOptions) { o.PlacementGroup = group }
}

// WithTargetPlacementGroups sets the groups where actors created by this node are placed.
// Defaults to the node's own placement group.
func WithTargetPlacementGroups(groups ...string) Option {
	return func(o *stageOptions) { o.TargetPlacementGroups = groups }
}

// WithNodeSelector sets the policy for choosing the node where actors are activated.
func WithNodeSelector(selector directory.NodeSelector) Option {
	return func(o *stageOptions) { o.NodeSelector = selector }
}

// WithStateStore sets the store for the state of actors.
// If unset, state is not persisted.
func WithStateStore(store components.StateStore) Option {
	return func(o *stageOptions) { o.StateStore = store }
}

// WithCloner sets the Cloner used when passing values between actors on the same node.
func WithCloner(cloner actor.Cloner) Option {
	return func(o *stageOptions) { o.Cloner = cloner }
}

// WithDefaultTimeout sets the timeout for invocations whose method doesn't set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *stageOptions) { o.DefaultTimeout = d }
}

// WithSweepInterval sets the interval for the sweep of timed-out invocations.
func WithSweepInterval(d time.Duration) Option {
	return func(o *stageOptions) { o.SweepInterval = d }
}

// WithConcurrencyLimit sets the maximum number of invocations that execute on the node at the same time.
func WithConcurrencyLimit(n int) Option {
	return func(o *stageOptions) { o.ConcurrencyLimit = n }
}

// WithMaxActivations sets the maximum number of activations on the node.
// When the limit is exceeded, the least recently used activations are deactivated until target are left.
// If target is zero, it defaults to 90% of limit.
func WithMaxActivations(limit int, target int) Option {
	return func(o *stageOptions) {
		o.MaxActivations = limit
		o.TargetActivations = target
	}
}

// WithDirectoryCacheTTL sets the TTL for the local cache of actor locations.
func WithDirectoryCacheTTL(d time.Duration) Option {
	return func(o *stageOptions) { o.DirectoryCacheTTL = d }
}

// WithVirtualNodes sets the number of points for each node on the hash ring.
func WithVirtualNodes(n int) Option {
	return func(o *stageOptions) { o.VirtualNodes = n }
}

// WithCleanupInterval sets the interval for the background cleanup performed by Run.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *stageOptions) { o.CleanupInterval = d }
}

// WithShutdownTimeout sets the timeout for deactivating all actors when Run returns.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *stageOptions) { o.ShutdownTimeout = d }
}

// withClock sets the clock, for testing.
func withClock(cl clock.WithTicker) Option {
	return func(o *stageOptions) { o.clock = cl }
}

type stageOptions struct {
	Logger                *slog.Logger
	ClusterName           string
	NodeName              string
	PlacementGroup        string
	TargetPlacementGroups []string
	NodeSelector          directory.NodeSelector
	StateStore            components.StateStore
	Cloner                actor.Cloner
	DefaultTimeout        time.Duration
	SweepInterval         time.Duration
	ConcurrencyLimit      int
	MaxActivations        int
	TargetActivations     int
	DirectoryCacheTTL     time.Duration
	VirtualNodes          int
	CleanupInterval       time.Duration
	ShutdownTimeout       time.Duration

	// Allows setting a clock for testing
	clock clock.WithTicker
}

func (o *stageOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.ClusterName == "" {
		o.ClusterName = DefaultClusterName
	}
	if o.PlacementGroup == "" {
		o.PlacementGroup = directory.DefaultPlacementGroup
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.clock == nil {
		o.clock = &clock.RealClock{}
	}
}
