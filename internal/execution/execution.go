// Package execution manages the activations hosted on the local node, and routes invocations to local or remote activations.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/internal/directory"
	"github.com/italypaleale/orbit/internal/eventqueue"
	"github.com/italypaleale/orbit/internal/messaging"
)

const (
	defaultActivationsMapSize = 128
	// DefaultPoolSize is the default number of turns that can execute at the same time.
	DefaultPoolSize = 256
	// DefaultIdleTimeout is the default time after which an activation with no invocations is deactivated.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultActivationTimeout is the default timeout for state hydration and the Activate hook.
	DefaultActivationTimeout = 30 * time.Second
	// DefaultDeactivationTimeout is the default timeout for the Deactivate hook and state persistence.
	DefaultDeactivationTimeout = 10 * time.Second
	// If an idle activation is getting deactivated but it's still busy, it's re-enqueued after this duration
	activationBusyReEnqueueInterval = 10 * time.Second
	// Maximum number of attempts for an invocation that fails with a routing error: the first one plus a single retry
	maxRouteAttempts = 2
)

// Directory is the part of the directory used by Execution.
type Directory interface {
	Locate(ctx context.Context, identity actor.Identity, activateIfNeeded bool) (cluster.NodeAddress, error)
	ShouldHost(ctx context.Context, identity actor.Identity) (bool, error)
	Register(ctx context.Context, identity actor.Identity) error
	Unregister(ctx context.Context, identity actor.Identity) error
	Invalidate(ctx context.Context, identity actor.Identity, node cluster.NodeAddress) error
	LocalCapability(interfaceID int32) directory.Capability
}

// Peer is the part of the cluster peer used by Execution.
type Peer interface {
	LocalAddress() cluster.NodeAddress
}

// ActorConfig contains the configuration for an actor interface.
type ActorConfig struct {
	// Time after which an activation with no invocations is deactivated; a negative value disables idle deactivation
	IdleTimeout time.Duration
	// Timeout for state hydration and the Activate hook
	ActivationTimeout time.Duration
	// Timeout for the Deactivate hook and state persistence
	DeactivationTimeout time.Duration
}

func (c *ActorConfig) setDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = DefaultActivationTimeout
	}
	if c.DeactivationTimeout <= 0 {
		c.DeactivationTimeout = DefaultDeactivationTimeout
	}
}

// Options for NewExecution.
type Options struct {
	// Registry of actor interfaces; it must be sealed before invocations start
	Registry *actor.Registry
	// Configuration for each actor interface, keyed by interface ID
	Configs map[int32]ActorConfig
	// Directory
	Directory Directory
	// Messaging layer
	Messaging *messaging.Messaging
	// Cluster peer
	Peer Peer
	// Store for actor state; if nil, state is not persisted
	StateStore components.StateStore
	// Cloner for values that are passed between local activations
	Cloner actor.Cloner
	// Service passed to actor factories; defaults to a Service bound to the Execution itself
	Service *actor.Service
	// Maximum number of turns that execute at the same time
	PoolSize int
	// If greater than zero, when there are more than MaxActivations activations, the least recently used ones are deactivated
	MaxActivations int
	// Number of activations to keep when evicting; defaults to 90% of MaxActivations
	TargetActivations int
	// Clock
	Clock clock.WithTicker
	// Logger
	Logger *slog.Logger
}

// Execution hosts the activations of the local node.
type Execution struct {
	registry   *actor.Registry
	configs    map[int32]ActorConfig
	dir        Directory
	msg        *messaging.Messaging
	peer       Peer
	store      components.StateStore
	cloner     actor.Cloner
	service    *actor.Service
	maxActs    int
	targetActs int
	clock      clock.WithTicker
	log        *slog.Logger

	// Active activations; key is the identity's string
	activations *haxmap.Map[string, *activation]
	// Serializes additions and removals in the activations table, so removals never affect a newer activation
	tableLock     sync.Mutex
	idleProcessor idleProcessor
	pool          *semaphore.Weighted

	stopping atomic.Bool
	evicting atomic.Bool
	wg       sync.WaitGroup
}

// NewExecution returns a new Execution object.
func NewExecution(opts Options) (*Execution, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("option Registry is required")
	case opts.Directory == nil:
		return nil, errors.New("option Directory is required")
	case opts.Messaging == nil:
		return nil, errors.New("option Messaging is required")
	case opts.Peer == nil:
		return nil, errors.New("option Peer is required")
	case opts.MaxActivations < 0:
		return nil, errors.New("option MaxActivations must not be negative")
	case opts.MaxActivations > 0 && opts.TargetActivations > opts.MaxActivations:
		return nil, errors.New("option TargetActivations must not be greater than MaxActivations")
	}

	if opts.Cloner == nil {
		opts.Cloner = actor.MsgpackCloner{}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.MaxActivations > 0 && opts.TargetActivations <= 0 {
		opts.TargetActivations = opts.MaxActivations * 9 / 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	configs := make(map[int32]ActorConfig, len(opts.Configs))
	for id, cfg := range opts.Configs {
		cfg.setDefaults()
		configs[id] = cfg
	}

	e := &Execution{
		registry:    opts.Registry,
		configs:     configs,
		dir:         opts.Directory,
		msg:         opts.Messaging,
		peer:        opts.Peer,
		store:       opts.StateStore,
		cloner:      opts.Cloner,
		service:     opts.Service,
		maxActs:     opts.MaxActivations,
		targetActs:  opts.TargetActivations,
		clock:       opts.Clock,
		log:         opts.Logger,
		activations: haxmap.New[string, *activation](defaultActivationsMapSize),
		pool:        semaphore.NewWeighted(int64(opts.PoolSize)),
	}
	if e.service == nil {
		e.service = actor.NewService(e)
	}
	e.idleProcessor = eventqueue.NewProcessor(eventqueue.Options[string, *activation]{
		Clock:     e.clock,
		ExecuteFn: e.idleProcessorExecuteFn,
	})

	return e, nil
}

func (e *Execution) configFor(interfaceID int32) ActorConfig {
	cfg, ok := e.configs[interfaceID]
	if !ok {
		cfg.setDefaults()
	}
	return cfg
}

// ActivationCount returns the number of activations in the local table.
func (e *Execution) ActivationCount() int {
	return int(e.activations.Len())
}

// IsActive returns true if the identity has a live activation on the local node.
func (e *Execution) IsActive(identity actor.Identity) bool {
	act, ok := e.activations.Get(identity.String())
	return ok && act.State() == StateActive
}

// Stop deactivates all activations and stops accepting invocations.
func (e *Execution) Stop(ctx context.Context) error {
	if !e.stopping.CompareAndSwap(false, true) {
		return nil
	}

	e.log.DebugContext(ctx, "Deactivating all actors", slog.Int("count", e.ActivationCount()))

	acts := e.snapshot(func(*activation) bool { return true })
	errCh := make(chan error, len(acts))
	for _, act := range acts {
		go func() {
			// Wait for activations in progress to complete
			select {
			case <-act.ready:
			case <-ctx.Done():
				errCh <- fmt.Errorf("failed to deactivate actor '%s': %w", act.key, ctx.Err())
				return
			}
			errCh <- e.deactivate(act)
		}()
	}

	errs := make([]error, 0)
	for range acts {
		err := <-errCh
		if err != nil {
			errs = append(errs, err)
		}
	}

	e.wg.Wait()
	err := e.idleProcessor.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to stop idle processor: %w", err))
	}

	return errors.Join(errs...)
}

// snapshot returns the activations in the table that match the predicate.
func (e *Execution) snapshot(filter func(*activation) bool) []*activation {
	res := make([]*activation, 0, e.activations.Len())
	e.activations.ForEach(func(_ string, act *activation) bool {
		if filter(act) {
			res = append(res, act)
		}
		return true
	})
	return res
}
