// Package stage contains the Stage, which hosts actors on a node of the cluster.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/internal/directory"
	"github.com/italypaleale/orbit/internal/execution"
	"github.com/italypaleale/orbit/internal/messaging"
	"github.com/italypaleale/orbit/internal/servicerunner"
)

// ErrNotStarted is returned when invoking actors before the stage has started.
var ErrNotStarted = errors.New("stage has not started")

// Stage hosts actors on a node of the cluster.
// It wires the cluster peer to the directory, the messaging layer, and the activations of the node.
type Stage struct {
	peer     cluster.ClusterPeer
	opts     stageOptions
	registry *actor.Registry
	service  *actor.Service
	log      *slog.Logger

	// Configuration for the actor interfaces; key is the interface ID
	actorsConfig       map[int32]execution.ActorConfig
	actorsTargetGroups map[int32][]string

	// Set by Start
	dir  *directory.Directory
	msg  *messaging.Messaging
	exec *execution.Execution

	// Guards the target placement groups before the directory is created
	groupsLock sync.RWMutex

	started atomic.Bool
	running atomic.Bool
	stopped atomic.Bool
}

// New returns a new Stage that joins the cluster through the peer.
func New(peer cluster.ClusterPeer, opts ...Option) (*Stage, error) {
	if peer == nil {
		return nil, errors.New("cluster peer is nil")
	}

	var o stageOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()

	if o.MaxActivations < 0 {
		return nil, errors.New("option MaxActivations must not be negative")
	}
	if o.MaxActivations > 0 && o.TargetActivations > o.MaxActivations {
		return nil, errors.New("option TargetActivations must not be greater than MaxActivations")
	}

	s := &Stage{
		peer:               peer,
		opts:               o,
		registry:           actor.NewRegistry(),
		log:                o.Logger,
		actorsConfig:       map[int32]execution.ActorConfig{},
		actorsTargetGroups: map[int32][]string{},
	}
	s.service = actor.NewService(s)

	return s, nil
}

// Service returns a Service object to interact with actors through this stage.
func (s *Stage) Service() *actor.Service {
	return s.service
}

// Reference returns a reference to an actor.
func (s *Stage) Reference(interfaceName string, id string) actor.Reference {
	return s.service.Reference(interfaceName, id)
}

// LocalAddress returns the address of the node.
// It's the zero address until the stage has started.
func (s *Stage) LocalAddress() cluster.NodeAddress {
	return s.peer.LocalAddress()
}

// PlacementGroup returns the placement group of the node.
func (s *Stage) PlacementGroup() string {
	return s.opts.PlacementGroup
}

// SetTargetPlacementGroups changes the groups where actors created by this node are placed.
// It can be called at any time, and it affects the next placement decisions.
func (s *Stage) SetTargetPlacementGroups(groups ...string) {
	s.groupsLock.Lock()
	defer s.groupsLock.Unlock()

	if s.dir != nil {
		s.dir.SetTargetPlacementGroups(groups...)
		return
	}
	s.opts.TargetPlacementGroups = slices.Clone(groups)
}

// TargetPlacementGroups returns the groups where actors created by this node are placed.
func (s *Stage) TargetPlacementGroups() []string {
	s.groupsLock.RLock()
	defer s.groupsLock.RUnlock()

	if s.dir != nil {
		return s.dir.TargetPlacementGroups()
	}
	if len(s.opts.TargetPlacementGroups) == 0 {
		return []string{s.opts.PlacementGroup}
	}
	return slices.Clone(s.opts.TargetPlacementGroups)
}

// Start the stage and join the cluster.
func (s *Stage) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("stage has already started")
	}

	// No more interfaces can be registered
	s.registry.Seal()

	var err error
	s.msg, err = messaging.NewMessaging(messaging.Options{
		Peer:           s.peer,
		DefaultTimeout: s.opts.DefaultTimeout,
		SweepInterval:  s.opts.SweepInterval,
		Clock:          s.opts.clock,
		Logger:         s.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create messaging: %w", err)
	}

	// Hold the lock until the directory is set, so concurrent changes to the target groups are not lost
	s.groupsLock.Lock()
	dir, err := directory.New(directory.Options{
		Peer:     s.peer,
		Registry: s.registry,
		// The execution is created below; the directory doesn't query capabilities before the node joins
		QueryCapability: func(ctx context.Context, node cluster.NodeAddress, interfaceID int32) (directory.Capability, error) {
			return s.exec.QueryCapability(ctx, node, interfaceID)
		},
		PlacementGroup: s.opts.PlacementGroup,
		TargetGroups:   s.opts.TargetPlacementGroups,
		NodeSelector:   s.opts.NodeSelector,
		VirtualNodes:   s.opts.VirtualNodes,
		CacheTTL:       s.opts.DirectoryCacheTTL,
		Clock:          s.opts.clock,
		Logger:         s.log,
	})
	if err == nil {
		s.dir = dir
	}
	s.groupsLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	for id, groups := range s.actorsTargetGroups {
		s.dir.SetInterfaceTargetGroups(id, groups...)
	}

	s.exec, err = execution.NewExecution(execution.Options{
		Registry:          s.registry,
		Configs:           s.actorsConfig,
		Directory:         s.dir,
		Messaging:         s.msg,
		Peer:              s.peer,
		StateStore:        s.opts.StateStore,
		Cloner:            s.opts.Cloner,
		Service:           s.service,
		PoolSize:          s.opts.ConcurrencyLimit,
		MaxActivations:    s.opts.MaxActivations,
		TargetActivations: s.opts.TargetActivations,
		Clock:             s.opts.clock,
		Logger:            s.log,
	})
	if err != nil {
		s.dir.Close()
		return fmt.Errorf("failed to create execution: %w", err)
	}

	s.msg.SetRequestHandler(s.exec.HandleRequest)
	s.peer.RegisterViewListener(s.dir.OnViewChange)
	s.peer.RegisterMessageReceiver(s.msg.OnMessageReceived)

	err = s.msg.Start()
	if err != nil {
		s.dir.Close()
		return fmt.Errorf("failed to start messaging: %w", err)
	}

	err = s.peer.Join(ctx, s.opts.ClusterName, s.opts.NodeName)
	if err != nil {
		s.msg.Close()
		s.dir.Close()
		return fmt.Errorf("failed to join cluster '%s': %w", s.opts.ClusterName, err)
	}

	s.running.Store(true)
	s.log.InfoContext(ctx, "Stage started",
		slog.String("cluster", s.opts.ClusterName),
		slog.String("address", s.peer.LocalAddress().String()),
		slog.String("placementGroup", s.opts.PlacementGroup),
	)

	return nil
}

// Stop deactivates all actors on the node and leaves the cluster.
// New invocations are rejected as soon as Stop is called.
func (s *Stage) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return ErrNotStarted
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.log.InfoContext(ctx, "Stopping stage")

	// Stop being a candidate for new actors, then drain the local ones
	s.dir.SetAccepting(false)

	var errs error
	err := s.exec.Stop(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to deactivate actors: %w", err))
	}

	s.msg.Close()

	err = s.peer.Leave(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to leave cluster: %w", err))
	}

	s.dir.Close()

	return errs
}

// Run starts the stage and blocks until the context is canceled, then stops the stage.
// While running, it periodically performs a cleanup.
func (s *Stage) Run(ctx context.Context) error {
	err := s.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		// Use a background context here as the parent one is likely canceled at this point
		stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		stopErr := s.Stop(stopCtx)
		if stopErr != nil {
			s.log.ErrorContext(stopCtx, "Error stopping stage", slog.Any("error", stopErr))
		}
	}()

	return servicerunner.
		NewServiceRunner(
			s.runCleanup,
		).
		Run(ctx)
}

func (s *Stage) runCleanup(ctx context.Context) error {
	t := s.opts.clock.NewTicker(s.opts.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C():
			err := s.Cleanup(ctx)
			if err != nil {
				s.log.WarnContext(ctx, "Cleanup failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			// Stop when the context is canceled
			return ctx.Err()
		}
	}
}

// Cleanup fails the invocations that have timed out, deactivates idle actors, and evicts actors if the node is over its limit.
func (s *Stage) Cleanup(ctx context.Context) error {
	if !s.running.Load() {
		return ErrNotStarted
	}

	s.msg.Cleanup()
	return s.exec.Cleanup(ctx)
}

// Invoke an actor method.
// This implements actor.Host.
func (s *Stage) Invoke(ctx context.Context, req actor.InvokeRequest) (actor.Envelope, error) {
	if !s.running.Load() {
		return nil, ErrNotStarted
	}
	return s.exec.Invoke(ctx, req)
}

// Deactivate the actor if it's active on this node.
// This implements actor.Host.
func (s *Stage) Deactivate(ctx context.Context, identity actor.Identity) error {
	if !s.running.Load() {
		return ErrNotStarted
	}
	return s.exec.Deactivate(ctx, identity)
}

// ClearState marks the state of an actor active on this node for deletion.
// This implements actor.Host.
func (s *Stage) ClearState(ctx context.Context, identity actor.Identity) error {
	if !s.running.Load() {
		return ErrNotStarted
	}
	return s.exec.ClearState(ctx, identity)
}

// SaveState persists the state of an actor active on this node.
// This implements actor.Host.
func (s *Stage) SaveState(ctx context.Context, identity actor.Identity) error {
	if !s.running.Load() {
		return ErrNotStarted
	}
	return s.exec.SaveState(ctx, identity)
}

// ActivationCount returns the number of actors active on this node.
func (s *Stage) ActivationCount() int {
	if !s.running.Load() {
		return 0
	}
	return s.exec.ActivationCount()
}
