package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/internal/execution"
)

const (
	defaultActorIdleTimeout         = execution.DefaultIdleTimeout
	defaultActorActivationTimeout   = execution.DefaultActivationTimeout
	defaultActorDeactivationTimeout = execution.DefaultDeactivationTimeout
)

// RegisterActor registers an actor interface in the stage.
// Must be called before Start.
func (s *Stage) RegisterActor(desc *actor.InterfaceDescriptor, opts RegisterActorOptions) error {
	if s.started.Load() {
		return errors.New("cannot call RegisterActor after the stage has started")
	}
	if desc == nil {
		return errors.New("interface descriptor is nil")
	}

	err := opts.Validate()
	if err != nil {
		return fmt.Errorf("invalid options for actor '%s': %w", desc.Name, err)
	}

	err = s.registry.Register(desc)
	if err != nil {
		return err
	}

	s.actorsConfig[desc.ID] = execution.ActorConfig{
		IdleTimeout:         opts.IdleTimeout,
		ActivationTimeout:   opts.ActivationTimeout,
		DeactivationTimeout: opts.DeactivationTimeout,
	}
	if len(opts.TargetPlacementGroups) > 0 {
		s.actorsTargetGroups[desc.ID] = opts.TargetPlacementGroups
	}

	return nil
}

// RegisterActorOptions is the type for the options for the RegisterActor method.
type RegisterActorOptions struct {
	// Maximum idle time before the actor is deactivated
	// Defaults to 10 minutes
	// A negative value means no timeout
	IdleTimeout time.Duration
	// Timeout for loading the state and invoking the Activate hook
	// Defaults to 30s
	ActivationTimeout time.Duration
	// Timeout for deactivating actors (because they are idle, evicted, or the stage is stopping)
	// Defaults to 10s
	DeactivationTimeout time.Duration
	// Groups where actors of this type are placed
	// If empty, the stage's target placement groups are used
	TargetPlacementGroups []string
}

// Validate the options and set the default values.
func (o *RegisterActorOptions) Validate() error {
	switch {
	case o.IdleTimeout == 0:
		// Set default idle timeout if empty
		o.IdleTimeout = defaultActorIdleTimeout
	case o.IdleTimeout < 0:
		// A negative number means no timeout
		o.IdleTimeout = -1
	}

	switch {
	case o.ActivationTimeout == 0:
		o.ActivationTimeout = defaultActorActivationTimeout
	case o.ActivationTimeout < 0:
		return errors.New("option ActivationTimeout must not be negative")
	}

	switch {
	case o.DeactivationTimeout == 0:
		o.DeactivationTimeout = defaultActorDeactivationTimeout
	case o.DeactivationTimeout < 0:
		return errors.New("option DeactivationTimeout must not be negative")
	}

	for _, g := range o.TargetPlacementGroups {
		if g == "" {
			return errors.New("option TargetPlacementGroups must not contain empty values")
		}
	}

	return nil
}
