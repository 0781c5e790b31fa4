package actor

import (
	"context"
)

// Actor is an alias for "any".
// It's included for convenience.
type Actor = any

// ActorActivate can be implemented by actors that offer the Activate method.
type ActorActivate interface {
	// Activate is invoked after the actor's state has been loaded, and before the first invocation is processed.
	Activate(ctx context.Context) error
}

// ActorDeactivate can be implemented by actors that offer the Deactivate method.
type ActorDeactivate interface {
	// Deactivate is invoked upon actor deactivation, before the state is persisted.
	Deactivate(ctx context.Context) error
}

// ActorState can be implemented by actors whose state is persisted by the runtime.
type ActorState interface {
	// State returns a pointer to the object holding the actor's state.
	// The object is hydrated before Activate is invoked, and it's persisted after Deactivate returns.
	State() any
}

// Factory is a function that initializes a new actor.
type Factory func(identity Identity, service *Service) Actor
