package actor

import (
	"errors"
)

var (
	// ErrNoNodeAvailable is returned when no node in the cluster can host an actor, given its placement groups.
	ErrNoNodeAvailable = errors.New("no node available to host the actor")
	// ErrNotOwner is returned by a node that received an invocation for an actor it doesn't own.
	ErrNotOwner = errors.New("node is not the owner of the actor")
	// ErrTimeout is returned when an invocation doesn't receive a response before its deadline.
	ErrTimeout = errors.New("invocation timed out")
	// ErrActivationFailed is returned when the state hydration or the activation hook of an actor failed.
	ErrActivationFailed = errors.New("actor activation failed")
	// ErrNotActivated is returned by "only if active" invocations when the actor is not active.
	ErrNotActivated = errors.New("actor is not activated")
	// ErrStageStopping is returned when the stage is shutting down and doesn't accept new invocations.
	ErrStageStopping = errors.New("stage is stopping")
	// ErrActorHalted is returned when an actor is being deactivated and cannot accept more work.
	ErrActorHalted = errors.New("actor is halted")
	// ErrUnsupportedInterface is returned when the actor interface is not registered.
	ErrUnsupportedInterface = errors.New("actor interface is not supported")
	// ErrMethodNotFound is returned when the invoked method doesn't exist in the actor interface.
	ErrMethodNotFound = errors.New("method not found in actor interface")
)

// ApplicationError is the error returned by an actor running on a remote node.
type ApplicationError struct {
	// Message of the original error
	Message string
}

// Error implements the error interface.
func (e *ApplicationError) Error() string {
	return "error from actor: " + e.Message
}
