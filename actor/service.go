package actor

import (
	"context"
)

// InvokeRequest contains the details of an invocation, as passed to the Host.
type InvokeRequest struct {
	// Identity of the target actor
	Identity Identity
	// Name of the method to invoke
	Method string
	// Argument for the method; may be nil
	Data any
	// If true, the invocation does not wait for a response
	OneWay bool
	// If true, the actor is invoked only if it's already active somewhere in the cluster
	OnlyIfActive bool
	// Optional headers propagated to the target node
	Headers map[string]string
}

// Host is the interface for the runtime that hosts actors.
// It's implemented by the stage.
type Host interface {
	// Invoke an actor method.
	// For one-way requests, the returned Envelope is nil.
	Invoke(ctx context.Context, req InvokeRequest) (Envelope, error)
	// Deactivate a local activation, if present.
	Deactivate(ctx context.Context, identity Identity) error
	// ClearState marks the state of a local activation for deletion when it deactivates.
	ClearState(ctx context.Context, identity Identity) error
	// SaveState persists the state of a local activation right away.
	SaveState(ctx context.Context, identity Identity) error
}

// Service allows interacting with the actor host, to invoke actors and perform operations on their state.
type Service struct {
	host Host
}

// NewService returns a new Service configured to interact with specific Host.
func NewService(host Host) *Service {
	return &Service{
		host: host,
	}
}

// Reference returns a reference to an actor.
// If id is empty, the reference points to the singleton actor of the interface.
func (s *Service) Reference(interfaceName string, id string) Reference {
	return Reference{
		identity: NewIdentity(interfaceName, id),
		host:     s.host,
	}
}

// ReferenceFor returns a reference to the actor with the given identity.
func (s *Service) ReferenceFor(identity Identity) Reference {
	return Reference{
		identity: identity,
		host:     s.host,
	}
}

// Invoke an actor method.
// The result is decoded into out, which can be nil if the result is not needed.
func (s *Service) Invoke(ctx context.Context, interfaceName string, id string, method string, data any, out any) error {
	return s.Reference(interfaceName, id).Invoke(ctx, method, data, out)
}

// ClearState requests the state of an actor to be deleted, rather than persisted, when it's deactivated.
// It must be invoked by the actor on itself, while it's active on this node.
func (s *Service) ClearState(ctx context.Context, identity Identity) error {
	return s.host.ClearState(ctx, identity)
}

// SaveState persists the state of an actor without waiting for its deactivation.
// It must be invoked by the actor on itself, while it's active on this node.
func (s *Service) SaveState(ctx context.Context, identity Identity) error {
	return s.host.SaveState(ctx, identity)
}

// Reference points to a logical actor, regardless of whether it's active and where.
// References are cheap to create and safe for concurrent use.
type Reference struct {
	identity Identity
	host     Host
}

// Identity returns the identity of the referenced actor.
func (r Reference) Identity() Identity {
	return r.identity
}

// Invoke a method on the actor, activating it if needed, and waits for the result.
func (r Reference) Invoke(ctx context.Context, method string, data any, out any) error {
	return r.invoke(ctx, InvokeRequest{
		Identity: r.identity,
		Method:   method,
		Data:     data,
	}, out)
}

// InvokeOneWay invokes a method on the actor without waiting for the result.
// The returned error only reports failures to route the request.
func (r Reference) InvokeOneWay(ctx context.Context, method string, data any) error {
	_, err := r.host.Invoke(ctx, InvokeRequest{
		Identity: r.identity,
		Method:   method,
		Data:     data,
		OneWay:   true,
	})
	return err
}

// InvokeIfActive invokes a method on the actor only if it's already active.
// If the actor is not active, it returns ErrNotActivated.
func (r Reference) InvokeIfActive(ctx context.Context, method string, data any, out any) error {
	return r.invoke(ctx, InvokeRequest{
		Identity:     r.identity,
		Method:       method,
		Data:         data,
		OnlyIfActive: true,
	}, out)
}

// Deactivate the actor if it's active on the local node.
func (r Reference) Deactivate(ctx context.Context) error {
	return r.host.Deactivate(ctx, r.identity)
}

func (r Reference) invoke(ctx context.Context, req InvokeRequest, out any) error {
	res, err := r.host.Invoke(ctx, req)
	if err != nil {
		return err
	}

	if out == nil || res == nil {
		return nil
	}

	return res.Decode(out)
}
