package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/internal/directory"
	"github.com/italypaleale/orbit/internal/messaging"
)

// ControlInterfaceID is the reserved interface ID for control operations between nodes.
const ControlInterfaceID int32 = 0

// Control operations.
var (
	// Asks a node whether it can activate an interface; the payload is the interface ID
	methodCanActivate = actor.StableID("canActivate")
)

// HandleRequest processes a request received from another node.
// It's the request handler of the messaging layer.
func (e *Execution) HandleRequest(from cluster.NodeAddress, msg *messaging.Message) {
	ctx := context.Background()

	if msg.InterfaceID == ControlInterfaceID {
		res, err := e.handleControl(ctx, msg)
		e.respond(msg, res, err)
		return
	}

	user, chain, onlyIfActive := splitHeaders(msg.Headers)
	ctx = withChain(ctx, chain)
	ctx = actor.WithHeaders(ctx, user)

	res, err := e.handleInvocation(ctx, msg, onlyIfActive)
	if msg.Type == messaging.MessageTypeOneWay {
		if err != nil {
			e.log.Warn("One-way invocation failed",
				slog.String("from", from.String()),
				slog.String("actor", actor.Identity{InterfaceID: msg.InterfaceID, ID: msg.ObjectID}.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	e.respond(msg, res, err)
}

func (e *Execution) respond(req *messaging.Message, res any, err error) {
	if err != nil {
		var mErr methodError
		if errors.As(err, &mErr) {
			err = messaging.ApplicationError{Err: mErr.err}
		}
		e.msg.SendResponse(req, nil, err)
		return
	}

	payload, err := messaging.EncodePayload(res)
	if err != nil {
		e.msg.SendResponse(req, nil, fmt.Errorf("failed to encode result: %w", err))
		return
	}
	e.msg.SendResponse(req, payload, nil)
}

func (e *Execution) handleInvocation(ctx context.Context, msg *messaging.Message, onlyIfActive bool) (any, error) {
	identity := actor.Identity{InterfaceID: msg.InterfaceID, ID: msg.ObjectID}

	desc, ok := e.registry.Interface(identity.InterfaceID)
	if !ok {
		return nil, actor.ErrUnsupportedInterface
	}
	method, ok := desc.MethodByID(msg.MethodID)
	if !ok {
		return nil, fmt.Errorf("%w: method ID %d in interface '%s'", actor.ErrMethodNotFound, msg.MethodID, desc.Name)
	}

	arg := actor.NewBytesEnvelope(msg.Payload)

	for attempt := 1; ; attempt++ {
		act, err := e.activationForRequest(ctx, identity, onlyIfActive)
		if err != nil {
			return nil, err
		}

		err = e.waitReady(ctx, act)
		if err != nil {
			return nil, err
		}

		res, err := e.execute(ctx, act, method, arg, nil)
		if errors.Is(err, actor.ErrActorHalted) {
			// The activation was deactivated while the request was queued
			e.waitDeactivated(ctx, act)
			if attempt < maxRouteAttempts {
				continue
			}
			// Let the caller look up the actor again
			return nil, actor.ErrNotOwner
		}
		return res, err
	}
}

// activationForRequest returns the activation that should process a request from another node.
func (e *Execution) activationForRequest(ctx context.Context, identity actor.Identity, onlyIfActive bool) (*activation, error) {
	act, ok := e.activations.Get(identity.String())
	if ok {
		if onlyIfActive && !isLive(ctx, act) {
			return nil, actor.ErrNotActivated
		}
		return act, nil
	}

	if e.stopping.Load() {
		return nil, actor.ErrStageStopping
	}

	should, err := e.dir.ShouldHost(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !should {
		return nil, actor.ErrNotOwner
	}
	if onlyIfActive {
		return nil, actor.ErrNotActivated
	}

	return e.getOrActivate(ctx, identity)
}

func (e *Execution) handleControl(_ context.Context, msg *messaging.Message) (any, error) {
	switch msg.MethodID {
	case methodCanActivate:
		var interfaceID int32
		err := msgpack.Unmarshal(msg.Payload, &interfaceID)
		if err != nil {
			return nil, fmt.Errorf("invalid payload for canActivate: %w", err)
		}
		return e.dir.LocalCapability(interfaceID), nil
	default:
		return nil, fmt.Errorf("%w: control method ID %d", actor.ErrMethodNotFound, msg.MethodID)
	}
}

// QueryCapability asks a node whether it can activate an interface.
// It's used by the directory to determine eligible nodes.
func (e *Execution) QueryCapability(ctx context.Context, node cluster.NodeAddress, interfaceID int32) (directory.Capability, error) {
	if node == e.peer.LocalAddress() {
		return e.dir.LocalCapability(interfaceID), nil
	}

	payload, err := messaging.EncodePayload(interfaceID)
	if err != nil {
		return directory.Capability{}, err
	}

	call, err := e.msg.SendRequest(ctx, node, &messaging.Message{
		InterfaceID: ControlInterfaceID,
		MethodID:    methodCanActivate,
		Payload:     payload,
	}, 0)
	if err != nil {
		return directory.Capability{}, err
	}

	data, err := call.Wait(ctx)
	if err != nil {
		return directory.Capability{}, fmt.Errorf("failed to query capability of node '%s': %w", node, err)
	}

	var capability directory.Capability
	err = msgpack.Unmarshal(data, &capability)
	if err != nil {
		return directory.Capability{}, fmt.Errorf("invalid capability response from node '%s': %w", node, err)
	}
	return capability, nil
}
