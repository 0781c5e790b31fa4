package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/internal/messaging"
)

// methodError wraps errors returned by actor code, so they are never confused with routing errors.
type methodError struct {
	err error
}

func (e methodError) Error() string {
	return e.err.Error()
}

func (e methodError) Unwrap() error {
	return e.err
}

// Invoke an actor method, routing the invocation to the node that hosts the actor.
// This implements actor.Host.
func (e *Execution) Invoke(ctx context.Context, req actor.InvokeRequest) (actor.Envelope, error) {
	if e.stopping.Load() {
		return nil, actor.ErrStageStopping
	}

	var (
		res actor.Envelope
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = e.invokeOnce(ctx, req)
		if err == nil || attempt >= maxRouteAttempts || ctx.Err() != nil {
			break
		}

		// Errors from actor code are never retried, even if they wrap a routing error
		var mErr methodError
		if errors.As(err, &mErr) {
			break
		}

		// Routing errors are retried: the directory was invalidated, or the activation we found has now been removed
		if !errors.Is(err, actor.ErrNotOwner) && !errors.Is(err, actor.ErrActorHalted) {
			break
		}

		e.log.DebugContext(ctx, "Retrying invocation",
			slog.String("actor", req.Identity.String()),
			slog.String("method", req.Method),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}

	// Return errors from actor code as-is
	var mErr methodError
	if errors.As(err, &mErr) {
		return nil, mErr.err
	}

	return res, err
}

func (e *Execution) invokeOnce(ctx context.Context, req actor.InvokeRequest) (actor.Envelope, error) {
	// If the actor is active locally, we don't need to look it up
	act, ok := e.activations.Get(req.Identity.String())
	if ok {
		if req.OnlyIfActive && !isLive(ctx, act) {
			return nil, actor.ErrNotActivated
		}
		return e.invokeLocal(ctx, act, req)
	}

	node, err := e.dir.Locate(ctx, req.Identity, !req.OnlyIfActive)
	if err != nil {
		return nil, err
	}

	if node != e.peer.LocalAddress() {
		return e.invokeRemote(ctx, node, req)
	}

	if req.OnlyIfActive {
		// The directory points to this node, but there's no activation: the entry is stale
		err = e.dir.Unregister(ctx, req.Identity)
		if err != nil {
			e.log.WarnContext(ctx, "Failed to remove stale directory entry", slog.String("actor", req.Identity.String()), slog.Any("error", err))
		}
		return nil, actor.ErrNotActivated
	}

	act, err = e.getOrActivate(ctx, req.Identity)
	if err != nil {
		return nil, err
	}
	return e.invokeLocal(ctx, act, req)
}

func (e *Execution) invokeLocal(ctx context.Context, act *activation, req actor.InvokeRequest) (actor.Envelope, error) {
	err := e.waitReady(ctx, act)
	if err != nil {
		return nil, err
	}

	method, ok := act.desc.Method(req.Method)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' in interface '%s'", actor.ErrMethodNotFound, req.Method, act.desc.Name)
	}

	arg := actor.NewObjectEnvelope(req.Data, e.cloner)

	if req.OneWay || method.OneWay {
		// Detach the turn from the caller; since the caller doesn't wait, the call is never re-entrant
		turnCtx := withChain(context.WithoutCancel(ctx), nil)
		e.wg.Go(func() {
			// A one-way call made by an activation hook runs once the activation is complete
			rErr := e.waitReady(turnCtx, act)
			if rErr == nil {
				_, rErr = e.execute(turnCtx, act, method, arg, req.Headers)
			}
			if rErr != nil {
				e.log.WarnContext(turnCtx, "One-way invocation failed", slog.String("actor", act.key), slog.String("method", method.Name), slog.Any("error", rErr))
			}
		})
		return nil, nil
	}

	// Free up the caller's slot in the pool while it waits; re-entrant turns need a slot too
	resume := slotFromContext(ctx).Suspend()
	defer resume()

	res, err := e.execute(ctx, act, method, arg, req.Headers)
	if err != nil {
		if errors.Is(err, actor.ErrActorHalted) {
			// Wait for the activation to be removed so the retry finds a new one
			e.waitDeactivated(ctx, act)
		}
		return nil, err
	}

	return actor.NewObjectEnvelope(res, e.cloner), nil
}

func (e *Execution) invokeRemote(ctx context.Context, node cluster.NodeAddress, req actor.InvokeRequest) (actor.Envelope, error) {
	payload, err := messaging.EncodePayload(req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode argument: %w", err)
	}

	msg := &messaging.Message{
		InterfaceID: req.Identity.InterfaceID,
		ObjectID:    req.Identity.ID,
		MethodID:    actor.StableID(req.Method),
		Payload:     payload,
		Headers:     buildHeaders(mergeHeaders(actor.HeadersFromContext(ctx), req.Headers), chainFromContext(ctx), req.OnlyIfActive),
	}

	// If the interface is known locally, use the method's options
	// A zero timeout means the messaging layer's default
	var timeout time.Duration
	oneWay := req.OneWay
	desc, ok := e.registry.Interface(req.Identity.InterfaceID)
	if ok {
		method, ok := desc.Method(req.Method)
		if ok {
			oneWay = oneWay || method.OneWay
			if method.Timeout > 0 {
				timeout = method.Timeout
			}
		}
	}

	if oneWay {
		msg.Headers = buildHeaders(mergeHeaders(actor.HeadersFromContext(ctx), req.Headers), nil, req.OnlyIfActive)
		return nil, e.msg.SendOneWay(node, msg)
	}

	call, err := e.msg.SendRequest(ctx, node, msg, timeout)
	if err != nil {
		return nil, err
	}

	resume := slotFromContext(ctx).Suspend()
	data, err := call.Wait(ctx)
	resume()

	switch {
	case errors.Is(err, actor.ErrNotOwner):
		// Our view of the directory is stale
		invErr := e.dir.Invalidate(ctx, req.Identity, node)
		if invErr != nil {
			e.log.WarnContext(ctx, "Failed to invalidate directory entry", slog.String("actor", req.Identity.String()), slog.Any("error", invErr))
		}
		return nil, err
	case err != nil:
		var appErr *actor.ApplicationError
		if errors.As(err, &appErr) {
			return nil, methodError{err: appErr}
		}
		return nil, err
	}

	return actor.NewBytesEnvelope(data), nil
}

// execute runs a turn on the activation.
// Unless the call is re-entrant, it waits for the activation's lock.
func (e *Execution) execute(ctx context.Context, act *activation, method actor.MethodDescriptor, arg actor.Envelope, headers map[string]string) (any, error) {
	act.inflight.Add(1)
	defer act.inflight.Add(-1)

	chain := chainFromContext(ctx)
	if !chain.Contains(act.activationID) {
		err := act.Lock(ctx)
		if err != nil {
			return nil, err
		}
		defer act.Unlock()
	}

	slot, err := acquireSlot(ctx, e.pool)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	turnCtx := actor.WithActivation(ctx, act.Info())
	turnCtx = withChain(turnCtx, chain.With(act.activationID))
	turnCtx = withSlot(turnCtx, slot)
	turnCtx = actor.WithHeaders(turnCtx, mergeHeaders(actor.HeadersFromContext(ctx), headers))

	if method.Timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(turnCtx, method.Timeout)
		defer cancel()
	}

	res, err := method.Invoke(turnCtx, act.instance, arg)
	if err != nil {
		if ctx.Err() == nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: method '%s' exceeded its timeout", actor.ErrTimeout, method.Name)
		}
		return nil, methodError{err: err}
	}

	return res, nil
}

// waitReady blocks until the activation has completed its activation.
// Calls made by the activation's own hooks don't wait, as they run while the activation is in progress.
func (e *Execution) waitReady(ctx context.Context, act *activation) error {
	if chainFromContext(ctx).Contains(act.activationID) {
		return nil
	}

	select {
	case <-act.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if act.activationErr != nil {
		return act.activationErr
	}
	return nil
}

// isLive returns true if the activation can serve calls that must not trigger an activation.
// Activations that are still activating only serve calls from their own hooks.
func isLive(ctx context.Context, act *activation) bool {
	return act.State() == StateActive || chainFromContext(ctx).Contains(act.activationID)
}

// waitDeactivated blocks until the activation has been removed, or the context is canceled.
func (e *Execution) waitDeactivated(ctx context.Context, act *activation) {
	select {
	case <-act.deactivated:
	case <-ctx.Done():
	}
}

// mergeHeaders returns the union of the headers, with values in b taking precedence.
func mergeHeaders(a, b map[string]string) map[string]string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}

	res := make(map[string]string, len(a)+len(b))
	maps.Copy(res, a)
	maps.Copy(res, b)
	return res
}
