package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	msgpack "github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"

	"github.com/italypaleale/orbit/actor"
)

// getOrActivate returns the local activation for the identity, creating it if needed.
// The returned activation may still be activating: callers must use waitReady.
func (e *Execution) getOrActivate(ctx context.Context, identity actor.Identity) (*activation, error) {
	if e.stopping.Load() {
		return nil, actor.ErrStageStopping
	}

	desc, ok := e.registry.Interface(identity.InterfaceID)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", actor.ErrUnsupportedInterface, e.registry.InterfaceName(identity.InterfaceID))
	}

	key := identity.String()
	e.tableLock.Lock()
	act, ok := e.activations.Get(key)
	if !ok {
		cfg := e.configFor(identity.InterfaceID)
		act = newActivation(identity, desc, cfg.IdleTimeout, e.idleProcessor, e.clock)
		e.activations.Set(key, act)
	}
	e.tableLock.Unlock()

	// Whoever moves the activation out of the absent state performs the activation
	if act.casState(StateAbsent, StateActivating) {
		e.activate(ctx, act)
	}

	return act, nil
}

// activate hydrates the activation's state and invokes its Activate hook.
// If it fails, the activation is removed and every caller waiting on it receives the error.
func (e *Execution) activate(parentCtx context.Context, act *activation) {
	defer close(act.ready)

	cfg := e.configFor(act.identity.InterfaceID)

	// The activation must not be affected by the cancellation of the caller that happened to trigger it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), cfg.ActivationTimeout)
	defer cancel()
	ctx = actor.WithActivation(ctx, act.Info())
	ctx = withChain(ctx, chainFromContext(parentCtx).With(act.activationID))

	log := e.log.With(slog.String("actor", act.key), slog.String("activationId", act.activationID.String()))

	err := e.initActivation(ctx, act)
	if err != nil {
		log.WarnContext(ctx, "Actor activation failed", slog.Any("error", err))
		act.activationErr = fmt.Errorf("%w for actor '%s': %w", actor.ErrActivationFailed, act.key, err)
		act.setState(StateAbsent)
		e.removeActivation(act)
		close(act.deactivated)
		return
	}

	act.setState(StateActive)
	log.DebugContext(ctx, "Activated actor")

	err = e.dir.Register(ctx, act.identity)
	if err != nil {
		// The activation is usable; the directory will converge when other nodes are redirected here
		log.WarnContext(ctx, "Failed to register actor in the directory", slog.Any("error", err))
	}

	act.scheduleIdle(0)

	if e.maxActs > 0 && !e.stopping.Load() && e.ActivationCount() > e.maxActs && e.evicting.CompareAndSwap(false, true) {
		e.wg.Go(func() {
			defer e.evicting.Store(false)
			evictErr := e.evictLRU(context.Background())
			if evictErr != nil {
				e.log.Error("Failed to evict actors", slog.Any("error", evictErr))
			}
		})
	}
}

func (e *Execution) initActivation(ctx context.Context, act *activation) (err error) {
	// Actor code must not bring down the node
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic during activation: %v", r)
		}
	}()

	act.instance = act.desc.Factory(act.identity, e.service)
	if act.instance == nil {
		return errors.New("factory returned a nil actor")
	}

	// Hydrate the state
	stateful, ok := act.instance.(actor.ActorState)
	if ok && e.store != nil {
		found, data, rErr := e.store.ReadState(ctx, act.identity)
		if rErr != nil {
			return fmt.Errorf("failed to read state: %w", rErr)
		}
		if found && len(data) > 0 {
			rErr = msgpack.Unmarshal(data, stateful.State())
			if rErr != nil {
				return fmt.Errorf("failed to decode state: %w", rErr)
			}
		}
	}

	hook, ok := act.instance.(actor.ActorActivate)
	if ok {
		err = hook.Activate(ctx)
		if err != nil {
			return fmt.Errorf("error from Activate: %w", err)
		}
	}

	return nil
}

// deactivate halts the activation, invokes its Deactivate hook, persists its state, and removes it.
// It's a no-op if the activation is not active.
func (e *Execution) deactivate(act *activation) error {
	if !act.casState(StateActive, StateDeactivating) {
		return nil
	}

	cfg := e.configFor(act.identity.InterfaceID)
	log := e.log.With(slog.String("actor", act.key), slog.String("activationId", act.activationID.String()))

	// This uses a background context because it should be unrelated from the caller's context
	// Once the decision to deactivate an actor has been made, we must go through with it or we could have an inconsistent state
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DeactivationTimeout)
	defer cancel()

	var errs []error

	// Drain the current turn and prevent more turns
	err := act.Halt(ctx)
	if err != nil {
		// The turn in progress will complete in background
		log.WarnContext(ctx, "Timed out waiting for the actor's turn to complete", slog.Any("error", err))
	}

	hookCtx := actor.WithActivation(ctx, act.Info())
	hookCtx = withChain(hookCtx, callChain{act.activationID})
	hook, ok := act.instance.(actor.ActorDeactivate)
	if ok {
		err = callDeactivate(hookCtx, hook)
		if err != nil {
			errs = append(errs, fmt.Errorf("error from Deactivate: %w", err))
		}
	}

	err = e.persistState(ctx, act)
	if err != nil {
		errs = append(errs, err)
	}

	// Unregister before removing from the table, so a new activation on this node is never unregistered
	err = e.dir.Unregister(ctx, act.identity)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to unregister actor from the directory: %w", err))
	}

	act.setState(StateAbsent)
	e.removeActivation(act)
	close(act.deactivated)

	log.DebugContext(ctx, "Deactivated actor")

	if len(errs) > 0 {
		return fmt.Errorf("failed to deactivate actor '%s': %w", act.key, errors.Join(errs...))
	}
	return nil
}

func callDeactivate(ctx context.Context, hook actor.ActorDeactivate) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic during deactivation: %v", r)
		}
	}()
	return hook.Deactivate(ctx)
}

// persistState writes the state of the activation, or deletes it if it was cleared.
func (e *Execution) persistState(ctx context.Context, act *activation) error {
	if e.store == nil {
		return nil
	}

	if act.clearState.Load() {
		err := e.store.ClearState(ctx, act.identity)
		if err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}
		return nil
	}

	stateful, ok := act.instance.(actor.ActorState)
	if !ok {
		return nil
	}

	data, err := msgpack.Marshal(stateful.State())
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	err = e.store.WriteState(ctx, act.identity, data)
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// removeActivation removes the activation from the table, if it's still the one stored for its identity.
func (e *Execution) removeActivation(act *activation) {
	e.tableLock.Lock()
	defer e.tableLock.Unlock()

	cur, ok := e.activations.Get(act.key)
	if ok && cur == act {
		e.activations.Del(act.key)
	}
}

func (e *Execution) idleProcessorExecuteFn(act *activation) {
	if act.State() != StateActive {
		return
	}

	// If the activation is still busy, check again later
	if act.inflight.Load() > 0 {
		act.scheduleIdle(activationBusyReEnqueueInterval)
		return
	}

	// The activation was used after it was enqueued
	if !act.IsIdle(e.clock.Now()) {
		act.scheduleIdle(0)
		return
	}

	// Deactivate in background so the processor isn't blocked by actor code
	e.wg.Go(func() {
		err := e.deactivate(act)
		if err != nil {
			e.log.Error("Failed to deactivate idle actor", slog.String("actor", act.key), slog.Any("error", err))
		}
	})
}

// Cleanup deactivates idle activations right away, then evicts the least recently used ones if the node is over its limit.
func (e *Execution) Cleanup(ctx context.Context) error {
	now := e.clock.Now()
	idle := e.snapshot(func(act *activation) bool {
		return act.State() == StateActive && act.IsIdle(now)
	})

	// Failed deactivations still remove the activation, so eviction runs regardless
	errs := e.deactivateAll(idle)
	err := e.evictLRU(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// evictLRU deactivates the least recently used activations until there are no more than the target number.
// Activations that are processing invocations are skipped.
func (e *Execution) evictLRU(ctx context.Context) error {
	if e.maxActs <= 0 {
		return nil
	}

	active := e.snapshot(func(act *activation) bool {
		return act.State() == StateActive
	})
	if len(active) <= e.maxActs {
		return nil
	}

	slices.SortFunc(active, func(a, b *activation) int {
		return a.LastAccess().Compare(b.LastAccess())
	})

	excess := len(active) - e.targetActs
	evict := make([]*activation, 0, excess)
	for _, act := range active {
		if len(evict) == excess {
			break
		}
		if act.inflight.Load() > 0 {
			continue
		}
		evict = append(evict, act)
	}

	e.log.DebugContext(ctx, "Evicting least recently used actors", slog.Int("active", len(active)), slog.Int("evicting", len(evict)))

	return e.deactivateAll(evict)
}

// deactivateAll deactivates the activations in parallel.
// Every activation is deactivated even if others fail; the returned error combines all failures.
func (e *Execution) deactivateAll(acts []*activation) error {
	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		errs error
	)
	for _, act := range acts {
		wg.Go(func() {
			err := e.deactivate(act)
			if err != nil {
				e.log.Warn("Failed to deactivate actor", slog.String("actor", act.key), slog.Any("error", err))
				lock.Lock()
				errs = multierr.Append(errs, err)
				lock.Unlock()
			}
		})
	}
	wg.Wait()
	return errs
}

// Deactivate the local activation of the identity, if present.
// This implements actor.Host.
// When invoked by the activation itself, the deactivation happens after the current turn completes.
func (e *Execution) Deactivate(ctx context.Context, identity actor.Identity) error {
	act, ok := e.activations.Get(identity.String())
	if !ok {
		return nil
	}

	err := e.waitReady(ctx, act)
	if err != nil {
		// Failed activations are removed already
		return nil
	}

	if chainFromContext(ctx).Contains(act.activationID) {
		e.wg.Go(func() {
			dErr := e.deactivate(act)
			if dErr != nil {
				e.log.Error("Failed to deactivate actor", slog.String("actor", act.key), slog.Any("error", dErr))
			}
		})
		return nil
	}

	return e.deactivate(act)
}

// ClearState marks the state of the local activation to be deleted, rather than persisted, when it's deactivated.
// This implements actor.Host.
func (e *Execution) ClearState(ctx context.Context, identity actor.Identity) error {
	act, err := e.localActivation(ctx, identity)
	if err != nil {
		return err
	}

	act.clearState.Store(true)
	return nil
}

// SaveState persists the state of the local activation right away.
// This implements actor.Host.
func (e *Execution) SaveState(ctx context.Context, identity actor.Identity) error {
	act, err := e.localActivation(ctx, identity)
	if err != nil {
		return err
	}

	// Outside of the activation's own turns, wait for the lock so the state is consistent
	if !chainFromContext(ctx).Contains(act.activationID) {
		err = act.Lock(ctx)
		if err != nil {
			return err
		}
		defer act.Unlock()
	}

	act.clearState.Store(false)
	return e.persistState(ctx, act)
}

func (e *Execution) localActivation(ctx context.Context, identity actor.Identity) (*activation, error) {
	act, ok := e.activations.Get(identity.String())
	if !ok {
		return nil, actor.ErrNotActivated
	}

	err := e.waitReady(ctx, act)
	if err != nil {
		return nil, err
	}
	return act, nil
}
