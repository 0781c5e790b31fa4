package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/internal/eventqueue"
	"github.com/italypaleale/orbit/internal/locker"
)

// State of an activation.
type State int32

const (
	StateAbsent State = iota
	StateActivating
	StateActive
	StateDeactivating
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type idleProcessor = *eventqueue.Processor[string, *activation]

// activation is a live instance of an actor on this node.
type activation struct {
	identity     actor.Identity
	key          string
	activationID uuid.UUID
	desc         *actor.InterfaceDescriptor

	// Actor object; set during activation
	instance actor.Actor

	state atomic.Int32

	// Number of invocations that are queued or executing
	inflight atomic.Int32

	// Time of the last access
	lastAccess atomic.Pointer[time.Time]

	// Max idle time; zero or negative means no idle deactivation
	idleTimeout time.Duration

	// Time after which this activation is considered idle
	// It's updated at every turn, without re-enqueueing the activation in the idle processor
	idleAt atomic.Pointer[time.Time]

	// Time the activation is due in the idle processor
	// It must not change while the activation is in the queue
	dueAt atomic.Pointer[time.Time]

	// If set, the state is deleted rather than persisted upon deactivation
	clearState atomic.Bool

	// Closed when the activation attempt completes; activationErr is set if it failed
	ready         chan struct{}
	activationErr error

	// Closed when the activation has been removed from the table
	deactivated chan struct{}

	locker        locker.TurnBasedLocker
	idleProcessor idleProcessor
	clock         clock.Clock
}

func newActivation(identity actor.Identity, desc *actor.InterfaceDescriptor, idleTimeout time.Duration, idleProcessor idleProcessor, cl clock.Clock) *activation {
	a := &activation{
		identity:      identity,
		key:           identity.String(),
		activationID:  newActivationID(),
		desc:          desc,
		idleTimeout:   idleTimeout,
		ready:         make(chan struct{}),
		deactivated:   make(chan struct{}),
		idleProcessor: idleProcessor,
		clock:         cl,
	}
	a.touch()
	return a
}

func newActivationID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// Only fails if the system's random source is broken
		return uuid.New()
	}
	return id
}

// State returns the lifecycle state of the activation.
func (a *activation) State() State {
	return State(a.state.Load())
}

func (a *activation) setState(s State) {
	a.state.Store(int32(s))
}

func (a *activation) casState(from, to State) bool {
	return a.state.CompareAndSwap(int32(from), int32(to))
}

// Info returns the info about the activation that is exposed to actor code.
func (a *activation) Info() actor.ActivationInfo {
	return actor.ActivationInfo{
		Identity:     a.identity,
		ActivationID: a.activationID,
	}
}

// touch records an access to the activation and pushes back its idle deadline.
func (a *activation) touch() {
	now := a.clock.Now()
	a.lastAccess.Store(&now)

	if a.idleTimeout <= 0 {
		return
	}

	idleAt := now.Add(a.idleTimeout)
	a.idleAt.Store(&idleAt)
}

// scheduleIdle (re-)enqueues the activation in the idle processor.
// d allows overriding the idle interval; if zero, the activation's idle timeout is used.
func (a *activation) scheduleIdle(d time.Duration) {
	if a.idleTimeout <= 0 || a.idleProcessor == nil {
		return
	}

	var dueAt time.Time
	if d > 0 {
		dueAt = a.clock.Now().Add(d)
	} else {
		dueAt = *a.idleAt.Load()
	}
	a.dueAt.Store(&dueAt)

	_ = a.idleProcessor.Enqueue(a)
}

// IsIdle returns true if the activation is not processing any invocation and its idle deadline has passed.
func (a *activation) IsIdle(now time.Time) bool {
	if a.idleTimeout <= 0 || a.inflight.Load() > 0 {
		return false
	}
	idleAt := a.idleAt.Load()
	return idleAt != nil && !now.Before(*idleAt)
}

// LastAccess returns the time of the last access to the activation.
func (a *activation) LastAccess() time.Time {
	return *a.lastAccess.Load()
}

// Lock the activation for a turn.
// Returns actor.ErrActorHalted if the activation is being deactivated.
func (a *activation) Lock(ctx context.Context) error {
	err := a.locker.Lock(ctx)
	switch {
	case errors.Is(err, locker.ErrStopped):
		return actor.ErrActorHalted
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	a.touch()
	return nil
}

// Unlock ends a turn.
func (a *activation) Unlock() {
	a.touch()
	a.locker.Unlock()
}

// Halt stops the activation from accepting more turns and waits for the current turn, if any, to complete.
func (a *activation) Halt(ctx context.Context) error {
	if a.idleProcessor != nil && a.idleTimeout > 0 {
		_ = a.idleProcessor.Dequeue(a.key)
	}

	return a.locker.StopAndWait(ctx)
}

// Key returns the key for the activation.
// This is implemented to comply with the eventqueue.Queueable interface.
func (a *activation) Key() string {
	return a.key
}

// DueTime returns the time the activation is checked for idleness at.
// This is implemented to comply with the eventqueue.Queueable interface.
func (a *activation) DueTime() time.Time {
	dueAt := a.dueAt.Load()
	if dueAt == nil {
		return time.Time{}
	}
	return *dueAt
}
