package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/components/memory"
	"github.com/italypaleale/orbit/internal/directory"
	"github.com/italypaleale/orbit/internal/messaging"
)

const testInterface = "test"

func verifyNoLeaks(t *testing.T) {
	t.Helper()

	// Registered first so it runs after the cleanup functions of the nodes
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() {
		goleak.VerifyNone(t, ignore)
	})
}

type testState struct {
	Count int `msgpack:"count"`
}

type testHooks struct {
	activations   atomic.Int32
	deactivations atomic.Int32
	failActivate  atomic.Bool
	maxConcurrent atomic.Int32

	// If set, Activate blocks until the channel is closed
	activateGate atomic.Pointer[chan struct{}]
	// If set, Activate invokes Add(10) on the actor itself
	addOnActivate atomic.Bool
}

type testActor struct {
	identity actor.Identity
	service  *actor.Service
	hooks    *testHooks
	state    testState
	busy     atomic.Int32
}

func (a *testActor) State() any {
	return &a.state
}

func (a *testActor) Activate(ctx context.Context) error {
	if a.hooks.failActivate.Load() {
		return errors.New("simulated activation failure")
	}

	gate := a.hooks.activateGate.Load()
	if gate != nil {
		select {
		case <-*gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if a.hooks.addOnActivate.Load() {
		err := a.service.ReferenceFor(a.identity).Invoke(ctx, "Add", 10, nil)
		if err != nil {
			return fmt.Errorf("failed to invoke self: %w", err)
		}
	}

	a.hooks.activations.Add(1)
	return nil
}

// Deactivate fails for actors whose ID starts with "faulty", after counting the call.
func (a *testActor) Deactivate(context.Context) error {
	a.hooks.deactivations.Add(1)
	if strings.HasPrefix(a.identity.ID, "faulty") {
		return errors.New("simulated deactivation failure")
	}
	return nil
}

func (a *testActor) Add(_ context.Context, n int) (int, error) {
	cur := a.busy.Add(1)
	defer a.busy.Add(-1)
	for {
		prev := a.hooks.maxConcurrent.Load()
		if cur <= prev || a.hooks.maxConcurrent.CompareAndSwap(prev, cur) {
			break
		}
	}

	// Non-atomic update, which would lose writes without turn-based concurrency
	v := a.state.Count
	time.Sleep(time.Millisecond)
	a.state.Count = v + n
	return a.state.Count, nil
}

func (a *testActor) Get(context.Context, struct{}) (int, error) {
	return a.state.Count, nil
}

func (a *testActor) Fail(_ context.Context, msg string) (struct{}, error) {
	return struct{}{}, errors.New(msg)
}

func (a *testActor) AddSelf(ctx context.Context, n int) (int, error) {
	var res int
	err := a.service.ReferenceFor(a.identity).Invoke(ctx, "Add", n, &res)
	return res, err
}

func (a *testActor) CallOther(ctx context.Context, target string) (int, error) {
	var res int
	err := a.service.Reference(testInterface, target).Invoke(ctx, "Add", 1, &res)
	return res, err
}

// Relay invokes Relay on the first target with the remaining ones; the last actor in the chain increments its counter.
func (a *testActor) Relay(ctx context.Context, targets []string) (int, error) {
	if len(targets) == 0 {
		a.state.Count++
		return a.state.Count, nil
	}

	var res int
	err := a.service.Reference(testInterface, targets[0]).Invoke(ctx, "Relay", targets[1:], &res)
	return res, err
}

func (a *testActor) Slow(ctx context.Context, _ struct{}) (struct{}, error) {
	<-ctx.Done()
	return struct{}{}, ctx.Err()
}

func (a *testActor) ActivationID(ctx context.Context, _ struct{}) (string, error) {
	info, ok := actor.ActivationFromContext(ctx)
	if !ok {
		return "", errors.New("no activation in context")
	}
	return info.ActivationID.String(), nil
}

func (a *testActor) Header(ctx context.Context, key string) (string, error) {
	return actor.HeadersFromContext(ctx)[key], nil
}

func (a *testActor) Retire(ctx context.Context, _ struct{}) (struct{}, error) {
	return struct{}{}, a.service.ReferenceFor(a.identity).Deactivate(ctx)
}

func (a *testActor) Forget(ctx context.Context, _ struct{}) (struct{}, error) {
	return struct{}{}, a.service.ClearState(ctx, a.identity)
}

func (a *testActor) Persist(ctx context.Context, n int) (struct{}, error) {
	a.state.Count = n
	return struct{}{}, a.service.SaveState(ctx, a.identity)
}

func newTestRegistry(t *testing.T, hooks *testHooks) *actor.Registry {
	t.Helper()

	desc, err := actor.NewInterface(testInterface,
		func(identity actor.Identity, service *actor.Service) actor.Actor {
			return &testActor{identity: identity, service: service, hooks: hooks}
		},
		actor.Method("Add", (*testActor).Add),
		actor.Method("Get", (*testActor).Get),
		actor.Method("Fail", (*testActor).Fail),
		actor.Method("AddSelf", (*testActor).AddSelf),
		actor.Method("CallOther", (*testActor).CallOther),
		actor.Method("Relay", (*testActor).Relay),
		actor.Method("Slow", (*testActor).Slow, actor.WithTimeout(50*time.Millisecond)),
		actor.Method("ActivationID", (*testActor).ActivationID),
		actor.Method("Header", (*testActor).Header),
		actor.Method("Retire", (*testActor).Retire),
		actor.Method("Forget", (*testActor).Forget),
		actor.Method("Persist", (*testActor).Persist),
	)
	require.NoError(t, err)

	reg := actor.NewRegistry()
	require.NoError(t, reg.Register(desc))
	reg.Seal()
	return reg
}

// testDirectory places actors on the node returned by locate, or on the local node.
type testDirectory struct {
	local cluster.NodeAddress

	lock        sync.Mutex
	locate      func(identity actor.Identity) cluster.NodeAddress
	shouldHost  func(identity actor.Identity) bool
	registered  map[string]bool
	invalidated []string
}

func newTestDirectory(local cluster.NodeAddress) *testDirectory {
	return &testDirectory{
		local:      local,
		registered: map[string]bool{},
	}
}

func (d *testDirectory) LocalAddress() cluster.NodeAddress {
	return d.local
}

func (d *testDirectory) Locate(_ context.Context, identity actor.Identity, activateIfNeeded bool) (cluster.NodeAddress, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.locate != nil {
		return d.locate(identity), nil
	}
	if !activateIfNeeded && !d.registered[identity.String()] {
		return cluster.NodeAddress{}, actor.ErrNotActivated
	}
	return d.local, nil
}

func (d *testDirectory) ShouldHost(_ context.Context, identity actor.Identity) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.shouldHost != nil {
		return d.shouldHost(identity), nil
	}
	return true, nil
}

func (d *testDirectory) Register(_ context.Context, identity actor.Identity) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.registered[identity.String()] = true
	return nil
}

func (d *testDirectory) Unregister(_ context.Context, identity actor.Identity) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.registered, identity.String())
	return nil
}

func (d *testDirectory) Invalidate(_ context.Context, identity actor.Identity, _ cluster.NodeAddress) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.invalidated = append(d.invalidated, identity.String())
	return nil
}

func (d *testDirectory) LocalCapability(int32) directory.Capability {
	return directory.Capability{CanActivate: true, PlacementGroup: directory.DefaultPlacementGroup}
}

func (d *testDirectory) IsRegistered(identity actor.Identity) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.registered[identity.String()]
}

func (d *testDirectory) Invalidated() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.invalidated...)
}

// testNetwork delivers messages between the messaging layers of test nodes.
type testNetwork struct {
	lock  sync.RWMutex
	nodes map[cluster.NodeAddress]*messaging.Messaging
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		nodes: map[cluster.NodeAddress]*messaging.Messaging{},
	}
}

type testSender struct {
	net  *testNetwork
	addr cluster.NodeAddress
}

func (s testSender) LocalAddress() cluster.NodeAddress {
	return s.addr
}

func (s testSender) SendMessage(to cluster.NodeAddress, data []byte) {
	s.net.lock.RLock()
	m := s.net.nodes[to]
	s.net.lock.RUnlock()

	if m != nil {
		go m.OnMessageReceived(s.addr, data)
	}
}

type testNode struct {
	addr  cluster.NodeAddress
	exec  *Execution
	dir   *testDirectory
	store *memory.StateStore
	hooks *testHooks
}

func (n *testNode) Service() *actor.Service {
	return n.exec.service
}

func newTestNode(t *testing.T, net *testNetwork, configure func(opts *Options)) *testNode {
	t.Helper()

	addr, err := cluster.NewNodeAddress()
	require.NoError(t, err)

	hooks := &testHooks{}
	dir := newTestDirectory(addr)
	store := memory.NewStateStore()

	msg, err := messaging.NewMessaging(messaging.Options{
		Peer: testSender{net: net, addr: addr},
	})
	require.NoError(t, err)

	opts := Options{
		Registry:   newTestRegistry(t, hooks),
		Directory:  dir,
		Messaging:  msg,
		Peer:       dir,
		StateStore: store,
	}
	if configure != nil {
		configure(&opts)
	}

	exec, err := NewExecution(opts)
	require.NoError(t, err)
	msg.SetRequestHandler(exec.HandleRequest)

	net.lock.Lock()
	net.nodes[addr] = msg
	net.lock.Unlock()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
		msg.Close()
	})

	return &testNode{
		addr:  addr,
		exec:  exec,
		dir:   dir,
		store: store,
		hooks: hooks,
	}
}

func readCount(t *testing.T, store components.StateStore, id string) (int, bool) {
	t.Helper()

	found, data, err := store.ReadState(t.Context(), actor.NewIdentity(testInterface, id))
	require.NoError(t, err)
	if !found {
		return 0, false
	}

	var state testState
	require.NoError(t, actor.NewBytesEnvelope(data).Decode(&state))
	return state.Count, true
}
