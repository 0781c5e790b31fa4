// Package messaging implements request/response correlation on top of the cluster peer's unreliable messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/cluster"
)

const (
	// DefaultTimeout is the default timeout for requests.
	DefaultTimeout = 30 * time.Second
	// DefaultSweepInterval is the default interval for the sweep of expired requests.
	DefaultSweepInterval = time.Second
)

// Sender is the part of the cluster peer used to send messages.
type Sender interface {
	LocalAddress() cluster.NodeAddress
	SendMessage(to cluster.NodeAddress, data []byte)
}

// RequestHandler processes requests and one-way messages received from other nodes.
// It's invoked on a new goroutine for each message.
type RequestHandler func(from cluster.NodeAddress, msg *Message)

// Options for NewMessaging.
type Options struct {
	// Cluster peer used to send messages
	Peer Sender
	// Timeout for requests that don't specify one
	DefaultTimeout time.Duration
	// Interval for the sweep of expired requests
	SweepInterval time.Duration
	// Clock; defaults to the real clock
	Clock clock.WithTicker
	// Logger
	Logger *slog.Logger
}

// Messaging correlates requests with their responses.
// The table of pending calls is the only source of truth: whoever removes a call from the table first (a response,
// the timeout sweep, the caller giving up, or shutdown) completes it; everyone else does nothing.
type Messaging struct {
	peer           Sender
	defaultTimeout time.Duration
	sweepInterval  time.Duration
	clock          clock.WithTicker
	log            *slog.Logger

	pending *haxmap.Map[uint64, *Call]
	nextID  atomic.Uint64
	handler atomic.Pointer[RequestHandler]

	running atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMessaging returns a new Messaging object.
func NewMessaging(opts Options) (*Messaging, error) {
	if opts.Peer == nil {
		return nil, errors.New("option Peer is required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Messaging{
		peer:           opts.Peer,
		defaultTimeout: opts.DefaultTimeout,
		sweepInterval:  opts.SweepInterval,
		clock:          opts.Clock,
		log:            opts.Logger,
		pending:        haxmap.New[uint64, *Call](),
		stopCh:         make(chan struct{}),
	}, nil
}

// SetRequestHandler sets the function that processes incoming requests.
func (m *Messaging) SetRequestHandler(fn RequestHandler) {
	m.handler.Store(&fn)
}

// Start the background sweep of expired requests.
func (m *Messaging) Start() error {
	if m.stopped.Load() {
		return actor.ErrStageStopping
	}
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("messaging is already running")
	}

	// Create the ticker before the goroutine starts so it's registered with the clock right away
	t := m.clock.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer t.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C():
				m.Cleanup()
			}
		}
	}()

	return nil
}

// Close stops the sweep and fails all pending calls with actor.ErrStageStopping.
// Responses received after Close are dropped.
func (m *Messaging) Close() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()

	var ids []uint64
	m.pending.ForEach(func(id uint64, _ *Call) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		call, ok := m.pending.GetAndDel(id)
		if ok {
			call.complete(nil, actor.ErrStageStopping)
		}
	}
}

// Cleanup fails all calls whose deadline has passed with actor.ErrTimeout.
// It's invoked periodically, but it can be invoked directly too.
func (m *Messaging) Cleanup() {
	now := m.clock.Now()

	var expired []uint64
	m.pending.ForEach(func(id uint64, call *Call) bool {
		if !call.deadline.After(now) {
			expired = append(expired, id)
		}
		return true
	})

	for _, id := range expired {
		call, ok := m.pending.GetAndDel(id)
		if !ok {
			// Completed in the meanwhile
			continue
		}
		m.log.Debug("Request timed out", slog.Uint64("id", id), slog.String("to", call.to.String()))
		call.complete(nil, actor.ErrTimeout)
	}
}

// PendingCount returns the number of requests awaiting a response.
func (m *Messaging) PendingCount() int {
	return int(m.pending.Len())
}

// SendRequest sends a request and returns a Call that completes when the response arrives or the request times out.
// The message's ID, type and addresses are set by this method.
// If timeout is zero, the default timeout is used.
// Canceling ctx doesn't affect the request's deadline: callers abandon the call through Call.Wait.
func (m *Messaging) SendRequest(ctx context.Context, to cluster.NodeAddress, msg *Message, timeout time.Duration) (*Call, error) {
	if m.stopped.Load() {
		return nil, actor.ErrStageStopping
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	// The deadline is measured on the messaging clock only; the context is honored by Call.Wait
	deadline := m.clock.Now().Add(timeout)

	msg.ID = m.nextID.Add(1)
	msg.Type = MessageTypeRequest
	msg.From = m.peer.LocalAddress()
	msg.To = to

	data, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	call := &Call{
		m:        m,
		id:       msg.ID,
		to:       to,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	m.pending.Set(msg.ID, call)

	// Sending never fails synchronously: lost messages are detected by the timeout
	m.peer.SendMessage(to, data)

	return call, nil
}

// SendOneWay sends a request that doesn't expect a response.
func (m *Messaging) SendOneWay(to cluster.NodeAddress, msg *Message) error {
	if m.stopped.Load() {
		return actor.ErrStageStopping
	}

	msg.ID = m.nextID.Add(1)
	msg.Type = MessageTypeOneWay
	msg.From = m.peer.LocalAddress()
	msg.To = to

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	m.peer.SendMessage(to, data)
	return nil
}

// SendResponse sends the response to a request.
// If resErr is not nil, an error response is sent and payload is ignored.
func (m *Messaging) SendResponse(req *Message, payload []byte, resErr error) {
	if req.Type != MessageTypeRequest {
		// One-way requests never get a response
		return
	}

	res := &Message{
		ID:          req.ID,
		Type:        MessageTypeResponseOK,
		From:        m.peer.LocalAddress(),
		To:          req.From,
		InterfaceID: req.InterfaceID,
		ObjectID:    req.ObjectID,
		MethodID:    req.MethodID,
		Payload:     payload,
	}
	if resErr != nil {
		res.Type = MessageTypeResponseError
		res.Payload = EncodeWireError(resErr)
	}

	data, err := EncodeMessage(res)
	if err != nil {
		// Try sending the encoding error back
		res.Type = MessageTypeResponseError
		res.Payload = EncodeWireError(fmt.Errorf("failed to encode response: %w", err))
		data, err = EncodeMessage(res)
		if err != nil {
			m.log.Error("Failed to encode response", slog.Uint64("id", req.ID), slog.Any("error", err))
			return
		}
	}

	m.peer.SendMessage(req.From, data)
}

// OnMessageReceived processes a message received from the cluster peer.
// It never blocks: requests are dispatched to the handler on a new goroutine.
func (m *Messaging) OnMessageReceived(from cluster.NodeAddress, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		m.log.Warn("Dropped invalid message", slog.String("from", from.String()), slog.Any("error", err))
		return
	}

	// The peer knows who sent the message better than the message itself
	msg.From = from

	switch msg.Type {
	case MessageTypeResponseOK, MessageTypeResponseError:
		m.handleResponse(msg)
	case MessageTypeRequest, MessageTypeOneWay:
		if m.stopped.Load() {
			m.SendResponse(msg, nil, actor.ErrStageStopping)
			return
		}

		handler := m.handler.Load()
		if handler == nil {
			m.SendResponse(msg, nil, actor.ErrStageStopping)
			return
		}
		go (*handler)(from, msg)
	default:
		m.log.Warn("Dropped message with unknown type", slog.String("from", from.String()), slog.Any("type", msg.Type))
	}
}

func (m *Messaging) handleResponse(msg *Message) {
	call, ok := m.pending.Get(msg.ID)
	if !ok || call.to != msg.From {
		m.log.Debug("Dropped response for unknown request", slog.Uint64("id", msg.ID), slog.String("from", msg.From.String()))
		return
	}

	call, ok = m.pending.GetAndDel(msg.ID)
	if !ok {
		// Lost the race with the sweep or the caller
		return
	}

	if msg.Type == MessageTypeResponseError {
		call.complete(nil, DecodeWireError(msg.Payload))
		return
	}
	call.complete(msg.Payload, nil)
}

// Call is a request awaiting its response.
type Call struct {
	m        *Messaging
	id       uint64
	to       cluster.NodeAddress
	deadline time.Time

	done    chan struct{}
	payload []byte
	err     error
}

// ID returns the ID of the request.
func (c *Call) ID() uint64 {
	return c.id
}

// Done returns a channel that is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes, and returns the payload of the response.
// If the context is canceled first, the call is abandoned and any later response is dropped.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.payload, c.err
	case <-ctx.Done():
		_, ok := c.m.pending.GetAndDel(c.id)
		if ok {
			c.complete(nil, ctx.Err())
			return nil, ctx.Err()
		}

		// Someone else is completing the call
		<-c.done
		return c.payload, c.err
	}
}

// complete must be invoked only by whoever removed the call from the pending table.
func (c *Call) complete(payload []byte, err error) {
	c.payload = payload
	c.err = err
	close(c.done)
}
