package execution

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Reserved headers, which are not exposed to actor code.
const (
	headerPrefix       = "x-orbit-"
	headerOnlyIfActive = headerPrefix + "only-if-active"
	headerCallChain    = headerPrefix + "call-chain"
)

type chainCtxKey struct{}

// callChain is the list of activations that are waiting on the current call, from the outermost.
// It's used to detect re-entrant calls, which must not wait for the lock held by the caller.
type callChain []uuid.UUID

func chainFromContext(ctx context.Context) callChain {
	chain, _ := ctx.Value(chainCtxKey{}).(callChain)
	return chain
}

func withChain(ctx context.Context, chain callChain) context.Context {
	return context.WithValue(ctx, chainCtxKey{}, chain)
}

// Contains returns true if the activation is in the chain.
func (c callChain) Contains(id uuid.UUID) bool {
	return slices.Contains(c, id)
}

// With returns a new chain with the activation appended.
// The receiver is never modified, as it may be shared by concurrent calls.
func (c callChain) With(id uuid.UUID) callChain {
	res := make(callChain, len(c), len(c)+1)
	copy(res, c)
	return append(res, id)
}

// Header encodes the chain for the reserved header.
func (c callChain) Header() string {
	parts := make([]string, len(c))
	for i, id := range c {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// parseCallChain decodes the value of the reserved header.
// Invalid entries are skipped.
func parseCallChain(val string) callChain {
	if val == "" {
		return nil
	}

	parts := strings.Split(val, ",")
	res := make(callChain, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		res = append(res, id)
	}
	return res
}

// splitHeaders separates the reserved headers from the ones meant for actor code.
func splitHeaders(headers map[string]string) (user map[string]string, chain callChain, onlyIfActive bool) {
	for k, v := range headers {
		switch {
		case k == headerCallChain:
			chain = parseCallChain(v)
		case k == headerOnlyIfActive:
			onlyIfActive = v == "1"
		case strings.HasPrefix(k, headerPrefix):
			// Ignore unknown reserved headers
		default:
			if user == nil {
				user = make(map[string]string, len(headers))
			}
			user[k] = v
		}
	}
	return user, chain, onlyIfActive
}

// buildHeaders returns the headers for an outgoing message.
func buildHeaders(user map[string]string, chain callChain, onlyIfActive bool) map[string]string {
	res := make(map[string]string, len(user)+2)
	for k, v := range user {
		if strings.HasPrefix(k, headerPrefix) {
			continue
		}
		res[k] = v
	}
	if len(chain) > 0 {
		res[headerCallChain] = chain.Header()
	}
	if onlyIfActive {
		res[headerOnlyIfActive] = "1"
	}
	if len(res) == 0 {
		return nil
	}
	return res
}

type slotCtxKey struct{}

// poolSlot is a slot in the bounded pool of turns that can execute at the same time.
// A turn that waits on another actor suspends its slot, so waiting calls never exhaust the pool.
type poolSlot struct {
	sem  *semaphore.Weighted
	lock sync.Mutex
	held bool
}

func acquireSlot(ctx context.Context, sem *semaphore.Weighted) (*poolSlot, error) {
	err := sem.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	return &poolSlot{sem: sem, held: true}, nil
}

func slotFromContext(ctx context.Context) *poolSlot {
	slot, _ := ctx.Value(slotCtxKey{}).(*poolSlot)
	return slot
}

func withSlot(ctx context.Context, slot *poolSlot) context.Context {
	return context.WithValue(ctx, slotCtxKey{}, slot)
}

// Suspend releases the slot and returns a function that re-acquires it.
func (p *poolSlot) Suspend() (resume func()) {
	if p == nil {
		return func() {}
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.held {
		return func() {}
	}
	p.held = false
	p.sem.Release(1)

	return func() {
		// The turn must get its slot back even if its context was canceled
		_ = p.sem.Acquire(context.Background(), 1)
		p.lock.Lock()
		p.held = true
		p.lock.Unlock()
	}
}

// Release returns the slot to the pool.
func (p *poolSlot) Release() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.held {
		p.held = false
		p.sem.Release(1)
	}
}
