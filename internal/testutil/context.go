package testutil

import (
	"context"
	"sync"
)

// ContextDoneNotifier is a context that signals when Done is invoked for the first time.
// It's used to wait until a background goroutine is blocked on the context.
type ContextDoneNotifier struct {
	context.Context

	doneCalled chan struct{}
	once       sync.Once
}

// NewContextDoneNotifier returns a new ContextDoneNotifier wrapping the parent context.
func NewContextDoneNotifier(parentCtx context.Context) *ContextDoneNotifier {
	return &ContextDoneNotifier{
		Context:    parentCtx,
		doneCalled: make(chan struct{}),
	}
}

// WaitForDone blocks until Done has been invoked.
func (c *ContextDoneNotifier) WaitForDone() {
	<-c.doneCalled
}

func (c *ContextDoneNotifier) Done() <-chan struct{} {
	c.once.Do(func() {
		close(c.doneCalled)
	})
	return c.Context.Done()
}
