// Package eventqueue runs items at their due time.
// Items are kept in a min-heap ordered by due time, and a single goroutine, started on demand, waits for the head of the queue.
// Orbit uses it to deactivate actors once their idle deadline has passed.
package eventqueue

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// ErrProcessorStopped is returned when the processor is not running.
var ErrProcessorStopped = errors.New("processor is stopped")

// Queueable is the interface for items that can be added to the queue.
type Queueable[K comparable] interface {
	// Key returns the unique key of the item.
	Key() K
	// DueTime returns the time the item is scheduled to be executed at.
	DueTime() time.Time
}

// Options for NewProcessor.
type Options[K comparable, T Queueable[K]] struct {
	// Function invoked when an item is due.
	// It is invoked in the processor's goroutine, so it should not block for long.
	ExecuteFn func(r T)
	// Clock used by the processor; defaults to the real clock.
	Clock clock.Clock
}

// Processor manages a queue of items that are executed at their scheduled time.
type Processor[K comparable, T Queueable[K]] struct {
	executeFn func(r T)
	clock     clock.Clock
	queue     *queue[K, T]

	lock    sync.Mutex
	running bool
	resetCh chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewProcessor returns a new Processor.
func NewProcessor[K comparable, T Queueable[K]](opts Options[K, T]) *Processor[K, T] {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Processor[K, T]{
		executeFn: opts.ExecuteFn,
		clock:     opts.Clock,
		queue:     newQueue[K, T](),
		resetCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue adds an item to the queue.
// If an item with the same key already exists, it's replaced.
func (p *Processor[K, T]) Enqueue(r T) error {
	if p.stopped.Load() {
		return ErrProcessorStopped
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.queue.Insert(r)
	p.wakeLocked()
	return nil
}

// Dequeue removes an item from the queue, by key.
// It's a no-op if there's no item with the key.
func (p *Processor[K, T]) Dequeue(key K) error {
	if p.stopped.Load() {
		return ErrProcessorStopped
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.queue.Remove(key) {
		p.wakeLocked()
	}
	return nil
}

// Len returns the number of items in the queue.
func (p *Processor[K, T]) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.queue.Len()
}

// Close stops the processor and waits for its goroutine to return.
// Items still in the queue are discarded.
func (p *Processor[K, T]) Close() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(p.stopCh)
	p.wg.Wait()
	return nil
}

// wakeLocked starts the processing goroutine, or notifies it that the head of the queue may have changed.
// It must be invoked while holding p.lock.
func (p *Processor[K, T]) wakeLocked() {
	if !p.running {
		if p.queue.Len() == 0 {
			return
		}
		p.running = true
		p.wg.Add(1)
		go p.processLoop()
		return
	}

	select {
	case p.resetCh <- struct{}{}:
	default:
		// There's already a pending notification
	}
}

func (p *Processor[K, T]) processLoop() {
	defer p.wg.Done()

	for {
		p.lock.Lock()
		next, ok := p.queue.Peek()
		if !ok {
			p.running = false
			p.lock.Unlock()
			return
		}

		wait := next.DueTime().Sub(p.clock.Now())
		if wait <= 0 {
			p.queue.Remove(next.Key())
			p.lock.Unlock()

			if p.stopped.Load() {
				return
			}
			p.executeFn(next)
			continue
		}
		p.lock.Unlock()

		t := p.clock.NewTimer(wait)
		select {
		case <-t.C():
			// Item is due
		case <-p.resetCh:
			// Queue changed
			t.Stop()
		case <-p.stopCh:
			t.Stop()
			p.lock.Lock()
			p.running = false
			p.lock.Unlock()
			return
		}
	}
}

// queue is a priority queue of items ordered by their due time, with O(log n) removal by key.
type queue[K comparable, T Queueable[K]] struct {
	heap  queueHeap[K, T]
	items map[K]*queueItem[K, T]
}

type queueItem[K comparable, T Queueable[K]] struct {
	value T
	index int
}

func newQueue[K comparable, T Queueable[K]]() *queue[K, T] {
	return &queue[K, T]{
		items: map[K]*queueItem[K, T]{},
	}
}

func (q *queue[K, T]) Len() int {
	return len(q.heap)
}

func (q *queue[K, T]) Insert(r T) {
	existing, ok := q.items[r.Key()]
	if ok {
		existing.value = r
		heap.Fix(&q.heap, existing.index)
		return
	}

	item := &queueItem[K, T]{value: r}
	q.items[r.Key()] = item
	heap.Push(&q.heap, item)
}

func (q *queue[K, T]) Remove(key K) bool {
	item, ok := q.items[key]
	if !ok {
		return false
	}
	delete(q.items, key)
	heap.Remove(&q.heap, item.index)
	return true
}

func (q *queue[K, T]) Peek() (T, bool) {
	if len(q.heap) == 0 {
		var zero T
		return zero, false
	}
	return q.heap[0].value, true
}

type queueHeap[K comparable, T Queueable[K]] []*queueItem[K, T]

func (h queueHeap[K, T]) Len() int {
	return len(h)
}

func (h queueHeap[K, T]) Less(i, j int) bool {
	return h[i].value.DueTime().Before(h[j].value.DueTime())
}

func (h queueHeap[K, T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap[K, T]) Push(x any) {
	item := x.(*queueItem[K, T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap[K, T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
