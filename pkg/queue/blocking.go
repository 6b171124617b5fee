package queue

import (
	"context"
	"errors"
	"sync"

	fifo "github.com/golang-collections/collections/queue"
)

// ErrShutdown is returned when an item is offered to a queue that was shut down.
var ErrShutdown = errors.New("queue is shut down")

// BlockingQueue is a fixed capacity FIFO safe for concurrent producers and
// consumers. Put blocks while the queue is full and BlockingGet blocks while
// it is empty. Shutdown wakes every waiter.
type BlockingQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    *fifo.Queue
	capacity int
	shutdown bool
}

// NewBlockingQueue creates a queue holding at most capacity items. A
// capacity below one is raised to one.
func NewBlockingQueue[T any](capacity int) *BlockingQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &BlockingQueue[T]{
		items:    fifo.New(),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends item, waiting for free space. It returns false without
// enqueuing when the queue is shut down before space becomes available.
func (q *BlockingQueue[T]) Put(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() >= q.capacity && !q.shutdown {
		q.notFull.Wait()
	}
	if q.shutdown {
		return false
	}
	q.items.Enqueue(item)
	q.notEmpty.Signal()
	return true
}

// PutContext is Put that gives up once ctx is done.
func (q *BlockingQueue[T]) PutContext(ctx context.Context, item T) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() >= q.capacity && !q.shutdown {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.notFull.Wait()
	}
	if q.shutdown {
		return ErrShutdown
	}
	q.items.Enqueue(item)
	q.notEmpty.Signal()
	return nil
}

// TryPut appends item only if there is room right now.
func (q *BlockingQueue[T]) TryPut(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown || q.items.Len() >= q.capacity {
		return false
	}
	q.items.Enqueue(item)
	q.notEmpty.Signal()
	return true
}

// Requeue appends item even when the queue is full and reports false only
// after Shutdown. Callers must bound how many items they requeue; the
// schedulers do so by admitting no more tasks than the queue capacity.
func (q *BlockingQueue[T]) Requeue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return false
	}
	q.items.Enqueue(item)
	q.notEmpty.Signal()
	return true
}

// BlockingGet removes the oldest item, waiting while the queue is empty.
// After Shutdown it keeps handing out queued items and reports false once
// the queue is empty.
func (q *BlockingQueue[T]) BlockingGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.shutdown {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TryGet removes the oldest item without waiting.
func (q *BlockingQueue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *BlockingQueue[T]) popLocked() (T, bool) {
	var zero T
	if q.items.Len() == 0 {
		return zero, false
	}
	item, _ := q.items.Dequeue().(T)
	q.notFull.Signal()
	return item, true
}

// Shutdown rejects further puts and wakes all blocked callers. Safe to call
// more than once.
func (q *BlockingQueue[T]) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shutdown = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Drain removes and returns every queued item.
func (q *BlockingQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]T, 0, q.items.Len())
	for q.items.Len() > 0 {
		item, _ := q.items.Dequeue().(T)
		drained = append(drained, item)
	}
	q.notFull.Broadcast()
	return drained
}

// Len returns the number of queued items.
func (q *BlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the queue capacity.
func (q *BlockingQueue[T]) Cap() int {
	return q.capacity
}

// IsShutdown reports whether Shutdown was called.
func (q *BlockingQueue[T]) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}
