package queue

import (
	"sync"

	fifo "github.com/golang-collections/collections/queue"
)

// DefaultAgingInterval is how many gets may favour a more urgent level
// before a waiting less urgent item is served.
const DefaultAgingInterval = 64

// BlockingPriorityQueue is a bounded queue with a fixed number of priority
// levels. Level 0 is the most urgent. Items within a level are FIFO.
type BlockingPriorityQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	levels   []*fifo.Queue
	size     int
	capacity int
	shutdown bool

	agingInterval int
	skipped       int
}

// NewBlockingPriorityQueue creates a queue with the given number of levels.
// agingInterval <= 0 disables starvation protection.
func NewBlockingPriorityQueue[T any](levels, capacity, agingInterval int) *BlockingPriorityQueue[T] {
	if levels < 1 {
		levels = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	q := &BlockingPriorityQueue[T]{
		levels:        make([]*fifo.Queue, levels),
		capacity:      capacity,
		agingInterval: agingInterval,
	}
	for i := range q.levels {
		q.levels[i] = fifo.New()
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *BlockingPriorityQueue[T]) level(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= len(q.levels) {
		return len(q.levels) - 1
	}
	return priority
}

// Put enqueues item at priority, waiting for room. Returns false after Shutdown.
func (q *BlockingPriorityQueue[T]) Put(priority int, item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size >= q.capacity && !q.shutdown {
		q.notFull.Wait()
	}
	if q.shutdown {
		return false
	}
	q.pushLocked(priority, item)
	return true
}

// TryPut enqueues item only if there is room right now.
func (q *BlockingPriorityQueue[T]) TryPut(priority int, item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown || q.size >= q.capacity {
		return false
	}
	q.pushLocked(priority, item)
	return true
}

func (q *BlockingPriorityQueue[T]) pushLocked(priority int, item T) {
	q.levels[q.level(priority)].Enqueue(item)
	q.size++
	q.notEmpty.Signal()
}

// BlockingGet removes the next item, waiting while empty. After Shutdown the
// remaining items are still handed out; false means empty and shut down.
func (q *BlockingPriorityQueue[T]) BlockingGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.shutdown {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

func (q *BlockingPriorityQueue[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	first, last := -1, -1
	for i, l := range q.levels {
		if l.Len() > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}

	pick := first
	if last != first {
		q.skipped++
		if q.agingInterval > 0 && q.skipped >= q.agingInterval {
			pick = last
			q.skipped = 0
		}
	} else {
		q.skipped = 0
	}

	item, _ := q.levels[pick].Dequeue().(T)
	q.size--
	q.notFull.Signal()
	return item, true
}

// Shutdown rejects further puts and wakes all waiters.
func (q *BlockingPriorityQueue[T]) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shutdown = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of queued items across all levels.
func (q *BlockingPriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *BlockingPriorityQueue[T]) Cap() int {
	return q.capacity
}
