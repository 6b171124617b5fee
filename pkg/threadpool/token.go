package threadpool

import (
	"errors"
	"fmt"
	"sync"

	fifo "github.com/golang-collections/collections/queue"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrTokenSaturated is returned by a ModeReject token at its concurrency limit.
	ErrTokenSaturated = errors.New("thread pool token is at max concurrency")

	// ErrTokenShutdown is returned when submitting through a token that was shut down.
	ErrTokenShutdown = errors.New("thread pool token is shut down")
)

// ExecutionMode selects what a Token does with work beyond its limit.
type ExecutionMode int

const (
	// ModeSerial runs one function at a time in submission order.
	ModeSerial ExecutionMode = iota
	// ModeConcurrent runs up to the limit and queues the rest.
	ModeConcurrent
	// ModeReject runs up to the limit and rejects the rest.
	ModeReject
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeSerial:
		return "serial"
	case ModeConcurrent:
		return "concurrent"
	case ModeReject:
		return "reject"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseExecutionMode maps a mode name back to its ExecutionMode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch s {
	case "serial":
		return ModeSerial, nil
	case "concurrent":
		return ModeConcurrent, nil
	case "reject":
		return ModeReject, nil
	default:
		return 0, fmt.Errorf("unknown execution mode %q", s)
	}
}

// Token bounds how many of one caller's functions run at once inside a
// shared ThreadPool.
type Token struct {
	pool           *ThreadPool
	mode           ExecutionMode
	maxConcurrency int
	sem            *semaphore.Weighted

	mu      sync.Mutex
	drained *sync.Cond
	pending *fifo.Queue
	active  int
	closed  bool
}

// NewToken issues a concurrency token scoped to p.
func (p *ThreadPool) NewToken(mode ExecutionMode, maxConcurrency int) (*Token, error) {
	if mode == ModeSerial {
		maxConcurrency = 1
	}
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: token max concurrency %d <= 0", ErrInvalidConfig, maxConcurrency)
	}
	if mode < ModeSerial || mode > ModeReject {
		return nil, fmt.Errorf("%w: unknown token mode %s", ErrInvalidConfig, mode)
	}

	t := &Token{
		pool:           p,
		mode:           mode,
		maxConcurrency: maxConcurrency,
		sem:            semaphore.NewWeighted(int64(maxConcurrency)),
		pending:        fifo.New(),
	}
	t.drained = sync.NewCond(&t.mu)
	return t, nil
}

// Submit runs fn in the pool once the token has a free slot. It never blocks.
func (t *Token) Submit(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTokenShutdown
	}

	if t.sem.TryAcquire(1) {
		if err := t.pool.Submit(t.wrap(fn)); err != nil {
			t.sem.Release(1)
			return err
		}
		t.active++
		return nil
	}

	if t.mode == ModeReject {
		return ErrTokenSaturated
	}
	t.pending.Enqueue(fn)
	return nil
}

// Continue queues a follow-up of work already admitted through this token.
// Unlike Submit it is not refused in ModeReject or after Shutdown, so a
// running function can hand its continuation back without losing its turn.
func (t *Token) Continue(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sem.TryAcquire(1) {
		if err := t.pool.Submit(t.wrap(fn)); err != nil {
			t.sem.Release(1)
			return err
		}
		t.active++
		return nil
	}
	t.pending.Enqueue(fn)
	return nil
}

func (t *Token) wrap(fn func()) func() {
	return func() {
		for fn != nil {
			runRecovered(t.pool.logger, fn)
			fn = t.finish()
		}
	}
}

// finish hands the finished slot to the next pending function. If the pool
// refuses it, the function is returned so the current worker runs it.
func (t *Token) finish() func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending.Len() == 0 {
		t.active--
		t.sem.Release(1)
		t.drained.Broadcast()
		return nil
	}

	next, _ := t.pending.Dequeue().(func())
	if err := t.pool.Submit(t.wrap(next)); err != nil {
		return next
	}
	return nil
}

// Shutdown rejects further submissions and waits until every queued and
// running function of this token has finished. It must not be called from
// inside a function submitted through the same token.
func (t *Token) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for t.active > 0 || t.pending.Len() > 0 {
		t.drained.Wait()
	}
}

// Active returns the number of functions currently holding a slot.
func (t *Token) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Pending returns the number of functions waiting for a slot.
func (t *Token) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len()
}

func (t *Token) MaxConcurrency() int { return t.maxConcurrency }

func (t *Token) Mode() ExecutionMode { return t.mode }
