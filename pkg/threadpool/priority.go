package threadpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/scansched/pkg/log"
	"github.com/cuemby/scansched/pkg/queue"
	"github.com/rs/zerolog"
)

// PriorityLevels is the number of distinct priorities a PriorityThreadPool
// serves. Priority 0 is the most urgent.
const PriorityLevels = 8

// PriorityThreadPool is a fixed size pool that serves queued work by
// priority.
type PriorityThreadPool struct {
	name    string
	threads int
	queue   *queue.BlockingPriorityQueue[func()]
	logger  zerolog.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
	active atomic.Int32
}

// NewPriorityThreadPool starts threads workers over a queue of queueSize.
func NewPriorityThreadPool(name string, threads, queueSize int) (*PriorityThreadPool, error) {
	if threads <= 0 || queueSize <= 0 {
		return nil, fmt.Errorf("%w: pool %s threads=%d queue=%d", ErrInvalidConfig, name, threads, queueSize)
	}

	p := &PriorityThreadPool{
		name:    name,
		threads: threads,
		queue:   queue.NewBlockingPriorityQueue[func()](PriorityLevels, queueSize, queue.DefaultAgingInterval),
		logger:  log.WithComponent("threadpool").With().Str("pool", name).Logger(),
	}
	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

func (p *PriorityThreadPool) worker() {
	defer p.wg.Done()
	for {
		fn, ok := p.queue.BlockingGet()
		if !ok {
			return
		}
		p.active.Add(1)
		runRecovered(p.logger, fn)
		p.active.Add(-1)
	}
}

// Offer queues fn at priority without blocking.
func (p *PriorityThreadPool) Offer(priority int, fn func()) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	if !p.queue.TryPut(priority, fn) {
		if p.closed.Load() {
			return ErrShutdown
		}
		return ErrQueueFull
	}
	return nil
}

// Shutdown stops accepting work; queued work still drains.
func (p *PriorityThreadPool) Shutdown() {
	p.closed.Store(true)
	p.queue.Shutdown()
}

// Join waits for all workers to exit.
func (p *PriorityThreadPool) Join() {
	p.wg.Wait()
}

func (p *PriorityThreadPool) Name() string { return p.name }

func (p *PriorityThreadPool) NumThreads() int { return p.threads }

func (p *PriorityThreadPool) ActiveThreads() int { return int(p.active.Load()) }

func (p *PriorityThreadPool) QueueLen() int { return p.queue.Len() }
