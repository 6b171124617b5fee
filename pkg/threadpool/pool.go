package threadpool

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cuemby/scansched/pkg/cgroup"
	"github.com/cuemby/scansched/pkg/log"
	"github.com/cuemby/scansched/pkg/queue"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned when a pool cannot accept more queued work.
	ErrQueueFull = errors.New("thread pool queue is full")

	// ErrShutdown is returned when work is submitted to a pool that was shut down.
	ErrShutdown = errors.New("thread pool is shut down")

	// ErrInvalidConfig is returned by Build for inconsistent sizing.
	ErrInvalidConfig = errors.New("invalid thread pool configuration")

	// ErrThreadAttach is returned by Build when a worker thread could not be
	// placed under the CPU controller.
	ErrThreadAttach = errors.New("failed to attach worker thread")
)

// Builder configures a ThreadPool.
type Builder struct {
	name         string
	minThreads   int
	maxThreads   int
	maxQueueSize int
	cpuCtl       cgroup.CPUController
}

// NewBuilder starts a pool definition with max threads = CPU count and an
// effectively unbounded queue.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:         name,
		maxThreads:   runtime.NumCPU(),
		maxQueueSize: math.MaxInt32,
	}
}

func (b *Builder) SetMinThreads(n int) *Builder {
	b.minThreads = n
	return b
}

func (b *Builder) SetMaxThreads(n int) *Builder {
	b.maxThreads = n
	return b
}

func (b *Builder) SetMaxQueueSize(n int) *Builder {
	b.maxQueueSize = n
	return b
}

// SetCPUController makes every worker lock its OS thread and attach it to ctl
// before serving work.
func (b *Builder) SetCPUController(ctl cgroup.CPUController) *Builder {
	b.cpuCtl = ctl
	return b
}

// Build validates the definition and starts the minimum number of threads.
func (b *Builder) Build() (*ThreadPool, error) {
	switch {
	case b.minThreads < 0:
		return nil, fmt.Errorf("%w: pool %s min threads %d < 0", ErrInvalidConfig, b.name, b.minThreads)
	case b.maxThreads <= 0:
		return nil, fmt.Errorf("%w: pool %s max threads %d <= 0", ErrInvalidConfig, b.name, b.maxThreads)
	case b.minThreads > b.maxThreads:
		return nil, fmt.Errorf("%w: pool %s min threads %d > max threads %d", ErrInvalidConfig, b.name, b.minThreads, b.maxThreads)
	case b.maxQueueSize <= 0:
		return nil, fmt.Errorf("%w: pool %s queue size %d <= 0", ErrInvalidConfig, b.name, b.maxQueueSize)
	}

	p := &ThreadPool{
		name:       b.name,
		minThreads: b.minThreads,
		maxThreads: b.maxThreads,
		cpuCtl:     b.cpuCtl,
		queue:      queue.NewBlockingQueue[func()](b.maxQueueSize),
		logger:     log.WithComponent("threadpool").With().Str("pool", b.name).Logger(),
	}

	ready := make(chan error, b.minThreads)
	p.mu.Lock()
	for i := 0; i < b.minThreads; i++ {
		p.spawnLocked(ready)
	}
	p.mu.Unlock()

	var startErr error
	for i := 0; i < b.minThreads; i++ {
		if err := <-ready; err != nil && startErr == nil {
			startErr = err
		}
	}
	if startErr != nil {
		p.Shutdown()
		p.Wait()
		return nil, fmt.Errorf("failed to build pool %s: %w", b.name, startErr)
	}

	p.logger.Debug().
		Int("min_threads", b.minThreads).
		Int("max_threads", b.maxThreads).
		Int("queue_size", b.maxQueueSize).
		Bool("cpu_limited", b.cpuCtl != nil).
		Msg("thread pool started")
	return p, nil
}

// ThreadPool runs submitted functions on a set of worker goroutines. It
// starts with the minimum thread count and grows on demand up to the
// maximum; threads are not retired until Shutdown.
type ThreadPool struct {
	name       string
	minThreads int
	maxThreads int
	cpuCtl     cgroup.CPUController
	queue      *queue.BlockingQueue[func()]
	logger     zerolog.Logger

	mu         sync.Mutex
	numThreads int
	closed     bool
	wg         sync.WaitGroup

	idle   atomic.Int32
	active atomic.Int32
}

func (p *ThreadPool) spawnLocked(ready chan<- error) {
	p.numThreads++
	p.wg.Add(1)
	go p.worker(ready)
}

func (p *ThreadPool) worker(ready chan<- error) {
	defer p.wg.Done()

	if p.cpuCtl != nil {
		// Never unlocked: the thread is discarded together with the goroutine
		// instead of returning to the shared scheduler with the group's limit.
		runtime.LockOSThread()
		if err := p.attachThread(); err != nil {
			p.mu.Lock()
			p.numThreads--
			p.mu.Unlock()
			if ready != nil {
				ready <- err
			} else {
				p.logger.Error().Err(err).Msg("worker thread exiting")
			}
			return
		}
	}
	if ready != nil {
		ready <- nil
	}

	for {
		p.idle.Add(1)
		fn, ok := p.queue.BlockingGet()
		p.idle.Add(-1)
		if !ok {
			return
		}
		p.active.Add(1)
		p.run(fn)
		p.active.Add(-1)
	}
}

func (p *ThreadPool) attachThread() error {
	tid, err := currentThreadID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrThreadAttach, err)
	}
	if err := p.cpuCtl.AttachThread(tid); err != nil {
		return fmt.Errorf("%w: %v", ErrThreadAttach, err)
	}
	return nil
}

func (p *ThreadPool) run(fn func()) {
	runRecovered(p.logger, fn)
}

// Submit queues fn without blocking.
func (p *ThreadPool) Submit(fn func()) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrShutdown
	}

	if !p.queue.TryPut(fn) {
		if p.queue.IsShutdown() {
			return ErrShutdown
		}
		return ErrQueueFull
	}
	p.maybeGrow()
	return nil
}

func (p *ThreadPool) maybeGrow() {
	if p.idle.Load() > 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && p.numThreads < p.maxThreads {
		p.spawnLocked(nil)
	}
}

// Shutdown stops accepting work. Already queued work still runs.
func (p *ThreadPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.queue.Shutdown()
}

// Wait blocks until every worker has exited. Call after Shutdown.
func (p *ThreadPool) Wait() {
	p.wg.Wait()
}

func (p *ThreadPool) Name() string { return p.name }

func (p *ThreadPool) MaxThreads() int { return p.maxThreads }

// NumThreads returns the number of live worker threads.
func (p *ThreadPool) NumThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numThreads
}

// ActiveThreads returns the number of threads currently running work.
func (p *ThreadPool) ActiveThreads() int { return int(p.active.Load()) }

// QueueLen returns the number of queued, not yet started functions.
func (p *ThreadPool) QueueLen() int { return p.queue.Len() }

func runRecovered(logger zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("recovered panic in pool task")
		}
	}()
	fn()
}
