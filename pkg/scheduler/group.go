package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/scansched/pkg/cgroup"
	"github.com/cuemby/scansched/pkg/config"
	"github.com/cuemby/scansched/pkg/events"
	"github.com/cuemby/scansched/pkg/log"
	"github.com/cuemby/scansched/pkg/metrics"
	"github.com/cuemby/scansched/pkg/queue"
	"github.com/cuemby/scansched/pkg/scan"
	"github.com/cuemby/scansched/pkg/threadpool"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("group scan scheduler already started")

// SimplifiedScanTask is one closure run by a workload group worker.
type SimplifiedScanTask struct {
	// ScanFunc runs to completion on the worker. It re-enqueues itself if
	// it needs another increment.
	ScanFunc func()
	// Context receives the error of a panicking or discarded task.
	// Optional.
	Context *scan.ScannerContext
	// OnDiscard is called instead of failing Context when the task is
	// still queued at Stop. Optional.
	OnDiscard func(err error)
}

// GroupOption configures a SimplifiedScanScheduler.
type GroupOption func(*SimplifiedScanScheduler)

// WithRegisterer sets where the group metrics are registered.
func WithRegisterer(reg prometheus.Registerer) GroupOption {
	return func(s *SimplifiedScanScheduler) { s.registerer = reg }
}

// WithEvents publishes group lifecycle events to b.
func WithEvents(b *events.Broker) GroupOption {
	return func(s *SimplifiedScanScheduler) { s.events = b }
}

// SimplifiedScanScheduler runs the scan closures of one workload group on
// a fixed number of threads placed under the group's CPU controller. All
// workers serve one bounded queue; a full queue blocks producers.
type SimplifiedScanScheduler struct {
	id         string
	name       string
	cpuCtl     cgroup.CPUController
	threads    int
	queue      *queue.BlockingQueue[SimplifiedScanTask]
	slots      *admission
	metrics    *metrics.GroupMetrics
	registerer prometheus.Registerer
	events     *events.Broker
	logger     zerolog.Logger

	mu      sync.Mutex
	pool    *threadpool.ThreadPool
	stopped atomic.Bool
}

// NewSimplifiedScanScheduler allocates the group queue. cpuCtl may be nil
// when the group runs without a CPU ceiling.
func NewSimplifiedScanScheduler(groupName string, cpuCtl cgroup.CPUController, cfg *config.Config, opts ...GroupOption) *SimplifiedScanScheduler {
	if cfg == nil {
		cfg = config.Default()
	}
	id := uuid.New().String()
	s := &SimplifiedScanScheduler{
		id:      id,
		name:    groupName,
		cpuCtl:  cpuCtl,
		threads: cfg.GroupThreadCount,
		queue:   queue.NewBlockingQueue[SimplifiedScanTask](cfg.GroupQueueCapacity),
		slots:   newAdmission(cfg.GroupQueueCapacity),
		metrics: metrics.NewGroupMetrics(groupName, id),
		logger:  log.WithGroup(groupName).With().Str("scheduler_id", id).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.TrackQueue(s.queue.Len)
	return s
}

func (s *SimplifiedScanScheduler) ID() string { return s.id }

func (s *SimplifiedScanScheduler) GroupName() string { return s.name }

func (s *SimplifiedScanScheduler) poolName() string { return "Scan_" + s.name }

func (s *SimplifiedScanScheduler) componentName() string { return "group:" + s.name }

// NumThreads is the configured worker count.
func (s *SimplifiedScanScheduler) NumThreads() int { return s.threads }

// Start builds the fixed size pool and starts one worker loop per thread.
func (s *SimplifiedScanScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrSchedulerStopped
	}
	if s.pool != nil {
		return ErrAlreadyStarted
	}

	b := threadpool.NewBuilder(s.poolName()).
		SetMinThreads(s.threads).
		SetMaxThreads(s.threads).
		SetMaxQueueSize(s.threads)
	if s.cpuCtl != nil {
		b.SetCPUController(s.cpuCtl)
	}
	pool, err := b.Build()
	if err != nil {
		return fmt.Errorf("failed to start scan scheduler for group %s: %w", s.name, err)
	}

	for i := 0; i < s.threads; i++ {
		if err := pool.Submit(s.work); err != nil {
			s.queue.Shutdown()
			pool.Shutdown()
			pool.Wait()
			return fmt.Errorf("failed to start worker %d of group %s: %w", i, s.name, err)
		}
	}

	if err := s.metrics.Register(s.registerer); err != nil {
		s.queue.Shutdown()
		pool.Shutdown()
		pool.Wait()
		return err
	}
	s.pool = pool

	metrics.RegisterComponent(s.componentName(), true, "running")
	s.events.Publish(&events.Event{
		Type:     events.EventGroupStarted,
		Message:  "workload group scheduler started",
		Metadata: map[string]string{"group": s.name},
	})
	s.logger.Info().
		Int("threads", s.threads).
		Int("queue_capacity", s.queue.Cap()).
		Bool("cpu_limited", s.cpuCtl != nil).
		Msg("group scan scheduler started")
	return nil
}

func (s *SimplifiedScanScheduler) work() {
	for !s.stopped.Load() {
		task, ok := s.queue.BlockingGet()
		if !ok {
			return
		}
		s.run(task)
	}
}

func (s *SimplifiedScanScheduler) run(task SimplifiedScanTask) {
	s.metrics.Executed.Inc()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panics.Inc()
			err := fmt.Errorf("scan task panicked in group %s: %v", s.name, r)
			s.logger.Error().Err(err).Msg("recovered panic in scan task")
			if task.Context != nil {
				task.Context.SetError(err)
			}
		}
	}()
	if task.ScanFunc != nil {
		task.ScanFunc()
	}
}

// Stop shuts the queue down, which releases every worker blocked on an
// empty queue, and joins the pool. Tasks still queued afterwards are
// cancelled: OnDiscard is called with ErrSchedulerStopped, or the task's
// context is failed with it. Safe to call more than once and before Start.
func (s *SimplifiedScanScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Swap(true) {
		return
	}
	s.queue.Shutdown()

	if s.pool == nil {
		s.discardAll()
		return
	}
	s.pool.Shutdown()
	s.pool.Wait()

	dropped := s.discardAll()
	s.metrics.Unregister()
	metrics.UpdateComponent(s.componentName(), false, "stopped")
	s.events.Publish(&events.Event{
		Type:     events.EventGroupStopped,
		Message:  "workload group scheduler stopped",
		Metadata: map[string]string{"group": s.name},
	})
	s.logger.Info().Int("dropped", dropped).Msg("shutdown")
}

func (s *SimplifiedScanScheduler) discardAll() int {
	leftovers := s.queue.Drain()
	for _, task := range leftovers {
		s.metrics.Dropped.Inc()
		switch {
		case task.OnDiscard != nil:
			task.OnDiscard(ErrSchedulerStopped)
		case task.Context != nil:
			task.Context.SetError(ErrSchedulerStopped)
		}
	}
	return len(leftovers)
}

// IsStopped reports whether Stop was called.
func (s *SimplifiedScanScheduler) IsStopped() bool {
	return s.stopped.Load()
}

// ScanQueue exposes the group queue to producers. Put blocks while the
// queue is full.
func (s *SimplifiedScanScheduler) ScanQueue() *queue.BlockingQueue[SimplifiedScanTask] {
	return s.queue
}

// Submit enqueues task, waiting for room until ctx is done.
func (s *SimplifiedScanScheduler) Submit(ctx context.Context, task SimplifiedScanTask) error {
	if s.stopped.Load() {
		return ErrSchedulerStopped
	}
	if err := s.queue.PutContext(ctx, task); err != nil {
		if errors.Is(err, queue.ErrShutdown) {
			return ErrSchedulerStopped
		}
		return err
	}
	return nil
}

// offer enqueues without waiting.
func (s *SimplifiedScanScheduler) offer(task SimplifiedScanTask) error {
	if s.stopped.Load() {
		return ErrSchedulerStopped
	}
	if !s.queue.TryPut(task) {
		if s.queue.IsShutdown() {
			return ErrSchedulerStopped
		}
		return threadpool.ErrQueueFull
	}
	return nil
}

// requeue hands a yielded routed task back to the queue. It ignores the
// capacity because the task already holds one of s.slots.
func (s *SimplifiedScanScheduler) requeue(task SimplifiedScanTask) error {
	if s.stopped.Load() || !s.queue.Requeue(task) {
		return ErrSchedulerStopped
	}
	return nil
}

// QueueLen returns the number of queued tasks.
func (s *SimplifiedScanScheduler) QueueLen() int {
	return s.queue.Len()
}
