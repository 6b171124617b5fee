package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/scansched/pkg/config"
	"github.com/cuemby/scansched/pkg/events"
	"github.com/cuemby/scansched/pkg/log"
	"github.com/cuemby/scansched/pkg/metrics"
	"github.com/cuemby/scansched/pkg/scan"
	"github.com/cuemby/scansched/pkg/threadpool"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// ErrSchedulerStopped rejects work submitted after Stop. It is in the
	// cancellation class.
	ErrSchedulerStopped = fmt.Errorf("%w: scan scheduler stopped", scan.ErrCancelled)

	ErrAlreadyInitialized = errors.New("scan scheduler already initialized")
	ErrNotInitialized     = errors.New("scan scheduler not initialized")

	// ErrUnknownGroup is returned when a context names a workload group
	// that has no registered scheduler.
	ErrUnknownGroup = errors.New("unknown workload group")

	ErrGroupExists = errors.New("workload group already registered")
)

const (
	poolLocal   = "local_scan"
	poolRemote  = "remote_scan"
	poolLimited = "limited_scan"
)

// Env supplies what Init needs from the process.
type Env struct {
	// Config sizes the pools. Defaults to config.Default().
	Config *config.Config
	// Registerer receives the scheduler metrics. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// Events receives scheduler and context lifecycle events. Optional.
	Events *events.Broker
}

// ScannerScheduler routes scan tasks to the local, remote and limited
// pools. A worker runs one step of a task and resubmits it, so many more
// scans than threads make progress at once.
type ScannerScheduler struct {
	id     string
	logger zerolog.Logger

	// mu orders Submit against Stop: Submit holds the read lock while it
	// checks closed and enqueues, Stop takes the write lock to flip it.
	mu          sync.RWMutex
	initialized bool
	closed      bool
	stopped     atomic.Bool

	cfg     *config.Config
	local   *threadpool.PriorityThreadPool
	remote  *threadpool.PriorityThreadPool
	limited *threadpool.ThreadPool
	metrics *metrics.SchedulerMetrics

	// Tasks admitted per pool, capped at the pool's queue size.
	localSlots   *admission
	remoteSlots  *admission
	limitedSlots *admission

	events  *events.Broker

	groupsMu sync.RWMutex
	groups   map[string]*SimplifiedScanScheduler
}

// NewScannerScheduler creates a scheduler. Init must be called before
// Submit.
func NewScannerScheduler() *ScannerScheduler {
	id := uuid.New().String()
	return &ScannerScheduler{
		id:     id,
		logger: log.WithComponent("scan-scheduler").With().Str("scheduler_id", id).Logger(),
		groups: make(map[string]*SimplifiedScanScheduler),
	}
}

func (s *ScannerScheduler) ID() string { return s.id }

// Init creates the three pools and registers the scheduler metrics. A
// failed Init leaves the scheduler unusable.
func (s *ScannerScheduler) Init(env Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if s.closed {
		return ErrSchedulerStopped
	}

	cfg := env.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	local, err := threadpool.NewPriorityThreadPool(poolLocal, cfg.LocalPoolSize, cfg.LocalQueueSize)
	if err != nil {
		return fmt.Errorf("failed to create local scan pool: %w", err)
	}
	remote, err := threadpool.NewPriorityThreadPool(poolRemote, cfg.RemotePoolSize, cfg.RemoteQueueSize)
	if err != nil {
		shutdownPriorityPools(local)
		return fmt.Errorf("failed to create remote scan pool: %w", err)
	}
	limited, err := threadpool.NewBuilder(poolLimited).
		SetMinThreads(cfg.LimitedPoolSize).
		SetMaxThreads(cfg.LimitedPoolSize).
		SetMaxQueueSize(cfg.LimitedQueueSize).
		Build()
	if err != nil {
		shutdownPriorityPools(local, remote)
		return fmt.Errorf("failed to create limited scan pool: %w", err)
	}

	m := metrics.NewSchedulerMetrics(s.id)
	m.TrackPool(poolLocal, local)
	m.TrackPool(poolRemote, remote)
	m.TrackPool(poolLimited, limited)
	if err := m.Register(env.Registerer); err != nil {
		shutdownPriorityPools(local, remote)
		limited.Shutdown()
		limited.Wait()
		return err
	}

	s.cfg = cfg
	s.local, s.remote, s.limited = local, remote, limited
	s.localSlots = newAdmission(cfg.LocalQueueSize)
	s.remoteSlots = newAdmission(cfg.RemoteQueueSize)
	s.limitedSlots = newAdmission(cfg.LimitedQueueSize)
	s.metrics = m
	s.events = env.Events
	s.initialized = true

	metrics.RegisterComponent(s.componentName(), true, "running")
	s.events.Publish(&events.Event{
		Type:     events.EventSchedulerStarted,
		Message:  "scan scheduler started",
		Metadata: map[string]string{"scheduler_id": s.id},
	})
	s.logger.Info().
		Int("local_threads", cfg.LocalPoolSize).
		Int("remote_threads", cfg.RemotePoolSize).
		Int("limited_threads", cfg.LimitedPoolSize).
		Msg("scan scheduler initialized")
	return nil
}

func shutdownPriorityPools(pools ...*threadpool.PriorityThreadPool) {
	for _, p := range pools {
		p.Shutdown()
		p.Join()
	}
}

func (s *ScannerScheduler) componentName() string {
	return "scheduler:" + s.id
}

// NewContext creates a scanner context with the configured defaults for
// output capacity and concurrency, publishing to the scheduler's broker.
func (s *ScannerScheduler) NewContext(cfg scan.ContextConfig) *scan.ScannerContext {
	s.mu.RLock()
	defaults := s.cfg
	broker := s.events
	s.mu.RUnlock()

	if defaults != nil {
		if cfg.OutputCapacity == 0 {
			cfg.OutputCapacity = defaults.OutputQueueCapacity
		}
		if cfg.MaxConcurrency == 0 {
			cfg.MaxConcurrency = defaults.DefaultMaxConcurrency
		}
	}
	if cfg.Events == nil {
		cfg.Events = broker
	}
	return scan.NewContext(cfg)
}

// Submit queues task on the pool matching its resource class, or on the
// queue of the context's workload group. It never blocks. Once as many
// tasks as the pool queue holds are admitted and not yet retired, Submit
// returns an error wrapping threadpool.ErrQueueFull; admitted tasks always
// find room when they requeue themselves.
func (s *ScannerScheduler) Submit(sctx *scan.ScannerContext, task *scan.ScanTask) error {
	if task.Context() != sctx {
		return scan.ErrForeignTask
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSchedulerStopped
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	if sctx.IsDone() {
		return fmt.Errorf("%w: scanner context %s is done", scan.ErrCancelled, sctx.ID())
	}

	if group := sctx.WorkloadGroup(); group != "" {
		return s.submitToGroup(group, task)
	}
	return s.dispatch(task, false)
}

// resubmit hands a yielded task back to its pool.
func (s *ScannerScheduler) resubmit(task *scan.ScanTask) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSchedulerStopped
	}
	return s.dispatch(task, true)
}

// dispatch must be called with s.mu read locked. A first dispatch takes
// an admission slot that the task holds until it retires.
func (s *ScannerScheduler) dispatch(task *scan.ScanTask, again bool) error {
	pool := poolName(task.Resource())
	slots := s.slotsFor(task.Resource())
	if !again && !slots.acquire() {
		return s.reject(task, pool, threadpool.ErrQueueFull)
	}
	fn := func() { s.scanStep(task) }

	var err error
	switch task.Resource() {
	case scan.ResourceLimited:
		token := task.Context().Token()
		switch {
		case token == nil:
			err = s.limited.Submit(fn)
		case again:
			err = token.Continue(fn)
		default:
			err = token.Submit(fn)
		}
	case scan.ResourceRemote:
		err = s.remote.Offer(task.Priority(), fn)
	default:
		err = s.local.Offer(task.Priority(), fn)
	}

	if err != nil {
		if !again {
			slots.release()
		}
		return s.reject(task, pool, err)
	}

	if again {
		s.metrics.Resubmitted.WithLabelValues(pool).Inc()
	} else {
		s.metrics.Submitted.WithLabelValues(pool).Inc()
	}
	return nil
}

func (s *ScannerScheduler) reject(task *scan.ScanTask, pool string, err error) error {
	s.metrics.Rejected.WithLabelValues(pool).Inc()
	s.events.Publish(&events.Event{
		Type:    events.EventTaskRejected,
		Message: err.Error(),
		Metadata: map[string]string{
			"task_id":    task.ID(),
			"context_id": task.Context().ID(),
			"pool":       pool,
		},
	})
	return fmt.Errorf("failed to submit scan task %s to %s pool: %w", task.ID(), pool, err)
}

func (s *ScannerScheduler) slotsFor(r scan.ResourceClass) *admission {
	switch r {
	case scan.ResourceRemote:
		return s.remoteSlots
	case scan.ResourceLimited:
		return s.limitedSlots
	default:
		return s.localSlots
	}
}

func poolName(r scan.ResourceClass) string {
	switch r {
	case scan.ResourceRemote:
		return poolRemote
	case scan.ResourceLimited:
		return poolLimited
	default:
		return poolLocal
	}
}

// scanStep is the body of every global pool work item.
func (s *ScannerScheduler) scanStep(task *scan.ScanTask) {
	pool, slots := poolName(task.Resource()), s.slotsFor(task.Resource())
	if !s.step(task, pool, slots) {
		return
	}
	if err := s.resubmit(task); err != nil {
		s.fail(task, pool, slots, err)
	}
}

// step runs one increment of task and reports whether the task yielded
// and has to be resubmitted. Every other outcome retires the task and
// releases its slot.
func (s *ScannerScheduler) step(task *scan.ScanTask, pool string, slots *admission) bool {
	sctx := task.Context()

	if !task.Begin() {
		s.logger.Error().
			Str("task_id", task.ID()).
			Str("state", task.State().String()).
			Msg("scan task picked up while not pending")
		return false
	}
	if s.stopped.Load() {
		s.fail(task, pool, slots, ErrSchedulerStopped)
		return false
	}
	if sctx.IsDone() {
		s.fail(task, pool, slots, fmt.Errorf("%w: scanner context %s is done", scan.ErrCancelled, sctx.ID()))
		return false
	}

	timer := metrics.NewTimer()
	batch, eos, err := task.Step()
	timer.ObserveDurationVec(s.metrics.StepDuration, pool)
	if err != nil {
		s.fail(task, pool, slots, err)
		return false
	}
	if batch != nil {
		if err := sctx.Push(task, batch); err != nil {
			s.fail(task, pool, slots, err)
			return false
		}
	}
	if eos {
		task.Finish()
		s.metrics.Finished.WithLabelValues(pool).Inc()
		slots.release()
		sctx.RetireTask(task, nil)
		return false
	}

	task.Yield()
	return true
}

// fail releases the slot before retiring so the context can dispatch its
// next scanner into it.
func (s *ScannerScheduler) fail(task *scan.ScanTask, pool string, slots *admission, err error) {
	task.Fail(err)
	slots.release()
	s.metrics.Failed.WithLabelValues(pool).Inc()
	if !scan.IsCancelled(err) {
		s.events.Publish(&events.Event{
			Type:    events.EventTaskFailed,
			Message: err.Error(),
			Metadata: map[string]string{
				"task_id":    task.ID(),
				"context_id": task.Context().ID(),
				"pool":       pool,
			},
		})
	}
	task.Context().RetireTask(task, err)
}

// NewLimitedScanPoolToken issues a token bounding how many tasks of one
// caller run at once in the limited pool. Contexts created with the token
// route their tasks through it.
func (s *ScannerScheduler) NewLimitedScanPoolToken(mode threadpool.ExecutionMode, maxConcurrency int) (*threadpool.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSchedulerStopped
	}
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.limited.NewToken(mode, maxConcurrency)
}

// RemoteThreadPoolMaxSize is the upper bound callers may size remote scan
// parallelism to.
func (s *ScannerScheduler) RemoteThreadPoolMaxSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cfg == nil {
		return config.Default().RemotePoolMaxSize
	}
	return s.cfg.RemotePoolMaxSize
}

// RegisterGroup routes contexts naming the group to g.
func (s *ScannerScheduler) RegisterGroup(g *SimplifiedScanScheduler) error {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()

	if _, exists := s.groups[g.GroupName()]; exists {
		return fmt.Errorf("%w: %s", ErrGroupExists, g.GroupName())
	}
	s.groups[g.GroupName()] = g
	return nil
}

// UnregisterGroup stops routing to a group. It does not stop the group
// scheduler.
func (s *ScannerScheduler) UnregisterGroup(name string) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	delete(s.groups, name)
}

// submitToGroup must be called with s.mu read locked.
func (s *ScannerScheduler) submitToGroup(name string, task *scan.ScanTask) error {
	s.groupsMu.RLock()
	g, ok := s.groups[name]
	s.groupsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}

	if !g.slots.acquire() {
		return s.reject(task, g.poolName(), threadpool.ErrQueueFull)
	}
	if err := g.offer(s.groupTask(g, task)); err != nil {
		g.slots.release()
		return s.reject(task, g.poolName(), err)
	}
	s.metrics.Submitted.WithLabelValues(g.poolName()).Inc()
	return nil
}

// groupTask wraps task so a group worker runs it with the same step
// protocol as the global pools.
func (s *ScannerScheduler) groupTask(g *SimplifiedScanScheduler, task *scan.ScanTask) SimplifiedScanTask {
	return SimplifiedScanTask{
		ScanFunc: func() { s.groupStep(g, task) },
		Context:  task.Context(),
		OnDiscard: func(err error) {
			s.fail(task, g.poolName(), g.slots, err)
		},
	}
}

// groupStep runs one step and requeues a yielded task behind the other
// queued work of the group.
func (s *ScannerScheduler) groupStep(g *SimplifiedScanScheduler, task *scan.ScanTask) {
	pool := g.poolName()
	if !s.step(task, pool, g.slots) {
		return
	}
	if err := g.requeue(s.groupTask(g, task)); err != nil {
		s.fail(task, pool, g.slots, err)
		return
	}
	s.metrics.Resubmitted.WithLabelValues(pool).Inc()
}

// Stop rejects further submissions, shuts the pools down and waits for
// their workers. Tasks still queued are retired with ErrSchedulerStopped.
// Safe to call more than once and concurrently with Submit.
func (s *ScannerScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopped.Store(true)
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized {
		return
	}

	// Limited pool first: its pending token work may run inline on the
	// worker that finishes a slot.
	s.limited.Shutdown()
	s.local.Shutdown()
	s.remote.Shutdown()
	s.limited.Wait()
	s.local.Join()
	s.remote.Join()

	s.metrics.Unregister()
	metrics.UpdateComponent(s.componentName(), false, "stopped")
	s.events.Publish(&events.Event{
		Type:     events.EventSchedulerStopped,
		Message:  "scan scheduler stopped",
		Metadata: map[string]string{"scheduler_id": s.id},
	})
	s.logger.Info().Msg("scan scheduler stopped")
}

// IsStopped reports whether Stop was called.
func (s *ScannerScheduler) IsStopped() bool {
	return s.stopped.Load()
}
