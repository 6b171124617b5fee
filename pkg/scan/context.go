package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/scansched/pkg/events"
	"github.com/cuemby/scansched/pkg/log"
	"github.com/cuemby/scansched/pkg/threadpool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultOutputCapacity = 64
	defaultMaxConcurrency = 1
)

// ContextConfig configures a ScannerContext.
type ContextConfig struct {
	// ID identifies the context in logs and events. Generated when empty.
	ID string
	// OutputCapacity bounds the batch channel read by the consumer.
	OutputCapacity int
	// MaxConcurrency caps how many scan tasks are dispatched at once.
	MaxConcurrency int
	// Priority is given to every task of the context; 0 is most urgent.
	Priority int
	// Token routes the context's tasks to the limited pool.
	Token *threadpool.Token
	// WorkloadGroup routes the context's tasks to a per group scheduler.
	WorkloadGroup string
	// Events receives context lifecycle events. Optional.
	Events *events.Broker
	// Parent bounds the lifetime of the scan. Defaults to Background.
	Parent context.Context
}

// Stats is a snapshot of a context's progress.
type Stats struct {
	Dispatched int64
	Retired    int64
	Succeeded  int64
	Failed     int64
	Batches    int64
	Rows       int64
	InFlight   int
	Pending    int
}

// ScannerContext owns the scan tasks of one scan operator instance. Tasks
// push batches into its bounded output channel; the consumer ranges over
// Batches and checks Status once the channel is closed.
type ScannerContext struct {
	id             string
	out            chan *Batch
	ctx            context.Context
	cancel         context.CancelCauseFunc
	finished       chan struct{}
	maxConcurrency int
	priority       int
	token          *threadpool.Token
	group          string
	events         *events.Broker
	logger         zerolog.Logger
	stopParent     func() bool

	mu        sync.Mutex
	status    error
	pending   []Scanner
	inFlight  int
	started   bool
	done      bool
	submitter Submitter

	dispatched atomic.Int64
	retired    atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	batches    atomic.Int64
	rows       atomic.Int64
}

// NewContext creates a context with no scanners.
func NewContext(cfg ContextConfig) *ScannerContext {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.OutputCapacity <= 0 {
		cfg.OutputCapacity = defaultOutputCapacity
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Parent == nil {
		cfg.Parent = context.Background()
	}

	ctx, cancel := context.WithCancelCause(cfg.Parent)
	c := &ScannerContext{
		id:             cfg.ID,
		out:            make(chan *Batch, cfg.OutputCapacity),
		ctx:            ctx,
		cancel:         cancel,
		finished:       make(chan struct{}),
		maxConcurrency: cfg.MaxConcurrency,
		priority:       cfg.Priority,
		token:          cfg.Token,
		group:          cfg.WorkloadGroup,
		events:         cfg.Events,
		logger:         log.WithContextID(cfg.ID),
	}

	// A cancelled parent cancels the scan like Cancel does.
	c.mu.Lock()
	c.stopParent = context.AfterFunc(cfg.Parent, func() {
		c.SetError(fmt.Errorf("%w: %v", ErrCancelled, context.Cause(cfg.Parent)))
	})
	c.mu.Unlock()
	return c
}

func (c *ScannerContext) ID() string { return c.id }

// Batches is closed after the last task retired.
func (c *ScannerContext) Batches() <-chan *Batch { return c.out }

// Context is cancelled when the scan fails, is cancelled or finishes.
// Scanners use it to notice they should stop.
func (c *ScannerContext) Context() context.Context { return c.ctx }

// Done is closed when the scan was cancelled, failed or finished.
func (c *ScannerContext) Done() <-chan struct{} { return c.ctx.Done() }

// Finished is closed once every task retired and Batches was closed.
func (c *ScannerContext) Finished() <-chan struct{} { return c.finished }

func (c *ScannerContext) Token() *threadpool.Token { return c.token }

func (c *ScannerContext) WorkloadGroup() string { return c.group }

func (c *ScannerContext) MaxConcurrency() int { return c.maxConcurrency }

// Status returns the first error recorded, or nil.
func (c *ScannerContext) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsDone reports whether the scan failed, was cancelled or finished. No new
// task of a done context may be dispatched.
func (c *ScannerContext) IsDone() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// AddScanner queues a scanner to be dispatched by Start.
func (c *ScannerContext) AddScanner(s Scanner) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrContextStarted
	}
	c.pending = append(c.pending, s)
	return nil
}

// Start dispatches up to MaxConcurrency tasks through sub. Further pending
// scanners are dispatched as running tasks retire.
func (c *ScannerContext) Start(sub Submitter) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrContextStarted
	}
	c.started = true
	c.submitter = sub

	var next []*ScanTask
	finished := false
	if c.status != nil || len(c.pending) == 0 {
		finished = c.finishLocked()
	} else {
		next = c.takeLocked()
	}
	status := c.status
	c.mu.Unlock()

	if finished {
		c.publishFinished(status)
	}
	c.submitAll(next)
	return status
}

// NewTask registers a task for s as in flight. Callers that submit tasks
// themselves instead of using Start must retire every task they create.
func (c *ScannerContext) NewTask(s Scanner) (*ScanTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done || c.status != nil {
		return nil, fmt.Errorf("%w: scanner context %s is done", ErrCancelled, c.id)
	}
	c.inFlight++
	c.dispatched.Add(1)
	return newScanTask(c, s), nil
}

// takeLocked creates tasks for pending scanners while the budget allows.
func (c *ScannerContext) takeLocked() []*ScanTask {
	var tasks []*ScanTask
	for c.status == nil && c.inFlight < c.maxConcurrency && len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		c.inFlight++
		c.dispatched.Add(1)
		tasks = append(tasks, newScanTask(c, s))
	}
	return tasks
}

func (c *ScannerContext) submitAll(tasks []*ScanTask) {
	for _, task := range tasks {
		if err := c.submitter.Submit(c, task); err != nil {
			task.Fail(err)
			c.RetireTask(task, err)
		}
	}
}

// Push delivers a batch produced by task to the consumer. It blocks while
// the output channel is full and aborts with a cancellation error once the
// context is done.
func (c *ScannerContext) Push(task *ScanTask, b *Batch) error {
	if task.sctx != c {
		return ErrForeignTask
	}
	if task.IsRetired() {
		return fmt.Errorf("%w: task %s already retired", ErrCancelled, task.id)
	}
	if c.IsDone() {
		return fmt.Errorf("%w: scanner context %s is done", ErrCancelled, c.id)
	}

	select {
	case c.out <- b:
		c.batches.Add(1)
		c.rows.Add(int64(len(b.Rows)))
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("%w: scanner context %s is done", ErrCancelled, c.id)
	}
}

// SetError records err as the context status if none was set yet and
// cancels the scan. Later errors are discarded.
func (c *ScannerContext) SetError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.setErrorLocked(err)
	finished := false
	if c.inFlight == 0 {
		finished = c.finishLocked()
	}
	status := c.status
	c.mu.Unlock()

	if finished {
		c.publishFinished(status)
	}
}

// Cancel stops the scan with a cancellation status.
func (c *ScannerContext) Cancel() {
	c.SetError(fmt.Errorf("%w: scanner context %s cancelled", ErrCancelled, c.id))
}

func (c *ScannerContext) setErrorLocked(err error) {
	if c.status != nil {
		return
	}
	c.status = err
	c.pending = nil
	c.cancel(err)
}

// RetireTask ends task. It is called exactly once per task, after its last
// step returned; further calls are ignored. err is nil for a task that
// reached end of stream.
func (c *ScannerContext) RetireTask(task *ScanTask, err error) {
	if task.sctx != c {
		c.logger.Error().Str("task_id", task.id).Msg("refusing to retire task of another context")
		return
	}
	if !task.retired.CompareAndSwap(false, true) {
		c.logger.Warn().Str("task_id", task.id).Msg("scan task retired twice")
		return
	}

	if cerr := task.scanner.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close scanner %s: %w", task.scanner.ID(), cerr)
	}

	c.retired.Add(1)
	if err == nil {
		c.succeeded.Add(1)
	} else {
		c.failed.Add(1)
		if !IsCancelled(err) {
			c.logger.Error().Err(err).Str("task_id", task.id).Msg("scan task failed")
		}
	}

	c.mu.Lock()
	if err != nil {
		c.setErrorLocked(err)
	}
	c.inFlight--
	next := c.takeLocked()
	finished := false
	if c.inFlight == 0 && (len(c.pending) == 0 || c.status != nil) {
		finished = c.finishLocked()
	}
	status := c.status
	c.mu.Unlock()

	if finished {
		c.publishFinished(status)
	}
	c.submitAll(next)
}

// finishLocked closes the output channel. Only called with no task in
// flight, so no Push can race with the close.
func (c *ScannerContext) finishLocked() bool {
	if c.done {
		return false
	}
	c.done = true
	c.pending = nil
	close(c.out)
	c.cancel(nil)
	c.stopParent()
	close(c.finished)
	return true
}

func (c *ScannerContext) publishFinished(status error) {
	eventType := events.EventContextFinished
	message := "scan finished"
	switch {
	case IsCancelled(status):
		eventType = events.EventContextCancelled
		message = status.Error()
	case status != nil:
		eventType = events.EventContextFailed
		message = status.Error()
	}

	c.logger.Debug().
		Str("event", string(eventType)).
		Int64("tasks", c.retired.Load()).
		Int64("batches", c.batches.Load()).
		Msg("scanner context done")

	c.events.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"context_id": c.id},
	})
}

// Wait blocks until the context finished or ctx is done and returns the
// context status.
func (c *ScannerContext) Wait(ctx context.Context) error {
	select {
	case <-c.finished:
		return c.Status()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the context counters.
func (c *ScannerContext) Stats() Stats {
	c.mu.Lock()
	inFlight, pending := c.inFlight, len(c.pending)
	c.mu.Unlock()

	return Stats{
		Dispatched: c.dispatched.Load(),
		Retired:    c.retired.Load(),
		Succeeded:  c.succeeded.Load(),
		Failed:     c.failed.Load(),
		Batches:    c.batches.Load(),
		Rows:       c.rows.Load(),
		InFlight:   inFlight,
		Pending:    pending,
	}
}
