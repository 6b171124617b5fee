package scan

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskState is the scheduling state of a ScanTask.
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskFinished
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ScanTask is one resumable scan unit. A worker moves it Pending→Running
// before a step and back to Pending when the scanner has more data, so the
// same task is never executed by two workers at once.
type ScanTask struct {
	id       string
	scanner  Scanner
	sctx     *ScannerContext
	resource ResourceClass
	priority int

	state   atomic.Int32
	retired atomic.Bool
	steps   atomic.Int64
	batches atomic.Int64

	mu  sync.Mutex
	err error
}

func newScanTask(sctx *ScannerContext, scanner Scanner) *ScanTask {
	resource := scanner.Resource()
	if sctx.token != nil {
		resource = ResourceLimited
	}
	t := &ScanTask{
		id:       uuid.New().String(),
		scanner:  scanner,
		sctx:     sctx,
		resource: resource,
		priority: sctx.priority,
	}
	t.state.Store(int32(TaskPending))
	return t
}

func (t *ScanTask) ID() string { return t.id }

func (t *ScanTask) Scanner() Scanner { return t.scanner }

// Context returns the owning scanner context.
func (t *ScanTask) Context() *ScannerContext { return t.sctx }

func (t *ScanTask) Resource() ResourceClass { return t.resource }

func (t *ScanTask) Priority() int { return t.priority }

func (t *ScanTask) State() TaskState { return TaskState(t.state.Load()) }

// Steps returns how many scan steps the task has executed.
func (t *ScanTask) Steps() int64 { return t.steps.Load() }

func (t *ScanTask) IsRetired() bool { return t.retired.Load() }

// Err returns the failure recorded by Fail.
func (t *ScanTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Begin claims the task for execution. It returns false if the task is
// not pending, which means another worker holds it or it already ended.
func (t *ScanTask) Begin() bool {
	return t.state.CompareAndSwap(int32(TaskPending), int32(TaskRunning))
}

// Yield returns a running task to pending so it can be resubmitted.
func (t *ScanTask) Yield() bool {
	return t.state.CompareAndSwap(int32(TaskRunning), int32(TaskPending))
}

// Finish marks a running task as completed.
func (t *ScanTask) Finish() bool {
	return t.state.CompareAndSwap(int32(TaskRunning), int32(TaskFinished))
}

// Fail records err and moves a pending or running task to failed.
func (t *ScanTask) Fail(err error) bool {
	for {
		cur := TaskState(t.state.Load())
		if cur == TaskFinished || cur == TaskFailed {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(TaskFailed)) {
			t.mu.Lock()
			t.err = err
			t.mu.Unlock()
			return true
		}
	}
}

// Step runs one increment of the scanner. A panic in the scanner is
// returned as an error.
func (t *ScanTask) Step() (batch *Batch, eos bool, err error) {
	t.steps.Add(1)
	defer func() {
		if r := recover(); r != nil {
			batch, eos = nil, false
			err = fmt.Errorf("scanner %s panicked: %v", t.scanner.ID(), r)
		}
	}()
	batch, eos, err = t.scanner.Scan(t.sctx.ctx)
	if batch != nil {
		t.batches.Add(1)
	}
	return batch, eos, err
}
