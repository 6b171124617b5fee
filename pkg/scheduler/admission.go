package scheduler

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// admission counts the scan tasks a pool has admitted and not yet retired,
// queued or running. Capping it at the pool's queue capacity leaves every
// yielded task a free queue slot to return to.
type admission struct {
	sem  *semaphore.Weighted
	held atomic.Int64
}

func newAdmission(capacity int) *admission {
	return &admission{sem: semaphore.NewWeighted(int64(capacity))}
}

// acquire takes a slot for a new task. It fails once capacity tasks are
// in flight.
func (a *admission) acquire() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.held.Add(1)
	return true
}

// release gives back the slot of a retired task.
func (a *admission) release() {
	a.held.Add(-1)
	a.sem.Release(1)
}

func (a *admission) inFlight() int {
	return int(a.held.Load())
}
