package cgroup

import (
	"errors"
	"sync"
)

var (
	// ErrUnsupported is returned where CPU cgroups are not available.
	ErrUnsupported = errors.New("cpu cgroups are not supported on this platform")

	// ErrInvalidLimit is returned for out of range CPU limits.
	ErrInvalidLimit = errors.New("invalid cpu limit")
)

// CPUController confines OS threads to a workload group's CPU budget. A
// thread pool attaches each of its worker threads when the thread starts.
type CPUController interface {
	AttachThread(tid int) error
}

// Limits describe the CPU budget of a workload group.
type Limits struct {
	// CPUPercent is a hard ceiling as a percentage of all cores. Zero means
	// no hard limit.
	CPUPercent int
	// Shares is the relative weight against sibling groups. Zero keeps the
	// kernel default.
	Shares uint64
}

// Validate checks the limits are in range.
func (l Limits) Validate() error {
	if l.CPUPercent < 0 || l.CPUPercent > 100 {
		return ErrInvalidLimit
	}
	return nil
}

// NoopController accepts every thread and records the ids it saw.
type NoopController struct {
	mu   sync.Mutex
	tids []int
}

// AttachThread records tid.
func (n *NoopController) AttachThread(tid int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tids = append(n.tids, tid)
	return nil
}

// Attached returns the thread ids attached so far.
func (n *NoopController) Attached() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.tids...)
}
