package scan

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the cancellation class. Submissions refused because a
	// scheduler stopped, and scans aborted because their context was
	// cancelled, wrap it.
	ErrCancelled = errors.New("scan cancelled")

	// ErrContextStarted is returned when Start or AddScanner is called on a
	// context that was already started.
	ErrContextStarted = errors.New("scanner context already started")

	// ErrForeignTask is returned when a task is submitted or retired with a
	// context it does not belong to.
	ErrForeignTask = errors.New("scan task belongs to another context")
)

// IsCancelled reports whether err is in the cancellation class.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ResourceClass selects the worker pool that services a scan task.
type ResourceClass int

const (
	// ResourceLocal marks scans of disk resident data.
	ResourceLocal ResourceClass = iota
	// ResourceRemote marks scans of data in remote object storage.
	ResourceRemote
	// ResourceLimited marks scans admitted through a concurrency token.
	ResourceLimited
)

func (r ResourceClass) String() string {
	switch r {
	case ResourceLocal:
		return "local"
	case ResourceRemote:
		return "remote"
	case ResourceLimited:
		return "limited"
	default:
		return fmt.Sprintf("resource(%d)", int(r))
	}
}

// Batch is one block of rows produced by a scan step.
type Batch struct {
	ScannerID string
	Seq       int
	Rows      [][]byte
}

// Scanner produces batches for one scan task. Scan performs a single
// increment of work and reports eos once the scanner is exhausted; it
// should return promptly when ctx is cancelled.
type Scanner interface {
	ID() string
	Resource() ResourceClass
	Scan(ctx context.Context) (batch *Batch, eos bool, err error)
	Close() error
}

// Submitter dispatches scan tasks for execution.
type Submitter interface {
	Submit(sctx *ScannerContext, task *ScanTask) error
}
