//go:build !linux

package threadpool

import "github.com/cuemby/scansched/pkg/cgroup"

func currentThreadID() (int, error) {
	return 0, cgroup.ErrUnsupported
}
