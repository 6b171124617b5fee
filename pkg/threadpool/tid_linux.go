//go:build linux

package threadpool

import "golang.org/x/sys/unix"

func currentThreadID() (int, error) {
	return unix.Gettid(), nil
}
