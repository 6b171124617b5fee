/*
Package threadpool provides the worker pools the scan schedulers run on.

# Pools

ThreadPool is built with a Builder:

	pool, err := threadpool.NewBuilder("Scan_etl").
		SetMinThreads(8).
		SetMaxThreads(8).
		SetMaxQueueSize(1024).
		SetCPUController(ctl).
		Build()

It starts the minimum number of worker goroutines and adds more, up to the
maximum, when work is submitted while no worker is idle. With a CPU
controller every worker locks its OS thread and attaches the thread id to the
controller before it takes work, so the kernel enforces the group's limit on
exactly those threads. A failed attach during Build fails Build.

PriorityThreadPool has a fixed number of workers serving a priority queue of
PriorityLevels levels.

Submit and Offer never block: a full queue returns ErrQueueFull and a pool
that was shut down returns ErrShutdown. Shutdown stops admission and lets
queued work drain; Wait / Join return once every worker has exited. A panic
in submitted work is recovered and logged; the worker keeps running.

# Tokens

A Token bounds how many functions of one caller run at the same time inside a
shared ThreadPool:

	token, _ := pool.NewToken(threadpool.ModeConcurrent, 4)
	token.Submit(fn)

ModeSerial runs one function at a time in submission order, ModeConcurrent
queues work beyond the limit inside the token and ModeReject fails it with
ErrTokenSaturated. Slots are a golang.org/x/sync/semaphore.Weighted; a slot
freed by a finishing function is handed to the oldest pending function before
new submissions can take it.
*/
package threadpool
