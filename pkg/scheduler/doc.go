/*
Package scheduler runs scan tasks on worker pools.

It provides two schedulers. ScannerScheduler is the process wide scheduler
that multiplexes many scans over a few threads. SimplifiedScanScheduler runs
the scan closures of one workload group under a CPU ceiling.

# Architecture

	          ScannerContext.Start / RetireTask
	                       │ Submit
	                       ▼
	┌──────────────────────────────────────────────────────┐
	│                  ScannerScheduler                     │
	│  closed? ──► ErrSchedulerStopped (cancellation)       │
	│  workload group? ──► group queue (TryPut)             │
	│  resource class:                                      │
	│    local   ──► local_scan   PriorityThreadPool        │
	│    remote  ──► remote_scan  PriorityThreadPool        │
	│    limited ──► Token ──► limited_scan ThreadPool      │
	└──────────────────────┬───────────────────────────────┘
	                       │ worker picks up task
	                       ▼
	              Begin ─► one Scan step ─► Push batch
	                 │
	     ┌───────────┼──────────────┐
	     ▼           ▼              ▼
	   error        eos        more data
	  Fail+Retire  Finish+Retire  Yield+resubmit to the same pool

A worker serves one step of one task and returns. A long scan therefore
never holds a thread for its whole duration, and the number of scans making
progress is bounded by the pool queues, not by the thread count. A task is
only resubmitted after its step returned, and Begin is a compare-and-swap,
so a task is never executed by two workers at once.

# Global scheduler

	sched := scheduler.NewScannerScheduler()
	if err := sched.Init(scheduler.Env{Config: cfg, Registerer: reg}); err != nil {
		return err
	}
	defer sched.Stop()

	sctx := sched.NewContext(scan.ContextConfig{MaxConcurrency: 4})
	for _, s := range scanners {
		sctx.AddScanner(s)
	}
	sctx.Start(sched)
	for batch := range sctx.Batches() {
		...
	}
	if err := sctx.Status(); err != nil {
		...
	}

Submit never blocks. Each pool admits at most as many tasks as its queue
holds, counting queued and running tasks until they retire. Past that,
Submit returns an error wrapping threadpool.ErrQueueFull and the context
retires the new task with it. A task already admitted always has a queue
slot to return to, so it only ends by finishing, failing its own step,
cancellation or Stop.

Limited scans go through a concurrency token issued by
NewLimitedScanPoolToken. The token decides whether excess tasks wait for a
slot (ModeSerial, ModeConcurrent) or are refused (ModeReject). A running
task hands its next step back through the token without being refused.

# Workload groups

A SimplifiedScanScheduler owns a bounded queue and a fixed pool named
Scan_<group> whose threads are attached to the group's CPU controller.
Each thread runs a loop that takes one SimplifiedScanTask at a time and
calls its closure to completion. Producers either use ScanQueue().Put,
which blocks while the queue is full, or Submit with a context.

	ctl, err := cgroup.New("etl", cgroup.Limits{CPUPercent: 50})
	...
	group := scheduler.NewSimplifiedScanScheduler("etl", ctl, cfg)
	if err := group.Start(); err != nil {
		return err
	}
	defer group.Stop()

	sched.RegisterGroup(group)
	sctx := sched.NewContext(scan.ContextConfig{WorkloadGroup: "etl"})

Contexts naming a registered group are routed to its queue by the global
scheduler and keep the step and resubmit protocol. Routed tasks take one
of the group's admission slots, so a yielded task is requeued behind the
other queued work even when producers have filled the queue.

# Shutdown

ScannerScheduler.Stop flips the stopped flag under the lock Submit reads,
so no task is accepted once Stop started. The pools drain their queues;
every drained task sees the flag and is retired with ErrSchedulerStopped.

SimplifiedScanScheduler.Stop shuts the queue down, releasing every worker
blocked on it, and joins the pool. Tasks still queued are cancelled: their
OnDiscard hook is called with ErrSchedulerStopped, or their context is
failed with it.

Both Stop methods are idempotent.

# Metrics

Each scheduler registers its own collectors, labelled with scheduler_id or
group, at Init/Start and removes them at Stop:

	scansched_scan_tasks_submitted_total{pool}
	scansched_scan_tasks_resubmitted_total{pool}
	scansched_scan_tasks_finished_total{pool}
	scansched_scan_tasks_failed_total{pool}
	scansched_scan_tasks_rejected_total{pool}
	scansched_scan_step_duration_seconds{pool}
	scansched_pool_active_threads{pool}
	scansched_pool_queue_depth{pool}
	scansched_group_queue_depth
	scansched_group_tasks_executed_total
	scansched_group_tasks_dropped_total
	scansched_group_task_panics_total
*/
package scheduler
