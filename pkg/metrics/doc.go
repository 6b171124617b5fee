/*
Package metrics provides Prometheus instrumentation and health reporting for
the scan schedulers.

Collectors are created per scheduler instance rather than at package init,
so several schedulers (and tests) can live in one process. Every collector
carries a scheduler_id const label naming the instance that owns it. A
workload group scheduler adds a group label, so two instances serving the
same group stay distinct on one registry.

# Lifecycle

	m := metrics.NewSchedulerMetrics(id)
	m.TrackPool("local_scan", localPool)   // before Register
	if err := m.Register(reg); err != nil { // nil registers on the default
		return err
	}
	defer m.Unregister()                    // idempotent

Register fails if the collectors are already registered and rolls back any
partial registration. TrackPool and TrackQueue add GaugeFuncs read at scrape
time, so they must be called before Register.

# Scheduler Metrics

All counters are labelled by pool (local_scan, remote_scan, limited_scan or
Scan_<group> for steps run by a workload group):

	scansched_scan_tasks_submitted_total
	scansched_scan_tasks_resubmitted_total
	scansched_scan_tasks_finished_total
	scansched_scan_tasks_failed_total
	scansched_scan_tasks_rejected_total
	scansched_scan_step_duration_seconds    (histogram)
	scansched_pool_active_threads           (gauge)
	scansched_pool_queue_depth              (gauge)

# Group Metrics

	scansched_group_tasks_executed_total
	scansched_group_tasks_dropped_total
	scansched_group_task_panics_total
	scansched_group_queue_depth             (gauge)

# Timing

Timer measures an operation and records it on a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(m.StepDuration, pool)

# Health

The package also keeps a process wide component registry. Schedulers
register themselves as "scheduler:<id>" and "group:<name>" on start and mark
themselves unhealthy on stop. HealthHandler, ReadyHandler and
LivenessHandler expose it over HTTP next to Handler or HandlerFor:

	mux.Handle("/metrics", metrics.HandlerFor(reg))
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

ReadyHandler with no arguments requires every registered component to be
healthy; passing names restricts readiness to those components.
*/
package metrics
