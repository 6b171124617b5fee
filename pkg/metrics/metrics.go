package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scansched"

// PoolStats is the view of a worker pool exported as gauges.
type PoolStats interface {
	ActiveThreads() int
	QueueLen() int
}

// registration tracks the collectors of one scheduler instance so they can
// be registered and removed together.
type registration struct {
	mu         sync.Mutex
	collectors []prometheus.Collector
	reg        prometheus.Registerer
}

func (r *registration) add(c prometheus.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
}

// Register adds every collector to reg, or to the default registerer when
// reg is nil. On failure the collectors registered so far are removed again.
func (r *registration) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reg != nil {
		return errors.New("metrics already registered")
	}
	for i, c := range r.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range r.collectors[:i] {
				reg.Unregister(done)
			}
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	r.reg = reg
	return nil
}

// Unregister removes the collectors from the registerer they were added to.
func (r *registration) Unregister() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reg == nil {
		return
	}
	for _, c := range r.collectors {
		r.reg.Unregister(c)
	}
	r.reg = nil
}

// SchedulerMetrics instruments one global scan scheduler. Every series
// carries the scheduler_id constant label so several schedulers can share
// a registry.
type SchedulerMetrics struct {
	registration
	schedulerID string

	// Submitted counts scan tasks accepted by a pool, by pool name.
	Submitted *prometheus.CounterVec
	// Resubmitted counts tasks requeued after a step that did not reach eos.
	Resubmitted *prometheus.CounterVec
	Finished    *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	// Rejected counts submissions refused by a full or stopped pool.
	Rejected *prometheus.CounterVec

	StepDuration *prometheus.HistogramVec
}

// NewSchedulerMetrics creates unregistered collectors for schedulerID.
func NewSchedulerMetrics(schedulerID string) *SchedulerMetrics {
	labels := prometheus.Labels{"scheduler_id": schedulerID}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{"pool"})
	}

	m := &SchedulerMetrics{
		schedulerID: schedulerID,
		Submitted:   counter("scan_tasks_submitted_total", "Total number of scan tasks submitted to a pool"),
		Resubmitted: counter("scan_tasks_resubmitted_total", "Total number of scan tasks resubmitted after a step"),
		Finished:    counter("scan_tasks_finished_total", "Total number of scan tasks that reached end of stream"),
		Failed:      counter("scan_tasks_failed_total", "Total number of scan tasks retired with an error"),
		Rejected:    counter("scan_tasks_rejected_total", "Total number of scan task submissions refused by a pool"),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "scan_step_duration_seconds",
			Help:        "Duration of a single scan step in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"pool"}),
	}
	m.add(m.Submitted)
	m.add(m.Resubmitted)
	m.add(m.Finished)
	m.add(m.Failed)
	m.add(m.Rejected)
	m.add(m.StepDuration)
	return m
}

// TrackPool exports the active threads and queue depth of a pool. It must
// be called before Register.
func (m *SchedulerMetrics) TrackPool(pool string, stats PoolStats) {
	labels := prometheus.Labels{"scheduler_id": m.schedulerID, "pool": pool}
	m.add(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_active_threads",
		Help:        "Number of pool threads currently running a scan step",
		ConstLabels: labels,
	}, func() float64 { return float64(stats.ActiveThreads()) }))
	m.add(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_queue_depth",
		Help:        "Number of scan tasks waiting in a pool queue",
		ConstLabels: labels,
	}, func() float64 { return float64(stats.QueueLen()) }))
}

// GroupMetrics instruments one per workload group scheduler.
type GroupMetrics struct {
	registration
	labels prometheus.Labels

	// Executed counts closures taken from the group queue and run.
	Executed prometheus.Counter
	// Dropped counts tasks still queued when the scheduler stopped.
	Dropped prometheus.Counter
	Panics  prometheus.Counter
}

// NewGroupMetrics creates unregistered collectors for one scheduler
// instance of group. Schedulers of the same group are told apart by
// schedulerID.
func NewGroupMetrics(group, schedulerID string) *GroupMetrics {
	labels := prometheus.Labels{"group": group, "scheduler_id": schedulerID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &GroupMetrics{
		labels:   labels,
		Executed: counter("group_tasks_executed_total", "Total number of scan closures run by a workload group"),
		Dropped:  counter("group_tasks_dropped_total", "Total number of queued scan closures cancelled at stop"),
		Panics:   counter("group_task_panics_total", "Total number of scan closures that panicked"),
	}
	m.add(m.Executed)
	m.add(m.Dropped)
	m.add(m.Panics)
	return m
}

// TrackQueue exports the depth of the group queue. It must be called
// before Register.
func (m *GroupMetrics) TrackQueue(depth func() int) {
	m.add(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "group_queue_depth",
		Help:        "Number of scan closures waiting in a workload group queue",
		ConstLabels: m.labels,
	}, func() float64 { return float64(depth()) }))
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler serving g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
