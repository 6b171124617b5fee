package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/scansched/pkg/config"
	"github.com/cuemby/scansched/pkg/scan"
	"github.com/cuemby/scansched/pkg/threadpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestScannerSchedulerMultiplexesSteps tests that 5 three-step scans on a
// two-thread pool deliver every batch and retire every task once.
func TestScannerSchedulerMultiplexesSteps(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())
	sctx := sched.NewContext(scan.ContextConfig{MaxConcurrency: 5})
	scanners := newTestScanners(5, 3, scan.ResourceLocal)

	startContext(t, sched, sctx, scanners)
	batches := collect(t, sctx)

	assert.Len(t, batches, 15)
	assert.NoError(t, sctx.Status())

	stats := sctx.Stats()
	assert.Equal(t, int64(5), stats.Retired)
	assert.Equal(t, int64(5), stats.Succeeded)
	assert.Equal(t, 0, stats.InFlight)

	for _, s := range scanners {
		assert.Equal(t, int32(3), s.calls.Load(), "scanner %s steps", s.id)
		assert.Equal(t, int32(1), s.maxRunning.Load(), "scanner %s ran concurrently with itself", s.id)
		assert.Equal(t, int32(1), s.closed.Load())
	}

	assert.Equal(t, 5.0, testutil.ToFloat64(sched.metrics.Submitted.WithLabelValues(poolLocal)))
	assert.Equal(t, 10.0, testutil.ToFloat64(sched.metrics.Resubmitted.WithLabelValues(poolLocal)))
	assert.Equal(t, 5.0, testutil.ToFloat64(sched.metrics.Finished.WithLabelValues(poolLocal)))
}

// TestScannerSchedulerRoutesByResource tests local, remote and limited
// routing.
func TestScannerSchedulerRoutesByResource(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())

	remote := sched.NewContext(scan.ContextConfig{MaxConcurrency: 3})
	startContext(t, sched, remote, newTestScanners(3, 2, scan.ResourceRemote))
	assert.Len(t, collect(t, remote), 6)
	assert.NoError(t, remote.Status())

	token, err := sched.NewLimitedScanPoolToken(threadpool.ModeConcurrent, 2)
	require.NoError(t, err)
	limited := sched.NewContext(scan.ContextConfig{MaxConcurrency: 6, Token: token})
	var running, peak atomic.Int32
	scanners := newTestScanners(6, 2, scan.ResourceLocal)
	for _, s := range scanners {
		s.shared, s.sharedHi = &running, &peak
		s.delay = 2 * time.Millisecond
	}
	startContext(t, sched, limited, scanners)
	assert.Len(t, collect(t, limited), 12)
	assert.NoError(t, limited.Status())
	assert.LessOrEqual(t, peak.Load(), int32(2))

	assert.Equal(t, 3.0, testutil.ToFloat64(sched.metrics.Submitted.WithLabelValues(poolRemote)))
	assert.Equal(t, 6.0, testutil.ToFloat64(sched.metrics.Submitted.WithLabelValues(poolLimited)))
	assert.Equal(t, 0.0, testutil.ToFloat64(sched.metrics.Submitted.WithLabelValues(poolLocal)))
}

// TestScannerSchedulerRejectTokenKeepsRunningTasks tests that a task admitted
// by a ModeReject token is not refused when it resubmits itself.
func TestScannerSchedulerRejectTokenKeepsRunningTasks(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())
	token, err := sched.NewLimitedScanPoolToken(threadpool.ModeReject, 1)
	require.NoError(t, err)

	sctx := sched.NewContext(scan.ContextConfig{MaxConcurrency: 1, Token: token})
	startContext(t, sched, sctx, newTestScanners(2, 3, scan.ResourceLocal))

	assert.Len(t, collect(t, sctx), 6)
	assert.NoError(t, sctx.Status())
}

// TestScannerSchedulerFirstErrorWins tests that the first failure becomes the
// context status and later failures are dropped.
func TestScannerSchedulerFirstErrorWins(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())
	e1 := errors.New("checksum mismatch")
	e2 := errors.New("read timeout")

	a := &testScanner{id: "a", fn: func(context.Context, int) (*scan.Batch, bool, error) {
		return nil, false, e1
	}}
	b := &testScanner{id: "b", fn: func(ctx context.Context, _ int) (*scan.Batch, bool, error) {
		<-ctx.Done()
		return nil, false, e2
	}}

	sctx := sched.NewContext(scan.ContextConfig{MaxConcurrency: 2})
	startContext(t, sched, sctx, []*testScanner{b, a})

	assert.Empty(t, collect(t, sctx))
	assert.Equal(t, e1, sctx.Status())
	assert.Equal(t, int64(2), sctx.Stats().Failed)
}

// TestScannerSchedulerQueueFull tests that a full pool refuses new scans
// while the scan it already admitted keeps requeueing until it finishes.
func TestScannerSchedulerQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.LocalPoolSize = 1
	cfg.LocalQueueSize = 1
	sched, _ := newTestScheduler(t, cfg)

	admitted := &testScanner{id: "admitted", steps: 3, delay: 50 * time.Millisecond}
	first := sched.NewContext(scan.ContextConfig{})
	startContext(t, sched, first, []*testScanner{admitted})
	require.Eventually(t, func() bool { return admitted.running.Load() == 1 }, 5*time.Second, time.Millisecond)

	late := sched.NewContext(scan.ContextConfig{})
	startContext(t, sched, late, newTestScanners(1, 1, scan.ResourceLocal))

	assert.Empty(t, collect(t, late))
	assert.ErrorIs(t, late.Status(), threadpool.ErrQueueFull)

	assert.Len(t, collect(t, first), 3)
	assert.NoError(t, first.Status())
	assert.Equal(t, int32(3), admitted.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(sched.metrics.Resubmitted.WithLabelValues(poolLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(sched.metrics.Rejected.WithLabelValues(poolLocal)))
	assert.Equal(t, 0, sched.localSlots.inFlight())

	// The retired scan's slot is free again.
	next := sched.NewContext(scan.ContextConfig{})
	startContext(t, sched, next, newTestScanners(1, 2, scan.ResourceLocal))
	assert.Len(t, collect(t, next), 2)
	assert.NoError(t, next.Status())
}

// TestScannerSchedulerLimitedQueueFull tests the same admission rule for
// scans continued through a limited pool token.
func TestScannerSchedulerLimitedQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.LimitedPoolSize = 1
	cfg.LimitedQueueSize = 1
	sched, _ := newTestScheduler(t, cfg)

	token, err := sched.NewLimitedScanPoolToken(threadpool.ModeConcurrent, 1)
	require.NoError(t, err)

	admitted := &testScanner{id: "admitted", steps: 3, delay: 50 * time.Millisecond}
	first := sched.NewContext(scan.ContextConfig{Token: token})
	startContext(t, sched, first, []*testScanner{admitted})
	require.Eventually(t, func() bool { return admitted.running.Load() == 1 }, 5*time.Second, time.Millisecond)

	late := sched.NewContext(scan.ContextConfig{Token: token})
	startContext(t, sched, late, newTestScanners(1, 1, scan.ResourceLocal))

	assert.Empty(t, collect(t, late))
	assert.ErrorIs(t, late.Status(), threadpool.ErrQueueFull)

	assert.Len(t, collect(t, first), 3)
	assert.NoError(t, first.Status())
	assert.Equal(t, 2.0, testutil.ToFloat64(sched.metrics.Resubmitted.WithLabelValues(poolLimited)))
	assert.Equal(t, 0, sched.limitedSlots.inFlight())
}

// TestScannerSchedulerRecoversPanickingScanner tests that a panic in a scan
// step becomes the context status.
func TestScannerSchedulerRecoversPanickingScanner(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())
	s := &testScanner{id: "bad", fn: func(context.Context, int) (*scan.Batch, bool, error) {
		panic("nil page")
	}}

	sctx := sched.NewContext(scan.ContextConfig{})
	startContext(t, sched, sctx, []*testScanner{s})
	collect(t, sctx)

	require.Error(t, sctx.Status())
	assert.Contains(t, sctx.Status().Error(), "panicked")
}

func TestScannerSchedulerSubmitPreconditions(t *testing.T) {
	sctx := scan.NewContext(scan.ContextConfig{})
	task, err := sctx.NewTask(&testScanner{id: "x"})
	require.NoError(t, err)
	defer sctx.RetireTask(task, nil)

	uninitialized := NewScannerScheduler()
	assert.ErrorIs(t, uninitialized.Submit(sctx, task), ErrNotInitialized)
	_, err = uninitialized.NewLimitedScanPoolToken(threadpool.ModeSerial, 1)
	assert.ErrorIs(t, err, ErrNotInitialized)

	sched, _ := newTestScheduler(t, testConfig())
	other := scan.NewContext(scan.ContextConfig{})
	assert.ErrorIs(t, sched.Submit(other, task), scan.ErrForeignTask)
}

func TestScannerSchedulerInitTwice(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())
	assert.ErrorIs(t, sched.Init(Env{Config: testConfig(), Registerer: prometheus.NewRegistry()}), ErrAlreadyInitialized)
}

func TestScannerSchedulerInitInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LocalPoolSize = 0

	sched := NewScannerScheduler()
	defer sched.Stop()
	require.ErrorIs(t, sched.Init(Env{Config: cfg, Registerer: prometheus.NewRegistry()}), config.ErrInvalidConfig)

	sctx := scan.NewContext(scan.ContextConfig{})
	task, err := sctx.NewTask(&testScanner{id: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, sched.Submit(sctx, task), ErrNotInitialized)
	sctx.RetireTask(task, nil)
}

// TestScannerSchedulerRejectsAfterStop tests that Submit after Stop returns a
// cancellation error and enqueues nothing.
func TestScannerSchedulerRejectsAfterStop(t *testing.T) {
	sched, _ := newTestScheduler(t, testConfig())
	sched.Stop()
	assert.True(t, sched.IsStopped())

	before := sched.local.QueueLen()
	sctx := scan.NewContext(scan.ContextConfig{})
	task, err := sctx.NewTask(&testScanner{id: "late"})
	require.NoError(t, err)

	err = sched.Submit(sctx, task)
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.True(t, scan.IsCancelled(err))
	assert.Equal(t, before, sched.local.QueueLen())

	_, err = sched.NewLimitedScanPoolToken(threadpool.ModeConcurrent, 2)
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	task.Fail(err)
	sctx.RetireTask(task, err)
	assert.True(t, scan.IsCancelled(sctx.Status()))

	// Started contexts fail fast as well.
	late := scan.NewContext(scan.ContextConfig{MaxConcurrency: 2})
	startContext(t, sched, late, newTestScanners(2, 3, scan.ResourceRemote))
	assert.Empty(t, collect(t, late))
	assert.ErrorIs(t, late.Status(), ErrSchedulerStopped)
}

// TestScannerSchedulerStopDuringSubmit tests that every context finishes when
// Stop races with submissions, either cleanly or cancelled.
func TestScannerSchedulerStopDuringSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.LocalQueueSize = 256
	sched, _ := newTestScheduler(t, cfg)

	contexts := make(chan *scan.ScannerContext, 64)
	var g errgroup.Group
	for p := 0; p < 8; p++ {
		g.Go(func() error {
			for i := 0; i < 8; i++ {
				sctx := sched.NewContext(scan.ContextConfig{MaxConcurrency: 2})
				for _, s := range newTestScanners(3, 3, scan.ResourceLocal) {
					if err := sctx.AddScanner(s); err != nil {
						return err
					}
				}
				_ = sctx.Start(sched)
				contexts <- sctx
			}
			return nil
		})
	}

	time.Sleep(2 * time.Millisecond)
	sched.Stop()
	sched.Stop()
	require.NoError(t, g.Wait())
	close(contexts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for sctx := range contexts {
		err := sctx.Wait(ctx)
		require.NotErrorIs(t, err, context.DeadlineExceeded, "context %s never finished", sctx.ID())
		if err != nil {
			assert.True(t, scan.IsCancelled(err), "unexpected status %v", err)
		} else {
			assert.Equal(t, int64(3), sctx.Stats().Succeeded)
		}
		assert.Equal(t, 0, sctx.Stats().InFlight)
	}
}

func TestScannerSchedulerStopIdempotent(t *testing.T) {
	NewScannerScheduler().Stop()

	sched, _ := newTestScheduler(t, testConfig())
	sched.Stop()
	sched.Stop()
	assert.ErrorIs(t, sched.Init(Env{Config: testConfig()}), ErrAlreadyInitialized)
}

// TestScannerSchedulerMetricsLifecycle tests that metrics are scoped to the
// scheduler instance and removed at Stop.
func TestScannerSchedulerMetricsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewScannerScheduler()
	require.NoError(t, first.Init(Env{Config: testConfig(), Registerer: reg}))
	second := NewScannerScheduler()
	require.NoError(t, second.Init(Env{Config: testConfig(), Registerer: reg}))

	count, err := testutil.GatherAndCount(reg, "scansched_pool_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	first.Stop()
	count, err = testutil.GatherAndCount(reg, "scansched_pool_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	second.Stop()
	count, err = testutil.GatherAndCount(reg, "scansched_pool_active_threads")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRemoteThreadPoolMaxSize(t *testing.T) {
	assert.Equal(t, config.Default().RemotePoolMaxSize, NewScannerScheduler().RemoteThreadPoolMaxSize())

	cfg := testConfig()
	cfg.RemotePoolMaxSize = 48
	sched, _ := newTestScheduler(t, cfg)
	assert.Equal(t, 48, sched.RemoteThreadPoolMaxSize())
}

func TestNewContextUsesConfiguredDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxConcurrency = 7
	sched, _ := newTestScheduler(t, cfg)

	assert.Equal(t, 7, sched.NewContext(scan.ContextConfig{}).MaxConcurrency())
	assert.Equal(t, 2, sched.NewContext(scan.ContextConfig{MaxConcurrency: 2}).MaxConcurrency())
}
