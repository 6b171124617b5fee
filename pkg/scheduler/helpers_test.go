package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/scansched/pkg/config"
	"github.com/cuemby/scansched/pkg/scan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LocalPoolSize = 2
	cfg.LocalQueueSize = 64
	cfg.RemotePoolSize = 2
	cfg.RemoteQueueSize = 64
	cfg.LimitedPoolSize = 2
	cfg.LimitedQueueSize = 64
	cfg.GroupThreadCount = 2
	cfg.GroupQueueCapacity = 64
	cfg.DefaultMaxConcurrency = 4
	cfg.OutputQueueCapacity = 64
	return cfg
}

func newTestScheduler(t *testing.T, cfg *config.Config) (*ScannerScheduler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sched := NewScannerScheduler()
	require.NoError(t, sched.Init(Env{Config: cfg, Registerer: reg}))
	t.Cleanup(sched.Stop)
	return sched, reg
}

// testScanner produces one single-row batch per step and reaches eos after
// steps calls. It records how many callers are inside Scan at once.
type testScanner struct {
	id       string
	steps    int
	resource scan.ResourceClass
	fn       func(ctx context.Context, n int) (*scan.Batch, bool, error)
	shared   *atomic.Int32
	sharedHi *atomic.Int32
	delay    time.Duration

	calls      atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32
	closed     atomic.Int32
}

func newTestScanners(n, steps int, resource scan.ResourceClass) []*testScanner {
	scanners := make([]*testScanner, n)
	for i := range scanners {
		scanners[i] = &testScanner{id: fmt.Sprintf("scanner-%d", i), steps: steps, resource: resource}
	}
	return scanners
}

func raiseMax(hi *atomic.Int32, n int32) {
	for {
		cur := hi.Load()
		if n <= cur || hi.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *testScanner) ID() string                   { return s.id }
func (s *testScanner) Resource() scan.ResourceClass { return s.resource }
func (s *testScanner) Close() error                 { s.closed.Add(1); return nil }

func (s *testScanner) Scan(ctx context.Context) (*scan.Batch, bool, error) {
	raiseMax(&s.maxRunning, s.running.Add(1))
	defer s.running.Add(-1)
	if s.shared != nil {
		raiseMax(s.sharedHi, s.shared.Add(1))
		defer s.shared.Add(-1)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	n := int(s.calls.Add(1))
	if s.fn != nil {
		return s.fn(ctx, n)
	}
	batch := &scan.Batch{ScannerID: s.id, Seq: n, Rows: [][]byte{[]byte(fmt.Sprintf("%s/%d", s.id, n))}}
	return batch, n >= s.steps, nil
}

func startContext(t *testing.T, sub scan.Submitter, sctx *scan.ScannerContext, scanners []*testScanner) {
	t.Helper()
	for _, s := range scanners {
		require.NoError(t, sctx.AddScanner(s))
	}
	require.NoError(t, sctx.Start(sub))
}

func collect(t *testing.T, sctx *scan.ScannerContext) []*scan.Batch {
	t.Helper()
	var batches []*scan.Batch
	timeout := time.After(10 * time.Second)
	for {
		select {
		case b, ok := <-sctx.Batches():
			if !ok {
				return batches
			}
			batches = append(batches, b)
		case <-timeout:
			t.Fatalf("scanner context %s did not finish, stats %+v", sctx.ID(), sctx.Stats())
		}
	}
}
