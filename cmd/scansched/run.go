package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/scansched/pkg/cgroup"
	"github.com/cuemby/scansched/pkg/config"
	"github.com/cuemby/scansched/pkg/events"
	"github.com/cuemby/scansched/pkg/log"
	"github.com/cuemby/scansched/pkg/scan"
	"github.com/cuemby/scansched/pkg/scanner"
	"github.com/cuemby/scansched/pkg/scheduler"
	"github.com/cuemby/scansched/pkg/storage"
	"github.com/cuemby/scansched/pkg/threadpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan a tablet with the global scheduler",
	Long: `Run one or more concurrent scans of a tablet through the global scan
scheduler and report the batches and rows each scan produced.

Scanners run on the local pool by default. --remote moves them to the
remote pool and --limit routes them through a limited pool token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := scanOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		return runScans(cmd, opts)
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Scan a tablet inside a CPU capped workload group",
	Long: `Run scans through a per workload group scheduler. The group's worker
threads are attached to a cpu cgroup when --cpu-percent is set and the host
supports it; otherwise the group runs uncapped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := scanOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		opts.group, _ = cmd.Flags().GetString("name")
		opts.cpuPercent, _ = cmd.Flags().GetInt("cpu-percent")
		if opts.group == "" {
			return fmt.Errorf("--name is required")
		}
		return runScans(cmd, opts)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, groupCmd} {
		cmd.Flags().String("data-dir", "./scansched-data", "Directory holding the tablet store")
		cmd.Flags().String("tablet", "orders", "Tablet to scan")
		cmd.Flags().Int("scans", 4, "Number of concurrent scans of the tablet")
		cmd.Flags().Int("blocks-per-scanner", 4, "Blocks assigned to each scanner")
		cmd.Flags().Int("blocks-per-step", 1, "Blocks a scanner reads per step")
		cmd.Flags().Int("max-concurrency", 0, "Scanner tasks in flight per scan (0 uses the config default)")
		cmd.Flags().String("metrics-addr", "", "Serve /metrics, /health, /ready and /live on this address")
		cmd.Flags().Duration("timeout", 0, "Cancel the scans after this long (0 waits forever)")
	}
	runCmd.Flags().Bool("remote", false, "Run scanners on the remote pool")
	runCmd.Flags().Int("limit", 0, "Route scanners through a limited pool token with this concurrency")
	runCmd.Flags().String("limit-mode", "concurrent", "Token execution mode (serial, concurrent, reject)")

	groupCmd.Flags().String("name", "", "Workload group name")
	groupCmd.Flags().Int("cpu-percent", 0, "Hard CPU ceiling for the group as a percentage of all cores")
}

type scanOptions struct {
	dataDir          string
	tablet           string
	scans            int
	blocksPerScanner int
	blocksPerStep    int
	maxConcurrency   int
	metricsAddr      string
	timeout          time.Duration

	remote    bool
	limit     int
	limitMode threadpool.ExecutionMode

	group      string
	cpuPercent int
}

func scanOptionsFromFlags(cmd *cobra.Command) (scanOptions, error) {
	var opts scanOptions
	opts.dataDir, _ = cmd.Flags().GetString("data-dir")
	opts.tablet, _ = cmd.Flags().GetString("tablet")
	opts.scans, _ = cmd.Flags().GetInt("scans")
	opts.blocksPerScanner, _ = cmd.Flags().GetInt("blocks-per-scanner")
	opts.blocksPerStep, _ = cmd.Flags().GetInt("blocks-per-step")
	opts.maxConcurrency, _ = cmd.Flags().GetInt("max-concurrency")
	opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	opts.timeout, _ = cmd.Flags().GetDuration("timeout")

	if cmd.Flags().Lookup("remote") != nil {
		opts.remote, _ = cmd.Flags().GetBool("remote")
		opts.limit, _ = cmd.Flags().GetInt("limit")
		mode, _ := cmd.Flags().GetString("limit-mode")
		m, err := threadpool.ParseExecutionMode(mode)
		if err != nil {
			return opts, err
		}
		opts.limitMode = m
	}

	if opts.scans <= 0 {
		return opts, fmt.Errorf("--scans must be positive, got %d", opts.scans)
	}
	return opts, nil
}

type scanResult struct {
	id      string
	batches int64
	rows    int64
	status  error
	elapsed time.Duration
}

func runScans(cmd *cobra.Command, opts scanOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("cli")

	store, err := storage.NewBoltStore(opts.dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := newRegistry()
	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, reg)
		defer stop()
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go logEvents(sub)

	sched := scheduler.NewScannerScheduler()
	if err := sched.Init(scheduler.Env{Config: cfg, Registerer: reg, Events: broker}); err != nil {
		return err
	}
	defer sched.Stop()

	if opts.group != "" {
		g, release, err := startGroup(opts, cfg, reg, broker)
		if err != nil {
			return err
		}
		defer release()
		if err := sched.RegisterGroup(g); err != nil {
			return err
		}
		defer sched.UnregisterGroup(g.GroupName())
	}

	var token *threadpool.Token
	if opts.limit > 0 {
		token, err = sched.NewLimitedScanPoolToken(opts.limitMode, opts.limit)
		if err != nil {
			return err
		}
		defer token.Shutdown()
	}

	parent, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		parent, cancel = context.WithTimeout(parent, opts.timeout)
		defer cancel()
	}

	scannerOpts := []scanner.Option{scanner.WithBlocksPerStep(opts.blocksPerStep)}
	if opts.remote {
		scannerOpts = append(scannerOpts, scanner.WithResource(scan.ResourceRemote))
	}

	fmt.Printf("Scanning tablet %s with %d concurrent scans...\n", opts.tablet, opts.scans)
	if opts.group != "" {
		fmt.Printf("  Workload group: %s\n", opts.group)
	}
	fmt.Println()

	contexts, err := buildContexts(sched, store, opts, scannerOpts, scan.ContextConfig{
		MaxConcurrency: opts.maxConcurrency,
		Token:          token,
		WorkloadGroup:  opts.group,
		Events:         broker,
		Parent:         parent,
	})
	if err != nil {
		return err
	}

	results := make([]scanResult, len(contexts))
	var g errgroup.Group
	for i, sctx := range contexts {
		i, sctx := i, sctx
		g.Go(func() error {
			results[i] = consume(sctx, sched)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		if r.status != nil {
			failed++
			fmt.Printf("✗ %s: %d batches, %d rows in %s: %v\n", r.id, r.batches, r.rows, r.elapsed.Round(time.Millisecond), r.status)
			continue
		}
		fmt.Printf("✓ %s: %d batches, %d rows in %s\n", r.id, r.batches, r.rows, r.elapsed.Round(time.Millisecond))
	}
	if dropped := broker.Dropped(); dropped > 0 {
		logger.Warn().Int64("dropped", dropped).Msg("events dropped")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(results))
	}
	return nil
}

// buildContexts creates every scan before any starts, so a tablet that
// cannot be split leaves nothing running.
func buildContexts(sched *scheduler.ScannerScheduler, store *storage.BoltStore, opts scanOptions, scannerOpts []scanner.Option, base scan.ContextConfig) ([]*scan.ScannerContext, error) {
	var contexts []*scan.ScannerContext
	abort := func(err error) ([]*scan.ScannerContext, error) {
		for _, sctx := range contexts {
			sctx.Cancel()
		}
		return nil, err
	}

	for i := 0; i < opts.scans; i++ {
		scanners, err := scanner.Split(store, opts.tablet, opts.blocksPerScanner, scannerOpts...)
		if err != nil {
			return abort(err)
		}
		if len(scanners) == 0 {
			return abort(fmt.Errorf("tablet %s has no blocks, seed it with 'scansched tablet seed'", opts.tablet))
		}

		cfg := base
		cfg.ID = fmt.Sprintf("%s-scan-%d", opts.tablet, i)
		cfg.Priority = i
		sctx := sched.NewContext(cfg)
		contexts = append(contexts, sctx)
		for _, s := range scanners {
			if err := sctx.AddScanner(s); err != nil {
				return abort(err)
			}
		}
	}
	return contexts, nil
}

// consume starts sctx and drains its batches until the scan finishes.
func consume(sctx *scan.ScannerContext, sched *scheduler.ScannerScheduler) scanResult {
	res := scanResult{id: sctx.ID()}
	start := time.Now()

	if err := sctx.Start(sched); err != nil {
		res.status = err
		return res
	}

	for b := range sctx.Batches() {
		res.batches++
		res.rows += int64(len(b.Rows))
	}
	res.status = sctx.Status()
	res.elapsed = time.Since(start)
	return res
}

// startGroup starts the workload group scheduler, capped by a cpu cgroup
// when requested. The returned function stops the group and removes its
// cgroup.
func startGroup(opts scanOptions, cfg *config.Config, reg prometheus.Registerer, broker *events.Broker) (*scheduler.SimplifiedScanScheduler, func(), error) {
	logger := log.WithGroup(opts.group)

	var (
		ctl     cgroup.CPUController
		cleanup = func() {}
	)
	if opts.cpuPercent > 0 {
		c, err := cgroup.New(opts.group, cgroup.Limits{CPUPercent: opts.cpuPercent})
		switch {
		case err == nil:
			ctl = c
			cleanup = func() {
				if err := c.Delete(); err != nil {
					logger.Warn().Err(err).Msg("failed to remove cpu cgroup")
				}
			}
		case errors.Is(err, cgroup.ErrInvalidLimit):
			return nil, nil, err
		default:
			logger.Warn().Err(err).Msg("cpu cgroup unavailable, running group uncapped")
		}
	}

	g := scheduler.NewSimplifiedScanScheduler(opts.group, ctl, cfg,
		scheduler.WithRegisterer(reg),
		scheduler.WithEvents(broker),
	)
	if err := g.Start(); err != nil {
		cleanup()
		return nil, nil, err
	}
	return g, func() {
		g.Stop()
		cleanup()
	}, nil
}

// logEvents writes lifecycle events to the debug log until sub is closed.
func logEvents(sub events.Subscriber) {
	for ev := range sub {
		log.Logger.Debug().
			Str("event", string(ev.Type)).
			Interface("metadata", ev.Metadata).
			Msg(ev.Message)
	}
}
