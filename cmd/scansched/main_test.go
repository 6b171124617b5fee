package main

import (
	"fmt"
	"testing"

	"github.com/cuemby/scansched/pkg/scan"
	"github.com/cuemby/scansched/pkg/scheduler"
	"github.com/cuemby/scansched/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestSeedThenScan(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, execute(t, "tablet", "seed", "orders", "--data-dir", dir, "--blocks", "8", "--rows", "10"))
	require.NoError(t, execute(t, "tablet", "list", "--data-dir", dir))

	require.NoError(t, execute(t, "run",
		"--data-dir", dir, "--tablet", "orders", "--scans", "3", "--blocks-per-scanner", "2"))
	require.NoError(t, execute(t, "run",
		"--data-dir", dir, "--tablet", "orders", "--scans", "2", "--remote", "--limit", "2"))
	require.NoError(t, execute(t, "group",
		"--data-dir", dir, "--tablet", "orders", "--name", "etl", "--scans", "2"))
}

func TestRunEmptyTablet(t *testing.T) {
	err := execute(t, "run", "--data-dir", t.TempDir(), "--tablet", "missing", "--scans", "1")
	assert.Error(t, err)
}

func TestRunRejectsBadFlags(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, execute(t, "run", "--data-dir", dir, "--scans", "0"))
	assert.Error(t, execute(t, "run", "--data-dir", dir, "--scans", "1", "--limit-mode", "parallel"))
	assert.Error(t, execute(t, "group", "--data-dir", dir, "--name", ""))
}

func TestConfigCommand(t *testing.T) {
	require.NoError(t, execute(t, "config"))
	assert.Error(t, execute(t, "config", "--config", "/nonexistent/scansched.yaml"))
}

func TestBuildContextsStartsNothing(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	for b := 0; b < 4; b++ {
		_, err := store.AppendBlock("orders", [][]byte{[]byte(fmt.Sprintf("row-%d", b))})
		require.NoError(t, err)
	}

	sched := scheduler.NewScannerScheduler()
	opts := scanOptions{tablet: "orders", scans: 3, blocksPerScanner: 2}

	contexts, err := buildContexts(sched, store, opts, nil, scan.ContextConfig{})
	require.NoError(t, err)
	require.Len(t, contexts, 3)
	for _, sctx := range contexts {
		assert.Equal(t, int64(0), sctx.Stats().Dispatched)
		assert.False(t, sctx.IsDone())
		sctx.Cancel()
	}

	opts.tablet = "missing"
	contexts, err = buildContexts(sched, store, opts, nil, scan.ContextConfig{})
	assert.ErrorIs(t, err, storage.ErrTabletNotFound)
	assert.Empty(t, contexts)
}
