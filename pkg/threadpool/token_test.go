package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, threads int) *ThreadPool {
	t.Helper()
	pool, err := NewBuilder("limited").SetMinThreads(threads).SetMaxThreads(threads).Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Shutdown()
		pool.Wait()
	})
	return pool
}

func TestTokenBoundsConcurrency(t *testing.T) {
	pool := newTestPool(t, 8)
	token, err := pool.NewToken(ModeConcurrent, 3)
	require.NoError(t, err)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		require.NoError(t, token.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load())
	token.Shutdown()
	assert.Equal(t, 0, token.Active())
}

func TestTokenSerialPreservesOrder(t *testing.T) {
	pool := newTestPool(t, 4)
	token, err := pool.NewToken(ModeSerial, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, token.MaxConcurrency())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, token.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	token.Shutdown()

	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestTokenRejectMode(t *testing.T) {
	pool := newTestPool(t, 2)
	token, err := pool.NewToken(ModeReject, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, token.Submit(func() { <-release }))
	assert.ErrorIs(t, token.Submit(func() {}), ErrTokenSaturated)
	assert.Equal(t, 0, token.Pending())

	close(release)
	token.Shutdown()
}

func TestTokenShutdownWaitsAndRejects(t *testing.T) {
	pool := newTestPool(t, 1)
	token, err := pool.NewToken(ModeConcurrent, 1)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, token.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}))
	}

	token.Shutdown()
	assert.Equal(t, int32(5), ran.Load())
	assert.ErrorIs(t, token.Submit(func() {}), ErrTokenShutdown)
}

func TestTokenRunsPendingWhenPoolShutsDown(t *testing.T) {
	pool, err := NewBuilder("closing").SetMinThreads(1).SetMaxThreads(1).Build()
	require.NoError(t, err)
	token, err := pool.NewToken(ModeSerial, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, token.Submit(func() { <-release }))
	for i := 0; i < 3; i++ {
		require.NoError(t, token.Submit(func() { ran.Add(1) }))
	}

	pool.Shutdown()
	close(release)
	token.Shutdown()
	pool.Wait()

	assert.Equal(t, int32(3), ran.Load())
}

func TestNewTokenValidation(t *testing.T) {
	pool := newTestPool(t, 1)

	_, err := pool.NewToken(ModeConcurrent, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = pool.NewToken(ExecutionMode(42), 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, "reject", ModeReject.String())
}

func TestTokenContinueInRejectMode(t *testing.T) {
	pool := newTestPool(t, 2)
	token, err := pool.NewToken(ModeReject, 1)
	require.NoError(t, err)

	var steps atomic.Int32
	done := make(chan struct{})
	var step func()
	step = func() {
		if steps.Add(1) == 3 {
			close(done)
			return
		}
		assert.NoError(t, token.Continue(step))
	}
	require.NoError(t, token.Submit(step))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}
	token.Shutdown()
	assert.Equal(t, int32(3), steps.Load())
	assert.Equal(t, 0, token.Active())
}

func TestParseExecutionMode(t *testing.T) {
	for _, mode := range []ExecutionMode{ModeSerial, ModeConcurrent, ModeReject} {
		parsed, err := ParseExecutionMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}

	_, err := ParseExecutionMode("parallel")
	assert.Error(t, err)
}
