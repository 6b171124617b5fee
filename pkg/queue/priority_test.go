package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByLevel(t *testing.T) {
	q := NewBlockingPriorityQueue[string](3, 10, 0)
	q.Put(2, "low-1")
	q.Put(0, "high-1")
	q.Put(1, "mid-1")
	q.Put(0, "high-2")

	var got []string
	for q.Len() > 0 {
		v, ok := q.BlockingGet()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid-1", "low-1"}, got)
}

func TestPriorityQueueClampsPriority(t *testing.T) {
	q := NewBlockingPriorityQueue[int](2, 10, 0)
	q.Put(99, 1)
	q.Put(-5, 2)

	v, _ := q.BlockingGet()
	assert.Equal(t, 2, v)
	v, _ = q.BlockingGet()
	assert.Equal(t, 1, v)
}

func TestPriorityQueueAging(t *testing.T) {
	q := NewBlockingPriorityQueue[string](2, 100, 3)
	q.Put(1, "starved")
	for i := 0; i < 10; i++ {
		q.Put(0, "urgent")
	}

	var order []string
	for i := 0; i < 3; i++ {
		v, _ := q.BlockingGet()
		order = append(order, v)
	}
	assert.Equal(t, []string{"urgent", "urgent", "starved"}, order)
}

func TestPriorityQueueCapacityAndShutdown(t *testing.T) {
	q := NewBlockingPriorityQueue[int](2, 1, 0)
	assert.True(t, q.TryPut(0, 1))
	assert.False(t, q.TryPut(0, 2))
	assert.Equal(t, 1, q.Cap())

	done := make(chan bool)
	go func() {
		done <- q.Put(1, 3)
	}()
	time.Sleep(50 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not release putter")
	}

	v, ok := q.BlockingGet()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = q.BlockingGet()
	assert.False(t, ok)
}
