package procmgr

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue() (*workQueue, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	wq := NewWorkQueue().(*workQueue)
	wq.now = clock.Now
	return wq, clock
}

func TestWorkQueue_ReadyOrder(t *testing.T) {
	wq, clock := newTestQueue()

	wq.Enqueue("bot_c", 3*time.Second)
	wq.Enqueue("bot_a", time.Second)
	wq.Enqueue("bot_b", 2*time.Second)
	require.Equal(t, 3, wq.Len())

	_, ok := wq.Dequeue()
	assert.False(t, ok, "nothing is ready before the first deadline")

	var got []ProcessID
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		id, ok := wq.Dequeue()
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []ProcessID{"bot_a", "bot_b", "bot_c"}, got)
	assert.Zero(t, wq.Len())
}

func TestWorkQueue_ReEnqueueKeepsEarlierDeadline(t *testing.T) {
	wq, clock := newTestQueue()

	wq.Enqueue("bot_a", 5*time.Second)
	wq.Enqueue("bot_a", time.Second)
	wq.Enqueue("bot_a", 10*time.Second)
	assert.Equal(t, 1, wq.Len())

	clock.Advance(time.Second)
	id, ok := wq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, ProcessID("bot_a"), id)
}

func TestWorkQueue_Remove(t *testing.T) {
	wq, clock := newTestQueue()

	wq.Enqueue("bot_a", time.Second)
	wq.Enqueue("bot_b", 2*time.Second)

	assert.True(t, wq.Remove("bot_a"))
	assert.False(t, wq.Remove("bot_a"))
	assert.False(t, wq.Remove("bot_missing"))
	assert.Equal(t, 1, wq.Len())

	clock.Advance(2 * time.Second)
	id, ok := wq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, ProcessID("bot_b"), id)
}

func TestWorkQueue_WaitSignalsOnEnqueue(t *testing.T) {
	wq := NewWorkQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		wq.Enqueue("bot_a", 0)
	}()

	select {
	case <-wq.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected a queue notification")
	}

	id, ok := wq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, ProcessID("bot_a"), id)
}

func TestWorkQueue_ConcurrentEnqueue(t *testing.T) {
	wq := NewWorkQueue()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			wq.Enqueue(ProcessID(fmt.Sprintf("bot_%02d", n)), 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, wq.Len())
	count := 0
	for {
		if _, ok := wq.Dequeue(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 50, count)
}

func TestJitter(t *testing.T) {
	assert.Equal(t, time.Second, Jitter(time.Second, 0))

	for i := 0; i < 100; i++ {
		d := Jitter(time.Second, 0.5)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second, 3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestExponentialBackoff(t *testing.T) {
	base, max := time.Second, time.Minute

	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{-3, 750 * time.Millisecond, 1250 * time.Millisecond},
		{0, 750 * time.Millisecond, 1250 * time.Millisecond},
		{1, 1500 * time.Millisecond, 2500 * time.Millisecond},
		{3, 6 * time.Second, 10 * time.Second},
		{6, 45 * time.Second, 75 * time.Second},
		{40, 45 * time.Second, 75 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			d := ExponentialBackoff(tt.attempt, base, max)
			assert.GreaterOrEqual(t, d, tt.min)
			assert.LessOrEqual(t, d, tt.max)
		})
	}
}

func BenchmarkWorkQueue_EnqueueDequeue(b *testing.B) {
	wq := NewWorkQueue()
	for i := 0; i < b.N; i++ {
		wq.Enqueue("bot_a", 0)
		wq.Dequeue()
	}
}
