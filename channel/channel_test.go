package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, size, low, high int) *Channel {
	t.Helper()
	c, err := New(size, low, high)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRejectsBadWatermarks(t *testing.T) {
	_, err := New(100, 50, 10)
	require.Error(t, err)

	_, err = New(100, 0, 10)
	require.Error(t, err)

	_, err = New(100, 10, 200)
	require.Error(t, err)
}

func TestOnWritableFiresWhenAlreadySatisfied(t *testing.T) {
	c := newTestChannel(t, 4096, 1024, 2048)

	done := make(chan struct{})
	c.OnWritable(10, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestOnWritableNeverFiresInline(t *testing.T) {
	c := newTestChannel(t, 4096, 1024, 2048)

	fired := false
	c.OnWritable(10, func() { fired = true })
	require.False(t, fired, "callback must not run on the calling goroutine synchronously")
}

func TestOnWritableWaitsForThreshold(t *testing.T) {
	c := newTestChannel(t, 4096, 1024, 2048)

	c.Consume(4096) // fill the buffer entirely: 0 bytes free

	done := make(chan struct{})
	c.OnWritable(100, func() { close(done) })

	select {
	case <-done:
		t.Fatal("callback fired before threshold was reached")
	case <-time.After(50 * time.Millisecond):
	}

	c.Commit(200) // now 200 bytes free, satisfies the 100-byte request

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired after threshold satisfied")
	}
}

func TestWakeRequestFIFOOrder(t *testing.T) {
	c := newTestChannel(t, 4096, 1024, 2048)
	c.Consume(4096)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	thresholds := []int{50, 100, 150}
	for i, th := range thresholds {
		wg.Add(1)
		idx := i
		c.OnWritable(th, func() {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			wg.Done()
		})
	}

	c.Commit(200) // satisfies all three at once

	waitOrTimeout(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestWakeRequestPartialSatisfaction(t *testing.T) {
	c := newTestChannel(t, 4096, 1024, 2048)
	c.Consume(4096)

	var mu sync.Mutex
	var fired []int
	notify := func(idx int) func() {
		return func() {
			mu.Lock()
			fired = append(fired, idx)
			mu.Unlock()
		}
	}

	c.OnWritable(50, notify(0))
	c.OnWritable(500, notify(1))

	c.Commit(100) // satisfies only the 50-byte request

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1 && fired[0] == 0
	}, time.Second, time.Millisecond)

	c.Commit(500) // cumulative free now exceeds 500

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2 && fired[1] == 1
	}, time.Second, time.Millisecond)
}

func TestWatermarks(t *testing.T) {
	c := newTestChannel(t, 1000, 100, 500)

	require.True(t, c.BelowLowWatermark())
	require.True(t, c.BelowHighWatermark())

	c.Consume(200)
	require.False(t, c.BelowLowWatermark())
	require.True(t, c.BelowHighWatermark())

	c.Consume(400)
	require.False(t, c.BelowHighWatermark())
}

func TestSetPosterUsedForDispatch(t *testing.T) {
	c := newTestChannel(t, 4096, 1024, 2048)

	var postedOnLoop bool
	var mu sync.Mutex
	c.SetPoster(func(f func()) {
		mu.Lock()
		postedOnLoop = true
		mu.Unlock()
		f()
	})

	done := make(chan struct{})
	c.OnWritable(10, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, postedOnLoop)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callbacks")
	}
}
