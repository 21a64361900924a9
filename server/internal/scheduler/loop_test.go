package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_SerialProcessing(t *testing.T) {
	loop := NewLoop("test", nil)
	defer loop.Close()

	var mu sync.Mutex
	var processed []int
	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() {
			mu.Lock()
			processed = append(processed, i)
			mu.Unlock()
		})
	}

	require.NoError(t, loop.Call(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, processed)
}

func TestLoop_ConcurrentPost(t *testing.T) {
	loop := NewLoop("test", nil)
	defer loop.Close()

	var count int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				loop.Post(func() { atomic.AddInt64(&count, 1) })
			}
		}()
	}
	wg.Wait()

	require.NoError(t, loop.Call(context.Background(), func() {}))
	assert.Equal(t, int64(100), atomic.LoadInt64(&count))
}

func TestLoop_AfterFuncRunsOnLoop(t *testing.T) {
	loop := NewLoop("test", nil)
	defer loop.Close()

	fired := make(chan struct{})
	loop.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoop_CancelledTimerNeverRuns(t *testing.T) {
	loop := NewLoop("test", nil)
	defer loop.Close()

	var ran atomic.Bool
	h := loop.AfterFunc(20*time.Millisecond, func() { ran.Store(true) })
	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "second cancel reports already cancelled")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, loop.Call(context.Background(), func() {}))
	assert.False(t, ran.Load())
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	loop := NewLoop("test", nil)
	defer loop.Close()

	loop.Post(func() { panic("boom") })

	var ran atomic.Bool
	require.NoError(t, loop.Call(context.Background(), func() { ran.Store(true) }))
	assert.True(t, ran.Load())
	assert.Equal(t, int64(1), loop.Stats()["panicked_tasks"])
}

func TestLoop_CallAfterCloseFails(t *testing.T) {
	loop := NewLoop("test", nil)
	require.NoError(t, loop.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, loop.Call(ctx, func() {}))
}
