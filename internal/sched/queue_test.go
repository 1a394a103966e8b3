package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/stretchr/testify/require"
)

func drain[T any](q *Queue[T]) []T {
	var out []T
	for {
		v, ok := q.TryPoll()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := NewQueue[string]()
	q.Push("c1", 3)
	q.Push("a1", 1)
	q.Push("b1", 2)
	q.Push("a2", 1)
	q.Push("c2", 3)
	require.Equal(t, []string{"a1", "a2", "b1", "c1", "c2"}, drain(q))
}

func TestQueue_RemoveAndReprioritize(t *testing.T) {
	q := NewQueue[int]()
	a := q.Push(1, 10)
	b := q.Push(2, 20)
	c := q.Push(3, 30)

	require.True(t, q.Remove(b))
	require.False(t, q.Remove(b))
	require.True(t, q.Reprioritize(c, 5))
	require.Equal(t, 2, q.Len())
	require.Equal(t, []int{3, 1}, drain(q))
	require.False(t, q.Reprioritize(a, 1))
}

func TestQueue_PollBlocksUntilPush(t *testing.T) {
	q := NewQueue[int]()
	got := make(chan int, 1)
	go func() {
		v, err := q.Poll(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(42, 0)
	select {
	case v := <-got:
		require.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatalf("poll did not wake up")
	}
}

func TestQueue_PollHonorsContextAndClose(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Poll(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	q.Push(1, 0)
	left := q.Close()
	require.Equal(t, []int{1}, left)
	_, err = q.Poll(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.Nil(t, q.Push(2, 0))
}

func TestRunWorkers_ProcessesEverything(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	var sum atomic.Int64
	var wg sync.WaitGroup
	wg.Add(100)
	wait := RunWorkers(ctx, 4, q, func(_ context.Context, v int) {
		sum.Add(int64(v))
		wg.Done()
	})
	for i := 1; i <= 100; i++ {
		q.Push(i, int64(i%7))
	}
	wg.Wait()
	cancel()
	wait()
	require.EqualValues(t, 5050, sum.Load())
}

func TestQueue_ConcurrentUseUnderLockDetection(t *testing.T) {
	prevDisable, prevTimeout, prevHook := deadlock.Opts.Disable, deadlock.Opts.DeadlockTimeout, deadlock.Opts.OnPotentialDeadlock
	var flagged atomic.Bool
	deadlock.Opts.Disable = false
	deadlock.Opts.DeadlockTimeout = 2 * time.Second
	deadlock.Opts.OnPotentialDeadlock = func() { flagged.Store(true) }
	t.Cleanup(func() {
		deadlock.Opts.Disable, deadlock.Opts.DeadlockTimeout, deadlock.Opts.OnPotentialDeadlock = prevDisable, prevTimeout, prevHook
	})

	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	var polled atomic.Int64
	wait := RunWorkers(ctx, 4, q, func(context.Context, int) { polled.Add(1) })

	var wg sync.WaitGroup
	var removed atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				it := q.Push(i, int64((g*31+i)%13))
				switch i % 3 {
				case 0:
					if q.Remove(it) {
						removed.Add(1)
					}
				case 1:
					q.Reprioritize(it, -1)
				}
			}
		}(g)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return polled.Load()+removed.Load() == 8*200 }, 5*time.Second, time.Millisecond)
	cancel()
	wait()
	require.Zero(t, q.Len())
	require.False(t, flagged.Load(), "lock order problem reported")
}
