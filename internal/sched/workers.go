package sched

import (
	"context"
	"sync"
)

// RunWorkers starts n goroutines that poll q and call fn for every item until
// ctx is done or q is closed. The returned func waits for them to exit.
func RunWorkers[T any](ctx context.Context, n int, q *Queue[T], fn func(context.Context, T)) (wait func()) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Poll(ctx)
				if err != nil {
					return
				}
				fn(ctx, v)
			}
		}()
	}
	return wg.Wait
}
