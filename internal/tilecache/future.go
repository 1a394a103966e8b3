package tilecache

import (
	"context"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// Future is the pending result of one Request. Every snapshot it hands out is
// an owned reference the receiver must release.
type Future struct {
	c *Cache
	e *entry
}

func (f *Future) Pos() tile.Pos { return f.e.pos }

// Done is closed once the tile is generated, failed or released.
func (f *Future) Done() <-chan struct{} { return f.e.done }

// Then calls fn exactly once with the result. fn runs on the caller's goroutine
// when the result is already known, otherwise on a cache worker.
func (f *Future) Then(fn func(*tile.Snapshot, error)) {
	c, e := f.c, f.e
	c.mu.Lock()
	switch e.state {
	case stateDone:
		s := e.snap.Retain()
		c.mu.Unlock()
		fn(s, nil)
	case stateFailed:
		err := e.err
		c.mu.Unlock()
		fn(nil, err)
	default:
		e.waiters = append(e.waiters, fn)
		c.mu.Unlock()
	}
}

// OnUpdate registers fn to receive each newer snapshot of the tile produced
// after an Invalidate, until the future is released. fn owns the snapshot and
// runs on a cache worker.
func (f *Future) OnUpdate(fn func(*tile.Snapshot)) {
	c, e := f.c, f.e
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == stateFailed {
		return
	}
	if e.watchers == nil {
		e.watchers = make(map[*Future]func(*tile.Snapshot))
	}
	e.watchers[f] = fn
}

// Release drops the reference this future was returned with and stops its
// updates. Call it once.
func (f *Future) Release() { f.c.release(f.e, f) }

// Wait blocks until the result is known or ctx is done.
func (f *Future) Wait(ctx context.Context) (*tile.Snapshot, error) {
	select {
	case <-f.e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c, e := f.c, f.e
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == stateDone {
		return e.snap.Retain(), nil
	}
	return nil, e.err
}
