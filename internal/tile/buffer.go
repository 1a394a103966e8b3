package tile

import (
	"sync"
	"sync/atomic"
)

// BufferPool recycles payload buffers and counts the ones still alive.
type BufferPool struct {
	pool sync.Pool

	live      atomic.Int64
	liveBytes atomic.Int64
}

func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

// Buffer is a handle on one pooled allocation. Release must be called exactly once.
type Buffer struct {
	pool     *BufferPool
	b        []byte
	released atomic.Bool
}

// Get returns a buffer of length n.
func (p *BufferPool) Get(n int) *Buffer {
	var b []byte
	if v, ok := p.pool.Get().(*[]byte); ok && cap(*v) >= n {
		b = (*v)[:n]
	} else {
		if ok {
			p.pool.Put(v)
		}
		b = make([]byte, n)
	}
	p.live.Add(1)
	p.liveBytes.Add(int64(cap(b)))
	return &Buffer{pool: p, b: b}
}

// Copy returns a pooled buffer holding a copy of src.
func (p *BufferPool) Copy(src []byte) *Buffer {
	buf := p.Get(len(src))
	copy(buf.b, src)
	return buf
}

// Live is the number of buffers handed out and not yet released.
func (p *BufferPool) Live() int64 { return p.live.Load() }

// LiveBytes is the capacity held by live buffers.
func (p *BufferPool) LiveBytes() int64 { return p.liveBytes.Load() }

func (b *Buffer) Bytes() []byte { return b.b }

func (b *Buffer) Len() int { return len(b.b) }

func (b *Buffer) Cap() int { return cap(b.b) }

func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic("tile: buffer released twice")
	}
	p := b.pool
	p.live.Add(-1)
	p.liveBytes.Add(-int64(cap(b.b)))
	s := b.b[:0]
	b.b = nil
	p.pool.Put(&s)
}
