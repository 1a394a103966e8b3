// Package sendqueue coalesces one session's outgoing tile changes between
// flushes. The last change pushed for a position wins.
package sendqueue

import (
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// Emitter writes flushed changes to the session's connection. EmitTileData
// must not keep the snapshots past the call.
type Emitter interface {
	EmitUnload(pos tile.Pos) error
	EmitUnloadBatch(positions []tile.Pos) error
	EmitTileData(tiles []*tile.Snapshot) error
}

type Option func(*Queue)

// WithByteRate caps the payload bytes sent per second. Loads over budget wait
// for a later flush.
func WithByteRate(bytesPerSec, burst int) Option {
	return func(q *Queue) {
		if bytesPerSec > 0 {
			if burst < bytesPerSec {
				burst = bytesPerSec
			}
			q.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
		}
	}
}

// WithAckWindow bounds the payload bytes sent in TileData frames the client has
// not acknowledged yet. Each flush still sends at least one load. Zero
// disables the window.
func WithAckWindow(bytes int64) Option {
	return func(q *Queue) {
		if bytes > 0 {
			q.window = bytes
		}
	}
}

type batch struct {
	seq  uint64
	size uint64
}

// Queue maps each position to its pending change: a snapshot to load or nil
// to unload.
type Queue struct {
	mu      deadlock.Mutex
	pending map[tile.Pos]*tile.Snapshot
	closed  bool
	limiter *rate.Limiter

	window   int64
	inFlight []batch
	inBytes  int64
	batches  uint64

	stats Stats
}

type Stats struct {
	Flushes     uint64 `json:"flushes"`
	LoadsSent   uint64 `json:"loads_sent"`
	UnloadsSent uint64 `json:"unloads_sent"`
	BytesSent   uint64 `json:"bytes_sent"`
	Superseded  uint64 `json:"superseded"`
	Deferred    uint64 `json:"deferred"`
	Batches     uint64 `json:"batches"`
	Acks        uint64 `json:"acks"`
	InFlight    int64  `json:"in_flight_bytes"`
}

func New(opts ...Option) *Queue {
	q := &Queue{pending: make(map[tile.Pos]*tile.Snapshot)}
	for _, o := range opts {
		o(q)
	}
	return q
}

// PushLoad queues s and takes ownership of the reference.
func (q *Queue) PushLoad(s *tile.Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		s.Release()
		return
	}
	q.putLocked(s.Pos, s)
}

// PushUnload queues removal of pos.
func (q *Queue) PushUnload(pos tile.Pos) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.putLocked(pos, nil)
}

func (q *Queue) putLocked(pos tile.Pos, s *tile.Snapshot) {
	if old, ok := q.pending[pos]; ok {
		q.stats.Superseded++
		if old != nil {
			old.Release()
		}
	}
	q.pending[pos] = s
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush sends everything pending: a single TileUnload or a TileUnloadBatch for
// removals, then one TileData for loads. Nothing is sent when empty.
func (q *Queue) Flush(em Emitter) error {
	q.mu.Lock()
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	pending := q.pending
	q.pending = make(map[tile.Pos]*tile.Snapshot, len(pending))
	room := q.window - q.inBytes
	q.mu.Unlock()

	positions := maps.Keys(pending)
	slices.SortFunc(positions, tile.Pos.Less)

	var unloads []tile.Pos
	var loads []*tile.Snapshot
	for _, pos := range positions {
		if s := pending[pos]; s != nil {
			loads = append(loads, s)
		} else {
			unloads = append(unloads, pos)
		}
	}
	loads, overWindow := q.fitWindow(loads, room)
	loads, deferred := q.budget(loads)
	deferred = append(deferred, overWindow...)

	var firstErr error
	switch len(unloads) {
	case 0:
	case 1:
		firstErr = em.EmitUnload(unloads[0])
	default:
		firstErr = em.EmitUnloadBatch(unloads)
	}
	var sent, size uint64
	emitted := false
	if len(loads) > 0 {
		err := em.EmitTileData(loads)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		emitted = err == nil
		for _, s := range loads {
			st := s.Stats()
			sent += uint64(st.TotalBytes)
			size += uint64(st.UncompressedBytes)
			s.Release()
		}
	}

	q.mu.Lock()
	if emitted {
		q.batches++
		q.stats.Batches++
		q.inFlight = append(q.inFlight, batch{seq: q.batches, size: size})
		q.inBytes += int64(size)
	}
	q.stats.Flushes++
	q.stats.UnloadsSent += uint64(len(unloads))
	q.stats.LoadsSent += uint64(len(loads))
	q.stats.BytesSent += sent
	q.stats.Deferred += uint64(len(deferred))
	for _, s := range deferred {
		if _, newer := q.pending[s.Pos]; newer || q.closed {
			if newer {
				q.stats.Superseded++
			}
			s.Release()
			continue
		}
		q.pending[s.Pos] = s
	}
	q.mu.Unlock()
	return firstErr
}

// fitWindow takes loads in order until their payload reaches room. The first
// load always goes out.
func (q *Queue) fitWindow(loads []*tile.Snapshot, room int64) (now, later []*tile.Snapshot) {
	if q.window <= 0 {
		return loads, nil
	}
	var used int64
	for i, s := range loads {
		if i > 0 && used >= room {
			return loads[:i], loads[i:]
		}
		used += s.Stats().UncompressedBytes
	}
	return loads, nil
}

// Ack retires the oldest unacknowledged TileData frame. seq and size must
// match what was sent.
func (q *Queue) Ack(seq, size uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if len(q.inFlight) == 0 {
		return fmt.Errorf("sendqueue: ack for batch %d with nothing in flight", seq)
	}
	head := q.inFlight[0]
	if seq != head.seq {
		return fmt.Errorf("sendqueue: ack for batch %d, expected %d", seq, head.seq)
	}
	if size != head.size {
		return fmt.Errorf("sendqueue: ack for batch %d with size %d, expected %d", seq, size, head.size)
	}
	q.inFlight = q.inFlight[1:]
	q.inBytes -= int64(size)
	q.stats.Acks++
	return nil
}

// budget splits loads into those the byte limiter admits now and the rest.
// The first load always goes out.
func (q *Queue) budget(loads []*tile.Snapshot) (now, later []*tile.Snapshot) {
	if q.limiter == nil || len(loads) == 0 {
		return loads, nil
	}
	at := time.Now()
	for i, s := range loads {
		n := int(s.Stats().TotalBytes)
		if n < 1 {
			n = 1
		}
		if q.limiter.AllowN(at, n) || i == 0 {
			now = append(now, s)
			continue
		}
		later = append(later, loads[i:]...)
		break
	}
	return now, later
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.InFlight = q.inBytes
	return st
}

// Close releases everything still pending. Later pushes are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for pos, s := range q.pending {
		if s != nil {
			s.Release()
		}
		delete(q.pending, pos)
	}
}
