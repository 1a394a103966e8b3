// Package tilecache is the server's authoritative tile cache. It generates each
// tile at most once at a time, shares the result between all requesters and
// keeps the existence index in step with what it holds.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/index"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/sched"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

var (
	ErrGenerationFailed = errors.New("tilecache: generation failed")
	ErrReleased         = errors.New("tilecache: tile released")
	ErrClosed           = errors.New("tilecache: closed")
)

// Generator produces the raw content of one tile. A nil payload means the tile
// is empty.
type Generator interface {
	Generate(ctx context.Context, pos tile.Pos) ([]byte, error)
}

type GeneratorFunc func(ctx context.Context, pos tile.Pos) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context, pos tile.Pos) ([]byte, error) {
	return f(ctx, pos)
}

// Store persists generated tiles across restarts. found with a nil payload is
// a stored empty tile.
type Store interface {
	Load(pos tile.Pos) (ts int64, payload []byte, found bool, err error)
	Save(pos tile.Pos, ts int64, payload []byte) error
	MaxTimestamp() (int64, error)
}

// GenEvent describes one finished generation attempt.
type GenEvent struct {
	Pos       tile.Pos
	Attempt   int
	At        time.Time
	Duration  time.Duration
	Bytes     int
	Empty     bool
	FromStore bool
	Err       string
}

type EventSink interface {
	RecordGeneration(ev GenEvent)
}

type Config struct {
	Profile    tile.Profile
	Workers    int
	MaxRetries int
}

type Option func(*Cache)

func WithStore(s Store) Option { return func(c *Cache) { c.store = s } }

func WithEventSink(s EventSink) Option { return func(c *Cache) { c.sink = s } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

func WithPool(p *tile.BufferPool) Option { return func(c *Cache) { c.pool = p } }

type state uint8

const (
	stateQueued state = iota + 1
	stateRunning
	stateDone
	stateFailed
)

type entry struct {
	pos      tile.Pos
	refs     int
	state    state
	prio     int64
	item     *sched.Item[*entry]
	attempts int

	snap    *tile.Snapshot
	err     error
	waiters []func(*tile.Snapshot, error)
	done    chan struct{}

	// Set once the tile is done. A refresh regenerates it in place and hands
	// the new snapshot to watchers.
	watchers        map[*Future]func(*tile.Snapshot)
	refreshQueued   bool
	refreshing      bool
	dirty           bool
	refreshAttempts int
}

type Cache struct {
	cfg   Config
	gen   Generator
	store Store
	sink  EventSink
	log   *zap.Logger
	pool  *tile.BufferPool

	mu      deadlock.Mutex
	entries map[tile.Pos]*entry
	stale   map[tile.Pos]struct{}
	closed  bool

	exists [tile.MaxLevels]*index.Set
	queue  *sched.Queue[*entry]
	ts     atomic.Int64

	cancel context.CancelFunc
	wait   func()

	running     atomic.Int64
	generated   atomic.Uint64
	fromStore   atomic.Uint64
	retries     atomic.Uint64
	failures    atomic.Uint64
	orphaned    atomic.Uint64
	emptyCached atomic.Int64
	invalidated atomic.Uint64
	refreshed   atomic.Uint64
}

func New(cfg Config, gen Generator, opts ...Option) *Cache {
	if !cfg.Profile.Valid() {
		cfg.Profile = tile.Profile3D
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Cache{
		cfg:     cfg,
		gen:     gen,
		log:     zap.NewNop(),
		entries: make(map[tile.Pos]*entry),
		stale:   make(map[tile.Pos]struct{}),
		queue:   sched.NewQueue[*entry](),
	}
	for _, o := range opts {
		o(c)
	}
	if c.pool == nil {
		c.pool = tile.NewBufferPool()
	}
	for i := range c.exists {
		c.exists[i] = index.New(cfg.Profile.Dims(), true)
	}
	if c.store != nil {
		if ts, err := c.store.MaxTimestamp(); err != nil {
			c.log.Warn("tile store max timestamp", zap.Error(err))
		} else {
			c.ts.Store(ts)
		}
	}
	return c
}

// Start launches the worker goroutines.
func (c *Cache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wait = sched.RunWorkers(ctx, c.cfg.Workers, c.queue, c.run)
}

// Close stops the workers, fails queued requests and drops every cached tile.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	queued := c.queue.Close()
	if c.cancel != nil {
		c.cancel()
	}
	if c.wait != nil {
		c.wait()
	}

	c.mu.Lock()
	var fire []func()
	for _, e := range queued {
		if e.state == stateQueued {
			fire = append(fire, c.failLocked(e, ErrClosed))
		}
	}
	for pos, e := range c.entries {
		if e.state == stateQueued {
			fire = append(fire, c.failLocked(e, ErrClosed))
			continue
		}
		if e.state == stateDone && e.snap != nil {
			e.snap.Release()
			e.snap = nil
		}
		e.watchers = nil
		delete(c.entries, pos)
	}
	for _, s := range c.exists {
		s.Clear()
	}
	c.emptyCached.Store(0)
	c.mu.Unlock()
	for _, f := range fire {
		f()
	}
}

func (c *Cache) point(pos tile.Pos) index.Point {
	if c.cfg.Profile == tile.Profile2D {
		return index.Point{pos.X, pos.Z}
	}
	return index.Point{pos.X, pos.Y, pos.Z}
}

// Request takes a reference on pos and returns its future. Lower prio values
// are generated first; a more urgent request re-prioritizes a queued task.
func (c *Cache) Request(pos tile.Pos, prio int64) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || int(pos.Level) >= len(c.exists) {
		e := &entry{pos: pos, state: stateFailed, err: ErrClosed, done: make(chan struct{})}
		if !c.closed {
			e.err = fmt.Errorf("%w: level %d out of range", ErrGenerationFailed, pos.Level)
		}
		close(e.done)
		return &Future{c: c, e: e}
	}

	e := c.entries[pos]
	if e == nil {
		e = &entry{pos: pos, state: stateQueued, prio: prio, done: make(chan struct{})}
		c.entries[pos] = e
		c.exists[pos.Level].Add(c.point(pos))
		e.item = c.queue.Push(e, prio)
	} else if e.state == stateQueued && prio < e.prio {
		e.prio = prio
		c.queue.Reprioritize(e.item, prio)
	}
	e.refs++
	return &Future{c: c, e: e}
}

// Release drops one reference on pos taken by Request. Holders of a Future
// should prefer Future.Release, which cannot hit a newer entry for pos.
func (c *Cache) Release(pos tile.Pos) {
	c.mu.Lock()
	e := c.entries[pos]
	c.mu.Unlock()
	if e == nil {
		c.log.Warn("release without reference", zap.Stringer("pos", pos))
		return
	}
	c.release(e, nil)
}

// release drops one reference on e. Once none remain a queued task is
// cancelled, a running task's result will be discarded and a finished
// non-empty tile is evicted. Empty tiles stay cached. Failed entries hold no
// references.
func (c *Cache) release(e *entry, f *Future) {
	c.mu.Lock()
	if f != nil {
		delete(e.watchers, f)
	}
	if e.state == stateFailed {
		c.mu.Unlock()
		return
	}
	if e.refs == 0 {
		c.mu.Unlock()
		c.log.Warn("release without reference", zap.Stringer("pos", e.pos))
		return
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}
	var fire func()
	switch e.state {
	case stateQueued:
		c.queue.Remove(e.item)
		fire = c.failLocked(e, ErrReleased)
	case stateDone:
		if e.snap != nil && !e.snap.Empty() {
			c.evictLocked(e)
		}
	}
	c.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (c *Cache) dropLocked(e *entry) {
	if c.entries[e.pos] == e {
		delete(c.entries, e.pos)
		c.exists[e.pos.Level].Remove(c.point(e.pos))
	}
}

// evictLocked drops a finished entry and any refresh queued for it.
func (c *Cache) evictLocked(e *entry) {
	if e.refreshQueued {
		c.queue.Remove(e.item)
		e.refreshQueued = false
	}
	if e.snap != nil {
		if e.snap.Empty() {
			c.emptyCached.Add(-1)
		}
		e.snap.Release()
		e.snap = nil
	}
	e.watchers = nil
	e.state = stateFailed
	e.err = ErrReleased
	c.dropLocked(e)
}

// failLocked resolves e with err and returns the callback dispatch to run
// after unlocking.
func (c *Cache) failLocked(e *entry, err error) func() {
	e.state = stateFailed
	e.err = err
	c.dropLocked(e)
	waiters := e.waiters
	e.waiters = nil
	close(e.done)
	return func() {
		for _, w := range waiters {
			w(nil, err)
		}
	}
}

func (c *Cache) run(ctx context.Context, e *entry) {
	c.mu.Lock()
	if c.entries[e.pos] != e {
		c.mu.Unlock()
		return
	}
	var attempt int
	refresh := false
	switch {
	case e.state == stateQueued:
		e.state = stateRunning
		e.attempts++
		attempt = e.attempts
	case e.state == stateDone && e.refreshQueued:
		refresh = true
		e.refreshQueued = false
		e.refreshing = true
		e.refreshAttempts++
		attempt = e.refreshAttempts
	default:
		c.mu.Unlock()
		return
	}
	e.item = nil
	_, stale := c.stale[e.pos]
	c.mu.Unlock()

	c.running.Add(1)
	start := time.Now()
	snap, fromStore, err := c.produce(ctx, e.pos, refresh || stale)
	dur := time.Since(start)
	c.running.Add(-1)

	ev := GenEvent{Pos: e.pos, Attempt: attempt, At: start, Duration: dur, FromStore: fromStore}
	if err != nil {
		ev.Err = err.Error()
	} else {
		ev.Empty = snap.Empty()
		ev.Bytes = int(snap.Stats().UncompressedBytes)
	}
	if c.sink != nil {
		c.sink.RecordGeneration(ev)
	}
	if refresh {
		c.finishRefresh(e, snap, err, attempt)
		return
	}

	c.mu.Lock()
	if err != nil {
		if e.refs == 0 || c.closed {
			cause := ErrReleased
			if c.closed {
				cause = ErrClosed
			}
			fire := c.failLocked(e, cause)
			c.mu.Unlock()
			fire()
			return
		}
		if attempt <= c.cfg.MaxRetries {
			e.state = stateQueued
			e.item = c.queue.Push(e, e.prio)
			c.retries.Add(1)
			c.mu.Unlock()
			c.log.Debug("retrying tile", zap.Stringer("pos", e.pos), zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		c.failures.Add(1)
		fire := c.failLocked(e, fmt.Errorf("%w: %s: %v", ErrGenerationFailed, e.pos, err))
		c.mu.Unlock()
		c.log.Warn("tile generation failed", zap.Stringer("pos", e.pos), zap.Int("attempts", attempt), zap.Error(err))
		fire()
		return
	}

	if fromStore {
		c.fromStore.Add(1)
	} else {
		c.generated.Add(1)
	}
	if e.refs == 0 && !snap.Empty() {
		c.orphaned.Add(1)
		fire := c.failLocked(e, ErrReleased)
		c.mu.Unlock()
		snap.Release()
		fire()
		return
	}
	e.state = stateDone
	e.snap = snap
	if snap.Empty() {
		c.emptyCached.Add(1)
	}
	waiters := e.waiters
	e.waiters = nil
	refs := make([]*tile.Snapshot, len(waiters))
	for i := range waiters {
		refs[i] = snap.Retain()
	}
	close(e.done)
	if e.dirty {
		e.dirty = false
		c.refreshLocked(e)
	}
	c.mu.Unlock()
	for i, w := range waiters {
		w(refs[i], nil)
	}
}

// Invalidate marks pos and every coarser tile covering it as outdated. Held
// tiles are regenerated with a new timestamp and handed to their watchers.
// Stored copies are ignored until regenerated. It returns how many held tiles
// were scheduled for regeneration.
func (c *Cache) Invalidate(pos tile.Pos) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	n := 0
	for p := pos; int(p.Level) < len(c.exists); p = p.Up() {
		if c.store != nil {
			c.stale[p] = struct{}{}
		}
		if e := c.entries[p]; e != nil {
			switch e.state {
			case stateRunning:
				e.dirty = true
				n++
			case stateDone:
				if c.refreshLocked(e) {
					n++
				}
			}
		}
	}
	c.invalidated.Add(1)
	return n
}

// refreshLocked schedules a regeneration of the finished entry e. It reports
// whether e is still cached afterwards.
func (c *Cache) refreshLocked(e *entry) bool {
	switch {
	case e.refreshing:
		e.dirty = true
	case e.refreshQueued:
	case e.refs == 0:
		// An unheld empty tile is cheaper to drop than to regenerate.
		c.evictLocked(e)
		return false
	default:
		e.refreshQueued = true
		e.refreshAttempts = 0
		e.item = c.queue.Push(e, e.prio)
	}
	return true
}

func (c *Cache) finishRefresh(e *entry, snap *tile.Snapshot, err error, attempt int) {
	c.mu.Lock()
	e.refreshing = false
	if c.entries[e.pos] != e || e.state != stateDone {
		c.mu.Unlock()
		if snap != nil {
			snap.Release()
		}
		return
	}
	if err != nil {
		if attempt <= c.cfg.MaxRetries && !c.closed {
			e.refreshQueued = true
			e.item = c.queue.Push(e, e.prio)
			c.retries.Add(1)
			c.mu.Unlock()
			c.log.Debug("retrying tile refresh", zap.Stringer("pos", e.pos), zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		c.failures.Add(1)
		if e.dirty {
			e.dirty = false
			c.refreshLocked(e)
		}
		c.mu.Unlock()
		c.log.Warn("tile refresh failed; keeping previous snapshot", zap.Stringer("pos", e.pos), zap.Int("attempts", attempt), zap.Error(err))
		return
	}

	c.refreshed.Add(1)
	if e.refs == 0 && !snap.Empty() {
		c.evictLocked(e)
		c.mu.Unlock()
		snap.Release()
		return
	}
	old := e.snap
	if old.Empty() {
		c.emptyCached.Add(-1)
	}
	e.snap = snap
	if snap.Empty() {
		c.emptyCached.Add(1)
	}
	watchers := make([]func(*tile.Snapshot), 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	refs := make([]*tile.Snapshot, len(watchers))
	for i := range watchers {
		refs[i] = snap.Retain()
	}
	if e.dirty {
		e.dirty = false
		c.refreshLocked(e)
	}
	c.mu.Unlock()
	old.Release()
	for i, w := range watchers {
		w(refs[i])
	}
}

// produce loads pos from the store unless fresh is set, falling back to the
// generator.
func (c *Cache) produce(ctx context.Context, pos tile.Pos, fresh bool) (snap *tile.Snapshot, fromStore bool, err error) {
	if c.store != nil && !fresh {
		ts, payload, found, lerr := c.store.Load(pos)
		if lerr != nil {
			c.log.Warn("tile store load", zap.Stringer("pos", pos), zap.Error(lerr))
		} else if found {
			if payload == nil {
				return tile.NewEmpty(pos, ts), true, nil
			}
			return tile.NewSnapshot(c.pool, pos, ts, payload), true, nil
		}
	}

	payload, err := c.generate(ctx, pos)
	if err != nil {
		return nil, false, err
	}
	ts := c.ts.Add(1)
	if c.store != nil {
		if serr := c.store.Save(pos, ts, payload); serr != nil {
			c.log.Warn("tile store save", zap.Stringer("pos", pos), zap.Error(serr))
		} else if fresh {
			c.mu.Lock()
			delete(c.stale, pos)
			c.mu.Unlock()
		}
	}
	if payload == nil {
		return tile.NewEmpty(pos, ts), false, nil
	}
	return tile.NewSnapshot(c.pool, pos, ts, payload), false, nil
}

func (c *Cache) generate(ctx context.Context, pos tile.Pos) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return c.gen.Generate(ctx, pos)
}

// Exists reports whether the cache holds or is computing pos.
func (c *Cache) Exists(pos tile.Pos) bool {
	if int(pos.Level) >= len(c.exists) {
		return false
	}
	return c.exists[pos.Level].Contains(c.point(pos))
}

// CountInBox counts held or in-flight tiles inside b.
func (c *Cache) CountInBox(b tile.Box) uint64 {
	if b.Empty() || int(b.Level) >= len(c.exists) {
		return 0
	}
	lo := tile.FromCoords(b.Level, b.Min)
	hi := tile.FromCoords(b.Level, [3]int32{b.Max[0] - 1, b.Max[1] - 1, b.Max[2] - 1})
	return c.exists[b.Level].CountInRange(c.point(lo), c.point(hi))
}

// Pool is the buffer pool snapshots are allocated from.
func (c *Cache) Pool() *tile.BufferPool { return c.pool }

type Stats struct {
	Entries         int    `json:"entries"`
	Indexed         int    `json:"indexed"`
	Queued          int    `json:"queued"`
	Running         int64  `json:"running"`
	Generated       uint64 `json:"generated"`
	LoadedFromStore uint64 `json:"loaded_from_store"`
	EmptyCached     int64  `json:"empty_cached"`
	Retries         uint64 `json:"retries"`
	Failures        uint64 `json:"failures"`
	Orphaned        uint64 `json:"orphaned"`
	Invalidations   uint64 `json:"invalidations"`
	Refreshed       uint64 `json:"refreshed"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	indexed := 0
	for _, s := range c.exists {
		indexed += s.Count()
	}
	return Stats{
		Entries:         n,
		Indexed:         indexed,
		Queued:          c.queue.Len(),
		Running:         c.running.Load(),
		Generated:       c.generated.Load(),
		LoadedFromStore: c.fromStore.Load(),
		EmptyCached:     c.emptyCached.Load(),
		Retries:         c.retries.Load(),
		Failures:        c.failures.Load(),
		Orphaned:        c.orphaned.Load(),
		Invalidations:   c.invalidated.Load(),
		Refreshed:       c.refreshed.Load(),
	}
}
