// Package tracker keeps one session's set of loaded far tiles in step with
// its view, requesting tiles from the cache and pushing loads and unloads to
// the session's send queue.
package tracker

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
)

// Sink receives the tracker's output. PushLoad takes ownership of s.
type Sink interface {
	PushLoad(s *tile.Snapshot)
	PushUnload(pos tile.Pos)
}

type Config struct {
	Profile tile.Profile
	// ErrorDampingTicks is how long a failed position waits before it is
	// requested again.
	ErrorDampingTicks int64
	// UpdateDistance is how far (in voxels) the anchor must move before the
	// targets are recomputed.
	UpdateDistance float64
}

type State uint8

const (
	Pending State = iota + 1
	Loaded
	Errored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

type entry struct {
	pos     tile.Pos
	state   State
	future  *tilecache.Future
	retryAt int64
	// early holds a regenerated snapshot that overtook the initial result.
	early *tile.Snapshot
}

func (e *entry) dropEarly() {
	if e.early != nil {
		e.early.Release()
		e.early = nil
	}
}

type completion struct {
	e      *entry
	f      *tilecache.Future
	snap   *tile.Snapshot
	err    error
	update bool
}

// Tracker is driven from a single goroutine via Update. Cache completions
// arrive on worker goroutines and wait in a locked inbox until the next Update.
type Tracker struct {
	policy LevelPolicy
	cache  *tilecache.Cache
	sink   Sink
	cfg    Config
	log    *zap.Logger

	tracked map[tile.Pos]*entry
	errored map[tile.Pos]*entry
	windows [tile.MaxLevels]tile.Box

	hasView bool
	last    View
	force   bool

	inboxMu deadlock.Mutex
	inbox   []completion
	closed  bool

	updates     uint64
	lastUpdate  time.Duration
	totalUpdate time.Duration
	loadsPushed uint64
	refreshes   uint64
	unloads     uint64
	failures    uint64
}

func New(policy LevelPolicy, cache *tilecache.Cache, sink Sink, cfg Config, log *zap.Logger) *Tracker {
	if !cfg.Profile.Valid() {
		cfg.Profile = tile.Profile3D
	}
	if cfg.ErrorDampingTicks <= 0 {
		cfg.ErrorDampingTicks = 1
	}
	if cfg.UpdateDistance <= 0 {
		cfg.UpdateDistance = tile.TileVoxels / 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		policy:  policy,
		cache:   cache,
		sink:    sink,
		cfg:     cfg,
		log:     log,
		tracked: make(map[tile.Pos]*entry),
		errored: make(map[tile.Pos]*entry),
	}
	t.resetWindows()
	return t
}

func (t *Tracker) resetWindows() {
	for i := range t.windows {
		t.windows[i] = tile.Box{Level: uint8(i)}
	}
}

func (t *Tracker) post(c completion) {
	t.inboxMu.Lock()
	if t.closed {
		t.inboxMu.Unlock()
		if c.snap != nil {
			c.snap.Release()
		}
		return
	}
	t.inbox = append(t.inbox, c)
	t.inboxMu.Unlock()
}

// Update applies finished requests, retries damped failures and, when the
// view moved far enough or changed shape, adjusts the tracked set.
func (t *Tracker) Update(tick int64, v View) {
	start := time.Now()

	t.drain(tick)
	t.retry(tick, v)
	if t.needsRecompute(v) {
		t.recompute(v)
		t.last = v
		t.hasView = true
		t.force = false
	}

	d := time.Since(start)
	t.updates++
	t.lastUpdate = d
	t.totalUpdate += d
}

func (t *Tracker) drain(tick int64) {
	t.inboxMu.Lock()
	batch := t.inbox
	t.inbox = nil
	t.inboxMu.Unlock()

	for _, c := range batch {
		e := c.e
		if c.update {
			t.applyUpdate(c)
			continue
		}
		if t.tracked[e.pos] != e || e.state != Pending {
			if c.snap != nil {
				c.snap.Release()
			}
			continue
		}
		if c.err != nil {
			e.state = Errored
			e.retryAt = tick + t.cfg.ErrorDampingTicks
			e.future = nil
			e.dropEarly()
			t.errored[e.pos] = e
			t.failures++
			t.log.Debug("tile failed", zap.Stringer("pos", e.pos), zap.Int64("retry_at", e.retryAt), zap.Error(c.err))
			continue
		}
		snap := c.snap
		if e.early != nil {
			if e.early.Timestamp > snap.Timestamp {
				snap.Release()
				snap = e.early
			} else {
				e.early.Release()
			}
			e.early = nil
		}
		e.state = Loaded
		t.loadsPushed++
		t.sink.PushLoad(snap)
	}
}

// applyUpdate forwards a regenerated tile. A loaded tile is pushed again; a
// pending one keeps the newest snapshot until its first result arrives.
func (t *Tracker) applyUpdate(c completion) {
	e := c.e
	if t.tracked[e.pos] != e || e.future != c.f {
		c.snap.Release()
		return
	}
	switch e.state {
	case Loaded:
		t.refreshes++
		t.sink.PushLoad(c.snap)
	case Pending:
		if e.early != nil && e.early.Timestamp >= c.snap.Timestamp {
			c.snap.Release()
			return
		}
		e.dropEarly()
		e.early = c.snap
	default:
		c.snap.Release()
	}
}

func (t *Tracker) retry(tick int64, v View) {
	if len(t.errored) == 0 {
		return
	}
	var due []*entry
	for _, e := range t.errored {
		if tick >= e.retryAt {
			due = append(due, e)
		}
	}
	slices.SortFunc(due, func(a, b *entry) bool { return a.pos.Less(b.pos) })
	for _, e := range due {
		delete(t.errored, e.pos)
		e.state = Pending
		t.request(e, Priority(v, t.cfg.Profile, e.pos))
	}
}

func (t *Tracker) needsRecompute(v View) bool {
	if !t.hasView || t.force || !v.sameShape(t.last) {
		return true
	}
	d := t.cfg.UpdateDistance
	return v.Anchor.Sub(t.last.Anchor).LenSqr() >= d*d
}

func (t *Tracker) recompute(v View) {
	var added []tile.Pos
	if wp, ok := t.policy.(WindowPolicy); ok {
		for lvl := range t.windows {
			level := uint8(lvl)
			old := t.windows[lvl]
			next := tile.Box{Level: level}
			if v.Active(level) {
				next = wp.Window(v, level)
			}
			if old == next {
				continue
			}
			for _, b := range old.Subtract(next) {
				b.Each(func(p tile.Pos) bool {
					t.remove(p)
					return true
				})
			}
			for _, b := range next.Subtract(old) {
				b.Each(func(p tile.Pos) bool {
					if _, ok := t.tracked[p]; !ok {
						added = append(added, p)
					}
					return true
				})
			}
			t.windows[lvl] = next
		}
	} else {
		target := make(map[tile.Pos]struct{})
		for lvl := 0; lvl < tile.MaxLevels; lvl++ {
			level := uint8(lvl)
			if !v.Active(level) {
				continue
			}
			t.policy.TargetPositions(v, level, func(p tile.Pos) bool {
				target[p] = struct{}{}
				return true
			})
		}
		for p := range t.tracked {
			if _, ok := target[p]; !ok {
				t.remove(p)
			}
		}
		for p := range target {
			if _, ok := t.tracked[p]; !ok {
				added = append(added, p)
			}
		}
	}
	t.add(v, added)
}

// add requests positions most urgent first.
func (t *Tracker) add(v View, positions []tile.Pos) {
	if len(positions) == 0 {
		return
	}
	prio := make(map[tile.Pos]int64, len(positions))
	for _, p := range positions {
		prio[p] = Priority(v, t.cfg.Profile, p)
	}
	slices.SortFunc(positions, func(a, b tile.Pos) bool {
		if prio[a] != prio[b] {
			return prio[a] < prio[b]
		}
		return a.Less(b)
	})
	for _, p := range positions {
		e := &entry{pos: p, state: Pending}
		t.tracked[p] = e
		t.request(e, prio[p])
	}
}

func (t *Tracker) request(e *entry, prio int64) {
	f := t.cache.Request(e.pos, prio)
	e.future = f
	f.OnUpdate(func(s *tile.Snapshot) {
		t.post(completion{e: e, f: f, snap: s, update: true})
	})
	f.Then(func(s *tile.Snapshot, err error) {
		t.post(completion{e: e, f: f, snap: s, err: err})
	})
}

func (t *Tracker) remove(p tile.Pos) {
	e, ok := t.tracked[p]
	if !ok {
		return
	}
	delete(t.tracked, p)
	delete(t.errored, p)
	if e.future != nil {
		e.future.Release()
		e.future = nil
	}
	e.dropEarly()
	t.unloads++
	t.sink.PushUnload(p)
}

// DropAll unloads every tracked tile; the next Update loads the view again.
func (t *Tracker) DropAll() {
	for p := range t.tracked {
		t.remove(p)
	}
	t.resetWindows()
	t.force = true
}

// Close releases every cache reference without pushing unloads.
func (t *Tracker) Close() {
	t.inboxMu.Lock()
	t.closed = true
	batch := t.inbox
	t.inbox = nil
	t.inboxMu.Unlock()
	for _, c := range batch {
		if c.snap != nil {
			c.snap.Release()
		}
	}
	for p, e := range t.tracked {
		if e.future != nil {
			e.future.Release()
			e.future = nil
		}
		e.dropEarly()
		delete(t.tracked, p)
	}
	t.errored = make(map[tile.Pos]*entry)
	t.resetWindows()
	t.hasView = false
}

// StateOf reports whether pos is tracked and in which state.
func (t *Tracker) StateOf(pos tile.Pos) (State, bool) {
	e, ok := t.tracked[pos]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Positions returns every tracked position in Compare order.
func (t *Tracker) Positions() []tile.Pos {
	out := make([]tile.Pos, 0, len(t.tracked))
	for p := range t.tracked {
		out = append(out, p)
	}
	slices.SortFunc(out, tile.Pos.Less)
	return out
}

// Anchor is the anchor of the last recomputed view.
func (t *Tracker) Anchor() mgl64.Vec3 { return t.last.Anchor }

type Stats struct {
	Tracked          int    `json:"tracked"`
	Pending          int    `json:"pending"`
	Loaded           int    `json:"loaded"`
	Errored          int    `json:"errored"`
	Updates          uint64 `json:"updates"`
	LoadsPushed      uint64 `json:"loads_pushed"`
	RefreshesPushed  uint64 `json:"refreshes_pushed"`
	UnloadsPushed    uint64 `json:"unloads_pushed"`
	Failures         uint64 `json:"failures"`
	LastUpdateMicros int64  `json:"last_update_us"`
	AvgUpdateMicros  int64  `json:"avg_update_us"`
}

func (t *Tracker) Stats() Stats {
	st := Stats{
		Tracked:          len(t.tracked),
		Errored:          len(t.errored),
		Updates:          t.updates,
		LoadsPushed:      t.loadsPushed,
		RefreshesPushed:  t.refreshes,
		UnloadsPushed:    t.unloads,
		Failures:         t.failures,
		LastUpdateMicros: t.lastUpdate.Microseconds(),
	}
	for _, e := range t.tracked {
		switch e.state {
		case Pending:
			st.Pending++
		case Loaded:
			st.Loaded++
		}
	}
	if t.updates > 0 {
		st.AvgUpdateMicros = (t.totalUpdate / time.Duration(t.updates)).Microseconds()
	}
	return st
}
