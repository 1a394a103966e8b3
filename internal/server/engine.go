// Package server runs the far tile streaming loop: one goroutine owns every
// session, its tracker and its send queue, and advances them once per tick.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
)

// JoinRequest registers a new connection. Frames for it are written to Out;
// the engine closes Out when the session is gone.
type JoinRequest struct {
	Remote string
	Out    chan []byte
	Resp   chan JoinResponse
}

type JoinResponse struct {
	SessionID string
	Err       error
}

// Envelope carries one decoded client message, or the decode error that ends
// the connection.
type Envelope struct {
	SessionID string
	Msg       protocol.Message
	Err       error
}

// SessionSink records session lifecycles.
type SessionSink interface {
	SessionOpened(id, remote string, at time.Time)
	SessionClosed(id string, at time.Time, code string, loads, unloads uint64)
}

// StatsSink receives every debug stats report.
type StatsSink interface {
	WriteReport(r Report)
}

type Options struct {
	Config   config.Server
	Cache    *tilecache.Cache
	Log      *zap.Logger
	Sessions SessionSink
	Stats    StatsSink
}

type Engine struct {
	cfg       config.Server
	prof      tile.Profile
	limits    tile.Limits
	serverFar *config.Far
	cache     *tilecache.Cache
	log       *zap.Logger
	sessions  SessionSink
	stats     StatsSink

	join  chan JoinRequest
	leave chan string
	inbox chan Envelope
	admin chan stateReq
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	players map[string]*Player
	tick    int64

	metrics Metrics
}

// Metrics are read by HTTP handlers while the loop runs.
type Metrics struct {
	Tick         atomic.Int64
	Sessions     atomic.Int64
	OpenSessions atomic.Int64
	Joins        atomic.Uint64
	Kicks        atomic.Uint64
	FramesSent   atomic.Uint64
	BytesSent    atomic.Uint64
	TilesSent    atomic.Uint64
	UnloadsSent  atomic.Uint64
	TickNanos    atomic.Int64
}

func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:       opts.Config,
		prof:      opts.Config.TileProfile(),
		limits:    opts.Config.TileLimits(),
		serverFar: opts.Config.Far.Clone(),
		cache:     opts.Cache,
		log:       log,
		sessions:  opts.Sessions,
		stats:     opts.Stats,
		join:      make(chan JoinRequest, 64),
		leave:     make(chan string, 64),
		inbox:     make(chan Envelope, 1024),
		admin:     make(chan stateReq, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		players:   make(map[string]*Player),
	}
}

func (e *Engine) Join() chan<- JoinRequest { return e.join }
func (e *Engine) Leave() chan<- string     { return e.leave }
func (e *Engine) Inbox() chan<- Envelope   { return e.inbox }

func (e *Engine) Profile() tile.Profile { return e.prof }

func (e *Engine) Metrics() *Metrics { return &e.metrics }

// Stop ends Run. It may be called more than once.
func (e *Engine) Stop() { e.stopOnce.Do(func() { close(e.stop) }) }

// Done is closed once Run has returned and every session is disconnected.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run processes requests and advances every session once per tick until ctx
// is done or Stop is called. Remaining sessions are disconnected on return.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer e.shutdown()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingMsgs []Envelope

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case req := <-e.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-e.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-e.inbox:
			pendingMsgs = append(pendingMsgs, env)
		case req := <-e.admin:
			req.Resp <- e.state()
		case <-ticker.C:
			e.step(pendingJoins, pendingMsgs, pendingLeaves)
			pendingJoins = pendingJoins[:0]
			pendingMsgs = pendingMsgs[:0]
			pendingLeaves = pendingLeaves[:0]
		}
	}
}

func (e *Engine) step(joins []JoinRequest, msgs []Envelope, leaves []string) {
	start := time.Now()
	e.tick++
	tick := e.tick

	for _, req := range joins {
		e.handleJoin(req)
	}
	for _, env := range msgs {
		p := e.players[env.SessionID]
		if p == nil {
			continue
		}
		if env.Err != nil {
			e.kick(p, env.Err)
			continue
		}
		if err := e.handleMessage(p, env.Msg); err != nil {
			e.kick(p, err)
		}
	}
	for _, id := range leaves {
		if p := e.players[id]; p != nil {
			e.disconnect(p, "")
		}
	}

	reportDue := e.cfg.DebugStatsEveryTicks > 0 && tick%e.cfg.DebugStatsEveryTicks == 0
	open := int64(0)
	for _, id := range e.sortedIDs() {
		p := e.players[id]
		if p == nil || !p.open() {
			continue
		}
		open++
		p.tracker.Update(tick, p.view())
		if err := p.sendq.Flush(p); err != nil {
			e.kick(p, err)
			continue
		}
		if reportDue {
			if err := e.report(p, tick); err != nil {
				e.kick(p, err)
			}
		}
	}

	e.metrics.Tick.Store(tick)
	e.metrics.Sessions.Store(int64(len(e.players)))
	e.metrics.OpenSessions.Store(open)
	e.metrics.TickNanos.Store(time.Since(start).Nanoseconds())
}

func (e *Engine) sortedIDs() []string {
	ids := maps.Keys(e.players)
	slices.Sort(ids)
	return ids
}

func (e *Engine) handleJoin(req JoinRequest) {
	if len(e.players) >= e.cfg.MaxSessions {
		req.Resp <- JoinResponse{Err: protocol.Errorf(protocol.ErrServerFull, "%d sessions", len(e.players))}
		return
	}
	p := newPlayer(e, req.Remote, req.Out)
	if err := p.send(&protocol.Handshake{Version: protocol.Version, Profile: e.prof}); err != nil {
		req.Resp <- JoinResponse{Err: err}
		return
	}
	e.players[p.id] = p
	e.metrics.Joins.Add(1)
	e.log.Info("session joined", zap.String("session", p.id), zap.String("remote", p.remote))
	req.Resp <- JoinResponse{SessionID: p.id}
}

// kick force-closes p, telling the peer why.
func (e *Engine) kick(p *Player, err error) {
	code := protocol.CodeOf(err)
	e.metrics.Kicks.Add(1)
	e.log.Warn("disconnecting session", zap.String("session", p.id), zap.String("code", code), zap.Error(err))
	if code != protocol.ErrSlowConsumer {
		_ = p.send(&protocol.Disconnect{Code: code, Reason: err.Error()})
	}
	e.disconnect(p, code)
}

func (e *Engine) disconnect(p *Player, code string) {
	loads, unloads := p.closeSession()
	delete(e.players, p.id)
	p.gone = true
	close(p.out)
	if e.sessions != nil {
		e.sessions.SessionClosed(p.id, time.Now(), code, loads, unloads)
	}
	e.log.Info("session left", zap.String("session", p.id), zap.String("code", code))
}

func (e *Engine) shutdown() {
	for _, id := range e.sortedIDs() {
		p := e.players[id]
		_ = p.send(&protocol.Disconnect{Code: protocol.ErrServerShutdown, Reason: "server stopping"})
		e.disconnect(p, protocol.ErrServerShutdown)
	}
}

var errStateUnavailable = errors.New("server: engine not running")

type stateReq struct {
	Resp chan State
}

// State is a point-in-time view of the engine for operators.
type State struct {
	Tick     int64           `json:"tick"`
	Sessions []SessionState  `json:"sessions"`
	Cache    tilecache.Stats `json:"cache"`
	Pool     PoolStats       `json:"pool"`
}

type SessionState struct {
	ID      string      `json:"id"`
	Remote  string      `json:"remote"`
	Ready   bool        `json:"ready"`
	Open    bool        `json:"open"`
	Anchor  mgl64.Vec3  `json:"anchor"`
	Merged  *config.Far `json:"merged,omitempty"`
	Tracked int         `json:"tracked"`
	Pending int         `json:"pending"`
}

type PoolStats struct {
	Live      int64 `json:"live"`
	LiveBytes int64 `json:"live_bytes"`
}

// RequestState asks the loop goroutine for its state. It is safe to call
// from other goroutines (e.g. HTTP handlers).
func (e *Engine) RequestState(ctx context.Context) (State, error) {
	resp := make(chan State, 1)
	select {
	case e.admin <- stateReq{Resp: resp}:
	case <-e.done:
		return State{}, errStateUnavailable
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-e.done:
		return State{}, errStateUnavailable
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (e *Engine) state() State {
	s := State{Tick: e.tick}
	if e.cache != nil {
		s.Cache = e.cache.Stats()
		pool := e.cache.Pool()
		s.Pool = PoolStats{Live: pool.Live(), LiveBytes: pool.LiveBytes()}
	}
	for _, id := range e.sortedIDs() {
		p := e.players[id]
		ss := SessionState{
			ID:     p.id,
			Remote: p.remote,
			Ready:  p.ready,
			Open:   p.open(),
			Anchor: p.anchor,
			Merged: p.merged.Clone(),
		}
		if p.open() {
			st := p.tracker.Stats()
			ss.Tracked, ss.Pending = st.Tracked, st.Pending
		}
		s.Sessions = append(s.Sessions, ss)
	}
	return s
}
