package server

import (
	"encoding/json"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/sendqueue"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tracker"
)

// Player is one connection's session state. Handshaking until the merged
// config becomes non-null, then open with a tracker and send queue until it
// becomes null again or the connection ends.
type Player struct {
	e      *Engine
	id     string
	remote string
	out    chan []byte
	gone   bool
	log    *zap.Logger

	ready     bool
	clientCfg *config.Far
	merged    *config.Far
	anchor    mgl64.Vec3

	tracker  *tracker.Tracker
	sendq    *sendqueue.Queue
	sessions uint64

	loads   uint64
	unloads uint64
}

func newPlayer(e *Engine, remote string, out chan []byte) *Player {
	id := uuid.NewString()
	p := &Player{
		e:      e,
		id:     id,
		remote: remote,
		out:    out,
		log:    e.log.With(zap.String("session", id)),
	}
	if e.sessions != nil {
		e.sessions.SessionOpened(id, remote, time.Now())
	}
	return p
}

func (p *Player) ID() string { return p.id }

func (p *Player) open() bool { return p.tracker != nil }

func (p *Player) view() tracker.View { return p.merged.View(p.anchor) }

// send queues one frame without blocking. A full queue means the peer is not
// keeping up.
func (p *Player) send(msg protocol.Message) error {
	if p.gone {
		return protocol.Errorf(protocol.ErrInternal, "send to closed session")
	}
	frame, err := protocol.Encode(p.e.prof, msg)
	if err != nil {
		return err
	}
	select {
	case p.out <- frame:
	default:
		return protocol.Errorf(protocol.ErrSlowConsumer, "outbound queue full (%d frames)", cap(p.out))
	}
	p.e.metrics.FramesSent.Add(1)
	p.e.metrics.BytesSent.Add(uint64(len(frame)))
	return nil
}

func (p *Player) EmitUnload(pos tile.Pos) error {
	p.e.metrics.UnloadsSent.Add(1)
	return p.send(&protocol.TileUnload{Pos: pos})
}

func (p *Player) EmitUnloadBatch(positions []tile.Pos) error {
	p.e.metrics.UnloadsSent.Add(uint64(len(positions)))
	return p.send(&protocol.TileUnloadBatch{Positions: positions})
}

func (p *Player) EmitTileData(tiles []*tile.Snapshot) error {
	p.e.metrics.TilesSent.Add(uint64(len(tiles)))
	return p.send(&protocol.TileData{Tiles: tiles})
}

func (e *Engine) handleMessage(p *Player, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.ClientReady:
		if p.ready {
			return protocol.Errorf(protocol.ErrProtoViolation, "duplicate %s", m.Type())
		}
		p.ready = true
		return p.send(&protocol.ConfigServer{Config: e.serverFar.JSON()})
	case *protocol.ClientConfig:
		if !p.ready {
			return protocol.Errorf(protocol.ErrProtoViolation, "%s before %s", m.Type(), protocol.TypeClientReady)
		}
		far, err := config.ParseFar(m.Config)
		if err != nil {
			return err
		}
		p.clientCfg = far
		return p.updateMerged()
	case *protocol.AnchorUpdate:
		for _, v := range []float64{m.X, m.Y, m.Z} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return protocol.Errorf(protocol.ErrProtoViolation, "non-finite anchor")
			}
		}
		p.anchor = mgl64.Vec3{m.X, m.Y, m.Z}
		return nil
	case *protocol.TileAck:
		if m.Session > p.sessions {
			return protocol.Errorf(protocol.ErrProtoViolation, "%s for session %d, only %d begun", m.Type(), m.Session, p.sessions)
		}
		if !p.open() || m.Session < p.sessions {
			return nil
		}
		if err := p.sendq.Ack(m.Batch, m.Size); err != nil {
			return protocol.Errorf(protocol.ErrProtoViolation, "%v", err)
		}
		return nil
	case *protocol.DebugDropAllTiles:
		if p.open() {
			p.log.Debug("dropping all tiles")
			p.tracker.DropAll()
		}
		return nil
	default:
		if td, ok := msg.(*protocol.TileData); ok {
			td.Release()
		}
		return protocol.Errorf(protocol.ErrProtoViolation, "unexpected %s from client", msg.Type())
	}
}

// updateMerged recomputes the merged config and opens, closes or retargets
// the session when it changed.
func (p *Player) updateMerged() error {
	m := config.MergeFar(p.e.serverFar, p.clientCfg)
	if m.Equal(p.merged) {
		return nil
	}
	prev := p.merged
	p.merged = m
	if err := p.send(&protocol.ConfigMerged{Config: m.JSON()}); err != nil {
		return err
	}
	switch {
	case prev == nil:
		return p.beginSession()
	case m == nil:
		p.closeSession()
		return p.send(&protocol.SessionEnd{})
	}
	return nil
}

func (p *Player) beginSession() error {
	e := p.e
	p.sessions++
	p.sendq = sendqueue.New(
		sendqueue.WithByteRate(e.cfg.Send.ByteRate, e.cfg.Send.Burst),
		sendqueue.WithAckWindow(e.cfg.Send.AckWindow),
	)
	p.tracker = tracker.New(
		tracker.CubePolicy{Profile: e.prof, Limits: e.limits},
		e.cache,
		p.sendq,
		tracker.Config{Profile: e.prof, ErrorDampingTicks: e.cfg.ErrorDampingTicks},
		p.log.Named("tracker"),
	)
	p.log.Info("session begin", zap.Int("max_levels", p.merged.MaxLevels), zap.Int("cutoff", p.merged.CutoffDistance))
	return p.send(&protocol.SessionBegin{Limits: e.limits.Boxes(tile.MaxLevels-1, e.prof)})
}

// closeSession drops the tracker and send queue without telling the peer and
// returns the session's running load and unload totals.
func (p *Player) closeSession() (loads, unloads uint64) {
	if p.open() {
		st := p.sendq.Stats()
		p.loads += st.LoadsSent
		p.unloads += st.UnloadsSent
		p.tracker.Close()
		p.sendq.Close()
		p.tracker = nil
		p.sendq = nil
		p.log.Info("session end")
	}
	return p.loads, p.unloads
}

// Report is one debug stats sample for a session.
type Report struct {
	At        time.Time       `json:"at"`
	Tick      int64           `json:"tick"`
	SessionID string          `json:"session_id"`
	Tracker   tracker.Stats   `json:"tracker"`
	Cache     tilecache.Stats `json:"cache"`
	Send      sendqueue.Stats `json:"send"`
	Pool      PoolStats       `json:"pool"`
}

func (e *Engine) report(p *Player, tick int64) error {
	r := Report{
		At:        time.Now().UTC(),
		Tick:      tick,
		SessionID: p.id,
		Tracker:   p.tracker.Stats(),
		Send:      p.sendq.Stats(),
	}
	if e.cache != nil {
		r.Cache = e.cache.Stats()
		pool := e.cache.Pool()
		r.Pool = PoolStats{Live: pool.Live(), LiveBytes: pool.LiveBytes()}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if e.stats != nil {
		e.stats.WriteReport(r)
	}
	return p.send(&protocol.DebugStats{JSON: b})
}
