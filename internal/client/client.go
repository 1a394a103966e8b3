// Package client is the receiving end of a far tile session: it follows the
// server's session state machine and keeps a mirror of the streamed tiles.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// FrameConn carries whole protocol frames. ws.Conn and tcp.Conn implement it.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	CloseWith(code, reason string) error
}

// Kicked is returned by Run when the server ended the connection with a
// Disconnect frame.
type Kicked struct {
	Code   string
	Reason string
}

func (k *Kicked) Error() string {
	return fmt.Sprintf("client: disconnected by server: %s %s", k.Code, k.Reason)
}

type Options struct {
	// Config is the initial client config; nil asks for no far tiles.
	Config *config.Far
	Anchor mgl64.Vec3
	Pool   *tile.BufferPool
	Mirror *Mirror
	Log    *zap.Logger

	// Called from Run's goroutine.
	OnSession    func(open bool, limits []tile.Box)
	OnDebugStats func(doc json.RawMessage)
}

type Client struct {
	conn FrameConn
	opts Options
	log  *zap.Logger

	mirror *Mirror
	pool   *tile.BufferPool

	wmu sync.Mutex

	mu          deadlock.Mutex
	profile     tile.Profile
	handshake   bool
	ready       bool
	initialSent bool
	open        bool
	config      *config.Far
	anchor      mgl64.Vec3
	merged      json.RawMessage
	serverCfg   json.RawMessage
	limits      []tile.Box

	// Only Run touches these.
	sessions uint64
	batches  uint64
}

func New(conn FrameConn, opts Options) *Client {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Pool == nil {
		opts.Pool = tile.NewBufferPool()
	}
	if opts.Mirror == nil {
		opts.Mirror = NewMirror()
	}
	return &Client{
		conn:   conn,
		opts:   opts,
		log:    opts.Log,
		mirror: opts.Mirror,
		pool:   opts.Pool,
		config: opts.Config.Clone(),
		anchor: opts.Anchor,
	}
}

func (c *Client) Mirror() *Mirror { return c.mirror }

// Profile is the server's tile profile, known once the handshake arrived.
func (c *Client) Profile() tile.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *Client) SessionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Limits are the per-level tile bounds of the open session.
func (c *Client) Limits() []tile.Box {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tile.Box(nil), c.limits...)
}

func (c *Client) MergedConfig() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged
}

func (c *Client) ServerConfig() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCfg
}

// Ready marks the local side ready. The initial config goes out once the
// handshake has also arrived.
func (c *Client) Ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	c.ready = true
	return c.maybeSendInitialLocked()
}

// SetConfig changes the client config. It is only sent when it differs from
// the current one.
func (c *Client) SetConfig(f *config.Far) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Equal(c.config) {
		return nil
	}
	c.config = f.Clone()
	if !c.initialSent {
		return nil
	}
	return c.send(&protocol.ClientConfig{Config: c.config.JSON()})
}

// SetAnchor moves the view anchor, in voxel coordinates.
func (c *Client) SetAnchor(v mgl64.Vec3) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchor = v
	if !c.initialSent {
		return nil
	}
	return c.send(&protocol.AnchorUpdate{X: v[0], Y: v[1], Z: v[2]})
}

// DropAllTiles asks the server to resend every tile.
func (c *Client) DropAllTiles() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	return c.send(&protocol.DebugDropAllTiles{})
}

func (c *Client) maybeSendInitialLocked() error {
	if !c.handshake || !c.ready || c.initialSent {
		return nil
	}
	c.initialSent = true
	if err := c.send(&protocol.ClientReady{}); err != nil {
		return err
	}
	a := c.anchor
	if err := c.send(&protocol.AnchorUpdate{X: a[0], Y: a[1], Z: a[2]}); err != nil {
		return err
	}
	return c.send(&protocol.ClientConfig{Config: c.config.JSON()})
}

func (c *Client) send(msg protocol.Message) error {
	frame, err := protocol.Encode(c.profile, msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("client: write %s: %w", msg.Type(), err)
	}
	return nil
}

// Close ends the connection.
func (c *Client) Close() error { return c.conn.CloseWith("", "client closing") }

// Run reads frames until the connection ends, ctx is done or the server
// breaks the protocol. Protocol violations close the connection with their
// reason code.
func (c *Client) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	defer c.endSession("connection closed")
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.CloseWith("", "client closing")
		case <-done:
		}
	}()

	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read: %w", err)
		}
		dec := protocol.Decoder{Profile: c.Profile(), Pool: c.pool}
		msg, err := dec.Decode(frame)
		if err == nil {
			err = c.handle(msg)
		}
		if err != nil {
			var kicked *Kicked
			if errors.As(err, &kicked) {
				_ = c.conn.CloseWith("", "")
				return err
			}
			c.log.Warn("closing connection", zap.String("code", protocol.CodeOf(err)), zap.Error(err))
			_ = c.conn.CloseWith(protocol.CodeOf(err), err.Error())
			return err
		}
	}
}

// endSession drops the open session, if any, and empties the mirror.
func (c *Client) endSession(why string) {
	c.mu.Lock()
	open := c.open
	c.open = false
	c.limits = nil
	c.mu.Unlock()
	c.batches = 0
	c.mirror.Clear()
	if !open {
		return
	}
	c.log.Info("session end", zap.String("reason", why))
	if c.opts.OnSession != nil {
		c.opts.OnSession(false, nil)
	}
}

func violation(format string, args ...any) error {
	return protocol.Errorf(protocol.ErrProtoViolation, format, args...)
}

func (c *Client) handle(msg protocol.Message) error {
	c.mu.Lock()
	if hs, ok := msg.(*protocol.Handshake); ok {
		defer c.mu.Unlock()
		if c.handshake {
			return violation("duplicate %s", hs.Type())
		}
		if hs.Version != protocol.Version {
			return protocol.Errorf(protocol.ErrProtoVersion, "server speaks version %d, want %d", hs.Version, protocol.Version)
		}
		if !hs.Profile.Valid() {
			return violation("unknown tile profile %d", uint8(hs.Profile))
		}
		c.handshake = true
		c.profile = hs.Profile
		return c.maybeSendInitialLocked()
	}
	handshake, open := c.handshake, c.open
	c.mu.Unlock()

	if !handshake {
		if td, ok := msg.(*protocol.TileData); ok {
			td.Release()
		}
		return violation("%s before %s", msg.Type(), protocol.TypeHandshake)
	}

	switch m := msg.(type) {
	case *protocol.SessionBegin:
		if open {
			return violation("%s while a session is open", m.Type())
		}
		c.mu.Lock()
		c.open = true
		c.limits = m.Limits
		c.mu.Unlock()
		c.sessions++
		c.batches = 0
		c.log.Info("session begin", zap.Int("levels", len(m.Limits)))
		if c.opts.OnSession != nil {
			c.opts.OnSession(true, m.Limits)
		}
	case *protocol.SessionEnd:
		if !open {
			return violation("%s without a session", m.Type())
		}
		c.endSession("session end")
	case *protocol.ConfigMerged:
		c.mu.Lock()
		c.merged = m.Config
		c.mu.Unlock()
	case *protocol.ConfigServer:
		c.mu.Lock()
		c.serverCfg = m.Config
		c.mu.Unlock()
	case *protocol.TileData:
		if !open {
			m.Release()
			return violation("%s without a session", m.Type())
		}
		var size uint64
		for _, s := range m.Tiles {
			size += uint64(s.Stats().UncompressedBytes)
			c.mirror.Receive(s)
		}
		m.Tiles = nil
		c.batches++
		return c.send(&protocol.TileAck{Session: c.sessions, Batch: c.batches, Size: size})
	case *protocol.TileUnload:
		if !open {
			return violation("%s without a session", m.Type())
		}
		c.mirror.Unload(m.Pos)
	case *protocol.TileUnloadBatch:
		if !open {
			return violation("%s without a session", m.Type())
		}
		for _, pos := range m.Positions {
			c.mirror.Unload(pos)
		}
	case *protocol.DebugStats:
		if c.opts.OnDebugStats != nil {
			c.opts.OnDebugStats(m.JSON)
		}
	case *protocol.Disconnect:
		return &Kicked{Code: m.Code, Reason: m.Reason}
	default:
		return violation("unexpected %s from server", msg.Type())
	}
	return nil
}
