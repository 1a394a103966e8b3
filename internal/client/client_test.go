package client

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport/tcp"
)

// fakeServer feeds frames to the client and collects what it writes.
type fakeServer struct {
	t    *testing.T
	prof tile.Profile
	in   chan []byte
	out  chan []byte

	mu       sync.Mutex
	closed   bool
	code     string
	closedCh chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{t: t, prof: tile.Profile2D, in: make(chan []byte, 16), out: make(chan []byte, 16), closedCh: make(chan struct{})}
}

func (f *fakeServer) ReadFrame() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closedCh:
		return nil, io.EOF
	}
}

func (f *fakeServer) WriteFrame(frame []byte) error {
	f.out <- frame
	return nil
}

func (f *fakeServer) CloseWith(code, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
		close(f.closedCh)
	}
	return nil
}

func (f *fakeServer) closeCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeServer) push(msg protocol.Message) {
	f.t.Helper()
	frame, err := protocol.Encode(f.prof, msg)
	require.NoError(f.t, err)
	f.in <- frame
}

func (f *fakeServer) next() protocol.Message {
	f.t.Helper()
	select {
	case frame := <-f.out:
		m, err := protocol.Decoder{Profile: f.prof}.Decode(frame)
		require.NoError(f.t, err)
		return m
	case <-time.After(5 * time.Second):
		f.t.Fatal("no frame from client")
		return nil
	}
}

func (f *fakeServer) assertQuiet() {
	f.t.Helper()
	select {
	case frame := <-f.out:
		f.t.Fatalf("unexpected frame type %s", protocol.Type(frame[0]))
	case <-time.After(50 * time.Millisecond):
	}
}

func startClient(t *testing.T, f *fakeServer, opts Options) (*Client, <-chan error) {
	t.Helper()
	opts.Log = zaptest.NewLogger(t)
	c := New(f, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestClient_SessionLifecycle(t *testing.T) {
	f := newFakeServer(t)
	far := &config.Far{MaxLevels: 2, CutoffDistance: 32}
	c, _ := startClient(t, f, Options{Config: far, Anchor: mgl64.Vec3{8, 0, 8}})

	require.NoError(t, c.Ready())
	f.assertQuiet()

	f.push(&protocol.Handshake{Version: protocol.Version, Profile: tile.Profile2D})
	assert.IsType(t, &protocol.ClientReady{}, f.next())
	anchor := f.next().(*protocol.AnchorUpdate)
	assert.Equal(t, 8.0, anchor.X)
	cc := f.next().(*protocol.ClientConfig)
	assert.JSONEq(t, string(far.JSON()), string(cc.Config))

	f.push(&protocol.ConfigServer{Config: far.JSON()})
	f.push(&protocol.ConfigMerged{Config: far.JSON()})
	f.push(&protocol.SessionBegin{Limits: []tile.Box{{Min: [3]int32{-4, 0, -4}, Max: [3]int32{4, 1, 4}}}})

	pool := tile.NewBufferPool()
	a := tile.NewSnapshot(pool, tile.Pos{X: 1}, 1, []byte{1, 2})
	b := tile.NewEmpty(tile.Pos{X: 2}, 1)
	f.push(&protocol.TileData{Tiles: []*tile.Snapshot{a, b}})
	a.Release()
	b.Release()
	f.push(&protocol.TileUnload{Pos: tile.Pos{X: 2}})

	require.Eventually(t, func() bool {
		return c.SessionOpen() && c.Mirror().Len() == 1
	}, 5*time.Second, 5*time.Millisecond)
	ack := f.next().(*protocol.TileAck)
	assert.Equal(t, uint64(1), ack.Session)
	assert.Equal(t, uint64(1), ack.Batch)
	assert.Equal(t, uint64(2), ack.Size)
	assert.Len(t, c.Limits(), 1)
	assert.JSONEq(t, string(far.JSON()), string(c.ServerConfig()))
	assert.JSONEq(t, string(far.JSON()), string(c.MergedConfig()))
	assert.Equal(t, tile.Profile2D, c.Profile())

	require.NoError(t, c.SetConfig(far.Clone()))
	f.assertQuiet()
	changed := &config.Far{MaxLevels: 1, CutoffDistance: 32}
	require.NoError(t, c.SetConfig(changed))
	cc = f.next().(*protocol.ClientConfig)
	assert.JSONEq(t, string(changed.JSON()), string(cc.Config))

	require.NoError(t, c.DropAllTiles())
	assert.IsType(t, &protocol.DebugDropAllTiles{}, f.next())

	f.push(&protocol.ConfigMerged{})
	f.push(&protocol.SessionEnd{})
	require.Eventually(t, func() bool {
		return !c.SessionOpen() && c.Mirror().Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Nil(t, c.MergedConfig())

	require.NoError(t, c.DropAllTiles())
	f.assertQuiet()
}

func TestClient_Violations(t *testing.T) {
	hs := &protocol.Handshake{Version: protocol.Version, Profile: tile.Profile2D}
	cases := []struct {
		name string
		msgs []protocol.Message
		code string
	}{
		{"before handshake", []protocol.Message{&protocol.ConfigServer{}}, protocol.ErrProtoViolation},
		{"duplicate handshake", []protocol.Message{hs, hs}, protocol.ErrProtoViolation},
		{"wrong version", []protocol.Message{&protocol.Handshake{Version: protocol.Version + 1, Profile: tile.Profile2D}}, protocol.ErrProtoVersion},
		{"end without session", []protocol.Message{hs, &protocol.SessionEnd{}}, protocol.ErrProtoViolation},
		{"unload without session", []protocol.Message{hs, &protocol.TileUnload{}}, protocol.ErrProtoViolation},
		{"batch without session", []protocol.Message{hs, &protocol.TileUnloadBatch{Positions: []tile.Pos{{X: 1}}}}, protocol.ErrProtoViolation},
		{"tiles without session", []protocol.Message{hs, &protocol.TileData{Tiles: []*tile.Snapshot{tile.NewEmpty(tile.Pos{}, 1)}}}, protocol.ErrProtoViolation},
		{"double begin", []protocol.Message{hs, &protocol.SessionBegin{}, &protocol.SessionBegin{}}, protocol.ErrProtoViolation},
		{"client message", []protocol.Message{hs, &protocol.ClientReady{}}, protocol.ErrProtoViolation},
		{"ack from server", []protocol.Message{hs, &protocol.TileAck{Batch: 1}}, protocol.ErrProtoViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeServer(t)
			_, done := startClient(t, f, Options{})
			for _, m := range tc.msgs {
				f.push(m)
			}
			err := waitErr(t, done)
			require.Error(t, err)
			assert.Equal(t, tc.code, protocol.CodeOf(err))
			assert.Equal(t, tc.code, f.closeCode())
		})
	}
}

func TestClient_DecodeFailureIsFatal(t *testing.T) {
	f := newFakeServer(t)
	_, done := startClient(t, f, Options{})
	f.in <- []byte{0xEE}
	err := waitErr(t, done)
	assert.Equal(t, protocol.ErrProtoUnknownType, protocol.CodeOf(err))
	assert.Equal(t, protocol.ErrProtoUnknownType, f.closeCode())
}

func TestClient_DisconnectFrame(t *testing.T) {
	f := newFakeServer(t)
	_, done := startClient(t, f, Options{})
	f.push(&protocol.Handshake{Version: protocol.Version, Profile: tile.Profile2D})
	f.push(&protocol.Disconnect{Code: protocol.ErrServerShutdown, Reason: "bye"})
	err := waitErr(t, done)
	var kicked *Kicked
	require.ErrorAs(t, err, &kicked)
	assert.Equal(t, protocol.ErrServerShutdown, kicked.Code)
	assert.Equal(t, "bye", kicked.Reason)
}

func TestClient_ContextCancelEndsRun(t *testing.T) {
	f := newFakeServer(t)
	c := New(f, Options{Log: zaptest.NewLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestClient_AgainstEngine(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Profile = "2d"
	cfg.TickRateHz = 200
	cfg.Far = &config.Far{MaxLevels: 1, CutoffDistance: 16, RenderModes: []string{"voxel"}}
	cfg.DebugStatsEveryTicks = 0
	prof := cfg.TileProfile()

	ctx, cancel := context.WithCancel(context.Background())
	gen := tilecache.GeneratorFunc(func(ctx context.Context, pos tile.Pos) ([]byte, error) {
		return []byte{pos.Level, byte(pos.X), byte(pos.Z)}, nil
	})
	cache := tilecache.New(tilecache.Config{Profile: prof, Workers: 2}, gen, tilecache.WithLogger(zaptest.NewLogger(t)))
	cache.Start(ctx)
	eng := server.New(server.Options{Config: cfg, Cache: cache, Log: zaptest.NewLogger(t)})
	engDone := make(chan struct{})
	go func() {
		defer close(engDone)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-engDone
		cache.Close()
	})

	srvSide, cliSide := net.Pipe()
	go func() {
		_ = transport.Serve(ctx, eng, tcp.NewConn(srvSide, "pipe"), transport.Options{})
	}()

	c := New(tcp.NewConn(cliSide, "pipe"), Options{
		Config: &config.Far{MaxLevels: 1, CutoffDistance: 16, RenderModes: []string{"voxel"}},
		Log:    zaptest.NewLogger(t),
	})
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()
	require.NoError(t, c.Ready())

	require.Eventually(t, func() bool {
		return c.SessionOpen() && c.Mirror().Len() > 0
	}, 10*time.Second, 10*time.Millisecond)
	for _, pos := range c.Mirror().Positions() {
		s := c.Mirror().Get(pos)
		require.NotNil(t, s)
		raw, err := s.RawPayload()
		require.NoError(t, err)
		assert.Equal(t, []byte{pos.Level, byte(pos.X), byte(pos.Z)}, raw)
		s.Release()
	}

	// An invalidated tile reaches the mirror again with a newer timestamp.
	target := c.Mirror().Positions()[0]
	old := c.Mirror().Get(target)
	require.NotNil(t, old)
	before := old.Timestamp
	old.Release()
	require.Positive(t, cache.Invalidate(target))
	require.Eventually(t, func() bool {
		s := c.Mirror().Get(target)
		if s == nil {
			return false
		}
		defer s.Release()
		return s.Timestamp > before
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetConfig(nil))
	require.Eventually(t, func() bool {
		return !c.SessionOpen() && c.Mirror().Len() == 0
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClient_RunExitEndsSession(t *testing.T) {
	cases := []struct {
		name string
		end  func(f *fakeServer)
		code string
	}{
		{"disconnect", func(f *fakeServer) {
			f.push(&protocol.Disconnect{Code: protocol.ErrServerShutdown, Reason: "bye"})
		}, ""},
		{"corrupt tile data", func(f *fakeServer) {
			f.in <- []byte{byte(protocol.TypeTileData), 5}
		}, protocol.ErrProtoDecode},
		{"connection lost", func(f *fakeServer) {
			_ = f.CloseWith("", "")
		}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeServer(t)
			var mu sync.Mutex
			var events []bool
			c, done := startClient(t, f, Options{OnSession: func(open bool, limits []tile.Box) {
				mu.Lock()
				events = append(events, open)
				mu.Unlock()
			}})

			f.push(&protocol.Handshake{Version: protocol.Version, Profile: tile.Profile2D})
			f.push(&protocol.SessionBegin{Limits: []tile.Box{{Min: [3]int32{-4, 0, -4}, Max: [3]int32{4, 1, 4}}}})
			pool := tile.NewBufferPool()
			s := tile.NewSnapshot(pool, tile.Pos{X: 1}, 1, []byte{1, 2, 3})
			f.push(&protocol.TileData{Tiles: []*tile.Snapshot{s}})
			s.Release()
			require.Eventually(t, func() bool {
				return c.SessionOpen() && c.Mirror().Len() == 1
			}, 5*time.Second, 5*time.Millisecond)
			assert.IsType(t, &protocol.TileAck{}, f.next())

			tc.end(f)
			err := waitErr(t, done)
			require.Error(t, err)
			if tc.code != "" {
				assert.Equal(t, tc.code, protocol.CodeOf(err))
			}
			if tc.name == "disconnect" {
				var kicked *Kicked
				assert.ErrorAs(t, err, &kicked)
			}

			assert.False(t, c.SessionOpen())
			assert.Empty(t, c.Limits())
			assert.Equal(t, 0, c.Mirror().Len())
			mu.Lock()
			assert.Equal(t, []bool{true, false}, events)
			mu.Unlock()
		})
	}
}
