package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport"
)

func startServer(t *testing.T) (*server.Engine, string) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.TickRateHz = 200
	log := zaptest.NewLogger(t)
	eng := server.New(server.Options{Config: cfg, Log: log})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	srv := NewServer(ctx, eng, transport.Options{OutQueue: 64}, log)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		hs.Close()
	})
	return eng, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMsg(t *testing.T, c *Conn) protocol.Message {
	t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := c.ReadFrame()
	require.NoError(t, err)
	m, err := protocol.Decoder{Profile: tile.Profile3D}.Decode(frame)
	require.NoError(t, err)
	return m
}

func writeMsg(t *testing.T, c *Conn, m protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(tile.Profile3D, m)
	require.NoError(t, err)
	require.NoError(t, c.WriteFrame(frame))
}

func TestWS_HandshakeAndReady(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)

	hs := readMsg(t, c).(*protocol.Handshake)
	assert.Equal(t, protocol.Version, hs.Version)
	assert.Equal(t, tile.Profile3D, hs.Profile)

	writeMsg(t, c, &protocol.ClientReady{})
	cs := readMsg(t, c).(*protocol.ConfigServer)
	far, err := config.ParseFar(cs.Config)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultFar(), far)
}

func TestWS_UnknownTypeClosesWithPolicyViolation(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)
	readMsg(t, c)

	require.NoError(t, c.WriteFrame([]byte{0xFF}))
	d := readMsg(t, c).(*protocol.Disconnect)
	assert.Equal(t, protocol.ErrProtoUnknownType, d.Code)

	_, err := c.ReadFrame()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	code, _, ok := CodeFromClose(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrProtoUnknownType, code)
}

func TestWS_ClientCloseLeaves(t *testing.T) {
	eng, url := startServer(t)
	c := dial(t, url)
	readMsg(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := eng.RequestState(ctx)
	require.NoError(t, err)
	require.Len(t, st.Sessions, 1)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		st, err := eng.RequestState(ctx)
		return err == nil && len(st.Sessions) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseText(t *testing.T) {
	assert.Equal(t, "E_BAD_CONFIG: nope", closeText(protocol.ErrBadConfig, "nope"))
	assert.Equal(t, "", closeText("", ""))
	assert.Len(t, closeText(protocol.ErrInternal, strings.Repeat("x", 500)), 123)

	assert.Equal(t, websocket.CloseNormalClosure, CloseStatus(""))
	assert.Equal(t, websocket.CloseTryAgainLater, CloseStatus(protocol.ErrServerFull))
	assert.Equal(t, websocket.ClosePolicyViolation, CloseStatus(protocol.ErrSlowConsumer))
}
