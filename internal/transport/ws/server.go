// Package ws serves far tile sessions over websockets. Every protocol frame
// travels as one binary message.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport"
)

type Server struct {
	eng  transport.Engine
	opts transport.Options
	log  *zap.Logger
	ctx  context.Context

	upgrader websocket.Upgrader
}

// NewServer serves eng until ctx is done.
func NewServer(ctx context.Context, eng transport.Engine, opts transport.Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Log = log
	return &Server{
		eng:  eng,
		opts: opts,
		log:  log,
		ctx:  ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c := newConn(conn, r.RemoteAddr)
		defer c.Close()
		if err := transport.Serve(s.ctx, s.eng, c, s.opts); err != nil {
			s.log.Debug("ws session refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		}
	}
}

// Conn adapts a websocket connection to whole protocol frames.
type Conn struct {
	ws     *websocket.Conn
	remote string

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, remote string) *Conn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &Conn{ws: ws, remote: remote}
}

func (c *Conn) RemoteAddr() string { return c.remote }

// ReadFrame returns the next binary message. A close from the peer is
// returned as *websocket.CloseError.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *Conn) WriteFrame(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// CloseWith sends a close frame carrying code and reason, then closes.
func (c *Conn) CloseWith(code, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(CloseStatus(code), closeText(code, reason))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Close() error { return c.CloseWith("", "") }

// CloseStatus maps a reason code to a websocket close status.
func CloseStatus(code string) int {
	switch code {
	case "":
		return websocket.CloseNormalClosure
	case protocol.ErrServerShutdown:
		return websocket.CloseGoingAway
	case protocol.ErrServerFull:
		return websocket.CloseTryAgainLater
	case protocol.ErrInternal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}

// closeText fits "code: reason" into a control frame.
func closeText(code, reason string) string {
	text := code
	if reason != "" {
		if text != "" {
			text += ": "
		}
		text += reason
	}
	const max = 123
	if len(text) > max {
		text = text[:max]
	}
	return text
}

// CodeFromClose recovers the reason code from a close frame's text.
func CodeFromClose(err error) (code, reason string, ok bool) {
	ce, isClose := err.(*websocket.CloseError)
	if !isClose {
		return "", "", false
	}
	text := ce.Text
	if i := strings.Index(text, ": "); i > 0 && protocol.IsKnownCode(text[:i]) {
		return text[:i], text[i+2:], true
	}
	if protocol.IsKnownCode(text) {
		return text, "", true
	}
	return "", text, true
}
