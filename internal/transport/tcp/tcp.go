// Package tcp serves far tile sessions over raw TCP. Each connection is a
// yamux session and every stream in it is one far tile session, so one client
// process can run many sessions over a single socket.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport"
)

func muxConfig(log *zap.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = &zapio.Writer{Log: log.Named("yamux"), Level: zap.DebugLevel}
	return cfg
}

type Server struct {
	eng  transport.Engine
	opts transport.Options
	log  *zap.Logger
}

func NewServer(eng transport.Engine, opts transport.Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Log = log
	return &Server{eng: eng, opts: opts, log: log}
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	sess, err := yamux.Server(conn, muxConfig(s.log))
	if err != nil {
		s.log.Warn("yamux server", zap.String("remote", remote), zap.Error(err))
		return
	}
	defer sess.Close()
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-sess.CloseChan():
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewConn(stream, fmt.Sprintf("%s#%d", remote, stream.StreamID()))
			defer c.Close()
			if err := transport.Serve(ctx, s.eng, c, s.opts); err != nil {
				s.log.Debug("tcp session refused", zap.String("remote", c.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// Client is one multiplexed connection to a server.
type Client struct {
	conn net.Conn
	sess *yamux.Session
}

func Dial(ctx context.Context, addr string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Client(conn, muxConfig(log))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, sess: sess}, nil
}

// Open starts a new far tile session on the connection.
func (c *Client) Open() (*Conn, error) {
	stream, err := c.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return NewConn(stream, fmt.Sprintf("%s#%d", c.conn.RemoteAddr(), stream.StreamID())), nil
}

func (c *Client) Close() error { return c.sess.Close() }

// Conn frames a byte stream with a 4 byte big endian length prefix.
type Conn struct {
	rw     io.ReadWriteCloser
	br     *bufio.Reader
	remote string

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rw io.ReadWriteCloser, remote string) *Conn {
	return &Conn{rw: rw, br: bufio.NewReaderSize(rw, 64*1024), remote: remote}
}

func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > protocol.MaxFrameSize {
		return nil, protocol.Errorf(protocol.ErrProtoDecode, "frame of %d bytes exceeds %d", n, protocol.MaxFrameSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *Conn) WriteFrame(frame []byte) error {
	buf := make([]byte, 4, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	_, err := c.rw.Write(append(buf, frame...))
	return err
}

// CloseWith closes the stream. The reason already went out in the final
// Disconnect frame.
func (c *Conn) CloseWith(code, reason string) error {
	c.closeOnce.Do(func() { c.closeErr = c.rw.Close() })
	return c.closeErr
}

func (c *Conn) Close() error { return c.CloseWith("", "") }
