// Package transport connects byte-frame connections to the engine loop.
package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// Conn carries whole protocol frames in both directions.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	// CloseWith ends the connection, passing code and reason in the transport's
	// own close signal where it has one.
	CloseWith(code, reason string) error
	RemoteAddr() string
}

// Engine is the part of the server loop a connection talks to.
type Engine interface {
	Join() chan<- server.JoinRequest
	Leave() chan<- string
	Inbox() chan<- server.Envelope
	Profile() tile.Profile
	// Done is closed once the engine stopped accepting requests.
	Done() <-chan struct{}
}

type Options struct {
	OutQueue int
	Log      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.OutQueue <= 0 {
		o.OutQueue = 256
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Serve joins c to eng and pumps frames until either side ends the session.
// It returns once the connection is closed.
func Serve(ctx context.Context, eng Engine, c Conn, opts Options) error {
	opts = opts.withDefaults()
	out := make(chan []byte, opts.OutQueue)
	resp := make(chan server.JoinResponse, 1)
	select {
	case eng.Join() <- server.JoinRequest{Remote: c.RemoteAddr(), Out: out, Resp: resp}:
	case <-eng.Done():
		_ = c.CloseWith(protocol.ErrServerShutdown, "server stopping")
		return errEngineStopped
	case <-ctx.Done():
		_ = c.CloseWith(protocol.ErrServerShutdown, "server stopping")
		return ctx.Err()
	}
	var jr server.JoinResponse
	select {
	case jr = <-resp:
	case <-eng.Done():
		_ = c.CloseWith(protocol.ErrServerShutdown, "server stopping")
		return errEngineStopped
	case <-ctx.Done():
		_ = c.CloseWith(protocol.ErrServerShutdown, "server stopping")
		return ctx.Err()
	}
	if jr.Err != nil {
		frame, err := protocol.Encode(eng.Profile(), &protocol.Disconnect{Code: protocol.CodeOf(jr.Err), Reason: jr.Err.Error()})
		if err == nil {
			_ = c.WriteFrame(frame)
		}
		_ = c.CloseWith(protocol.CodeOf(jr.Err), jr.Err.Error())
		return jr.Err
	}
	id := jr.SessionID
	log := opts.Log.With(zap.String("session", id), zap.String("remote", c.RemoteAddr()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(c, out, eng.Profile(), log)
	}()

	readErr := readLoop(ctx, eng, c, id)
	if readErr != nil && !errors.Is(readErr, errSessionEnded) {
		log.Debug("read loop ended", zap.Error(readErr))
	}
	if !errors.Is(readErr, errSessionEnded) {
		select {
		case eng.Leave() <- id:
		case <-eng.Done():
		case <-ctx.Done():
		}
	}
	<-writerDone
	return nil
}

var (
	errSessionEnded  = errors.New("transport: session ended by decode error")
	errEngineStopped = protocol.Errorf(protocol.ErrServerShutdown, "engine stopped")
)

func readLoop(ctx context.Context, eng Engine, c Conn, id string) error {
	dec := protocol.Decoder{Profile: eng.Profile()}
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return err
		}
		env := server.Envelope{SessionID: id}
		env.Msg, env.Err = dec.Decode(frame)
		select {
		case eng.Inbox() <- env:
		case <-eng.Done():
			return errEngineStopped
		case <-ctx.Done():
			return ctx.Err()
		}
		if env.Err != nil {
			// The engine kicks the session; the writer closes the connection.
			return errSessionEnded
		}
	}
}

// writeLoop drains out until the engine closes it. A Disconnect frame becomes
// the transport close reason.
func writeLoop(c Conn, out <-chan []byte, prof tile.Profile, log *zap.Logger) {
	var code, reason string
	failed := false
	for frame := range out {
		if failed {
			continue
		}
		if len(frame) > 0 && protocol.Type(frame[0]) == protocol.TypeDisconnect {
			if m, err := (protocol.Decoder{Profile: prof}).Decode(frame); err == nil {
				d := m.(*protocol.Disconnect)
				code, reason = d.Code, d.Reason
			}
		}
		if err := c.WriteFrame(frame); err != nil {
			log.Debug("write failed", zap.Error(err))
			failed = true
			// Unblock the reader; the engine closes out after the leave.
			_ = c.CloseWith(protocol.ErrInternal, "write failed")
		}
	}
	if !failed {
		_ = c.CloseWith(code, reason)
	}
}
