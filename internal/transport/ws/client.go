package ws

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Dial opens a client connection to a far tile websocket endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	return newConn(ws, ws.RemoteAddr().String()), nil
}
