package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/blazeintel/rtssf/src/types"
	"github.com/fasthttp/websocket"
)

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (types.Conn, error)
}

// WebsocketDialer dials real WebSocket connections.
type WebsocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// ReadLimit bounds inbound frames; zero uses 1 MiB.
	ReadLimit int64
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (types.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return types.WrapConn(conn, limit), nil
}
