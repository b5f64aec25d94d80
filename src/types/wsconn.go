package types

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

const writeWait = 5 * time.Second

// wsConn adapts a fasthttp/websocket connection to Conn. The same adapter
// serves upgraded server sockets and dialed client sockets.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WrapConn wraps a websocket connection. readLimit bounds a single inbound
// frame; zero leaves the library default.
func WrapConn(conn *websocket.Conn, readLimit int64) Conn {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
		}
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) CloseWith(code int, reason string) error {
	w.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	w.mu.Unlock()
	return w.conn.Close()
}

func (w *wsConn) Close() error { return w.conn.Close() }
