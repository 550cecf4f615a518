package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsHandshakeTimeout = 10 * time.Second

// wsConn wraps a websocket connection so reads unblock when the caller's
// context is cancelled (gorilla reads take no context).
type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func dialWS(ctx context.Context, url string) (*wsConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	w := &wsConn{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-w.done:
		}
	}()
	return w, nil
}

func (w *wsConn) WriteJSON(v interface{}) error {
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

func unmarshalFrame(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("frame %.60s: %w", data, err)
	}
	return nil
}
