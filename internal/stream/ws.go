package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	readDeadline     = 30 * time.Second
	writeDeadline    = 5 * time.Second
	pingInterval     = 15 * time.Second
	maxMessageSize   = 1 << 20
)

// WebsocketDialer opens gorilla websocket connections with keepalive
// deadlines and a background ping loop.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	wc := &websocketConn{conn: conn, done: make(chan struct{})}
	go wc.pingLoop()
	return wc, nil
}

type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (w *websocketConn) ReadMessage() ([]byte, error) {
	_, payload, err := w.conn.ReadMessage()
	return payload, err
}

func (w *websocketConn) WriteJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.conn.WriteJSON(v)
}

func (w *websocketConn) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.conn.Close()
}

func (w *websocketConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}
