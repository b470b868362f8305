package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame kinds carried by a Transport. Values mirror the WebSocket
// opcodes so the gorilla-backed implementation is a direct mapping.
const (
	MessageText   = websocket.TextMessage
	MessageBinary = websocket.BinaryMessage
)

// Transport is one bidirectional connection to the relay server.
// Reads must come from a single goroutine; writes are serialized
// internally and safe to call concurrently.
type Transport interface {
	// ReadMessage blocks until the next frame arrives
	ReadMessage() (messageType int, data []byte, err error)

	// WriteJSON sends a control message as a text frame
	WriteJSON(v interface{}) error

	// WriteBinary sends raw audio as a binary frame
	WriteBinary(data []byte) error

	Close() error
}

// Dialer opens transports to a relay server
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WSDialer dials WebSocket transports with a bounded handshake
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial opens a WebSocket connection to url. The handshake is bounded
// by both ctx and the configured handshake timeout.
func (d *WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	return &wsTransport{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// wsTransport wraps a gorilla connection. gorilla allows one
// concurrent reader and one concurrent writer, so all writes go
// through writeMu.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *wsTransport) WriteJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
