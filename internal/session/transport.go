// Package session implements the player session layer: a pair of
// message pumps over a duplex transport, inbound dispatch, and the
// bounded outbound queue with monotonic sequence numbers.
package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one duplex binary-message link; WSTransport adapts a
// WebSocket for local clients. Remote players' sessions are carried by
// federation streams, which do not go through Transport.
type Transport interface {
	// ReadMessage blocks for the next inbound frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame.
	WriteMessage(data []byte) error
	Close() error
}

// WSTransport adapts a gorilla websocket connection.
type WSTransport struct {
	Conn         *websocket.Conn
	WriteTimeout time.Duration
}

func (t *WSTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.Conn.ReadMessage()
	return data, err
}

func (t *WSTransport) WriteMessage(data []byte) error {
	if t.WriteTimeout > 0 {
		t.Conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout))
	}
	return t.Conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WSTransport) Close() error {
	return t.Conn.Close()
}
