package iotmqtt

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
	WebSocketSubprotocol = "mqtt"
)

var errNonBinaryFrame = errors.New("non-binary websocket frame")

// wsNetwork adapts a WebSocket connection to Network.
//
// A gorilla connection is unusable after a read deadline expires, so a
// single reader goroutine owns ReadMessage and Receive waits on its output.
type wsNetwork struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	frames  chan []byte
	readErr error
	failed  chan struct{}

	pending []byte

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newWSNetwork(conn *websocket.Conn, writeTimeout time.Duration) *wsNetwork {
	n := &wsNetwork{
		conn:         conn,
		writeTimeout: writeTimeout,
		frames:       make(chan []byte),
		failed:       make(chan struct{}),
		closed:       make(chan struct{}),
	}

	go n.readLoop()

	return n
}

func (n *wsNetwork) readLoop() {
	defer close(n.failed)

	for {
		messageType, data, err := n.conn.ReadMessage()
		if err != nil {
			n.readErr = err
			return
		}

		// MQTT over WebSocket uses binary messages only.
		if messageType != websocket.BinaryMessage {
			n.readErr = NewProtocolError(0, errNonBinaryFrame)
			return
		}

		select {
		case n.frames <- data:
		case <-n.closed:
			return
		}
	}
}

// Send writes b as one binary message.
func (n *wsNetwork) Send(b []byte) (int, error) {
	if n.writeTimeout > 0 {
		if err := n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout)); err != nil {
			return 0, err
		}
	}

	if err := n.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}

	return len(b), nil
}

// Receive copies buffered frame data into b, waiting at most timeout for
// the next frame.
func (n *wsNetwork) Receive(b []byte, timeout time.Duration) (int, error) {
	if len(n.pending) == 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case data := <-n.frames:
			n.pending = data
		case <-n.failed:
			return 0, n.readErr
		case <-n.closed:
			return 0, net.ErrClosed
		case <-timer.C:
			return 0, ErrWouldBlock
		}
	}

	read := copy(b, n.pending)
	n.pending = n.pending[read:]

	return read, nil
}

// Close closes the connection and stops the reader.
func (n *wsNetwork) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.closeErr = n.conn.Close()
	})
	return n.closeErr
}

// WSDialer connects to MQTT brokers over WebSocket.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header

	// WriteTimeout bounds each write on the returned network.
	WriteTimeout time.Duration
}

// Dial connects to the WebSocket URL address (ws:// or wss://).
func (d *WSDialer) Dial(ctx context.Context, address string) (Network, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, resp, err := dialer.DialContext(ctx, address, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newWSNetwork(conn, d.WriteTimeout), nil
}

// NewWSDialer creates a new WebSocket dialer with the MQTT subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: DefaultConnectTimeout,
		},
	}
}
