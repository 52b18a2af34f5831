package iotmqtt

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Network is the transport a Connection drives.
//
// Send and Receive are called from different goroutines. Receive returns
// ErrWouldBlock when no data arrived within timeout. Close must unblock a
// pending Receive.
type Network interface {
	Send(b []byte) (int, error)
	Receive(b []byte, timeout time.Duration) (int, error)
	Close() error
}

// ConnNetwork adapts a net.Conn to Network using read deadlines.
type ConnNetwork struct {
	conn         net.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConnNetwork wraps conn.
func NewConnNetwork(conn net.Conn) *ConnNetwork {
	return &ConnNetwork{conn: conn}
}

// SetWriteTimeout bounds each Send. Zero means no bound.
func (n *ConnNetwork) SetWriteTimeout(d time.Duration) {
	n.writeTimeout = d
}

// Conn returns the underlying connection.
func (n *ConnNetwork) Conn() net.Conn {
	return n.conn
}

// Send writes b to the connection.
func (n *ConnNetwork) Send(b []byte) (int, error) {
	if n.writeTimeout > 0 {
		if err := n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout)); err != nil {
			return 0, err
		}
	}

	return n.conn.Write(b)
}

// Receive reads into b, waiting at most timeout.
func (n *ConnNetwork) Receive(b []byte, timeout time.Duration) (int, error) {
	if err := n.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	read, err := n.conn.Read(b)
	if err != nil && read == 0 && isTimeout(err) {
		return 0, ErrWouldBlock
	}
	if err != nil && read > 0 && isTimeout(err) {
		err = nil
	}

	return read, err
}

// Close closes the connection. Subsequent calls return the first result.
func (n *ConnNetwork) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.conn.Close()
	})
	return n.closeErr
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
