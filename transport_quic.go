package iotmqtt

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the application protocol negotiated for MQTT over QUIC.
const quicALPN = "mqtt"

// quicConn carries MQTT on one bidirectional QUIC stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream and the QUIC connection.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		streamErr := c.stream.Close()
		c.closeErr = c.conn.CloseWithError(0, "")
		if c.closeErr == nil {
			c.closeErr = streamErr
		}
	})
	return c.closeErr
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// QUICDialer connects to MQTT brokers over QUIC.
type QUICDialer struct {
	// TLSConfig is the TLS configuration. QUIC requires TLS 1.3.
	TLSConfig *tls.Config

	// QUICConfig is the QUIC configuration.
	QUICConfig *quic.Config

	// WriteTimeout bounds each write on the returned network.
	WriteTimeout time.Duration
}

// Dial connects to address ("host:port") and opens the MQTT stream.
func (d *QUICDialer) Dial(ctx context.Context, address string) (Network, error) {
	tlsConfig := quicTLSConfig(d.TLSConfig)

	conn, err := quic.DialAddr(ctx, address, tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}

	return newConnNetwork(&quicConn{conn: conn, stream: stream}, d.WriteTimeout), nil
}

// NewQUICDialer creates a QUIC dialer. A nil tlsConfig selects TLS 1.3
// with the MQTT ALPN.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: quicTLSConfig(tlsConfig)}
}

func quicTLSConfig(config *tls.Config) *tls.Config {
	if config == nil {
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{quicALPN},
		}
	}

	if config.MinVersion < tls.VersionTLS13 || len(config.NextProtos) == 0 {
		config = config.Clone()
		config.MinVersion = tls.VersionTLS13
		if len(config.NextProtos) == 0 {
			config.NextProtos = []string{quicALPN}
		}
	}

	return config
}
