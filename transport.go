package iotmqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Dialer opens a Network to a broker.
type Dialer interface {
	// Dial connects to address with the given context.
	Dial(ctx context.Context, address string) (Network, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Network, error)

// Dial calls f(ctx, address).
func (f DialerFunc) Dial(ctx context.Context, address string) (Network, error) {
	return f(ctx, address)
}

// TCPDialer connects to MQTT brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// WriteTimeout bounds each write on the returned network.
	WriteTimeout time.Duration

	// Proxy, if set, tunnels the connection.
	Proxy *ProxyDialer
}

// Dial connects to address ("host:port").
func (d *TCPDialer) Dial(ctx context.Context, address string) (Network, error) {
	conn, err := d.dialConn(ctx, address)
	if err != nil {
		return nil, err
	}
	return newConnNetwork(conn, d.WriteTimeout), nil
}

func (d *TCPDialer) dialConn(ctx context.Context, address string) (net.Conn, error) {
	if d.Proxy != nil {
		return d.Proxy.DialContext(ctx, "tcp", address)
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to MQTT brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration. Nil selects TLS 1.2 or later with
	// the server name taken from the address.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// WriteTimeout bounds each write on the returned network.
	WriteTimeout time.Duration

	// Proxy, if set, tunnels the connection before the TLS handshake.
	Proxy *ProxyDialer
}

// Dial connects to address ("host:port") and completes the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Network, error) {
	config := d.Config
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if d.Proxy == nil {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: d.Timeout},
			Config:    config,
		}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return newConnNetwork(conn, d.WriteTimeout), nil
	}

	raw, err := d.Proxy.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName, _, _ = net.SplitHostPort(address)
	}

	conn := tls.Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	return newConnNetwork(conn, d.WriteTimeout), nil
}

func newConnNetwork(conn net.Conn, writeTimeout time.Duration) *ConnNetwork {
	n := NewConnNetwork(conn)
	n.SetWriteTimeout(writeTimeout)
	return n
}

// Default broker ports by scheme.
var defaultPorts = map[string]string{
	"tcp":   "1883",
	"mqtt":  "1883",
	"ssl":   "8883",
	"tls":   "8883",
	"mqtts": "8883",
	"ws":    "80",
	"wss":   "443",
	"quic":  "8883",
}

// Dial connects to the broker at address and performs the MQTT handshake.
//
// The address is a URL whose scheme selects the transport: tcp or mqtt,
// ssl, tls or mqtts, ws, wss, quic, and unix (unix:///path/to/socket).
// WithDialer bypasses scheme selection and receives the address unchanged.
func Dial(ctx context.Context, address string, opts ...Option) (*Connection, error) {
	o := applyOptions(opts)

	network, err := dialNetwork(ctx, address, o)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNetwork, address, err)
	}

	conn, err := Connect(ctx, network, opts...)
	if err != nil {
		network.Close()
		return nil, err
	}

	return conn, nil
}

func dialNetwork(ctx context.Context, address string, o *options) (Network, error) {
	if o.dialer != nil {
		return o.dialer.Dial(ctx, address)
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %w", ErrBadParameter, err)
	}

	host := u.Host
	if port, ok := defaultPorts[u.Scheme]; ok && u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), port)
	}

	proxy, err := resolveProxy(o.proxy, address)
	if err != nil {
		return nil, err
	}

	var dialer Dialer
	target := host

	switch u.Scheme {
	case "tcp", "mqtt":
		dialer = &TCPDialer{WriteTimeout: o.writeTimeout, Proxy: proxy}
	case "ssl", "tls", "mqtts":
		dialer = &TLSDialer{Config: o.tlsConfig, WriteTimeout: o.writeTimeout, Proxy: proxy}
	case "ws", "wss":
		ws := NewWSDialer()
		ws.Dialer.TLSClientConfig = o.tlsConfig
		ws.WriteTimeout = o.writeTimeout
		if proxy != nil {
			ws.Dialer.NetDialContext = proxy.DialContext
		}
		dialer = ws
		target = address
	case "quic":
		q := NewQUICDialer(o.tlsConfig)
		q.WriteTimeout = o.writeTimeout
		dialer = q
	case "unix":
		// unix:///path/to/socket or unix://localhost/path/to/socket
		target = u.Path
		if target == "" {
			target = u.Host
		}
		dialer = &UnixDialer{WriteTimeout: o.writeTimeout}
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadParameter, u.Scheme)
	}

	return dialer.Dial(ctx, target)
}
