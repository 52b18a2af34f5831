package iotmqtt

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startQUICBroker serves the loopback broker on the first stream of every
// QUIC connection.
func startQUICBroker(t testing.TB) string {
	t.Helper()

	cert, _ := generateTestCert(t)

	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{quicALPN},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				defer conn.CloseWithError(0, "")

				stream, err := conn.AcceptStream(context.Background())
				if err != nil {
					return
				}
				defer stream.Close()

				serveLoopback(stream)
			}()
		}
	}()

	return ln.Addr().String()
}

func TestDialQUIC(t *testing.T) {
	addr := startQUICBroker(t)
	_, pool := generateTestCert(t)

	t.Run("untrusted certificate", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()

		_, err := Dial(ctx, "quic://"+addr, WithTLSConfig(&tls.Config{RootCAs: pool}))
		assert.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("round trip", func(t *testing.T) {
		conn, err := Dial(context.Background(), "quic://"+addr,
			WithTLSConfig(&tls.Config{InsecureSkipVerify: true}), //nolint:gosec // self-signed test broker
			WithPollInterval(10*time.Millisecond),
		)
		require.NoError(t, err)

		exerciseConnection(t, conn)
	})
}

func TestQUICTLSConfig(t *testing.T) {
	t.Run("nil selects TLS 1.3 with ALPN", func(t *testing.T) {
		c := quicTLSConfig(nil)
		assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
		assert.Equal(t, []string{quicALPN}, c.NextProtos)
	})

	t.Run("upgrades without mutating the caller", func(t *testing.T) {
		in := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: "broker"}
		c := quicTLSConfig(in)

		assert.NotSame(t, in, c)
		assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
		assert.Equal(t, []string{quicALPN}, c.NextProtos)
		assert.Equal(t, "broker", c.ServerName)

		assert.Equal(t, uint16(tls.VersionTLS12), in.MinVersion)
		assert.Empty(t, in.NextProtos)
	})

	t.Run("keeps custom ALPN", func(t *testing.T) {
		in := &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{"x-mqtt"}}
		assert.Same(t, in, quicTLSConfig(in))
	})
}

func TestQUICDialerUnreachable(t *testing.T) {
	d := NewQUICDialer(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
