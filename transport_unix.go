package iotmqtt

import (
	"context"
	"net"
	"time"
)

// UnixDialer connects to MQTT brokers over Unix domain sockets.
type UnixDialer struct {
	// WriteTimeout bounds each write on the returned network.
	WriteTimeout time.Duration
}

// Dial connects to the socket file at address (e.g. "/var/run/mqtt.sock").
func (d *UnixDialer) Dial(ctx context.Context, address string) (Network, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, err
	}
	return newConnNetwork(conn, d.WriteTimeout), nil
}
