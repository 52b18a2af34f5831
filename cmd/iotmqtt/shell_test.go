package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/iotmqtt"
)

// serveLoopback acknowledges everything and echoes publishes back at QoS 0.
func serveLoopback(rw io.ReadWriter) {
	for {
		pkt, _, err := iotmqtt.ReadPacket(rw, 0)
		if err != nil {
			return
		}

		var replies []iotmqtt.Packet
		switch p := pkt.(type) {
		case *iotmqtt.ConnectPacket:
			replies = append(replies, &iotmqtt.ConnackPacket{})
		case *iotmqtt.SubscribePacket:
			codes := make([]byte, len(p.Subscriptions))
			for i, s := range p.Subscriptions {
				codes[i] = s.QoS
				if s.TopicFilter == "denied" {
					codes[i] = iotmqtt.SubackFailure
				}
			}
			replies = append(replies, &iotmqtt.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})
		case *iotmqtt.UnsubscribePacket:
			replies = append(replies, &iotmqtt.UnsubackPacket{PacketID: p.PacketID})
		case *iotmqtt.PublishPacket:
			if p.QoS == iotmqtt.QoS1 {
				replies = append(replies, &iotmqtt.PubackPacket{PacketID: p.PacketID})
			}
			replies = append(replies, &iotmqtt.PublishPacket{Topic: p.Topic, Payload: p.Payload, Retain: p.Retain})
		case *iotmqtt.PingreqPacket:
			replies = append(replies, &iotmqtt.PingrespPacket{})
		case *iotmqtt.DisconnectPacket:
			return
		}

		for _, r := range replies {
			if _, err := iotmqtt.WritePacket(rw, r, 0); err != nil {
				return
			}
		}
	}
}

func startBroker(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serveLoopback(conn)
			}()
		}
	}()

	return ln.Addr().String()
}

type offline struct{}

func (offline) Current() *iotmqtt.Connection { return nil }

func (offline) Subscribe(context.Context, []iotmqtt.Subscription) ([]iotmqtt.SubscribeResult, error) {
	return nil, iotmqtt.ErrNotConnected
}

func (offline) Unsubscribe(context.Context, []string) error {
	return iotmqtt.ErrNotConnected
}

func newTestShell(sess session, metrics *iotmqtt.MemoryMetrics) (*shell, func() string) {
	var buf bytes.Buffer
	sh := newShell(sess, metrics, &buf)
	sh.timeout = 5 * time.Second

	return sh, func() string {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return buf.String()
	}
}

func TestParsePublish(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *iotmqtt.Message
		wantErr bool
	}{
		{
			name: "topic and payload",
			args: []string{"a/b", "hello"},
			want: &iotmqtt.Message{Topic: "a/b", Payload: []byte("hello")},
		},
		{
			name: "with qos",
			args: []string{"a/b", "hello", "2"},
			want: &iotmqtt.Message{Topic: "a/b", Payload: []byte("hello"), QoS: iotmqtt.QoS2},
		},
		{
			name: "with retain",
			args: []string{"a/b", "hello", "1", "true"},
			want: &iotmqtt.Message{Topic: "a/b", Payload: []byte("hello"), QoS: iotmqtt.QoS1, Retain: true},
		},
		{name: "missing payload", args: []string{"a/b"}, wantErr: true},
		{name: "qos out of range", args: []string{"a/b", "x", "3"}, wantErr: true},
		{name: "qos not a number", args: []string{"a/b", "x", "one"}, wantErr: true},
		{name: "bad retain", args: []string{"a/b", "x", "0", "maybe"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePublish(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSubscribe(t *testing.T) {
	filter, qos, err := parseSubscribe([]string{"a/#"})
	require.NoError(t, err)
	assert.Equal(t, "a/#", filter)
	assert.Equal(t, iotmqtt.QoS0, qos)

	filter, qos, err = parseSubscribe([]string{"a/+", "1"})
	require.NoError(t, err)
	assert.Equal(t, "a/+", filter)
	assert.Equal(t, iotmqtt.QoS1, qos)

	_, _, err = parseSubscribe(nil)
	assert.Error(t, err)

	_, _, err = parseSubscribe([]string{"a", "1", "extra"})
	assert.Error(t, err)

	_, _, err = parseSubscribe([]string{"a", "7"})
	assert.ErrorIs(t, err, iotmqtt.ErrBadParameter)
}

func TestShellOffline(t *testing.T) {
	sh, output := newTestShell(offline{}, nil)
	ctx := context.Background()

	assert.False(t, sh.execute(ctx, ""))
	assert.False(t, sh.execute(ctx, "   "))

	assert.False(t, sh.execute(ctx, "status"))
	assert.Contains(t, output(), "State: disconnected")

	assert.False(t, sh.execute(ctx, "pub a hello"))
	assert.Contains(t, output(), "Error: not connected")

	assert.False(t, sh.execute(ctx, "sub a"))
	assert.False(t, sh.execute(ctx, "unsub"))
	assert.Contains(t, output(), "usage: unsub")

	assert.False(t, sh.execute(ctx, "bogus"))
	assert.Contains(t, output(), "Unknown command: bogus")

	assert.False(t, sh.execute(ctx, "help"))
	assert.Contains(t, output(), "pub <topic> <payload>")

	assert.True(t, sh.execute(ctx, "quit"))
	assert.True(t, sh.execute(ctx, "EXIT"))
}

func TestShellAgainstBroker(t *testing.T) {
	addr := startBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics := iotmqtt.NewMemoryMetrics()
	conn, err := iotmqtt.Dial(ctx, "tcp://"+addr,
		iotmqtt.WithClientID("shell"),
		iotmqtt.WithPollInterval(10*time.Millisecond),
		iotmqtt.WithMetrics(metrics),
	)
	require.NoError(t, err)
	defer conn.Disconnect(context.Background())

	sh, output := newTestShell(&direct{conn: conn}, metrics)

	assert.False(t, sh.execute(ctx, "sub demo/# 1"))
	assert.Contains(t, output(), "Subscribed to demo/# (granted qos=1)")
	assert.True(t, conn.IsSubscribed("demo/#"))

	assert.False(t, sh.execute(ctx, "sub denied"))
	assert.Contains(t, output(), "Subscription to denied rejected")

	assert.False(t, sh.execute(ctx, "pub demo/x hello 1 true"))
	assert.Contains(t, output(), "Published to demo/x")

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(output()), []byte("[demo/x] qos=0 retained hello"))
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, sh.execute(ctx, "status"))
	out := output()
	assert.Contains(t, out, "State: connected")
	assert.Contains(t, out, "Client ID: shell")
	assert.Contains(t, out, "demo/# (qos=1)")
	assert.Contains(t, out, "Metrics:")
	assert.Contains(t, out, "mqtt_packets_sent_total{packet_type=SUBSCRIBE} 2")

	assert.False(t, sh.execute(ctx, "unsub demo/#"))
	assert.Contains(t, output(), "Unsubscribed from demo/#")
	assert.False(t, conn.IsSubscribed("demo/#"))

	require.NoError(t, conn.Disconnect(ctx))
	assert.Nil(t, (&direct{conn: conn}).Current())
}
