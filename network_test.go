package iotmqtt

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

// testNetwork is an in-memory Network. The test plays the broker: inject
// queues bytes for the client, expect reads what the client sent. Every
// client Send carries exactly one packet.
type testNetwork struct {
	in  chan []byte
	out chan []byte

	pending []byte

	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sendErr error
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (n *testNetwork) Send(b []byte) (int, error) {
	n.mu.Lock()
	err := n.sendErr
	n.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case <-n.closed:
		return 0, net.ErrClosed
	default:
	}

	n.out <- append([]byte(nil), b...)

	return len(b), nil
}

func (n *testNetwork) Receive(b []byte, timeout time.Duration) (int, error) {
	if len(n.pending) == 0 {
		select {
		case data := <-n.in:
			n.pending = data
		case <-n.closed:
			return 0, net.ErrClosed
		case <-time.After(timeout):
			return 0, ErrWouldBlock
		}
	}

	read := copy(b, n.pending)
	n.pending = n.pending[read:]

	return read, nil
}

func (n *testNetwork) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return nil
}

func (n *testNetwork) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

func (n *testNetwork) failSends(err error) {
	n.mu.Lock()
	n.sendErr = err
	n.mu.Unlock()
}

// inject serializes pkt and queues it for the client.
func (n *testNetwork) inject(t testing.TB, pkt Packet) {
	t.Helper()

	data, err := Serialize(pkt)
	require.NoError(t, err)

	n.injectRaw(data)
}

func (n *testNetwork) injectRaw(data []byte) {
	n.in <- data
}

// expect returns the next packet the client sent and checks its type.
func (n *testNetwork) expect(t testing.TB, want PacketType) Packet {
	t.Helper()

	select {
	case data := <-n.out:
		pkt, consumed, err := Deserialize(data)
		require.NoError(t, err)
		require.Equal(t, len(data), consumed)
		require.Equal(t, want, pkt.Type(), "unexpected packet %s", pkt.Type())
		return pkt
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", want)
		return nil
	}
}

// expectNothing asserts the client sends nothing for d.
func (n *testNetwork) expectNothing(t testing.TB, d time.Duration) {
	t.Helper()

	select {
	case data := <-n.out:
		pkt, _, _ := Deserialize(data)
		t.Fatalf("unexpected packet %v", pkt)
	case <-time.After(d):
	}
}

// connectOver runs the handshake over n with the given CONNACK.
func connectOver(t testing.TB, n *testNetwork, connack *ConnackPacket, opts ...Option) (*Connection, *ConnectPacket) {
	t.Helper()

	type result struct {
		conn *Connection
		err  error
	}

	base := []Option{
		WithPollInterval(5 * time.Millisecond),
		WithKeepAlive(0),
	}

	results := make(chan result, 1)
	go func() {
		conn, err := Connect(context.Background(), n, append(base, opts...)...)
		results <- result{conn, err}
	}()

	connect := n.expect(t, PacketCONNECT).(*ConnectPacket)
	n.inject(t, connack)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), testWait)
			defer cancel()
			_ = r.conn.Disconnect(ctx)
		})
		return r.conn, connect
	case <-time.After(testWait):
		t.Fatal("timed out waiting for Connect")
		return nil, nil
	}
}

func connectTest(t testing.TB, opts ...Option) (*Connection, *testNetwork) {
	t.Helper()

	n := newTestNetwork()
	conn, _ := connectOver(t, n, &ConnackPacket{}, opts...)

	return conn, n
}

func waitDone(t testing.TB, conn *Connection) {
	t.Helper()

	select {
	case <-conn.Done():
	case <-time.After(testWait):
		t.Fatal("connection did not end")
	}
}

func waitOp(t testing.TB, op *Operation) error {
	t.Helper()

	select {
	case <-op.Done():
		return op.Err()
	case <-time.After(testWait):
		t.Fatalf("%s operation did not complete", op.Type())
		return nil
	}
}

func TestConnNetwork(t *testing.T) {
	t.Run("send and receive", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()

		n := NewConnNetwork(client)
		defer n.Close()

		go func() {
			buf := make([]byte, 4)
			_, _ = server.Read(buf)
			_, _ = server.Write(buf)
		}()

		sent, err := n.Send([]byte{0xC0, 0x00, 0xD0, 0x00})
		require.NoError(t, err)
		assert.Equal(t, 4, sent)

		buf := make([]byte, 16)
		read, err := n.Receive(buf, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xC0, 0x00, 0xD0, 0x00}, buf[:read])
	})

	t.Run("receive timeout returns ErrWouldBlock", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()

		n := NewConnNetwork(client)
		defer n.Close()

		_, err := n.Receive(make([]byte, 8), 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrWouldBlock)
	})

	t.Run("close unblocks receive", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()

		n := NewConnNetwork(client)

		errs := make(chan error, 1)
		go func() {
			_, err := n.Receive(make([]byte, 8), time.Minute)
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, n.Close())
		require.NoError(t, n.Close())

		select {
		case err := <-errs:
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrWouldBlock)
		case <-time.After(testWait):
			t.Fatal("Receive did not return after Close")
		}
	})

	t.Run("write timeout", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()

		n := NewConnNetwork(client)
		n.SetWriteTimeout(10 * time.Millisecond)
		defer n.Close()

		_, err := n.Send([]byte{0xC0, 0x00})
		assert.Error(t, err)
		assert.Same(t, client, n.Conn())
	})
}
