package iotmqtt

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackDispatcher(t *testing.T) {
	t.Run("single worker preserves order", func(t *testing.T) {
		d := newCallbackDispatcher(nil, 1, NewNoOpLogger())

		var mu sync.Mutex
		var got []string
		l := MessageListenerFunc(func(_ *Connection, msg *Message) {
			mu.Lock()
			got = append(got, msg.Topic)
			mu.Unlock()
		})

		want := []string{"a", "b", "c", "d", "e"}
		for _, topic := range want {
			require.True(t, d.submit(l, &Message{Topic: topic}))
		}

		d.close()
		d.wg.Wait()

		assert.Equal(t, want, got)
	})

	t.Run("queued callbacks run after close", func(t *testing.T) {
		d := newCallbackDispatcher(nil, 2, NewNoOpLogger())

		var calls atomic.Int32
		l := MessageListenerFunc(func(*Connection, *Message) { calls.Add(1) })

		for range 100 {
			d.submit(l, &Message{Topic: "t"})
		}
		d.close()
		d.wg.Wait()

		assert.Equal(t, int32(100), calls.Load())
		assert.False(t, d.submit(l, &Message{Topic: "t"}))
	})

	t.Run("panic is logged and the worker survives", func(t *testing.T) {
		buf := &bytes.Buffer{}
		d := newCallbackDispatcher(nil, 1, NewStdLogger(buf, LogLevelDebug))

		var calls atomic.Int32
		d.submit(MessageListenerFunc(func(*Connection, *Message) { panic("listener failed") }), &Message{Topic: "bad"})
		d.submit(MessageListenerFunc(func(*Connection, *Message) { calls.Add(1) }), &Message{Topic: "good"})

		d.close()
		d.wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		assert.Contains(t, buf.String(), "message listener panic")
		assert.Contains(t, buf.String(), "listener failed")
	})

	t.Run("workers run concurrently", func(t *testing.T) {
		d := newCallbackDispatcher(nil, 2, NewNoOpLogger())
		defer func() {
			d.close()
			d.wg.Wait()
		}()

		release := make(chan struct{})
		var running atomic.Int32
		l := MessageListenerFunc(func(*Connection, *Message) {
			running.Add(1)
			<-release
		})

		d.submit(l, &Message{Topic: "a"})
		d.submit(l, &Message{Topic: "b"})

		assert.Eventually(t, func() bool { return running.Load() == 2 }, testWait, time.Millisecond)
		close(release)
	})

	t.Run("passes its connection", func(t *testing.T) {
		conn := &Connection{}
		d := newCallbackDispatcher(conn, 0, NewNoOpLogger())

		var seen *Connection
		d.submit(MessageListenerFunc(func(c *Connection, _ *Message) { seen = c }), &Message{Topic: "t"})
		d.close()
		d.wg.Wait()

		assert.Same(t, conn, seen)
	})
}
