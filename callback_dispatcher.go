package iotmqtt

import (
	"fmt"
	"sync"
)

type callbackTask struct {
	listener MessageListener
	msg      *Message
}

// callbackDispatcher runs subscription callbacks on a fixed set of workers
// so that user code never runs on the receive loop. With a single worker,
// callbacks run in arrival order.
type callbackDispatcher struct {
	conn   *Connection
	logger Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []callbackTask
	closed bool

	wg sync.WaitGroup
}

func newCallbackDispatcher(conn *Connection, workers int, logger Logger) *callbackDispatcher {
	if workers < 1 {
		workers = 1
	}

	d := &callbackDispatcher{
		conn:   conn,
		logger: logger,
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(workers)
	for range workers {
		go d.work()
	}

	return d
}

// submit queues msg for listener. It never blocks and returns false once
// the dispatcher is closed.
func (d *callbackDispatcher) submit(listener MessageListener, msg *Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	d.queue = append(d.queue, callbackTask{listener: listener, msg: msg})
	d.cond.Signal()

	return true
}

// close stops accepting work. Queued callbacks still run.
func (d *callbackDispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *callbackDispatcher) work() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}

		task := d.queue[0]
		d.queue[0] = callbackTask{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(task)
	}
}

func (d *callbackDispatcher) run(task callbackTask) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message listener panic", LogFields{
				LogFieldTopic: task.msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()

	task.listener.OnMessage(d.conn, task.msg)
}
