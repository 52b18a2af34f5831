package iotmqtt

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts time so the engine can be driven deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// After returns time.After(d).
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManualClock is a Clock that only moves when Advance is called.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManualClock creates a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires when the clock is advanced past d.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)

	if d <= 0 {
		ch <- c.now
		return ch
	}

	c.waiters = append(c.waiters, manualWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires due waiters.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// timerEvent is a deadline in a timerList.
type timerEvent struct {
	deadline time.Time
	fire     func(now time.Time)
	index    int
}

// scheduled reports whether the event is in a list.
func (e *timerEvent) scheduled() bool {
	return e.index >= 0
}

// timerList orders timer events by deadline. It is not safe for concurrent use.
type timerList struct {
	events eventHeap
}

func newTimerEvent(fire func(now time.Time)) *timerEvent {
	return &timerEvent{fire: fire, index: -1}
}

// schedule inserts ev or moves it to deadline if already scheduled.
func (l *timerList) schedule(ev *timerEvent, deadline time.Time) {
	ev.deadline = deadline
	if ev.scheduled() {
		heap.Fix(&l.events, ev.index)
		return
	}
	heap.Push(&l.events, ev)
}

// cancel removes ev. Cancelling an unscheduled event is a no-op.
func (l *timerList) cancel(ev *timerEvent) {
	if ev == nil || !ev.scheduled() {
		return
	}
	heap.Remove(&l.events, ev.index)
}

// next returns the earliest deadline.
func (l *timerList) next() (time.Time, bool) {
	if len(l.events) == 0 {
		return time.Time{}, false
	}
	return l.events[0].deadline, true
}

// popDue removes and returns every event whose deadline is not after now,
// earliest first.
func (l *timerList) popDue(now time.Time) []*timerEvent {
	var due []*timerEvent
	for len(l.events) > 0 && !l.events[0].deadline.After(now) {
		due = append(due, heap.Pop(&l.events).(*timerEvent))
	}
	return due
}

// clear removes every event.
func (l *timerList) clear() {
	for _, ev := range l.events {
		ev.index = -1
	}
	l.events = nil
}

// len returns the number of scheduled events.
func (l *timerList) len() int {
	return len(l.events)
}

type eventHeap []*timerEvent

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*timerEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}
