package iotmqtt

import "time"

// DefaultGraceFactor is the multiplier applied to the keep-alive interval
// before an unanswered PINGREQ tears the connection down.
const DefaultGraceFactor = 1.5

// keepAliveTracker decides when to ping and when the broker is gone.
//
// A PINGREQ is due once nothing has been sent for the keep-alive interval.
// While a ping is outstanding the connection is dead once nothing has been
// received for interval*grace, and never sooner than interval*(grace-1)
// after the ping itself. Any received packet clears the outstanding ping.
//
// It is not safe for concurrent use; the connection lock guards it.
type keepAliveTracker struct {
	interval    time.Duration
	graceFactor float64
	lastSend    time.Time
	lastReceive time.Time
	pingSent    time.Time
	pinging     bool
}

func newKeepAliveTracker(keepAlive uint16, graceFactor float64, now time.Time) *keepAliveTracker {
	if graceFactor < 1.0 {
		graceFactor = 1.0
	}

	return &keepAliveTracker{
		interval:    time.Duration(keepAlive) * time.Second,
		graceFactor: graceFactor,
		lastSend:    now,
		lastReceive: now,
	}
}

// enabled reports whether keep-alive is active. A zero interval disables it.
func (t *keepAliveTracker) enabled() bool {
	return t.interval > 0
}

// sent records outbound traffic.
func (t *keepAliveTracker) sent(now time.Time) {
	t.lastSend = now
}

// received records inbound traffic.
func (t *keepAliveTracker) received(now time.Time) {
	t.lastReceive = now
	t.pinging = false
}

// pingStarted records a PINGREQ.
func (t *keepAliveTracker) pingStarted(now time.Time) {
	t.pingSent = now
	t.lastSend = now
	t.pinging = true
}

// pingDue reports whether a PINGREQ should be sent.
func (t *keepAliveTracker) pingDue(now time.Time) bool {
	if !t.enabled() || t.pinging {
		return false
	}
	return now.Sub(t.lastSend) >= t.interval
}

// dead reports whether the broker stopped responding.
func (t *keepAliveTracker) dead(now time.Time) bool {
	if !t.enabled() || !t.pinging {
		return false
	}
	return !now.Before(t.deadline())
}

// timeout returns the interval scaled by the grace factor.
func (t *keepAliveTracker) timeout() time.Duration {
	return time.Duration(float64(t.interval) * t.graceFactor)
}

func (t *keepAliveTracker) deadline() time.Time {
	fromReceive := t.lastReceive.Add(t.timeout())
	fromPing := t.pingSent.Add(t.timeout() - t.interval)

	if fromPing.After(fromReceive) {
		return fromPing
	}
	return fromReceive
}

// next returns the deadline at which the tracker must be checked again.
func (t *keepAliveTracker) next() (time.Time, bool) {
	if !t.enabled() {
		return time.Time{}, false
	}
	if t.pinging {
		return t.deadline(), true
	}
	return t.lastSend.Add(t.interval), true
}
