package iotmqtt

import (
	"math/rand/v2"
	"time"
)

// Retry defaults.
const (
	DefaultRetryBase       = time.Second
	DefaultRetryCeiling    = 60 * time.Second
	DefaultRetryJitter     = 250 * time.Millisecond
	DefaultRetryMaxRetries = 3
)

// RetryPolicy computes retransmission deadlines with exponential backoff.
//
// The delay before attempt n (0-based) is min(Ceiling, Base*2^n) plus a
// uniformly random jitter in [0, Jitter).
type RetryPolicy struct {
	// Base is the delay before the first retransmission.
	Base time.Duration

	// Ceiling caps the exponential delay. Jitter is added on top.
	Ceiling time.Duration

	// Jitter bounds the random delay added to each deadline.
	Jitter time.Duration

	// MaxRetries is the number of retransmissions before the operation
	// fails with ErrTimeout. Zero means the operation fails at the first
	// deadline without being resent.
	MaxRetries int
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       DefaultRetryBase,
		Ceiling:    DefaultRetryCeiling,
		Jitter:     DefaultRetryJitter,
		MaxRetries: DefaultRetryMaxRetries,
	}
}

// Delay returns the delay before attempt n.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.backoff(n)
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}

func (p RetryPolicy) backoff(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryBase
	}

	ceiling := p.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	if base > ceiling {
		return ceiling
	}

	d := base
	for range n {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}

	return min(d, ceiling)
}

// normalize fills zero fields with defaults.
func (p RetryPolicy) normalize() RetryPolicy {
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.Ceiling <= 0 {
		p.Ceiling = DefaultRetryCeiling
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}
