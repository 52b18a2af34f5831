package iotmqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	t.Run("exponential without jitter", func(t *testing.T) {
		p := RetryPolicy{Base: time.Second, Ceiling: 10 * time.Second}

		tests := []struct {
			attempt int
			want    time.Duration
		}{
			{0, time.Second},
			{1, 2 * time.Second},
			{2, 4 * time.Second},
			{3, 8 * time.Second},
			{4, 10 * time.Second},
			{50, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays in bounds", func(t *testing.T) {
		p := RetryPolicy{Base: time.Second, Ceiling: time.Minute, Jitter: 100 * time.Millisecond}

		for range 100 {
			d := p.Delay(1)
			assert.GreaterOrEqual(t, d, 2*time.Second)
			assert.Less(t, d, 2*time.Second+100*time.Millisecond)
		}
	})

	t.Run("zero values use defaults", func(t *testing.T) {
		var p RetryPolicy
		assert.Equal(t, DefaultRetryBase, p.Delay(0))
		assert.Equal(t, DefaultRetryCeiling, p.Delay(20))
	})

	t.Run("base above ceiling", func(t *testing.T) {
		p := RetryPolicy{Base: time.Minute, Ceiling: time.Second}
		assert.Equal(t, time.Second, p.Delay(0))
	})

	t.Run("large attempt does not overflow", func(t *testing.T) {
		p := RetryPolicy{Base: time.Hour, Ceiling: 1000 * time.Hour}
		assert.Equal(t, 1000*time.Hour, p.Delay(1<<20))
	})
}

func TestRetryPolicyNormalize(t *testing.T) {
	p := RetryPolicy{Jitter: -1, MaxRetries: -5}.normalize()

	assert.Equal(t, DefaultRetryBase, p.Base)
	assert.Equal(t, DefaultRetryCeiling, p.Ceiling)
	assert.Zero(t, p.Jitter)
	assert.Zero(t, p.MaxRetries)

	def := DefaultRetryPolicy()
	assert.Equal(t, def, def.normalize())
}

func BenchmarkRetryPolicyDelay(b *testing.B) {
	p := DefaultRetryPolicy()

	b.ReportAllocs()

	for b.Loop() {
		_ = p.Delay(5)
	}
}
