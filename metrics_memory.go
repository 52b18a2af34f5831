package iotmqtt

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics keeps every metric in process memory. Tests read values
// back with the Get methods, and Snapshot exposes them to status output.
type MemoryMetrics struct {
	counters   family[*memoryCounter]
	gauges     family[*memoryGauge]
	histograms family[*memoryHistogram]
}

// NewMemoryMetrics creates an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{}
}

// family is one metric kind indexed by name and labels.
type family[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func (f *family[T]) getOrCreate(key string, create func() T) T {
	f.mu.RLock()
	v, ok := f.entries[key]
	f.mu.RUnlock()
	if ok {
		return v
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.entries[key]; ok {
		return v
	}
	if f.entries == nil {
		f.entries = make(map[string]T)
	}

	v = create()
	f.entries[key] = v
	return v
}

func (f *family[T]) get(key string) (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.entries[key]
	return v, ok
}

func (f *family[T]) each(fn func(key string, v T)) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for k, v := range f.entries {
		fn(k, v)
	}
}

// labelsKey renders name{k=v,...} with labels in key order.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(labels)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k + "=" + labels[k])
	}
	b.WriteByte('}')

	return b.String()
}

// Counter returns the counter for name and labels, creating it on first use.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.counters.getOrCreate(labelsKey(name, labels), func() *memoryCounter {
		return &memoryCounter{}
	})
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.gauges.getOrCreate(labelsKey(name, labels), func() *memoryGauge {
		return &memoryGauge{}
	})
}

// Histogram returns the histogram for name and labels, creating it on first use.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return m.histograms.getOrCreate(labelsKey(name, labels), func() *memoryHistogram {
		return &memoryHistogram{}
	})
}

// GetCounter returns an existing counter or nil.
func (m *MemoryMetrics) GetCounter(name string, labels MetricLabels) Counter {
	if c, ok := m.counters.get(labelsKey(name, labels)); ok {
		return c
	}
	return nil
}

// GetGauge returns an existing gauge or nil.
func (m *MemoryMetrics) GetGauge(name string, labels MetricLabels) Gauge {
	if g, ok := m.gauges.get(labelsKey(name, labels)); ok {
		return g
	}
	return nil
}

// GetHistogram returns an existing histogram or nil.
func (m *MemoryMetrics) GetHistogram(name string, labels MetricLabels) Histogram {
	if h, ok := m.histograms.get(labelsKey(name, labels)); ok {
		return h
	}
	return nil
}

// Snapshot returns the current value of every counter and gauge, and the
// observation count of every histogram, keyed by name{labels}.
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)

	m.counters.each(func(k string, c *memoryCounter) { out[k] = c.Value() })
	m.gauges.each(func(k string, g *memoryGauge) { out[k] = g.Value() })
	m.histograms.each(func(k string, h *memoryHistogram) { out[k+"_count"] = float64(h.Count()) })

	return out
}

// atomicFloat is a float64 updated with compare-and-swap.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64 { return math.Float64frombits(f.bits.Load()) }

func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

type memoryCounter struct{ v atomicFloat }

func (c *memoryCounter) Inc()              { c.v.add(1) }
func (c *memoryCounter) Add(delta float64) { c.v.add(delta) }
func (c *memoryCounter) Value() float64    { return c.v.load() }

type memoryGauge struct{ v atomicFloat }

func (g *memoryGauge) Set(value float64) { g.v.store(value) }
func (g *memoryGauge) Inc()              { g.v.add(1) }
func (g *memoryGauge) Dec()              { g.v.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.v.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.v.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.v.load() }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }
func (h *memoryHistogram) Count() uint64                   { return h.count.Load() }
func (h *memoryHistogram) Sum() float64                    { return h.sum.load() }
