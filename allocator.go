package iotmqtt

import (
	"fmt"
	"sync"
)

// Allocator bounds the memory a connection may use.
//
// Buffers back the receive path. Operation and subscription slots are counted
// so a static configuration can cap them independently of MaxInFlight.
type Allocator interface {
	AllocBuffer(n int) ([]byte, error)
	FreeBuffer(buf []byte)
	AcquireOperation() error
	ReleaseOperation()
	AcquireSubscription() error
	ReleaseSubscription()
}

// HeapAllocator allocates from the Go heap without limits.
type HeapAllocator struct {
	buffers sync.Pool
}

// NewHeapAllocator creates an unbounded allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

// AllocBuffer returns a zero-length buffer with capacity of at least n.
func (a *HeapAllocator) AllocBuffer(n int) ([]byte, error) {
	if v := a.buffers.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= n {
			return buf[:0], nil
		}
	}
	return make([]byte, 0, n), nil
}

// FreeBuffer returns buf for reuse.
func (a *HeapAllocator) FreeBuffer(buf []byte) {
	// Only pool if capacity is reasonable (64KB)
	if buf == nil || cap(buf) > 65536 {
		return
	}
	buf = buf[:0]
	a.buffers.Put(&buf)
}

// AcquireOperation always succeeds.
func (a *HeapAllocator) AcquireOperation() error { return nil }

// ReleaseOperation is a no-op.
func (a *HeapAllocator) ReleaseOperation() {}

// AcquireSubscription always succeeds.
func (a *HeapAllocator) AcquireSubscription() error { return nil }

// ReleaseSubscription is a no-op.
func (a *HeapAllocator) ReleaseSubscription() {}

// StaticLimits configures a StaticAllocator.
type StaticLimits struct {
	// Buffers is the number of pre-allocated message buffers.
	Buffers int

	// BufferSize is the capacity of each buffer.
	BufferSize int

	// Operations caps concurrently allocated operations.
	Operations int

	// Subscriptions caps registered subscriptions.
	Subscriptions int
}

// StaticAllocator hands out memory from fixed pools sized at construction.
// Exhaustion returns ErrNoMemory.
type StaticAllocator struct {
	limits StaticLimits

	mu            sync.Mutex
	free          [][]byte
	operations    int
	subscriptions int
}

// NewStaticAllocator pre-allocates every buffer described by limits.
func NewStaticAllocator(limits StaticLimits) *StaticAllocator {
	a := &StaticAllocator{
		limits: limits,
		free:   make([][]byte, 0, limits.Buffers),
	}

	for range limits.Buffers {
		a.free = append(a.free, make([]byte, 0, limits.BufferSize))
	}

	return a
}

// AllocBuffer takes a buffer from the pool.
func (a *StaticAllocator) AllocBuffer(n int) ([]byte, error) {
	if n > a.limits.BufferSize {
		return nil, fmt.Errorf("%w: buffer of %d bytes exceeds pool buffer size %d", ErrNoMemory, n, a.limits.BufferSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return nil, fmt.Errorf("%w: buffer pool exhausted", ErrNoMemory)
	}

	buf := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	return buf[:0], nil
}

// FreeBuffer returns a buffer to the pool.
func (a *StaticAllocator) FreeBuffer(buf []byte) {
	if buf == nil || cap(buf) != a.limits.BufferSize {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) < a.limits.Buffers {
		a.free = append(a.free, buf[:0])
	}
}

// AcquireOperation reserves an operation slot.
func (a *StaticAllocator) AcquireOperation() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.operations >= a.limits.Operations {
		return fmt.Errorf("%w: operation pool exhausted", ErrNoMemory)
	}
	a.operations++

	return nil
}

// ReleaseOperation frees an operation slot.
func (a *StaticAllocator) ReleaseOperation() {
	a.mu.Lock()
	if a.operations > 0 {
		a.operations--
	}
	a.mu.Unlock()
}

// AcquireSubscription reserves a subscription slot.
func (a *StaticAllocator) AcquireSubscription() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.subscriptions >= a.limits.Subscriptions {
		return fmt.Errorf("%w: subscription pool exhausted", ErrNoMemory)
	}
	a.subscriptions++

	return nil
}

// ReleaseSubscription frees a subscription slot.
func (a *StaticAllocator) ReleaseSubscription() {
	a.mu.Lock()
	if a.subscriptions > 0 {
		a.subscriptions--
	}
	a.mu.Unlock()
}

// Available returns the number of free buffers, operations and subscriptions.
func (a *StaticAllocator) Available() (buffers, operations, subscriptions int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.free), a.limits.Operations - a.operations, a.limits.Subscriptions - a.subscriptions
}
