package iotmqtt

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType identifies the request an Operation tracks.
type OperationType byte

// Operation types.
const (
	OperationConnect OperationType = iota + 1
	OperationPublish
	OperationSubscribe
	OperationUnsubscribe
	OperationPing
	OperationDisconnect
)

var operationTypeNames = [...]string{
	OperationConnect:     "CONNECT",
	OperationPublish:     "PUBLISH",
	OperationSubscribe:   "SUBSCRIBE",
	OperationUnsubscribe: "UNSUBSCRIBE",
	OperationPing:        "PING",
	OperationDisconnect:  "DISCONNECT",
}

// String returns the operation type name.
func (t OperationType) String() string {
	if int(t) < len(operationTypeNames) && operationTypeNames[t] != "" {
		return operationTypeNames[t]
	}
	return "UNKNOWN"
}

// usesPacketID reports whether operations of this type are keyed by a
// packet identifier.
func (t OperationType) usesPacketID() bool {
	switch t {
	case OperationPublish, OperationSubscribe, OperationUnsubscribe:
		return true
	default:
		return false
	}
}

// SubscribeResult is the per-filter outcome of a SUBSCRIBE.
type SubscribeResult struct {
	TopicFilter string
	ReturnCode  byte
}

// Accepted reports whether the broker granted the subscription.
func (r SubscribeResult) Accepted() bool {
	return r.ReturnCode != SubackFailure
}

// GrantedQoS returns the QoS granted by the broker. It is only meaningful
// when Accepted is true.
func (r SubscribeResult) GrantedQoS() byte {
	return r.ReturnCode & 0x03
}

// Operation is a request awaiting acknowledgment from the broker.
type Operation struct {
	typ      OperationType
	packetID uint16
	listener OperationListener
	policy   RetryPolicy
	created  time.Time

	// Guarded by the owning connection.
	packet        Packet
	qos           byte
	subscriptions []Subscription
	awaitingComp  bool
	timer         *timerEvent

	retries atomic.Int32

	once    sync.Once
	done    chan struct{}
	err     error
	results []SubscribeResult
}

func newOperation(typ OperationType, listener OperationListener, policy RetryPolicy) *Operation {
	return &Operation{
		typ:      typ,
		listener: listener,
		policy:   policy,
		done:     make(chan struct{}),
	}
}

// Type returns the operation type.
func (op *Operation) Type() OperationType { return op.typ }

// PacketID returns the packet identifier, or 0 for operations without one.
func (op *Operation) PacketID() uint16 { return op.packetID }

// RetryCount returns how many times the request has been retransmitted.
func (op *Operation) RetryCount() int { return int(op.retries.Load()) }

// Done returns a channel that is closed when the operation completes.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err returns the completion error. It is nil while the operation is in flight.
func (op *Operation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return nil
	}
}

// Results returns the per-filter outcome of a completed SUBSCRIBE.
func (op *Operation) Results() []SubscribeResult {
	select {
	case <-op.done:
		return op.results
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done. A context
// deadline is reported as ErrTimeout. Returning early does not cancel the
// operation.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	default:
	}

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

// retryDeadline returns the deadline of the next attempt.
func (op *Operation) retryDeadline(now time.Time) time.Time {
	return now.Add(op.policy.Delay(op.RetryCount()))
}

// acceptsAck reports whether ack ends this publish: PUBACK for QoS 1, and
// PUBCOMP for QoS 2 once PUBREC has been received.
func (op *Operation) acceptsAck(ack PacketType) bool {
	if op.typ != OperationPublish {
		return false
	}

	switch ack {
	case PacketPUBACK:
		return op.qos == QoS1
	case PacketPUBCOMP:
		return op.qos == QoS2 && op.awaitingComp
	default:
		return false
	}
}

// exhausted reports whether another retransmission would exceed MaxRetries.
func (op *Operation) exhausted() bool {
	return op.RetryCount() >= op.policy.MaxRetries
}

// finish completes the operation and notifies its listener. It must be
// called without the connection lock held. Only the first call has effect.
func (op *Operation) finish(err error) bool {
	finished := false

	op.once.Do(func() {
		op.err = err
		close(op.done)
		finished = true
	})

	if finished && op.listener != nil {
		op.listener.OnComplete(op)
	}

	return finished
}

// completedOperation returns an operation that has already finished with err.
// The listener, if any, is notified before it returns.
func completedOperation(typ OperationType, listener OperationListener, err error) *Operation {
	op := newOperation(typ, listener, RetryPolicy{})
	op.finish(err)
	return op
}

// contextError maps a context error to the engine taxonomy.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// OperationQueue tracks in-flight operations and bounds their number.
//
// Completing an operation detaches it from lookup but keeps its slot and
// packet identifier reserved until Release, so the slot is only reused after
// the completion callback has returned.
//
// It is not safe for concurrent use. A Connection guards it with its own mutex.
type OperationQueue struct {
	maxInFlight int
	alloc       Allocator
	ids         *PacketIDManager
	byID        map[uint16]*Operation
	pending     []*Operation
	slots       map[*Operation]struct{}
}

// NewOperationQueue creates a queue that admits at most maxInFlight
// operations. Values below 1 are raised to 1. A nil allocator is unbounded.
func NewOperationQueue(maxInFlight int, alloc Allocator) *OperationQueue {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if alloc == nil {
		alloc = NewHeapAllocator()
	}

	return &OperationQueue{
		maxInFlight: maxInFlight,
		alloc:       alloc,
		ids:         NewPacketIDManager(),
		byID:        make(map[uint16]*Operation),
		slots:       make(map[*Operation]struct{}),
	}
}

// Create admits a new operation. Publish, subscribe and unsubscribe
// operations receive a fresh packet identifier. The queue is unchanged on error.
func (q *OperationQueue) Create(typ OperationType, listener OperationListener, policy RetryPolicy) (*Operation, error) {
	if len(q.slots) >= q.maxInFlight {
		return nil, ErrTooManyOperations
	}

	if err := q.alloc.AcquireOperation(); err != nil {
		return nil, err
	}

	op := newOperation(typ, listener, policy)

	if typ.usesPacketID() {
		id, err := q.ids.Allocate()
		if err != nil {
			q.alloc.ReleaseOperation()
			return nil, err
		}
		op.packetID = id
		q.byID[id] = op
	} else {
		q.pending = append(q.pending, op)
	}

	q.slots[op] = struct{}{}

	return op, nil
}

// adopt admits an operation that reuses a specific packet identifier,
// for example a publish restored from a session store.
func (q *OperationQueue) adopt(typ OperationType, id uint16, listener OperationListener, policy RetryPolicy) (*Operation, error) {
	if len(q.slots) >= q.maxInFlight {
		return nil, ErrTooManyOperations
	}

	if err := q.ids.Reserve(id); err != nil {
		return nil, err
	}

	if err := q.alloc.AcquireOperation(); err != nil {
		_ = q.ids.Release(id)
		return nil, err
	}

	op := newOperation(typ, listener, policy)
	op.packetID = id
	q.byID[id] = op
	q.slots[op] = struct{}{}

	return op, nil
}

// Find returns the in-flight operation with packetID.
func (q *OperationQueue) Find(packetID uint16) (*Operation, bool) {
	op, ok := q.byID[packetID]
	return op, ok
}

// Complete detaches the operation with packetID. The caller finishes it
// outside the connection lock and then calls Release.
func (q *OperationQueue) Complete(packetID uint16) (*Operation, bool) {
	op, ok := q.byID[packetID]
	if !ok {
		return nil, false
	}

	delete(q.byID, packetID)

	return op, true
}

// tracks reports whether op is still awaiting completion.
func (q *OperationQueue) tracks(op *Operation) bool {
	if op.typ.usesPacketID() {
		cur, ok := q.byID[op.packetID]
		return ok && cur == op
	}
	return slices.Contains(q.pending, op)
}

// detach removes op from lookup without releasing its slot.
func (q *OperationQueue) detach(op *Operation) bool {
	if op.typ.usesPacketID() {
		if cur, ok := q.byID[op.packetID]; !ok || cur != op {
			return false
		}
		delete(q.byID, op.packetID)
		return true
	}

	for i, p := range q.pending {
		if p == op {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}

	return false
}

// Release frees the slot and packet identifier of a detached operation.
// Releasing twice is a no-op.
func (q *OperationQueue) Release(op *Operation) {
	if _, ok := q.slots[op]; !ok {
		return
	}

	q.detach(op)
	delete(q.slots, op)

	if op.packetID != 0 {
		_ = q.ids.Release(op.packetID)
	}
	q.alloc.ReleaseOperation()
}

// firstPending returns the oldest operation of typ without a packet identifier.
func (q *OperationQueue) firstPending(typ OperationType) (*Operation, bool) {
	for _, op := range q.pending {
		if op.typ == typ {
			return op, true
		}
	}
	return nil, false
}

// Drain detaches every operation for teardown. Operations without a packet
// identifier come first, in creation order. The caller finishes each one and
// then calls Release.
func (q *OperationQueue) Drain() []*Operation {
	ops := make([]*Operation, 0, len(q.pending)+len(q.byID))
	ops = append(ops, q.pending...)
	for _, op := range q.byID {
		ops = append(ops, op)
	}

	q.pending = nil
	q.byID = make(map[uint16]*Operation)

	return ops
}

// InFlight returns the number of operations holding a slot.
func (q *OperationQueue) InFlight() int {
	return len(q.slots)
}

// tracked returns the operations keyed by packet identifier.
func (q *OperationQueue) tracked() []*Operation {
	ops := make([]*Operation, 0, len(q.byID))
	for _, op := range q.byID {
		ops = append(ops, op)
	}
	return ops
}
