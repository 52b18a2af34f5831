package iotmqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is a client session with an MQTT 3.1.1 broker over one network link.
//
// A Connection is created by Connect or Dial and ends with Disconnect, a
// transport or protocol failure, or a keep-alive timeout. It is safe for
// concurrent use.
type Connection struct {
	opts      *options
	network   Network
	clock     Clock
	logger    Logger
	metrics   *engineMetrics
	limits    brokerLimits
	callbacks *callbackDispatcher

	// writeSem serializes network writes. It is acquired before mu.
	writeSem chan struct{}

	mu             sync.Mutex
	state          State
	queue          *OperationQueue
	subs           *SubscriptionManager
	keepAlive      *keepAliveTracker
	keepAliveEvent *timerEvent
	timers         timerList
	inboundQoS2    map[uint16]struct{}
	connectOp      *Operation
	sessionPresent bool
	err            error

	inLoop   atomic.Bool
	loopDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newConnection(network Network, o *options) *Connection {
	c := &Connection{
		opts:        o,
		network:     network,
		clock:       o.clock,
		logger:      o.logger.WithFields(LogFields{LogFieldClientID: o.clientID}),
		metrics:     newEngineMetrics(o.metrics),
		limits:      newBrokerLimits(o.awsIoT),
		writeSem:    make(chan struct{}, 1),
		state:       StateDisconnected,
		queue:       NewOperationQueue(o.maxInFlight, o.allocator),
		subs:        NewSubscriptionManager(o.allocator),
		inboundQoS2: make(map[uint16]struct{}),
		loopDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	c.callbacks = newCallbackDispatcher(c, o.maxCallbackConcurrency, c.logger)
	c.keepAliveEvent = newTimerEvent(c.onKeepAliveTimer)

	return c
}

// Connect performs the MQTT handshake over network and starts the receive
// loop. It returns once CONNACK accepts the connection, the broker refuses it
// (*ConnectRefusedError), or ctx or the connect timeout expires (ErrTimeout).
func Connect(ctx context.Context, network Network, opts ...Option) (*Connection, error) {
	if network == nil {
		return nil, fmt.Errorf("%w: network is nil", ErrBadParameter)
	}

	o := applyOptions(opts)

	limits := newBrokerLimits(o.awsIoT)
	if err := limits.checkClientID(o.clientID); err != nil {
		return nil, err
	}

	pkt := &ConnectPacket{
		ClientID:     o.clientID,
		CleanSession: o.cleanSession,
		KeepAlive:    o.keepAlive,
		Username:     o.username,
		Password:     o.password,
	}
	if o.will != nil {
		if err := limits.checkTopic(o.will.Topic); err != nil {
			return nil, err
		}
		pkt.WillFlag = true
		pkt.WillTopic = o.will.Topic
		pkt.WillPayload = o.will.Payload
		pkt.WillQoS = o.will.QoS
		pkt.WillRetain = o.will.Retain
	}
	if err := pkt.Validate(); err != nil {
		return nil, err
	}

	if o.cleanSession {
		if err := o.sessionStore.Clear(o.clientID); err != nil {
			return nil, fmt.Errorf("clear session: %w", err)
		}
	}

	c := newConnection(network, o)

	c.mu.Lock()
	c.setState(StateConnecting)
	op, err := c.queue.Create(OperationConnect, nil, o.retry)
	if err != nil {
		c.setState(StateDisconnected)
		c.mu.Unlock()
		c.callbacks.close()
		return nil, err
	}
	c.connectOp = op
	c.mu.Unlock()

	go c.run()

	if o.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.connectTimeout)
		defer cancel()
	}

	if err := c.sendPacket(ctx, pkt); err != nil {
		c.abort(err)
		return nil, c.connectError(err)
	}

	if err := op.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			c.abort(contextError(ctx.Err()))
		} else {
			<-c.loopDone
		}
		return nil, c.connectError(err)
	}

	c.logger.Info("connected", LogFields{
		LogFieldState:     StateConnected.String(),
		"session_present": c.SessionPresent(),
		"keep_alive":      o.keepAlive,
	})

	c.resumeSession(ctx)

	return c, nil
}

// connectError picks the error Connect reports.
func (c *Connection) connectError(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		if cause := c.Err(); cause != nil {
			return cause
		}
	}
	return err
}

// abort tears down a connection that never completed the handshake and
// waits for the receive loop to exit.
func (c *Connection) abort(cause error) {
	c.teardown(cause)
	<-c.loopDone
}

// resumeSession retransmits publishes saved by a previous connection.
// With a present session they keep their packet identifiers and carry DUP;
// otherwise they are sent again as new publishes.
func (c *Connection) resumeSession(ctx context.Context) {
	if c.opts.cleanSession {
		return
	}

	pubs, err := c.opts.sessionStore.Publishes(c.opts.clientID)
	if err != nil {
		c.logger.Warn("failed to load stored publishes", LogFields{LogFieldError: err.Error()})
		return
	}

	present := c.SessionPresent()
	for _, pkt := range pubs {
		if err := c.resendStored(ctx, pkt, present); err != nil {
			c.logger.Warn("failed to resend stored publish", LogFields{
				LogFieldPacketID: pkt.PacketID,
				LogFieldTopic:    pkt.Topic,
				LogFieldError:    err.Error(),
			})
			if errors.Is(err, ErrTooManyOperations) || errors.Is(err, ErrNotConnected) {
				return
			}
		}
	}
}

func (c *Connection) resendStored(ctx context.Context, pkt *PublishPacket, present bool) error {
	if err := c.acquireWrite(ctx); err != nil {
		return err
	}
	defer c.releaseWrite()

	now := c.clock.Now()
	oldID := pkt.PacketID

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}

	var (
		op  *Operation
		err error
	)
	if present {
		op, err = c.queue.adopt(OperationPublish, oldID, nil, c.opts.retry)
		pkt.DUP = c.limits.duplicateFlag
	} else {
		op, err = c.queue.Create(OperationPublish, nil, c.opts.retry)
		pkt.DUP = false
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	op.qos = pkt.QoS
	pkt.PacketID = op.packetID
	c.track(op, pkt, now)
	c.mu.Unlock()

	if pkt.PacketID != oldID {
		store := c.opts.sessionStore
		if err := store.DeletePublish(c.opts.clientID, oldID); err != nil {
			c.logger.Warn("failed to delete stored publish", LogFields{LogFieldError: err.Error()})
		}
		if err := store.SavePublish(c.opts.clientID, pkt); err != nil {
			c.logger.Warn("failed to store publish", LogFields{LogFieldError: err.Error()})
		}
	}

	if err := c.writePacket(pkt); err != nil {
		c.teardown(err)
		return err
	}

	return nil
}

// track attaches pkt to op and arms its retry timer. Caller holds c.mu.
func (c *Connection) track(op *Operation, pkt Packet, now time.Time) {
	op.packet = pkt
	op.created = now
	op.timer = newTimerEvent(func(now time.Time) { c.onRetryTimer(op, now) })
	c.timers.schedule(op.timer, op.retryDeadline(now))
	c.metrics.inFlight(c.queue.InFlight())
}

// Publish sends msg. A QoS 0 message returns an operation that is already
// complete once the bytes reach the network. QoS 1 and 2 messages return an
// operation that completes on PUBACK or PUBCOMP. The optional listener is
// notified on completion.
func (c *Connection) Publish(ctx context.Context, msg *Message, listener ...OperationListener) (*Operation, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", ErrBadParameter)
	}

	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return nil, contextError(err)
		}
	}

	msg = applyProducerInterceptors(c.logger, c.opts.producerInterceptors, msg.Clone())
	if msg == nil {
		return completedOperation(OperationPublish, firstListener(listener), nil), nil
	}

	if err := c.validatePublish(msg); err != nil {
		return nil, err
	}

	pkt := &PublishPacket{}
	pkt.FromMessage(msg)

	if pkt.QoS == 0 {
		if err := c.publishAtMostOnce(ctx, pkt); err != nil {
			return nil, err
		}
		// The write lock is free again, so the listener may publish.
		return completedOperation(OperationPublish, firstListener(listener), nil), nil
	}

	if err := c.acquireWrite(ctx); err != nil {
		return nil, err
	}
	defer c.releaseWrite()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	op, err := c.queue.Create(OperationPublish, firstListener(listener), c.opts.retry)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	op.qos = pkt.QoS
	pkt.PacketID = op.packetID
	c.track(op, pkt, c.clock.Now())
	c.mu.Unlock()

	if !c.opts.cleanSession {
		if err := c.opts.sessionStore.SavePublish(c.opts.clientID, pkt); err != nil {
			c.logger.Warn("failed to store publish", LogFields{
				LogFieldPacketID: pkt.PacketID,
				LogFieldError:    err.Error(),
			})
		}
	}

	if err := c.writePacket(pkt); err != nil {
		c.teardown(err)
		return op, nil
	}

	c.metrics.messageSent(pkt.QoS)

	return op, nil
}

// publishAtMostOnce writes a QoS 0 publish under the write lock.
func (c *Connection) publishAtMostOnce(ctx context.Context, pkt *PublishPacket) error {
	if err := c.acquireWrite(ctx); err != nil {
		return err
	}
	defer c.releaseWrite()

	if c.State() != StateConnected {
		return ErrNotConnected
	}

	if err := c.writePacket(pkt); err != nil {
		c.teardown(err)
		return err
	}

	c.metrics.messageSent(0)

	return nil
}

func (c *Connection) validatePublish(msg *Message) error {
	if msg.QoS > 2 {
		return ErrInvalidQoS
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}
	if err := c.limits.checkTopic(msg.Topic); err != nil {
		return err
	}

	// topic length prefix + topic + packet identifier + payload
	size := 2 + len(msg.Topic) + len(msg.Payload)
	if msg.QoS > 0 {
		size += 2
	}
	if size > maxVarint {
		return ErrPayloadTooLarge
	}

	return nil
}

// Subscribe sends one SUBSCRIBE carrying every filter in subs. On SUBACK each
// accepted filter is registered with its listener. If the broker rejects any
// filter the operation fails with a *SubscribeError; op.Results reports the
// outcome of each filter.
func (c *Connection) Subscribe(ctx context.Context, subs []Subscription, listener ...OperationListener) (*Operation, error) {
	if len(subs) == 0 {
		return nil, ErrEmptyTopicList
	}
	if err := c.limits.checkFilters(len(subs)); err != nil {
		return nil, err
	}

	owned := make([]Subscription, len(subs))
	for i, sub := range subs {
		if sub.QoS > 2 {
			return nil, ErrInvalidQoS
		}
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return nil, err
		}
		if err := c.limits.checkTopic(sub.TopicFilter); err != nil {
			return nil, err
		}
		owned[i] = sub
	}

	op, err := c.request(ctx, OperationSubscribe, firstListener(listener), func(op *Operation) Packet {
		op.subscriptions = owned
		return &SubscribePacket{PacketID: op.packetID, Subscriptions: owned}
	})
	if err != nil {
		return nil, err
	}

	return op, nil
}

// Unsubscribe sends one UNSUBSCRIBE for filters. On UNSUBACK the filters are
// removed from the subscription manager.
func (c *Connection) Unsubscribe(ctx context.Context, filters []string, listener ...OperationListener) (*Operation, error) {
	if len(filters) == 0 {
		return nil, ErrEmptyTopicList
	}
	if err := c.limits.checkFilters(len(filters)); err != nil {
		return nil, err
	}

	owned := make([]Subscription, len(filters))
	for i, filter := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
		if err := c.limits.checkTopic(filter); err != nil {
			return nil, err
		}
		owned[i] = Subscription{TopicFilter: filter}
	}

	return c.request(ctx, OperationUnsubscribe, firstListener(listener), func(op *Operation) Packet {
		op.subscriptions = owned
		return &UnsubscribePacket{PacketID: op.packetID, TopicFilters: append([]string(nil), filters...)}
	})
}

// Ping sends PINGREQ. The operation completes on PINGRESP or fails with
// ErrTimeout after the response timeout.
func (c *Connection) Ping(ctx context.Context, listener ...OperationListener) (*Operation, error) {
	return c.request(ctx, OperationPing, firstListener(listener), func(*Operation) Packet {
		return &PingreqPacket{}
	})
}

// request creates an operation, builds its packet and sends it in one
// critical section with respect to other senders.
func (c *Connection) request(ctx context.Context, typ OperationType, listener OperationListener, build func(op *Operation) Packet) (*Operation, error) {
	if err := c.acquireWrite(ctx); err != nil {
		return nil, err
	}
	defer c.releaseWrite()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	op, err := c.queue.Create(typ, listener, c.opts.retry)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	pkt := build(op)
	c.track(op, pkt, c.clock.Now())
	c.mu.Unlock()

	if err := c.writePacket(pkt); err != nil {
		c.teardown(err)
	}

	return op, nil
}

// PublishSync publishes msg and waits for it to complete.
func (c *Connection) PublishSync(ctx context.Context, msg *Message) error {
	op, err := c.Publish(ctx, msg)
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// SubscribeSync subscribes and waits for SUBACK. The returned results are
// valid even when some filters were rejected.
func (c *Connection) SubscribeSync(ctx context.Context, subs []Subscription) ([]SubscribeResult, error) {
	op, err := c.Subscribe(ctx, subs)
	if err != nil {
		return nil, err
	}
	if err := op.Wait(ctx); err != nil {
		return op.Results(), err
	}
	return op.Results(), nil
}

// UnsubscribeSync unsubscribes and waits for UNSUBACK.
func (c *Connection) UnsubscribeSync(ctx context.Context, filters []string) error {
	op, err := c.Unsubscribe(ctx, filters)
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// Disconnect fails every in-flight operation with ErrConnectionClosed,
// drops registered subscriptions, sends DISCONNECT and closes the network. Completion listeners have run
// by the time it returns. It is idempotent.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
	case StateConnecting:
		c.mu.Unlock()
		c.teardown(ErrConnectionClosed)
		return nil
	default:
		c.mu.Unlock()
		return nil
	}

	c.setState(StateDisconnecting)
	ops := c.queue.Drain()
	c.timers.clear()
	c.subs.Clear()
	c.metrics.subscriptions(0)
	c.mu.Unlock()

	c.finishOps(ops, ErrConnectionClosed)

	if err := c.sendPacket(ctx, &DisconnectPacket{}); err != nil {
		c.logger.Debug("failed to send DISCONNECT", LogFields{LogFieldError: err.Error()})
	}

	closeErr := c.network.Close()

	c.mu.Lock()
	c.setState(StateDisconnected)
	c.mu.Unlock()

	c.callbacks.close()
	c.metrics.disconnected()
	c.closeDone()

	c.logger.Info("disconnected", LogFields{LogFieldState: StateDisconnected.String()})

	if !c.inLoop.Load() {
		select {
		case <-c.loopDone:
		case <-ctx.Done():
			return contextError(ctx.Err())
		}
	}

	if closeErr != nil {
		return networkError(closeErr)
	}

	return nil
}

// setState moves the connection to next. The caller holds c.mu.
func (c *Connection) setState(next State) {
	if !c.state.canTransition(next) {
		c.logger.Error("illegal state transition", LogFields{
			"from": c.state.String(),
			"to":   next.String(),
		})
		return
	}
	c.state = next
}

// teardown ends the connection after a failure. In-flight operations fail
// with ErrConnectionClosed, registered subscriptions are dropped, and the
// connection-lost handler receives cause.
func (c *Connection) teardown(cause error) {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}

	wasConnected := c.state == StateConnected
	c.setState(StateDisconnected)
	c.err = cause
	c.connectOp = nil
	ops := c.queue.Drain()
	c.timers.clear()
	c.subs.Clear()
	c.metrics.subscriptions(0)
	c.mu.Unlock()

	_ = c.network.Close()
	c.closeDone()

	c.finishOps(ops, ErrConnectionClosed)
	c.callbacks.close()

	if !wasConnected {
		return
	}

	c.metrics.disconnected()
	c.logger.Warn("connection lost", LogFields{LogFieldError: errString(cause)})

	if c.opts.onConnectionLost != nil {
		c.opts.onConnectionLost(c, NewConnectionLostError(cause))
	}
}

// finishOps completes drained operations with err.
func (c *Connection) finishOps(ops []*Operation, err error) {
	for _, op := range ops {
		c.finishOp(op, err)
	}
}

// finishOp completes a detached operation and releases its slot afterwards.
// It must be called without c.mu held.
func (c *Connection) finishOp(op *Operation, err error) {
	if !op.finish(err) {
		return
	}

	c.recordCompletion(op, err)

	c.mu.Lock()
	c.queue.Release(op)
	c.metrics.inFlight(c.queue.InFlight())
	c.mu.Unlock()
}

func (c *Connection) recordCompletion(op *Operation, err error) {
	if err != nil {
		c.metrics.operationFailed(op.typ, failureReason(err))
		c.logger.Debug("operation failed", LogFields{
			LogFieldOperation: op.typ.String(),
			LogFieldPacketID:  op.packetID,
			LogFieldError:     err.Error(),
		})
	} else if op.typ == OperationPublish && !op.created.IsZero() {
		c.metrics.publishLatency(c.clock.Now().Sub(op.created))
	}

	if op.typ != OperationPublish || c.opts.cleanSession || op.packetID == 0 {
		return
	}
	if errors.Is(err, ErrConnectionClosed) {
		return
	}

	if derr := c.opts.sessionStore.DeletePublish(c.opts.clientID, op.packetID); derr != nil {
		c.logger.Warn("failed to delete stored publish", LogFields{
			LogFieldPacketID: op.packetID,
			LogFieldError:    derr.Error(),
		})
	}
}

func (c *Connection) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// acquireWrite takes the write lock, honoring ctx.
func (c *Connection) acquireWrite(ctx context.Context) error {
	select {
	case c.writeSem <- struct{}{}:
		return nil
	default:
	}

	select {
	case c.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return contextError(ctx.Err())
	case <-c.done:
		return ErrNotConnected
	}
}

func (c *Connection) releaseWrite() {
	<-c.writeSem
}

// sendPacket writes pkt under the write lock.
func (c *Connection) sendPacket(ctx context.Context, pkt Packet) error {
	if err := c.acquireWrite(ctx); err != nil {
		return err
	}
	defer c.releaseWrite()

	return c.writePacket(pkt)
}

// writePacket serializes and writes pkt. The caller holds the write lock.
func (c *Connection) writePacket(pkt Packet) error {
	data, err := Serialize(pkt)
	if err != nil {
		return err
	}
	return c.writeData(pkt.Type(), data)
}

func (c *Connection) writeData(t PacketType, data []byte) error {
	n, err := c.network.Send(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return networkError(err)
	}

	c.mu.Lock()
	if c.keepAlive != nil {
		c.keepAlive.sent(c.clock.Now())
	}
	c.mu.Unlock()

	c.metrics.packetSent(t, len(data))

	return nil
}

// State returns the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// IsConnected reports whether the connection is usable.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// IsSubscribed reports whether filter is registered.
func (c *Connection) IsSubscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.subs.IsSubscribed(filter)
}

// Subscriptions returns the registered filters in registration order.
func (c *Connection) Subscriptions() []StoredSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.subs.Filters()
}

// InFlight returns the number of operations awaiting acknowledgment.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.InFlight()
}

// ClientID returns the client identifier sent in CONNECT.
func (c *Connection) ClientID() string {
	return c.opts.clientID
}

// SessionPresent reports the session present flag of CONNACK.
func (c *Connection) SessionPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionPresent
}

// Done returns a channel that is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the teardown cause, or nil if the connection is alive or was
// closed by Disconnect.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func firstListener(listeners []OperationListener) OperationListener {
	if len(listeners) == 0 {
		return nil
	}
	return listeners[0]
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrSubscriptionRejected):
		return "rejected"
	case errors.Is(err, ErrConnectionRefused):
		return "refused"
	default:
		return "error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
