package iotmqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const minReceiveWait = time.Millisecond

// run is the receive loop. It reads from the network with a timeout bounded
// by the nearest timer deadline, parses every complete packet, and fires due
// timers after each read.
func (c *Connection) run() {
	defer close(c.loopDone)

	base, err := c.opts.allocator.AllocBuffer(c.opts.receiveBufferSize)
	if err != nil {
		c.teardown(err)
		return
	}
	defer c.opts.allocator.FreeBuffer(base)

	buf := base[:0]

	for {
		if c.stopped() {
			return
		}

		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), 2*cap(buf))
			copy(grown, buf)
			buf = grown
		}

		n, err := c.network.Receive(buf[len(buf):cap(buf)], c.nextWait())
		if n > 0 {
			buf = buf[:len(buf)+n]

			c.inLoop.Store(true)
			buf, err = c.process(buf, err)
			c.inLoop.Store(false)
		}

		if err != nil && !errors.Is(err, ErrWouldBlock) {
			if c.stopped() {
				return
			}
			c.teardown(c.receiveError(err))
			return
		}

		c.inLoop.Store(true)
		c.fireTimers()
		c.inLoop.Store(false)
	}
}

// process parses and handles every complete packet at the head of buf and
// returns the unparsed remainder. A parse or handling failure replaces the
// receive error.
func (c *Connection) process(buf []byte, recvErr error) ([]byte, error) {
	consumed := 0

	for consumed < len(buf) {
		if c.stopped() {
			return buf[:0], recvErr
		}

		pkt, n, err := deserialize(buf[consumed:], c.opts.maxPacketSize)
		if errors.Is(err, ErrIncompleteData) {
			break
		}
		if err != nil {
			return buf[:0], err
		}

		consumed += n
		c.metrics.packetReceived(pkt.Type(), n)

		if err := c.handle(pkt); err != nil {
			return buf[:0], err
		}
	}

	return append(buf[:0], buf[consumed:]...), recvErr
}

func (c *Connection) receiveError(err error) error {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) || errors.Is(err, ErrNetwork) {
		return err
	}
	return networkError(err)
}

func (c *Connection) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateDisconnected || c.state == StateDisconnecting
}

// nextWait returns how long Receive may block.
func (c *Connection) nextWait() time.Duration {
	wait := c.opts.pollInterval

	c.mu.Lock()
	next, ok := c.timers.next()
	c.mu.Unlock()

	if ok {
		if d := next.Sub(c.clock.Now()); d < wait {
			wait = d
		}
	}

	return max(wait, minReceiveWait)
}

func (c *Connection) fireTimers() {
	now := c.clock.Now()

	c.mu.Lock()
	due := c.timers.popDue(now)
	c.mu.Unlock()

	for _, ev := range due {
		ev.fire(now)
	}
}

// handle routes one inbound packet.
func (c *Connection) handle(pkt Packet) error {
	now := c.clock.Now()

	c.mu.Lock()
	state := c.state
	if c.keepAlive != nil {
		c.keepAlive.received(now)
	}
	c.mu.Unlock()

	if state == StateConnecting {
		if connack, ok := pkt.(*ConnackPacket); ok {
			return c.handleConnack(connack, now)
		}
		return NewProtocolError(pkt.Type(), ErrUnexpectedPacket)
	}

	switch p := pkt.(type) {
	case *PublishPacket:
		return c.handlePublish(p)
	case *PubackPacket:
		c.completeAck(p.PacketID, PacketPUBACK)
	case *PubrecPacket:
		return c.handlePubrec(p.PacketID, now)
	case *PubrelPacket:
		return c.handlePubrel(p.PacketID)
	case *PubcompPacket:
		c.completeAck(p.PacketID, PacketPUBCOMP)
	case *SubackPacket:
		return c.handleSuback(p)
	case *UnsubackPacket:
		c.handleUnsuback(p.PacketID)
	case *PingrespPacket:
		c.handlePingresp()
	default:
		return NewProtocolError(pkt.Type(), ErrUnexpectedPacket)
	}

	return nil
}

func (c *Connection) handleConnack(pkt *ConnackPacket, now time.Time) error {
	c.mu.Lock()
	op := c.connectOp
	if op == nil {
		c.mu.Unlock()
		return NewProtocolError(PacketCONNACK, ErrUnexpectedPacket)
	}
	c.connectOp = nil
	c.queue.detach(op)

	if pkt.ReturnCode != ConnectAccepted {
		c.mu.Unlock()

		err := NewConnectRefusedError(pkt.ReturnCode)
		c.logger.Warn("connection refused", LogFields{LogFieldReturnCode: pkt.ReturnCode.String()})
		c.finishOp(op, err)
		c.teardown(err)

		return nil
	}

	c.setState(StateConnected)
	c.sessionPresent = pkt.SessionPresent
	c.keepAlive = newKeepAliveTracker(c.opts.keepAlive, c.opts.graceFactor, now)
	if next, ok := c.keepAlive.next(); ok {
		c.timers.schedule(c.keepAliveEvent, next)
	}

	if pkt.SessionPresent {
		for _, sub := range c.opts.previousSubscriptions {
			if err := c.subs.Add(sub.TopicFilter, sub.QoS, sub.Listener); err != nil {
				c.logger.Warn("failed to restore subscription", LogFields{
					LogFieldTopic: sub.TopicFilter,
					LogFieldError: err.Error(),
				})
			}
		}
		c.metrics.subscriptions(c.subs.Len())
	}
	c.mu.Unlock()

	c.metrics.connected()
	c.finishOp(op, nil)

	return nil
}

func (c *Connection) handlePublish(pkt *PublishPacket) error {
	c.metrics.messageReceived(pkt.QoS)

	switch pkt.QoS {
	case 1:
		if err := c.sendPacket(context.Background(), &PubackPacket{PacketID: pkt.PacketID}); err != nil {
			return err
		}
	case 2:
		c.mu.Lock()
		_, seen := c.inboundQoS2[pkt.PacketID]
		c.inboundQoS2[pkt.PacketID] = struct{}{}
		c.mu.Unlock()

		if err := c.sendPacket(context.Background(), &PubrecPacket{PacketID: pkt.PacketID}); err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	c.deliver(pkt.ToMessage())

	return nil
}

// deliver hands msg to every matching listener. Each listener gets its own copy.
func (c *Connection) deliver(msg *Message) {
	msg = applyConsumerInterceptors(c.logger, c.opts.consumerInterceptors, msg)
	if msg == nil {
		return
	}

	c.mu.Lock()
	listeners := c.subs.Match(msg.Topic)
	c.mu.Unlock()

	if len(listeners) == 0 && c.opts.defaultListener != nil {
		listeners = []MessageListener{c.opts.defaultListener}
	}

	if len(listeners) == 0 {
		c.logger.Debug("no listener for message", LogFields{LogFieldTopic: msg.Topic})
		return
	}

	for _, l := range listeners {
		c.callbacks.submit(l, msg.Clone())
	}
}

func (c *Connection) handlePubrec(id uint16, now time.Time) error {
	c.mu.Lock()
	op, ok := c.queue.Find(id)
	mismatched := ok && (op.typ != OperationPublish || op.qos != QoS2)
	if ok && !mismatched {
		op.awaitingComp = true
		op.packet = &PubrelPacket{PacketID: id}
		if op.timer != nil {
			c.timers.schedule(op.timer, op.retryDeadline(now))
		}
	}
	c.mu.Unlock()

	if mismatched {
		c.logger.Debug("PUBREC for an operation that is not a QoS 2 publish", LogFields{
			LogFieldOperation: op.typ.String(),
			LogFieldPacketID:  id,
		})
		return nil
	}
	if !ok {
		c.logger.Debug("PUBREC for unknown packet identifier", LogFields{LogFieldPacketID: id})
	}

	return c.sendPacket(context.Background(), &PubrelPacket{PacketID: id})
}

func (c *Connection) handlePubrel(id uint16) error {
	c.mu.Lock()
	delete(c.inboundQoS2, id)
	c.mu.Unlock()

	return c.sendPacket(context.Background(), &PubcompPacket{PacketID: id})
}

// completeAck finishes the publish acknowledged by PUBACK or PUBCOMP.
// An acknowledgment that does not match the publish QoS or the QoS 2
// exchange step is ignored.
func (c *Connection) completeAck(id uint16, ack PacketType) {
	c.mu.Lock()
	op, ok := c.queue.Find(id)
	if !ok || !op.acceptsAck(ack) {
		c.mu.Unlock()
		c.logger.Debug("unexpected acknowledgment", LogFields{
			LogFieldPacketType: ack.String(),
			LogFieldPacketID:   id,
		})
		return
	}

	c.queue.Complete(id)
	c.timers.cancel(op.timer)
	c.mu.Unlock()

	c.finishOp(op, nil)
}

func (c *Connection) handleSuback(pkt *SubackPacket) error {
	c.mu.Lock()
	op, ok := c.queue.Find(pkt.PacketID)
	if !ok || op.typ != OperationSubscribe {
		c.mu.Unlock()
		c.logger.Debug("SUBACK for unknown packet identifier", LogFields{LogFieldPacketID: pkt.PacketID})
		return nil
	}

	if len(pkt.ReturnCodes) != len(op.subscriptions) {
		c.mu.Unlock()
		return NewProtocolError(PacketSUBACK, ErrMalformedPacket)
	}

	c.queue.Complete(pkt.PacketID)
	c.timers.cancel(op.timer)

	results := make([]SubscribeResult, len(op.subscriptions))
	var (
		rejected []string
		orphaned []string
		errs     []error
	)

	for i, sub := range op.subscriptions {
		results[i] = SubscribeResult{TopicFilter: sub.TopicFilter, ReturnCode: pkt.ReturnCodes[i]}

		if !results[i].Accepted() {
			rejected = append(rejected, sub.TopicFilter)
			continue
		}

		// Granted by the broker but not tracked here.
		if err := c.subs.Add(sub.TopicFilter, results[i].GrantedQoS(), sub.Listener); err != nil {
			c.logger.Warn("failed to register subscription", LogFields{
				LogFieldTopic: sub.TopicFilter,
				LogFieldError: err.Error(),
			})
			orphaned = append(orphaned, sub.TopicFilter)
			errs = append(errs, fmt.Errorf("register %s: %w", sub.TopicFilter, err))
		}
	}

	if len(rejected) > 0 {
		errs = append([]error{NewSubscribeError(rejected)}, errs...)
	}

	op.results = results
	filters := c.subs.Filters()
	c.metrics.subscriptions(len(filters))
	c.mu.Unlock()

	c.persistSubscriptions(filters)
	c.finishOp(op, errors.Join(errs...))

	if len(orphaned) > 0 {
		c.dropOrphaned(orphaned)
	}

	return nil
}

// dropOrphaned asks the broker to forget filters it granted but the client
// could not register.
func (c *Connection) dropOrphaned(filters []string) {
	if _, err := c.Unsubscribe(context.Background(), filters); err != nil {
		c.logger.Warn("failed to unsubscribe unregistered filters", LogFields{
			LogFieldTopic: strings.Join(filters, ","),
			LogFieldError: err.Error(),
		})
	}
}

func (c *Connection) handleUnsuback(id uint16) {
	c.mu.Lock()
	op, ok := c.queue.Find(id)
	if !ok || op.typ != OperationUnsubscribe {
		c.mu.Unlock()
		c.logger.Debug("UNSUBACK for unknown packet identifier", LogFields{LogFieldPacketID: id})
		return
	}

	c.queue.Complete(id)
	c.timers.cancel(op.timer)

	for _, sub := range op.subscriptions {
		c.subs.Remove(sub.TopicFilter)
	}

	filters := c.subs.Filters()
	c.metrics.subscriptions(len(filters))
	c.mu.Unlock()

	c.persistSubscriptions(filters)
	c.finishOp(op, nil)
}

func (c *Connection) handlePingresp() {
	c.mu.Lock()
	op, ok := c.queue.firstPending(OperationPing)
	if ok {
		c.queue.detach(op)
		c.timers.cancel(op.timer)
	}
	c.mu.Unlock()

	if ok {
		c.finishOp(op, nil)
	}
}

func (c *Connection) persistSubscriptions(filters []StoredSubscription) {
	if c.opts.cleanSession {
		return
	}

	if err := c.opts.sessionStore.SaveSubscriptions(c.opts.clientID, filters); err != nil {
		c.logger.Warn("failed to store subscriptions", LogFields{LogFieldError: err.Error()})
	}
}

// onKeepAliveTimer sends PINGREQ when the link is idle and tears the
// connection down when the broker stops answering.
func (c *Connection) onKeepAliveTimer(now time.Time) {
	c.mu.Lock()
	if c.state != StateConnected || c.keepAlive == nil {
		c.mu.Unlock()
		return
	}

	if c.keepAlive.dead(now) {
		c.mu.Unlock()

		c.metrics.keepAliveTimeout()
		c.logger.Warn("keep-alive timeout", LogFields{LogFieldDuration: c.keepAlive.timeout().String()})
		c.teardown(ErrKeepAliveTimeout)

		return
	}

	ping := c.keepAlive.pingDue(now)
	if ping {
		c.keepAlive.pingStarted(now)
	}
	if next, ok := c.keepAlive.next(); ok {
		c.timers.schedule(c.keepAliveEvent, next)
	}
	c.mu.Unlock()

	if !ping {
		return
	}

	c.logger.Debug("sending keep-alive ping", nil)

	if err := c.sendPacket(context.Background(), &PingreqPacket{}); err != nil {
		c.teardown(err)
	}
}

// onRetryTimer retransmits an unacknowledged request or fails it with
// ErrTimeout once its retries are exhausted.
func (c *Connection) onRetryTimer(op *Operation, now time.Time) {
	c.mu.Lock()
	if c.state != StateConnected || !c.queue.tracks(op) {
		c.mu.Unlock()
		return
	}

	if op.typ == OperationPing || op.exhausted() {
		c.queue.detach(op)
		c.mu.Unlock()

		c.logger.Warn("operation timed out", LogFields{
			LogFieldOperation: op.typ.String(),
			LogFieldPacketID:  op.packetID,
			LogFieldRetry:     op.RetryCount(),
		})
		c.finishOp(op, ErrTimeout)

		return
	}

	retry := op.retries.Add(1)
	if pub, ok := op.packet.(*PublishPacket); ok && c.limits.duplicateFlag {
		pub.DUP = true
	}
	pkt := op.packet
	data, err := Serialize(pkt)
	c.timers.schedule(op.timer, op.retryDeadline(now))
	c.mu.Unlock()

	if err != nil {
		c.teardown(err)
		return
	}

	c.metrics.retry(op.typ)
	c.logger.Debug("retransmitting", LogFields{
		LogFieldOperation:  op.typ.String(),
		LogFieldPacketType: pkt.Type().String(),
		LogFieldPacketID:   op.packetID,
		LogFieldRetry:      retry,
	})

	if err := c.acquireWrite(context.Background()); err != nil {
		return
	}
	defer c.releaseWrite()

	if err := c.writeData(pkt.Type(), data); err != nil {
		c.teardown(err)
	}
}
