package iotmqtt

// MessageListener receives application messages that match a subscription.
type MessageListener interface {
	OnMessage(conn *Connection, msg *Message)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(conn *Connection, msg *Message)

// OnMessage calls f(conn, msg).
func (f MessageListenerFunc) OnMessage(conn *Connection, msg *Message) {
	f(conn, msg)
}

// OperationListener is notified once when an operation completes.
// op.Err() reports the outcome.
//
// OnComplete usually runs on the receive goroutine. It may start new
// operations, but it must not wait for them: PublishSync, SubscribeSync,
// UnsubscribeSync and Operation.Wait block until the timeout, because the
// acknowledgment is read by the goroutine that is running the listener.
type OperationListener interface {
	OnComplete(op *Operation)
}

// OperationListenerFunc adapts a function to OperationListener.
type OperationListenerFunc func(op *Operation)

// OnComplete calls f(op).
func (f OperationListenerFunc) OnComplete(op *Operation) {
	f(op)
}

// ConnectionLostHandler is called after the connection is torn down by the
// network, a protocol violation, or a keep-alive timeout.
type ConnectionLostHandler func(conn *Connection, err error)
