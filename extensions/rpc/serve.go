package rpc

import (
	"context"
	"fmt"

	"github.com/vitalvas/iotmqtt"
)

// ServeFunc answers a request. A returned error is sent to the caller,
// who receives it wrapped in ErrRemote.
type ServeFunc func(ctx context.Context, req *Request) (*Response, error)

// Responder answers requests published to a topic filter.
type Responder struct {
	ctx    context.Context
	client Client
	filter string
	qos    byte
	fn     ServeFunc
	logger iotmqtt.Logger
}

// Serve subscribes to filter and answers every request with fn. Replies are
// published with ctx, so cancelling it stops pending replies.
func Serve(ctx context.Context, client Client, filter string, qos byte, fn ServeFunc, logger iotmqtt.Logger) (*Responder, error) {
	if logger == nil {
		logger = iotmqtt.NewNoOpLogger()
	}

	r := &Responder{
		ctx:    ctx,
		client: client,
		filter: filter,
		qos:    qos,
		fn:     fn,
		logger: logger,
	}

	sub := iotmqtt.Subscription{
		TopicFilter: filter,
		QoS:         qos,
		Listener:    iotmqtt.MessageListenerFunc(r.handleRequest),
	}
	if _, err := client.SubscribeSync(ctx, []iotmqtt.Subscription{sub}); err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to %q: %w", filter, err)
	}

	return r, nil
}

func (r *Responder) handleRequest(_ *iotmqtt.Connection, msg *iotmqtt.Message) {
	req, err := decodeEnvelope(msg.Payload)
	if err != nil || req.ReplyTo == "" {
		r.logger.Warn("rpc request dropped", iotmqtt.LogFields{
			iotmqtt.LogFieldTopic: msg.Topic,
			iotmqtt.LogFieldError: err,
		})
		return
	}

	reply := &envelope{ID: req.ID}

	resp, err := r.fn(r.ctx, &Request{Payload: req.Payload, Headers: req.Headers})
	switch {
	case err != nil:
		reply.Error = err.Error()
	case resp != nil:
		reply.Payload = resp.Payload
		reply.Headers = resp.Headers
	}

	payload, err := encodeEnvelope(reply)
	if err != nil {
		r.logger.Error("rpc reply encode failed", iotmqtt.LogFields{iotmqtt.LogFieldError: err})
		return
	}

	out := &iotmqtt.Message{Topic: req.ReplyTo, Payload: payload, QoS: r.qos}
	if err := r.client.PublishSync(r.ctx, out); err != nil {
		r.logger.Warn("rpc reply failed", iotmqtt.LogFields{
			iotmqtt.LogFieldTopic: req.ReplyTo,
			iotmqtt.LogFieldError: err,
		})
	}
}

// Close unsubscribes from the request filter.
func (r *Responder) Close(ctx context.Context) error {
	return r.client.UnsubscribeSync(ctx, []string{r.filter})
}
