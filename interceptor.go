package iotmqtt

import "fmt"

// ProducerInterceptor sees every application message before it is queued
// for publishing. Interceptors run in the order they were configured, each
// receiving the previous one's result.
type ProducerInterceptor interface {
	// OnSend returns the message to publish, or nil to drop it.
	// The connection passes a private copy, so in-place edits are safe.
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor sees every inbound PUBLISH before listener dispatch.
type ConsumerInterceptor interface {
	// OnConsume returns the message to deliver, or nil to suppress delivery.
	// Acknowledgments are sent either way.
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend calls f(msg).
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// intercept runs one interceptor step. A panic leaves msg unchanged.
func intercept(logger Logger, stage string, msg *Message, step func(*Message) *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(stage+" interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = msg
		}
	}()
	return step(msg)
}

// applyProducerInterceptors runs the outbound chain. It stops at the first
// interceptor that drops the message.
func applyProducerInterceptors(logger Logger, chain []ProducerInterceptor, msg *Message) *Message {
	for _, i := range chain {
		if msg == nil {
			break
		}
		msg = intercept(logger, "producer", msg, i.OnSend)
	}
	return msg
}

// applyConsumerInterceptors runs the inbound chain.
func applyConsumerInterceptors(logger Logger, chain []ConsumerInterceptor, msg *Message) *Message {
	for _, i := range chain {
		if msg == nil {
			break
		}
		msg = intercept(logger, "consumer", msg, i.OnConsume)
	}
	return msg
}
