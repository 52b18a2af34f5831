// Package cborcodec publishes and receives typed payloads encoded as CBOR.
package cborcodec

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vitalvas/iotmqtt"
)

// encMode produces deterministic output so equal values give equal payloads.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes v to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Publisher is the part of a connection that sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg *iotmqtt.Message, listener ...iotmqtt.OperationListener) (*iotmqtt.Operation, error)
}

// Publish encodes v and publishes it to topic. It returns once the publish
// is queued; wait on the returned operation for the acknowledgment.
func Publish[T any](ctx context.Context, conn Publisher, topic string, qos byte, v T) (*iotmqtt.Operation, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: cbor encode: %w", iotmqtt.ErrBadParameter, err)
	}

	return conn.Publish(ctx, &iotmqtt.Message{Topic: topic, Payload: payload, QoS: qos})
}

// Listener returns a message listener that decodes each payload into T.
// A payload that fails to decode reaches fn with the zero value and the
// decode error.
func Listener[T any](fn func(topic string, v T, err error)) iotmqtt.MessageListener {
	return iotmqtt.MessageListenerFunc(func(_ *iotmqtt.Connection, msg *iotmqtt.Message) {
		var v T
		if err := Unmarshal(msg.Payload, &v); err != nil {
			var zero T
			fn(msg.Topic, zero, fmt.Errorf("cbor decode %q: %w", msg.Topic, err))
			return
		}
		fn(msg.Topic, v, nil)
	})
}

// Subscriber is the part of a connection that subscribes.
type Subscriber interface {
	SubscribeSync(ctx context.Context, subs []iotmqtt.Subscription) ([]iotmqtt.SubscribeResult, error)
}

// Subscribe subscribes to filter and delivers every payload decoded into T.
func Subscribe[T any](ctx context.Context, conn Subscriber, filter string, qos byte, fn func(topic string, v T, err error)) error {
	_, err := conn.SubscribeSync(ctx, []iotmqtt.Subscription{{
		TopicFilter: filter,
		QoS:         qos,
		Listener:    Listener(fn),
	}})
	return err
}
