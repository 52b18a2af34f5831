// Package rpc provides request/response on top of MQTT v3.1.1 clients.
//
// MQTT v3.1.1 has no response topic or correlation data, so each request
// and response travels in a CBOR envelope that carries the correlation ID,
// the reply topic and optional headers next to the payload.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitalvas/iotmqtt"
	"github.com/vitalvas/iotmqtt/extensions/cborcodec"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned when the client is disconnected or the
	// handler is closed during a request.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrRemote is returned when the responder reported an error.
	ErrRemote = errors.New("rpc: remote error")
)

// Headers represents RPC headers as key-value pairs.
type Headers map[string]string

// Request represents an RPC request with optional headers.
type Request struct {
	// Payload is the request body.
	Payload []byte

	// Headers contains optional request headers.
	Headers Headers
}

// Response represents an RPC response with headers.
type Response struct {
	// Payload is the response body.
	Payload []byte

	// Headers contains response headers.
	Headers Headers

	// CorrelationID is the identifier used to match this response.
	CorrelationID string
}

// envelope is the wire form of requests and responses.
type envelope struct {
	ID      string  `cbor:"1,keyasint"`
	ReplyTo string  `cbor:"2,keyasint,omitempty"`
	Headers Headers `cbor:"3,keyasint,omitempty"`
	Payload []byte  `cbor:"4,keyasint,omitempty"`
	Error   string  `cbor:"5,keyasint,omitempty"`
}

func encodeEnvelope(e *envelope) ([]byte, error) {
	return cborcodec.Marshal(e)
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var e envelope
	if err := cborcodec.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Client defines the connection operations RPC needs.
// *iotmqtt.Connection implements it.
type Client interface {
	ClientID() string
	SubscribeSync(ctx context.Context, subs []iotmqtt.Subscription) ([]iotmqtt.SubscribeResult, error)
	UnsubscribeSync(ctx context.Context, filters []string) error
	PublishSync(ctx context.Context, msg *iotmqtt.Message) error
	IsConnected() bool
}

// Handler issues requests and matches responses by correlation ID.
type Handler struct {
	mu            sync.Mutex
	client        Client
	correlData    map[string]chan *envelope
	responseTopic string
	qos           byte
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// ResponseTopic is the topic where responses will be received.
	// If empty, defaults to "rpc/response/{clientID}".
	ResponseTopic string

	// QoS is the quality of service level for requests and subscriptions.
	// Defaults to 0.
	QoS byte
}

// NewHandler creates a new RPC handler and subscribes to the response topic.
func NewHandler(ctx context.Context, client Client, opts *HandlerOptions) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}

	if opts == nil {
		opts = &HandlerOptions{}
	}

	responseTopic := opts.ResponseTopic
	if responseTopic == "" {
		responseTopic = fmt.Sprintf("rpc/response/%s", client.ClientID())
	}

	h := &Handler{
		client:        client,
		correlData:    make(map[string]chan *envelope),
		responseTopic: responseTopic,
		qos:           opts.QoS,
	}

	sub := iotmqtt.Subscription{
		TopicFilter: responseTopic,
		QoS:         opts.QoS,
		Listener:    iotmqtt.MessageListenerFunc(h.handleResponse),
	}
	if _, err := client.SubscribeSync(ctx, []iotmqtt.Subscription{sub}); err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to response topic: %w", err)
	}

	return h, nil
}

// ResponseTopic returns the configured response topic.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// Call publishes req to topic and blocks until the matching response
// arrives or ctx is done.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if !h.client.IsConnected() {
		return nil, ErrClientClosed
	}

	if req == nil {
		req = &Request{}
	}

	correlID := uuid.NewString()

	payload, err := encodeEnvelope(&envelope{
		ID:      correlID,
		ReplyTo: h.responseTopic,
		Headers: req.Headers,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to encode request: %w", err)
	}

	respChan := make(chan *envelope, 1)
	h.addCorrelID(correlID, respChan)
	defer h.removeCorrelID(correlID)

	msg := &iotmqtt.Message{
		Topic:   topic,
		Payload: payload,
		QoS:     h.qos,
	}
	if err := h.client.PublishSync(ctx, msg); err != nil {
		return nil, fmt.Errorf("rpc: failed to publish request: %w", err)
	}

	select {
	case env, ok := <-respChan:
		if !ok {
			return nil, ErrClientClosed
		}
		if env.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, env.Error)
		}
		return &Response{
			Payload:       env.Payload,
			Headers:       env.Headers,
			CorrelationID: env.ID,
		}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// CallWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, topic, req)
}

// Request sends a request without headers and waits for a response.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// Close fails pending calls and unsubscribes from the response topic.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	for correlID, ch := range h.correlData {
		close(ch)
		delete(h.correlData, correlID)
	}
	h.mu.Unlock()

	return h.client.UnsubscribeSync(ctx, []string{h.responseTopic})
}

func (h *Handler) addCorrelID(correlID string, ch chan *envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.correlData[correlID] = ch
}

func (h *Handler) removeCorrelID(correlID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.correlData, correlID)
}

func (h *Handler) handleResponse(_ *iotmqtt.Connection, msg *iotmqtt.Message) {
	if msg == nil || len(msg.Payload) == 0 {
		return
	}

	env, err := decodeEnvelope(msg.Payload)
	if err != nil || env.ID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.correlData[env.ID]
	if ch == nil {
		return
	}

	// Non-blocking: a duplicate delivery must not stall the listener.
	select {
	case ch <- env:
	default:
	}
}
