// Package router dispatches received messages to handlers selected by
// topic filter and message attributes.
package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/iotmqtt"
)

// Handler processes an MQTT message.
type Handler func(conn *iotmqtt.Connection, msg *iotmqtt.Message)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter  *string
	qos          *byte
	retained     *bool
	topicRegexp  *regexp.Regexp
	payloadCheck func([]byte) bool
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetained filters messages by the retain flag.
func WithRetained(retained bool) ConditionOption {
	return func(c *Condition) {
		c.retained = &retained
	}
}

// WithTopicPattern filters messages by topic regexp pattern.
func WithTopicPattern(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.topicRegexp = pattern
	}
}

// WithPayload filters messages by a predicate on the payload.
func WithPayload(check func(payload []byte) bool) ConditionOption {
	return func(c *Condition) {
		c.payloadCheck = check
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
// It implements iotmqtt.MessageListener, so it can be attached to a
// subscription or installed as the default message listener.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(handler, WithTopicPattern(regexp.MustCompile(`/alarm$`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *iotmqtt.Message) bool {
	if c.topicFilter != nil && !iotmqtt.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retained != nil && *c.retained != msg.Retain {
		return false
	}
	if c.topicRegexp != nil && !c.topicRegexp.MatchString(msg.Topic) {
		return false
	}
	if c.payloadCheck != nil && !c.payloadCheck(msg.Payload) {
		return false
	}
	return true
}

// Route dispatches a message to all matching handlers in registration order.
func (r *Router) Route(conn *iotmqtt.Connection, msg *iotmqtt.Message) {
	if msg == nil {
		return
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(conn, msg)
	}
}

// OnMessage implements iotmqtt.MessageListener.
func (r *Router) OnMessage(conn *iotmqtt.Connection, msg *iotmqtt.Message) {
	r.Route(conn, msg)
}

// Filters returns the unique registered topic filters in sorted order.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	slices.Sort(filters)
	return filters
}

// Subscriptions returns one subscription per registered topic filter, each
// delivering to the router.
func (r *Router) Subscriptions(qos byte) []iotmqtt.Subscription {
	filters := r.Filters()

	subs := make([]iotmqtt.Subscription, len(filters))
	for i, filter := range filters {
		subs[i] = iotmqtt.Subscription{TopicFilter: filter, QoS: qos, Listener: r}
	}
	return subs
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}
