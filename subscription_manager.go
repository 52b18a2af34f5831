package iotmqtt

// subscriptionEntry holds an owned copy of a topic filter and its listener.
type subscriptionEntry struct {
	filter   string
	qos      byte
	listener MessageListener
}

// SubscriptionManager maps topic filters to listeners in registration order.
//
// It is not safe for concurrent use. A Connection guards it with the same
// mutex that protects its operation queue.
type SubscriptionManager struct {
	entries []subscriptionEntry
	alloc   Allocator
}

// NewSubscriptionManager creates a new subscription manager.
// A nil allocator means subscriptions are unbounded.
func NewSubscriptionManager(alloc Allocator) *SubscriptionManager {
	if alloc == nil {
		alloc = NewHeapAllocator()
	}
	return &SubscriptionManager{alloc: alloc}
}

// Add registers a listener for filter. An identical filter keeps its
// position and has its listener replaced.
func (m *SubscriptionManager) Add(filter string, qos byte, listener MessageListener) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	if i := m.index(filter); i >= 0 {
		m.entries[i].qos = qos
		m.entries[i].listener = listener
		return nil
	}

	if err := m.alloc.AcquireSubscription(); err != nil {
		return err
	}

	m.entries = append(m.entries, subscriptionEntry{
		filter:   filter,
		qos:      qos,
		listener: listener,
	})

	return nil
}

// Remove removes filter. Removing an unknown filter is a no-op.
func (m *SubscriptionManager) Remove(filter string) bool {
	i := m.index(filter)
	if i < 0 {
		return false
	}

	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	m.alloc.ReleaseSubscription()

	return true
}

// Match returns the listeners of every filter matching topic, in registration order.
func (m *SubscriptionManager) Match(topic string) []MessageListener {
	var listeners []MessageListener

	for _, e := range m.entries {
		if e.listener == nil {
			continue
		}

		matched := e.filter == topic
		if !matched && containsWildcard(e.filter) {
			matched = TopicMatch(e.filter, topic)
		}

		if matched {
			listeners = append(listeners, e.listener)
		}
	}

	return listeners
}

// IsSubscribed reports whether filter is registered.
func (m *SubscriptionManager) IsSubscribed(filter string) bool {
	return m.index(filter) >= 0
}

// Filters returns the registered filters with their QoS, in registration order.
func (m *SubscriptionManager) Filters() []StoredSubscription {
	subs := make([]StoredSubscription, 0, len(m.entries))
	for _, e := range m.entries {
		subs = append(subs, StoredSubscription{TopicFilter: e.filter, QoS: e.qos})
	}
	return subs
}

// Len returns the number of registered filters.
func (m *SubscriptionManager) Len() int {
	return len(m.entries)
}

// Clear removes every filter.
func (m *SubscriptionManager) Clear() {
	for range m.entries {
		m.alloc.ReleaseSubscription()
	}
	m.entries = nil
}

func (m *SubscriptionManager) index(filter string) int {
	for i := range m.entries {
		if m.entries[i].filter == filter {
			return i
		}
	}
	return -1
}
