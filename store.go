package iotmqtt

import (
	"slices"
	"sync"
)

// StoredSubscription is a persisted topic filter.
type StoredSubscription struct {
	TopicFilter string `json:"filter" yaml:"filter" cbor:"1,keyasint"`
	QoS         byte   `json:"qos" yaml:"qos" cbor:"2,keyasint"`
}

// SessionStore persists the client side of an MQTT session so that
// unacknowledged publishes survive a reconnect when clean session is false.
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// SavePublish stores an outbound QoS 1 or 2 publish until it is acknowledged.
	SavePublish(clientID string, pkt *PublishPacket) error

	// DeletePublish removes an acknowledged publish. Deleting an unknown
	// packet identifier is not an error.
	DeletePublish(clientID string, packetID uint16) error

	// Publishes returns the unacknowledged publishes of clientID.
	Publishes(clientID string) ([]*PublishPacket, error)

	// SaveSubscriptions replaces the persisted filters of clientID.
	SaveSubscriptions(clientID string, subs []StoredSubscription) error

	// Subscriptions returns the persisted filters of clientID.
	Subscriptions(clientID string) ([]StoredSubscription, error)

	// Clear removes everything stored for clientID.
	Clear(clientID string) error
}

type memorySession struct {
	publishes map[uint16]*PublishPacket
	order     []uint16
	subs      []StoredSubscription
}

// MemoryStore is an in-memory SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
	}
}

func (s *MemoryStore) session(clientID string) *memorySession {
	sess, ok := s.sessions[clientID]
	if !ok {
		sess = &memorySession{publishes: make(map[uint16]*PublishPacket)}
		s.sessions[clientID] = sess
	}
	return sess
}

// SavePublish stores a copy of pkt.
func (s *MemoryStore) SavePublish(clientID string, pkt *PublishPacket) error {
	if pkt == nil || pkt.PacketID == 0 {
		return ErrPacketIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(clientID)
	if _, ok := sess.publishes[pkt.PacketID]; !ok {
		sess.order = append(sess.order, pkt.PacketID)
	}
	sess.publishes[pkt.PacketID] = clonePublish(pkt)

	return nil
}

// DeletePublish removes a stored publish.
func (s *MemoryStore) DeletePublish(clientID string, packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[clientID]
	if !ok {
		return nil
	}

	if _, ok := sess.publishes[packetID]; ok {
		delete(sess.publishes, packetID)
		sess.order = slices.DeleteFunc(sess.order, func(id uint16) bool { return id == packetID })
	}

	return nil
}

// Publishes returns copies of the stored publishes in the order they were saved.
func (s *MemoryStore) Publishes(clientID string) ([]*PublishPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[clientID]
	if !ok {
		return nil, nil
	}

	out := make([]*PublishPacket, 0, len(sess.order))
	for _, id := range sess.order {
		out = append(out, clonePublish(sess.publishes[id]))
	}

	return out, nil
}

// SaveSubscriptions replaces the stored filters.
func (s *MemoryStore) SaveSubscriptions(clientID string, subs []StoredSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session(clientID).subs = slices.Clone(subs)

	return nil
}

// Subscriptions returns the stored filters.
func (s *MemoryStore) Subscriptions(clientID string) ([]StoredSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[clientID]
	if !ok {
		return nil, nil
	}

	return slices.Clone(sess.subs), nil
}

// Clear removes the session of clientID.
func (s *MemoryStore) Clear(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, clientID)

	return nil
}

func clonePublish(p *PublishPacket) *PublishPacket {
	c := *p
	if p.Payload != nil {
		c.Payload = slices.Clone(p.Payload)
	}
	return &c
}
