package iotmqtt

import "errors"

// Packet identifier errors.
var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
	ErrPacketIDInUse     = errors.New("packet ID already in use")
)

const maxPacketIDs = 65535

// PacketIDManager hands out packet identifiers (1-65535).
// The counter wraps and skips identifiers that are still in use.
//
// It is not safe for concurrent use; the operation queue guards it.
type PacketIDManager struct {
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDManager creates a new packet ID manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

// Allocate returns the next free packet identifier.
func (m *PacketIDManager) Allocate() (uint16, error) {
	if len(m.used) >= maxPacketIDs {
		return 0, ErrPacketIDExhausted
	}

	for {
		id := m.next
		m.advance()

		if _, ok := m.used[id]; !ok {
			m.used[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks a specific identifier as used. It is used to re-adopt the
// identifiers of publishes restored from a session store.
func (m *PacketIDManager) Reserve(id uint16) error {
	if id == 0 {
		return ErrPacketIDRequired
	}
	if _, ok := m.used[id]; ok {
		return ErrPacketIDInUse
	}

	m.used[id] = struct{}{}

	return nil
}

// Release frees a packet identifier for reuse.
func (m *PacketIDManager) Release(id uint16) error {
	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}

	delete(m.used, id)

	return nil
}

// IsUsed reports whether id is allocated.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	_, ok := m.used[id]
	return ok
}

// InUse returns the number of allocated identifiers.
func (m *PacketIDManager) InUse() int {
	return len(m.used)
}

func (m *PacketIDManager) advance() {
	m.next++
	if m.next == 0 {
		m.next = 1
	}
}
