package iotmqtt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrRegistryFull is returned when the registry holds its maximum number of connections.
	ErrRegistryFull = errors.New("connection registry full")

	// ErrAlreadyRegistered is returned when a connection name is already in use.
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// Registry tracks named connections for an application that runs several
// broker sessions at once.
type Registry struct {
	mu    sync.RWMutex
	max   int
	conns map[string]*Connection
}

// NewRegistry creates a registry holding at most maxConnections connections.
// Zero or negative means no limit.
func NewRegistry(maxConnections int) *Registry {
	return &Registry{
		max:   maxConnections,
		conns: make(map[string]*Connection),
	}
}

// Add registers conn under name.
func (r *Registry) Add(name string, conn *Connection) error {
	if name == "" || conn == nil {
		return ErrBadParameter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	if r.max > 0 && len(r.conns) >= r.max {
		return ErrRegistryFull
	}

	r.conns[name] = conn

	return nil
}

// Get returns the connection registered under name.
func (r *Registry) Get(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[name]
	return conn, ok
}

// Remove unregisters name and returns its connection. The connection is
// not disconnected.
func (r *Registry) Remove(name string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[name]
	if ok {
		delete(r.conns, name)
	}

	return conn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// DisconnectAll disconnects and unregisters every connection.
// Errors are joined and tagged with the connection name.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
