// Package bridge translates progress notifications published by an external
// host process into registry operations, and relays registry cancellations
// back to the host.
package bridge

import (
	"errors"
	"sort"
	"sync"
)

// ErrHostUnavailable is returned by hosts whose runtime cannot be reached.
var ErrHostUnavailable = errors.New("host runtime unavailable")

// Host is the capability the bridge needs from the external runtime.
type Host interface {
	// Subscribe registers handler for payloads published on event.
	Subscribe(event string, handler func(payload []byte)) (unsubscribe func(), err error)
	// Emit publishes payload on event.
	Emit(event string, payload []byte) error
	// IsAvailable probes whether the runtime can be used at all.
	IsAvailable() bool
}

// MemoryHost is an in-process Host. Emit delivers synchronously to every
// handler subscribed at the time of the call, in subscription order.
type MemoryHost struct {
	mu          sync.Mutex
	nextID      int
	handlers    map[string]map[int]func([]byte)
	unavailable bool
}

// NewMemoryHost creates an available in-process host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{handlers: make(map[string]map[int]func([]byte))}
}

// NewUnavailableHost creates a host whose availability probe fails, for
// running without an external runtime.
func NewUnavailableHost() *MemoryHost {
	h := NewMemoryHost()
	h.unavailable = true
	return h
}

// IsAvailable implements Host.
func (h *MemoryHost) IsAvailable() bool {
	return !h.unavailable
}

// Subscribe implements Host.
func (h *MemoryHost) Subscribe(event string, handler func([]byte)) (func(), error) {
	if h.unavailable {
		return nil, ErrHostUnavailable
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if h.handlers[event] == nil {
		h.handlers[event] = make(map[int]func([]byte))
	}
	h.handlers[event][id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers[event], id)
	}, nil
}

// Emit implements Host.
func (h *MemoryHost) Emit(event string, payload []byte) error {
	if h.unavailable {
		return ErrHostUnavailable
	}
	h.mu.Lock()
	ids := make([]int, 0, len(h.handlers[event]))
	for id := range h.handlers[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.handlers[event][id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

// Subscribers returns the number of handlers registered for event.
func (h *MemoryHost) Subscribers(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers[event])
}
