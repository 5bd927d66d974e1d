package statemanager

import "sync"

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns a process-wide manager, creating it on first use. Prefer
// constructing a Manager with New and passing it along.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = New(Config{})
	}
	return defaultManager
}

// ResetDefault drops every operation of the process-wide manager and
// discards it.
func ResetDefault() {
	defaultMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultMu.Unlock()

	if m != nil {
		m.Reset()
	}
}
