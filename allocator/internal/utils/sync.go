// Package utils holds the locks shared by the allocator's block lists, dedicated lists, and device memory
package utils

import "sync"

// OptionalMutex locks only when UseMutex is set. Allocators created with CreateExternallySynchronized
// leave it unset and rely on the caller to serialize access.
type OptionalMutex struct {
	UseMutex bool
	mutex    sync.Mutex
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is the read/write counterpart of OptionalMutex
type OptionalRWMutex struct {
	UseMutex bool
	mutex    sync.RWMutex
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.mutex.RUnlock()
	}
}
