// Package keylock provides per-key mutual exclusion.
//
// The broker must serialize token refreshes per user while letting
// refreshes for different users proceed in parallel. Mutex entries are
// created lazily on first use and reclaimed as soon as no goroutine
// holds or waits for them, so the map does not grow with the total
// user population, only with concurrent contention.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a collection of lazily created, reference-counted mutexes
// keyed by string. The zero value is not usable; call New.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another goroutine
// holds it. It returns the unlock function; callers must invoke it on
// every path, typically via defer, or the key stays locked forever.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently locked or contended.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
