package session

import (
	"sync"
	"time"
)

// Clock returns the current time. The zero value of any component falls back to time.Now.
type Clock func() time.Time

// Registry maps session ids to their last activity time. It is purely in
// memory: a restart forgets every session, and the sweeper's orphan scan
// rediscovers their environments.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     Clock
}

// NewRegistry creates an empty Registry; a nil clock uses time.Now
func NewRegistry(now Clock) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// Touch records activity for id and returns the stored time. The stored time
// never moves backwards, even if the clock does.
func (r *Registry) Touch(id string) time.Time {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[id]; ok && prev.After(now) {
		return prev
	}
	r.entries[id] = now
	return now
}

// Get returns the last activity time of id
func (r *Registry) Get(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.entries[id]
	return t, ok
}

// Remove forgets id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
}

// Snapshot returns a copy of all entries
func (r *Registry) Snapshot() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]time.Time, len(r.entries))
	for id, t := range r.entries {
		snapshot[id] = t
	}
	return snapshot
}

// Len returns the number of tracked sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
