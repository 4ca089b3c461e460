package overlay

import (
	"sync"
	"sync/atomic"
)

// Registry tracks active overlay sessions and supports graceful draining.
// It admits at most limit concurrent sessions; when draining, new sessions
// are rejected while in-flight ones finish naturally.
//
// The mu mutex makes the admission check and wg.Add atomic in Add(),
// preventing a race where StartDraining+Wait could run between the check and
// wg.Add.
type Registry struct {
	mu       sync.Mutex
	draining bool
	limit    int64
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRegistry creates a registry admitting up to limit sessions.
func NewRegistry(limit int) *Registry {
	if limit < 1 {
		limit = 1
	}
	return &Registry{limit: int64(limit)}
}

// Add registers a new active session. Returns false if the registry is
// draining or full.
func (r *Registry) Add() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining || r.count.Load() >= r.limit {
		return false
	}
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// Done marks a session as ended. Must be called exactly once per successful Add.
func (r *Registry) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count.Add(-1)
	r.wg.Done()
}

// StartDraining makes future Add calls return false.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of currently active sessions.
func (r *Registry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until all active sessions have ended.
func (r *Registry) Wait() {
	r.wg.Wait()
}
