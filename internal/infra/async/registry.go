package async

import (
	"context"
	"sync"
)

// CancelRegistry maps a name to the cancellation handle of a running loop.
// Replace is the atomic cancel-then-insert used for replace-by-name
// semantics: the loop previously under a name is always cancelled before the
// new handle becomes visible.
type CancelRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	handles map[string]registryEntry
}

type registryEntry struct {
	id     uint64
	cancel context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{handles: make(map[string]registryEntry)}
}

// Replace cancels any loop registered under name and installs cancel in its
// place. The returned ticket identifies this registration for Forget.
func (r *CancelRegistry) Replace(name string, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.handles[name]; ok {
		prev.cancel()
	}
	r.nextID++
	r.handles[name] = registryEntry{id: r.nextID, cancel: cancel}
	return r.nextID
}

// Cancel stops the loop under name and forgets it. Returns false if no loop
// is registered.
func (r *CancelRegistry) Cancel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.handles[name]
	if !ok {
		return false
	}
	entry.cancel()
	delete(r.handles, name)
	return true
}

// Forget drops the entry for name without cancelling, for loops that ended
// on their own. The ticket guards against a racing Replace: if a newer loop
// took over the name, the entry is left alone and Forget reports false.
func (r *CancelRegistry) Forget(name string, ticket uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.handles[name]; ok && entry.id == ticket {
		delete(r.handles, name)
		return true
	}
	return false
}

// CancelAll stops every registered loop.
func (r *CancelRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range r.handles {
		entry.cancel()
		delete(r.handles, name)
	}
}

// Len reports the number of registered handles.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
