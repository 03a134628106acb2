package fixloop

import (
	"sort"
	"sync"
)

// Registry maps a target to its single active loop.
type Registry struct {
	mu    sync.Mutex
	loops map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{loops: make(map[string]*Handle)}
}

// TryRegister claims targetID for h. It returns false when another loop
// already holds the target.
func (r *Registry) TryRegister(targetID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.loops[targetID]; taken {
		return false
	}
	r.loops[targetID] = h
	return true
}

// Unregister releases targetID if h still holds it.
func (r *Registry) Unregister(targetID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[targetID] == h {
		delete(r.loops, targetID)
	}
}

// Lookup returns the active loop for targetID.
func (r *Registry) Lookup(targetID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.loops[targetID]
	return h, ok
}

// Active returns the targets with a running loop, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
