package mtask

import "sync"

// Registry maps task functions to stable ids transmissible in a command
// record's FuncPtr field (§6's wire format: "a registered task-function
// id, not a real address"). The original runtime ships one binary to
// every node, so a function pointer is valid cluster-wide; Go has no
// portable equivalent, so every node instead registers the same set of
// task functions under the same names at startup (rt.Cluster does this),
// and FuncPtr carries the resulting id across the wire.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint64]Func
	byName map[string]uint64
	next   uint64
}

// NewRegistry builds an empty function table.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]Func), byName: make(map[string]uint64)}
}

// Register assigns (or returns the existing) id for name. Every node must
// call Register for the same names in the same order so ids agree
// cluster-wide.
func (r *Registry) Register(name string, fn Func) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	r.next++
	id := r.next
	r.byName[name] = id
	r.byID[id] = fn
	return id
}

// Lookup resolves a FuncPtr id back to its function.
func (r *Registry) Lookup(id uint64) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byID[id]
	return fn, ok
}
