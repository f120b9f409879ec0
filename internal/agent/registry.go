package agent

import (
	"sync"

	"github.com/standardbeagle/pqi/internal/protocol"
)

// ObjectRegistry maps remote object ids to toolkit handles. Ids are assigned
// on first registration, start at 1 and are never reused.
//
// Handles are used as map keys and must be comparable (pointers in practice).
// Registering a non-comparable handle panics; the agent's host-facing methods
// contain that.
type ObjectRegistry struct {
	mu   sync.RWMutex
	byID map[protocol.ObjectID]Object
	ids  map[Object]protocol.ObjectID
	next protocol.ObjectID
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{
		byID: make(map[protocol.ObjectID]Object),
		ids:  make(map[Object]protocol.ObjectID),
	}
}

// Register returns obj's id, assigning one if obj is new.
func (r *ObjectRegistry) Register(obj Object) protocol.ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[obj]; ok {
		return id
	}
	r.next++
	r.byID[r.next] = obj
	r.ids[obj] = r.next
	return r.next
}

// Lookup returns the handle registered under id.
func (r *ObjectRegistry) Lookup(id protocol.ObjectID) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.byID[id]
	return obj, ok
}

// ID returns obj's id if it is registered.
func (r *ObjectRegistry) ID(obj Object) (protocol.ObjectID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[obj]
	return id, ok
}

// Forget drops obj, e.g. when the toolkit destroys it.
func (r *ObjectRegistry) Forget(obj Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[obj]; ok {
		delete(r.ids, obj)
		delete(r.byID, id)
	}
}

// Len returns the number of registered objects.
func (r *ObjectRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
