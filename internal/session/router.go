package session

import (
	"sort"
	"sync"

	"github.com/standardbeagle/pqi/internal/protocol"
)

// Handler processes one inbound command. A returned error is logged as a
// HandlerError; the session keeps running.
type Handler func(s *Session, cmd protocol.Command) error

// Router maps command kinds to handlers. It is safe for concurrent use and
// may be shared by many sessions.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.CommandID]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[protocol.CommandID]Handler)}
}

// Handle registers h for id, replacing any previous handler.
func (r *Router) Handle(id protocol.CommandID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

// Lookup returns the handler for id.
func (r *Router) Lookup(id protocol.CommandID) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// Kinds lists the registered command kinds in ascending order.
func (r *Router) Kinds() []protocol.CommandID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]protocol.CommandID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
