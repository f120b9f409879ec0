// Package feed pushes inspector events to display clients over WebSocket.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/standardbeagle/pqi/internal/inspector"
)

// DefaultAddr is where the feed listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:19395"

// Path is the WebSocket endpoint.
const Path = "/events"

const (
	subscriberBuffer = 256
	writeTimeout     = 10 * time.Second
)

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan inspector.Event
}

// Hub fans inspector events out to WebSocket subscribers. It implements
// inspector.Display; OnEvent never blocks and drops events for subscribers
// whose buffer is full.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]*subscriber

	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tooling, any origin
			},
		},
		subs: make(map[string]*subscriber),
	}
}

// OnEvent implements inspector.Display.
func (h *Hub) OnEvent(ev inspector.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were dropped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) register(conn *websocket.Conn) *subscriber {
	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan inspector.Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		_ = sub.conn.Close()
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// Anything the client sends is ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Feed] upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := h.register(conn)
	log.Printf("[Feed] subscriber %s connected from %s", sub.id, r.RemoteAddr)

	stop := make(chan struct{})
	var stopOnce sync.Once
	cleanup := func() {
		stopOnce.Do(func() {
			h.unregister(sub)
			close(stop)
		})
	}
	defer cleanup()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-stop:
				return
			case ev := <-sub.send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					// Unblock the reader.
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	cleanup()
	<-writerDone
	log.Printf("[Feed] subscriber %s disconnected", sub.id)
}

// Server serves a Hub on its own HTTP listener.
type Server struct {
	hub *Hub
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a server for hub.
func NewServer(hub *Hub) *Server {
	mux := http.NewServeMux()
	mux.Handle(Path, hub)
	return &Server{
		hub: hub,
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("feed listen %s: %w", addr, err)
	}
	s.ln = ln
	log.Printf("[Feed] serving ws://%s%s", ln.Addr(), Path)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Feed] serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the listener and disconnects every subscriber.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.hub.Close()
	return err
}
