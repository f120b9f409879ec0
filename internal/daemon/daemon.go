// Package daemon hosts inspector/agent sessions on both sides of the wire:
// Daemon accepts many agents (server role) and ResilientClient keeps one
// agent connected to an inspector (client role).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

// Version is the daemon version.
const Version = "0.1.0"

// DefaultPort is the inspector's default listening port.
const DefaultPort = 19394

var (
	// ErrUnknownSession is returned when addressing a session id that is not live.
	ErrUnknownSession = errors.New("unknown session")

	// ErrStopped is returned when starting a daemon that was already stopped.
	ErrStopped = errors.New("daemon already stopped")
)

// DaemonConfig holds configuration for the daemon.
type DaemonConfig struct {
	Host string
	Port int

	// ReusePort sets SO_REUSEPORT on the listener where supported.
	ReusePort bool

	// Max concurrent sessions (0 = unlimited)
	MaxClients int

	// Role is the protocol side of every accepted session: RoleServer for an
	// inspector (the default), RoleClient for an agent listening for
	// inspectors. It selects sequence parity and the PROCESS_CREATED greeting.
	Role protocol.Role

	// Process is announced to each peer when Role is RoleClient.
	Process *protocol.ProcessCreated

	// Router dispatches inbound commands for every session.
	Router *session.Router

	// Executor runs handlers (nil = inline on each read loop).
	Executor session.Executor

	// Endpoint tunes each session's socket loops.
	Endpoint session.EndpointConfig

	// Verbose traces every command.
	Verbose bool
}

// DefaultDaemonConfig returns sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Host:       "127.0.0.1",
		Port:       DefaultPort,
		MaxClients: 100,
		Endpoint:   session.DefaultEndpointConfig(),
	}
}

// Address returns host:port.
func (c DaemonConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Daemon accepts agent connections and multiplexes commands across them.
type Daemon struct {
	config DaemonConfig

	listener net.Listener

	// Session tracking
	mu       sync.Mutex
	sessions map[int64]*session.Session
	stopping bool
	nextID   atomic.Int64
	total    atomic.Int64

	observersMu   sync.RWMutex
	onEstablished []func(*session.Session)
	onLost        []func(*session.Session, error)

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
}

// New creates a new daemon instance.
func New(config DaemonConfig) *Daemon {
	if config.Router == nil {
		config.Router = session.NewRouter()
	}
	if config.Role == "" {
		config.Role = protocol.RoleServer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:   config,
		sessions: make(map[int64]*session.Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Router returns the router shared by all sessions.
func (d *Daemon) Router() *session.Router {
	return d.config.Router
}

// OnConnectionEstablished registers fn to run for each accepted session.
// It runs before the session's loops start, so no inbound command precedes it.
func (d *Daemon) OnConnectionEstablished(fn func(*session.Session)) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.onEstablished = append(d.onEstablished, fn)
}

// OnConnectionLost registers fn to run once per session after it closed.
// err is the close cause: nil for a local close.
func (d *Daemon) OnConnectionLost(fn func(*session.Session, error)) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.onLost = append(d.onLost, fn)
}

// Start starts the daemon and begins accepting connections.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrStopped
	}
	d.mu.Unlock()

	listener, err := listen(d.ctx, d.config.Address(), d.config.ReusePort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.Address(), err)
	}
	d.listener = listener
	d.started = time.Now()

	log.Printf("[Daemon] listening on %s", listener.Addr())

	d.wg.Add(1)
	go d.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Session returns the live session with the given id.
func (d *Daemon) Session(id int64) (*session.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Sessions returns the live sessions ordered by id.
func (d *Daemon) Sessions() []*session.Session {
	d.mu.Lock()
	out := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Send enqueues cmd on session id.
func (d *Daemon) Send(id int64, cmd protocol.Command) error {
	s, ok := d.Session(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s.Send(cmd)
}

// Request sends cmd to session id and waits for the correlated reply.
func (d *Daemon) Request(ctx context.Context, id int64, cmd protocol.Command) (protocol.Command, error) {
	s, ok := d.Session(id)
	if !ok {
		return protocol.Command{}, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s.Request(ctx, cmd)
}

// Broadcast enqueues cmd on every live session and reports how many accepted
// it. Per-session failures are joined into the returned error.
func (d *Daemon) Broadcast(cmd protocol.Command) (int, error) {
	var errs []error
	sent := 0
	for _, s := range d.Sessions() {
		if err := s.Send(cmd); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", s.ID(), err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	live := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		live = append(live, s)
	}
	d.mu.Unlock()

	log.Println("[Daemon] stopping...")

	d.cancel()

	var errs []error
	if d.listener != nil {
		if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("listener: %w", err))
		}
	}

	var closers sync.WaitGroup
	for _, s := range live {
		closers.Add(1)
		go func(s *session.Session) {
			defer closers.Done()
			_ = s.Close()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		closers.Wait()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	log.Println("[Daemon] stopped")
	return errors.Join(errs...)
}

// Info returns daemon information.
func (d *Daemon) Info() DaemonInfo {
	info := DaemonInfo{
		Version:       Version,
		Mode:          "listen",
		TotalSessions: d.total.Load(),
	}
	if addr := d.Addr(); addr != nil {
		info.Addr = addr.String()
		info.Uptime = time.Since(d.started)
	}
	d.mu.Lock()
	info.SessionCount = len(d.sessions)
	d.mu.Unlock()
	return info
}

// acceptLoop accepts new agent connections.
func (d *Daemon) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[Daemon] accept error: %v", err)
			continue
		}
		d.admit(conn)
	}
}

func (d *Daemon) admit(conn net.Conn) {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		conn.Close()
		return
	}
	if d.config.MaxClients > 0 && len(d.sessions) >= d.config.MaxClients {
		d.mu.Unlock()
		log.Printf("[Daemon] max sessions reached, rejecting %s", conn.RemoteAddr())
		conn.Close()
		return
	}

	id := d.nextID.Add(1)
	s := session.New(conn, session.Config{
		ID:       id,
		Role:     d.config.Role,
		Router:   d.config.Router,
		Executor: d.config.Executor,
		Endpoint: d.config.Endpoint,
		Process:  d.config.Process,
		Verbose:  d.config.Verbose,
		OnClose:  d.lost,
	})
	d.sessions[id] = s
	d.mu.Unlock()
	d.total.Add(1)

	log.Printf("[Daemon] session %d connected from %s", id, conn.RemoteAddr())

	d.observersMu.RLock()
	observers := append([]func(*session.Session){}, d.onEstablished...)
	d.observersMu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}

	if err := s.Start(); err != nil {
		log.Printf("[Daemon] session %d failed to start: %v", id, err)
	}
}

// lost is every session's close callback.
func (d *Daemon) lost(s *session.Session, err error) {
	d.mu.Lock()
	delete(d.sessions, s.ID())
	d.mu.Unlock()

	d.observersMu.RLock()
	observers := append([]func(*session.Session, error){}, d.onLost...)
	d.observersMu.RUnlock()
	for _, fn := range observers {
		fn(s, err)
	}
}

// DaemonInfo holds daemon status information.
type DaemonInfo struct {
	Version       string        `json:"version"`
	Mode          string        `json:"mode"`
	Addr          string        `json:"addr"`
	Uptime        time.Duration `json:"uptime"`
	SessionCount  int           `json:"session_count"`
	TotalSessions int64         `json:"total_sessions"`
}
