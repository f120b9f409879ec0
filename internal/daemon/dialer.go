package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

// Dialer gives an outbound connection the Daemon's multiplexer API. An
// inspector uses it to reach an agent that listens in server role: the one
// live session is addressed by its id just like an accepted one.
type Dialer struct {
	client *ResilientClient
	router *session.Router
	addr   string

	observersMu   sync.RWMutex
	onEstablished []func(*session.Session)
	onLost        []func(*session.Session, error)

	total   atomic.Int64
	started time.Time
}

// NewDialer creates a dialer for config. Sessions speak the inspector side of
// the protocol unless config.Session.Role says otherwise; config.Session.Router
// is shared by every session (nil = a fresh router).
func NewDialer(config ResilientClientConfig) *Dialer {
	if config.Session.Router == nil {
		config.Session.Router = session.NewRouter()
	}
	if config.Session.Role == "" {
		config.Session.Role = protocol.RoleServer
	}
	d := &Dialer{router: config.Session.Router, addr: config.Addr}

	open := config.OnOpen
	config.OnOpen = func(s *session.Session) {
		d.total.Add(1)
		d.established(s)
		if open != nil {
			open(s)
		}
	}
	closed := config.Session.OnClose
	config.Session.OnClose = func(s *session.Session, err error) {
		d.lost(s, err)
		if closed != nil {
			closed(s, err)
		}
	}
	d.client = NewResilientClient(config)
	return d
}

// Router returns the router shared by all sessions.
func (d *Dialer) Router() *session.Router {
	return d.router
}

// Client returns the underlying resilient client.
func (d *Dialer) Client() *ResilientClient {
	return d.client
}

// OnConnectionEstablished registers fn to run for each new session before
// it starts.
func (d *Dialer) OnConnectionEstablished(fn func(*session.Session)) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.onEstablished = append(d.onEstablished, fn)
}

// OnConnectionLost registers fn to run once per session after it closed.
func (d *Dialer) OnConnectionLost(fn func(*session.Session, error)) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.onLost = append(d.onLost, fn)
}

// Start connects in the background.
func (d *Dialer) Start(ctx context.Context) {
	d.started = time.Now()
	d.client.Start(ctx)
}

// Close drops the connection and stops redialing.
func (d *Dialer) Close() error {
	return d.client.Close()
}

// Done is closed once the dialer has given up or was closed.
func (d *Dialer) Done() <-chan struct{} {
	return d.client.Done()
}

// Session returns the live session if its id is id.
func (d *Dialer) Session(id int64) (*session.Session, bool) {
	s := d.client.Session()
	if s == nil || s.ID() != id {
		return nil, false
	}
	return s, true
}

// Sessions returns the live session, if any.
func (d *Dialer) Sessions() []*session.Session {
	if s := d.client.Session(); s != nil {
		return []*session.Session{s}
	}
	return []*session.Session{}
}

// Send enqueues cmd on session id.
func (d *Dialer) Send(id int64, cmd protocol.Command) error {
	s, ok := d.Session(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s.Send(cmd)
}

// Request sends cmd to session id and waits for the correlated reply.
func (d *Dialer) Request(ctx context.Context, id int64, cmd protocol.Command) (protocol.Command, error) {
	s, ok := d.Session(id)
	if !ok {
		return protocol.Command{}, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s.Request(ctx, cmd)
}

// Broadcast enqueues cmd on the live session, if any.
func (d *Dialer) Broadcast(cmd protocol.Command) (int, error) {
	s := d.client.Session()
	if s == nil {
		return 0, nil
	}
	if err := s.Send(cmd); err != nil {
		return 0, fmt.Errorf("session %d: %w", s.ID(), err)
	}
	return 1, nil
}

// Info returns dialer information in the daemon's shape.
func (d *Dialer) Info() DaemonInfo {
	info := DaemonInfo{
		Version:       Version,
		Mode:          "dial",
		Addr:          d.addr,
		TotalSessions: d.total.Load(),
	}
	if !d.started.IsZero() {
		info.Uptime = time.Since(d.started)
	}
	if d.client.IsConnected() {
		info.SessionCount = 1
	}
	return info
}

func (d *Dialer) established(s *session.Session) {
	d.observersMu.RLock()
	observers := append([]func(*session.Session){}, d.onEstablished...)
	d.observersMu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (d *Dialer) lost(s *session.Session, err error) {
	d.observersMu.RLock()
	observers := append([]func(*session.Session, error){}, d.onLost...)
	d.observersMu.RUnlock()
	for _, fn := range observers {
		fn(s, err)
	}
}
