// Package session runs one inspector/agent connection: a framed command
// stream with independent read and write loops, dispatch to registered
// handlers, and request/reply correlation.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/pqi/internal/protocol"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Session.
type Config struct {
	// ID identifies the session in logs and to multiplexer callers.
	ID int64

	// Role selects sequence parity and whether PROCESS_CREATED is announced.
	Role protocol.Role

	// Router dispatches inbound commands. Nil discards everything that is not
	// a reply to a pending request.
	Router *Router

	// Executor runs handlers. Nil runs them inline on the read goroutine.
	Executor Executor

	// Endpoint tunes the socket loops.
	Endpoint EndpointConfig

	// Process is announced as PROCESS_CREATED when a client-role session
	// starts. Nil announces the current pid.
	Process *protocol.ProcessCreated

	// OnClose fires once after the session reaches StateClosed. err is nil
	// for a local close, io.EOF for an orderly remote close.
	OnClose func(s *Session, err error)

	// Verbose logs every command in and out.
	Verbose bool
}

// Stats are cumulative per-session counters.
type Stats struct {
	Sent          uint64
	Received      uint64
	Discarded     uint64
	HandlerErrors uint64
}

// Session is one live connection between an inspector and an agent.
type Session struct {
	id        int64
	role      protocol.Role
	router    *Router
	executor  Executor
	process   *protocol.ProcessCreated
	onClose   func(*Session, error)
	verbose   bool
	startedAt time.Time

	factory  *protocol.Factory
	endpoint *Endpoint
	pending  *pendingTable

	state atomic.Int32

	sent          atomic.Uint64
	received      atomic.Uint64
	discarded     atomic.Uint64
	handlerErrors atomic.Uint64
}

// New wraps conn in a session in StateConnecting. Call Start to begin I/O.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.Role == "" {
		cfg.Role = protocol.RoleServer
	}
	if cfg.Executor == nil {
		cfg.Executor = Inline
	}
	s := &Session{
		id:        cfg.ID,
		role:      cfg.Role,
		router:    cfg.Router,
		executor:  cfg.Executor,
		process:   cfg.Process,
		onClose:   cfg.OnClose,
		verbose:   cfg.Verbose,
		startedAt: time.Now(),
		factory:   protocol.NewFactory(cfg.Role),
		pending:   newPendingTable(),
	}
	s.endpoint = NewEndpoint(conn, cfg.Endpoint, s.dispatch, s.closed)
	// Any failure, local or remote, moves the session to CLOSING at once.
	s.endpoint.onClosing = s.markClosing

	if s.role == protocol.RoleClient {
		s.announce()
	}
	return s
}

// announce queues PROCESS_CREATED ahead of anything else the session sends,
// including commands queued by connection observers before Start.
func (s *Session) announce() {
	pc := protocol.ProcessCreated{PID: os.Getpid(), Role: string(s.role)}
	if s.process != nil {
		pc = *s.process
	}
	cmd, err := s.factory.ProcessCreated(pc)
	if err != nil {
		log.Printf("[Session %d] announce: %v", s.id, err)
		return
	}
	if err := s.Send(cmd); err != nil {
		log.Printf("[Session %d] announce: %v", s.id, err)
	}
}

// Start begins the read and write loops. Commands sent before Start are
// queued and go out once it runs.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		if s.State() == StateActive {
			return ErrAlreadyStarted
		}
		return ErrClosed
	}
	return s.endpoint.Start()
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// Role returns the session role.
func (s *Session) Role() protocol.Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Factory returns the session's command factory.
func (s *Session) Factory() *protocol.Factory { return s.factory }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.endpoint.RemoteAddr() }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		Discarded:     s.discarded.Load(),
		HandlerErrors: s.handlerErrors.Load(),
	}
}

// Pending returns the number of queued outbound commands.
func (s *Session) Pending() int { return s.endpoint.Pending() }

// Send enqueues cmd as-is. It never blocks.
func (s *Session) Send(cmd protocol.Command) error {
	switch s.State() {
	case StateClosing, StateClosed:
		return ErrClosed
	}
	if err := s.endpoint.Enqueue(cmd); err != nil {
		return err
	}
	s.sent.Add(1)
	if s.verbose {
		log.Printf("[Session %d] -> %s (%d bytes)", s.id, cmd, len(cmd.Payload))
	}
	return nil
}

// Notify enqueues a notification built from id and payload.
func (s *Session) Notify(id protocol.CommandID, payload string) error {
	return s.Send(s.factory.Notification(id, payload))
}

// Reply sends cmd as the answer to req, echoing req's sequence.
func (s *Session) Reply(req, cmd protocol.Command) error {
	cmd.Sequence = req.Sequence
	return s.Send(cmd)
}

// Request sends cmd under a fresh sequence and waits for the peer's reply
// carrying that sequence. The reply is also dispatched to its handler.
//
// Replies are read by the read loop, so a handler running under the Inline
// executor must not call Request: the reply cannot arrive until the handler
// returns, and Request waits until ctx is done. Use a MainLoop or another
// executor that runs handlers off the read goroutine.
func (s *Session) Request(ctx context.Context, cmd protocol.Command) (protocol.Command, error) {
	cmd.Sequence = s.factory.NextSequence()

	ch, err := s.pending.add(cmd.Sequence)
	if err != nil {
		return protocol.Command{}, err
	}
	if err := s.Send(cmd); err != nil {
		s.pending.remove(cmd.Sequence)
		return protocol.Command{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Command{}, s.closeCause()
		}
		return reply, nil
	case <-ctx.Done():
		s.pending.remove(cmd.Sequence)
		return protocol.Command{}, ctx.Err()
	}
}

// Shutdown begins closing the session without waiting. Safe from handlers.
func (s *Session) Shutdown() {
	s.markClosing()
	s.endpoint.Shutdown()
}

// Close closes the session and waits until both loops have exited and
// OnClose has run. Unsent commands are dropped. Close is idempotent.
func (s *Session) Close() error {
	s.markClosing()
	return s.endpoint.Close()
}

// Wait blocks until the session is fully closed.
func (s *Session) Wait() {
	s.endpoint.Wait()
}

// Done is closed once the session is fully closed.
func (s *Session) Done() <-chan struct{} {
	return s.endpoint.Done()
}

// Err returns why the session closed: nil for a local close.
func (s *Session) Err() error {
	return s.endpoint.Err()
}

func (s *Session) markClosing() {
	for {
		cur := s.state.Load()
		if cur == int32(StateClosing) || cur == int32(StateClosed) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateClosing)) {
			return
		}
	}
}

func (s *Session) closeCause() error {
	if err := s.endpoint.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

// dispatch runs on the read goroutine for every decoded command.
func (s *Session) dispatch(cmd protocol.Command) {
	s.received.Add(1)
	if s.verbose {
		log.Printf("[Session %d] <- %s (%d bytes)", s.id, cmd, len(cmd.Payload))
	}

	replied := cmd.Sequence != 0 && s.pending.resolve(cmd)

	h, ok := s.router.Lookup(cmd.ID)
	if !ok {
		if !replied {
			s.discarded.Add(1)
			log.Printf("[Session %d] no handler for %s, discarding", s.id, cmd)
		}
		return
	}
	s.executor.Execute(func() { s.invoke(h, cmd) })
}

func (s *Session) invoke(h Handler, cmd protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerErrors.Add(1)
			log.Printf("[Session %d] %v", s.id, &HandlerError{Command: cmd, Panic: r})
		}
	}()
	if err := h(s, cmd); err != nil {
		s.handlerErrors.Add(1)
		log.Printf("[Session %d] %v", s.id, &HandlerError{Command: cmd, Err: err})
	}
}

// closed is the endpoint's close callback.
func (s *Session) closed(err error) {
	s.state.Store(int32(StateClosed))
	s.pending.failAll()

	switch {
	case err == nil:
		log.Printf("[Session %d] closed", s.id)
	case errors.Is(err, io.EOF):
		log.Printf("[Session %d] peer closed connection", s.id)
	default:
		log.Printf("[Session %d] closed: %v", s.id, err)
	}

	if s.onClose != nil {
		s.onClose(s, err)
	}
}
