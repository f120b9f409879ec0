package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/standardbeagle/pqi/internal/protocol"
)

const readBufferSize = 32 * 1024

// EndpointConfig tunes one connection endpoint.
type EndpointConfig struct {
	// MaxRecordSize bounds a single inbound record (0 = protocol default, 1 MiB).
	MaxRecordSize int

	// QueueSize bounds the outbound queue (0 = 1024).
	QueueSize int

	// WriteTimeout bounds each record write (0 = no timeout).
	WriteTimeout time.Duration

	// CloseGrace is how long Close lets an in-flight record finish before the
	// socket is forced closed (0 = 1s).
	CloseGrace time.Duration
}

// DefaultEndpointConfig returns sensible defaults.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		MaxRecordSize: protocol.DefaultMaxRecordSize,
		QueueSize:     1024,
		WriteTimeout:  10 * time.Second,
		CloseGrace:    time.Second,
	}
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = protocol.DefaultMaxRecordSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = time.Second
	}
	return c
}

type outbound struct {
	cmd    protocol.Command
	record []byte
}

// Endpoint owns one socket with one read loop and one write loop.
//
// The two loops never block each other. Teardown is idempotent: the first
// failure or Close wins, both loops are stopped, the socket is closed exactly
// once and the close callback fires exactly once.
type Endpoint struct {
	conn net.Conn
	cfg  EndpointConfig

	onCommand func(protocol.Command)
	onClosing func()
	onClose   func(error)

	queue chan outbound

	mu       sync.Mutex
	started  bool
	stopping bool
	err      error

	done       chan struct{} // closed when teardown begins; wakes the writer
	readerDone chan struct{}
	writerDone chan struct{}
	closed     chan struct{} // closed after both loops exited and onClose ran
}

// NewEndpoint wraps conn. onCommand receives each decoded command on the read
// goroutine; onClose receives the teardown cause (nil for a local Close,
// io.EOF for an orderly remote close).
func NewEndpoint(conn net.Conn, cfg EndpointConfig, onCommand func(protocol.Command), onClose func(error)) *Endpoint {
	cfg = cfg.withDefaults()
	return &Endpoint{
		conn:       conn,
		cfg:        cfg,
		onCommand:  onCommand,
		onClose:    onClose,
		queue:      make(chan outbound, cfg.QueueSize),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// Start launches the read and write loops.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	go e.readLoop()
	go e.writeLoop()
	return nil
}

// Enqueue schedules cmd for writing. It never blocks: a full queue yields
// ErrQueueFull and a closing endpoint ErrClosed.
func (e *Endpoint) Enqueue(cmd protocol.Command) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	record, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	select {
	case <-e.done:
		return ErrClosed
	case e.queue <- outbound{cmd: cmd, record: record}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued, unwritten commands.
func (e *Endpoint) Pending() int {
	return len(e.queue)
}

// Shutdown begins teardown without waiting for it. Safe to call from a
// handler running on the read loop.
func (e *Endpoint) Shutdown() {
	e.shutdown(nil)
}

// Close tears the endpoint down and waits until both loops have exited.
// Queued commands are dropped. Calling Close more than once is harmless.
func (e *Endpoint) Close() error {
	e.shutdown(nil)
	<-e.closed
	return nil
}

// Wait blocks until both loops have exited and the close callback has run.
func (e *Endpoint) Wait() {
	<-e.closed
}

// Done is closed once the endpoint is fully closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.closed
}

// Err returns the teardown cause, if any.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// RemoteAddr returns the peer address.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

func (e *Endpoint) stoppingNow() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Endpoint) shutdown(cause error) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	e.err = cause
	started := e.started
	close(e.done)
	e.mu.Unlock()

	if !started {
		close(e.readerDone)
		close(e.writerDone)
	}
	if e.onClosing != nil {
		e.onClosing()
	}
	go e.teardown(cause)
}

func (e *Endpoint) teardown(cause error) {
	// Let an in-flight record finish, then force the socket closed so a
	// blocked read or write returns.
	select {
	case <-e.writerDone:
	case <-time.After(e.cfg.CloseGrace):
	}
	_ = e.conn.Close()

	<-e.readerDone
	<-e.writerDone

	// Drop anything still queued.
	for {
		select {
		case <-e.queue:
			continue
		default:
		}
		break
	}

	if e.onClose != nil {
		e.onClose(cause)
	}
	close(e.closed)
}

func (e *Endpoint) readLoop() {
	defer close(e.readerDone)

	dec := protocol.NewDecoder(e.cfg.MaxRecordSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			cmds, derr := dec.Feed(buf[:n])
			for _, cmd := range cmds {
				if e.stoppingNow() {
					return
				}
				e.onCommand(cmd)
			}
			if derr != nil {
				e.shutdown(derr)
				return
			}
		}
		if err != nil {
			switch {
			case e.stoppingNow():
			case errors.Is(err, io.EOF):
				if ferr := dec.Finish(); ferr != nil {
					e.shutdown(ferr)
				} else {
					e.shutdown(io.EOF)
				}
			default:
				e.shutdown(&TransportError{Op: "read", Err: err})
			}
			return
		}
	}
}

func (e *Endpoint) writeLoop() {
	defer close(e.writerDone)

	for {
		select {
		case <-e.done:
			return
		case out := <-e.queue:
			// done and queue may both be ready; closing wins.
			if e.stoppingNow() {
				return
			}
			if e.cfg.WriteTimeout > 0 {
				_ = e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			}
			if _, err := e.conn.Write(out.record); err != nil {
				e.shutdown(&TransportError{Op: "write", Err: err})
				return
			}
		}
	}
}
