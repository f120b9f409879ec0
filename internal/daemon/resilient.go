package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

var (
	// ErrReconnecting is returned when an operation is attempted while no
	// connection is up.
	ErrReconnecting = errors.New("not connected, reconnecting")

	// ErrShutdown is returned when an operation is attempted after shutdown.
	ErrShutdown = errors.New("client shut down")

	// ErrGaveUp is returned once every connection attempt has failed.
	ErrGaveUp = errors.New("reconnect attempts exhausted")
)

// ResilientClientConfig configures a ResilientClient.
type ResilientClientConfig struct {
	// Addr is the inspector's host:port.
	Addr string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// ReconnectBackoff is the fixed wait between attempts.
	ReconnectBackoff time.Duration

	// MaxReconnectAttempts bounds attempts per connect cycle (0 = unlimited).
	// The initial connect and every reconnect get the same budget.
	MaxReconnectAttempts int

	// Session configures each connection. ID is set by the client; an empty
	// Role means RoleClient.
	Session session.Config

	// OnOpen is called with each new session before it starts, so no inbound
	// command precedes it.
	OnOpen func(s *session.Session)

	// OnConnect is called with each new session after it started.
	OnConnect func(s *session.Session)

	// OnDisconnect is called when an established connection is lost.
	OnDisconnect func(err error)

	// OnReconnectFailed is called when every attempt in a cycle failed.
	OnReconnectFailed func(err error)

	// OnFinished is called exactly once when the client reaches StateClosed.
	// err is nil for a deliberate close.
	OnFinished func(err error)

	// Dial overrides the dialer (tests).
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultResilientClientConfig returns sensible defaults.
func DefaultResilientClientConfig() ResilientClientConfig {
	return ResilientClientConfig{
		Addr:                 net.JoinHostPort("127.0.0.1", fmt.Sprint(DefaultPort)),
		DialTimeout:          5 * time.Second,
		ReconnectBackoff:     500 * time.Millisecond,
		MaxReconnectAttempts: 10,
		Session:              session.Config{Endpoint: session.DefaultEndpointConfig()},
	}
}

// ResilientClient keeps a single session connected to a listening peer,
// usually an agent dialing its inspector, redialing with a fixed backoff until its attempt budget runs out.
type ResilientClient struct {
	config ResilientClientConfig

	mu      sync.Mutex
	sess    *session.Session
	running bool
	closed  bool

	state      atomic.Int32
	attempts   atomic.Int64
	reconnects atomic.Int64
	nextID     atomic.Int64

	closing    chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
	finished   chan struct{}
	finishErr  error
}

// NewResilientClient creates a new resilient client.
func NewResilientClient(config ResilientClientConfig) *ResilientClient {
	if config.Dial == nil {
		d := &net.Dialer{Timeout: config.DialTimeout}
		config.Dial = d.DialContext
	}
	return &ResilientClient{
		config:   config,
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start runs the client in the background.
func (rc *ResilientClient) Start(ctx context.Context) {
	go func() { _ = rc.Run(ctx) }()
}

// Run connects and keeps the connection alive until Close, ctx cancellation,
// a deliberate remote shutdown, or an exhausted attempt budget.
func (rc *ResilientClient) Run(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed || rc.running {
		rc.mu.Unlock()
		return ErrShutdown
	}
	rc.running = true
	rc.mu.Unlock()

	err := rc.supervise(ctx)
	rc.finish(err)
	return err
}

func (rc *ResilientClient) supervise(ctx context.Context) error {
	for {
		sess, err := rc.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrShutdown) {
				return nil
			}
			return err
		}

		select {
		case <-sess.Done():
			cause := sess.Err()
			rc.setSession(nil)
			if cause == nil {
				// Closed locally, e.g. by an EXIT handler.
				return nil
			}
			log.Printf("[Client] connection lost: %v", cause)
			if rc.config.OnDisconnect != nil {
				rc.config.OnDisconnect(cause)
			}
			rc.reconnects.Add(1)
		case <-rc.closing:
			_ = sess.Close()
			rc.setSession(nil)
			return nil
		case <-ctx.Done():
			_ = sess.Close()
			rc.setSession(nil)
			return ctx.Err()
		}
	}
}

// connect dials until it succeeds or the attempt budget is spent.
func (rc *ResilientClient) connect(ctx context.Context) (*session.Session, error) {
	rc.state.Store(int32(session.StateConnecting))

	limit := rc.config.MaxReconnectAttempts
	for attempt := 1; ; attempt++ {
		select {
		case <-rc.closing:
			return nil, ErrShutdown
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rc.attempts.Add(1)
		dialCtx := ctx
		cancel := func() {}
		if rc.config.DialTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, rc.config.DialTimeout)
		}
		conn, err := rc.config.Dial(dialCtx, "tcp", rc.config.Addr)
		cancel()

		if err == nil {
			sess, serr := rc.open(conn)
			if serr == nil {
				return sess, nil
			}
			err = serr
		}

		if limit > 0 {
			log.Printf("[Client] connect to %s failed (attempt %d/%d): %v", rc.config.Addr, attempt, limit, err)
		} else {
			log.Printf("[Client] connect to %s failed (attempt %d): %v", rc.config.Addr, attempt, err)
		}
		if limit > 0 && attempt >= limit {
			gaveUp := fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempt, err)
			if rc.config.OnReconnectFailed != nil {
				rc.config.OnReconnectFailed(gaveUp)
			}
			return nil, gaveUp
		}

		select {
		case <-rc.closing:
			return nil, ErrShutdown
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rc.config.ReconnectBackoff):
		}
	}
}

func (rc *ResilientClient) open(conn net.Conn) (*session.Session, error) {
	cfg := rc.config.Session
	cfg.ID = rc.nextID.Add(1)
	if cfg.Role == "" {
		cfg.Role = protocol.RoleClient
	}

	sess := session.New(conn, cfg)
	if rc.config.OnOpen != nil {
		rc.config.OnOpen(sess)
	}
	if err := sess.Start(); err != nil {
		_ = sess.Close()
		return nil, err
	}

	rc.setSession(sess)
	rc.state.Store(int32(session.StateActive))
	log.Printf("[Client] connected to %s", rc.config.Addr)

	if rc.config.OnConnect != nil {
		rc.config.OnConnect(sess)
	}
	return sess, nil
}

func (rc *ResilientClient) setSession(s *session.Session) {
	rc.mu.Lock()
	rc.sess = s
	rc.mu.Unlock()
}

func (rc *ResilientClient) finish(err error) {
	rc.finishOnce.Do(func() {
		rc.state.Store(int32(session.StateClosed))
		rc.finishErr = err
		if err != nil {
			log.Printf("[Client] finished: %v", err)
		} else {
			log.Printf("[Client] finished")
		}
		if rc.config.OnFinished != nil {
			rc.config.OnFinished(err)
		}
		close(rc.finished)
	})
}

// Close shuts the client down and waits for it to finish. It is idempotent.
func (rc *ResilientClient) Close() error {
	rc.mu.Lock()
	rc.closed = true
	running := rc.running
	rc.mu.Unlock()

	rc.closeOnce.Do(func() {
		if rc.State() != session.StateClosed {
			rc.state.Store(int32(session.StateClosing))
		}
		close(rc.closing)
	})
	if !running {
		rc.finish(nil)
	}
	<-rc.finished
	return nil
}

// Done is closed once the client has finished.
func (rc *ResilientClient) Done() <-chan struct{} {
	return rc.finished
}

// Err returns why the client finished, nil for a deliberate close.
func (rc *ResilientClient) Err() error {
	select {
	case <-rc.finished:
		return rc.finishErr
	default:
		return nil
	}
}

// State returns the client state.
func (rc *ResilientClient) State() session.State {
	return session.State(rc.state.Load())
}

// IsConnected returns whether a session is currently up.
func (rc *ResilientClient) IsConnected() bool {
	return rc.Session() != nil
}

// Session returns the current session, or nil while disconnected.
func (rc *ResilientClient) Session() *session.Session {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sess
}

// Send enqueues cmd on the current session.
func (rc *ResilientClient) Send(cmd protocol.Command) error {
	s := rc.Session()
	if s == nil {
		if rc.State() == session.StateClosed {
			return ErrShutdown
		}
		return ErrReconnecting
	}
	return s.Send(cmd)
}

// Request sends cmd on the current session and waits for its reply.
func (rc *ResilientClient) Request(ctx context.Context, cmd protocol.Command) (protocol.Command, error) {
	s := rc.Session()
	if s == nil {
		return protocol.Command{}, ErrReconnecting
	}
	return s.Request(ctx, cmd)
}

// ClientStats are cumulative connection counters.
type ClientStats struct {
	Attempts   int64  `json:"attempts"`
	Reconnects int64  `json:"reconnects"`
	State      string `json:"state"`
	Connected  bool   `json:"connected"`
}

// Stats returns connection statistics.
func (rc *ResilientClient) Stats() ClientStats {
	return ClientStats{
		Attempts:   rc.attempts.Load(),
		Reconnects: rc.reconnects.Load(),
		State:      rc.State().String(),
		Connected:  rc.IsConnected(),
	}
}
