package daemon

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

// refusedAddr returns a loopback address nothing is listening on.
func refusedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestDefaultResilientClientConfig(t *testing.T) {
	cfg := DefaultResilientClientConfig()
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBackoff)
	assert.Equal(t, "127.0.0.1:19394", cfg.Addr)
	assert.NotZero(t, cfg.DialTimeout)
}

func TestResilientClient_GivesUp(t *testing.T) {
	var finished, failed atomic.Int32
	var finishErr atomic.Value

	rc := NewResilientClient(ResilientClientConfig{
		Addr:                 refusedAddr(t),
		DialTimeout:          time.Second,
		ReconnectBackoff:     10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		OnReconnectFailed:    func(error) { failed.Add(1) },
		OnFinished: func(err error) {
			finished.Add(1)
			finishErr.Store(err)
		},
	})

	err := rc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGaveUp)

	assert.Equal(t, int64(3), rc.Stats().Attempts)
	assert.Equal(t, session.StateClosed, rc.State())
	assert.Equal(t, int32(1), finished.Load())
	assert.Equal(t, int32(1), failed.Load())
	assert.ErrorIs(t, finishErr.Load().(error), ErrGaveUp)
	assert.ErrorIs(t, rc.Err(), ErrGaveUp)

	require.NoError(t, rc.Close())
	assert.Equal(t, int32(1), finished.Load(), "OnFinished fires exactly once")
	assert.ErrorIs(t, rc.Send(protocol.Command{ID: protocol.CmdExit}), ErrShutdown)
}

func TestResilientClient_CloseBeforeRun(t *testing.T) {
	var finished atomic.Int32
	rc := NewResilientClient(ResilientClientConfig{
		Addr:       refusedAddr(t),
		OnFinished: func(error) { finished.Add(1) },
	})

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	assert.Equal(t, int32(1), finished.Load())
	assert.Equal(t, session.StateClosed, rc.State())
	assert.ErrorIs(t, rc.Run(context.Background()), ErrShutdown)
}

func TestResilientClient_CloseDuringBackoff(t *testing.T) {
	var finished atomic.Int32
	rc := NewResilientClient(ResilientClientConfig{
		Addr:             refusedAddr(t),
		ReconnectBackoff: time.Hour,
		OnFinished:       func(error) { finished.Add(1) },
	})
	rc.Start(context.Background())

	require.Eventually(t, func() bool { return rc.Stats().Attempts >= 1 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, rc.Send(protocol.Command{ID: protocol.CmdExit}), ErrReconnecting)

	done := make(chan struct{})
	go func() {
		_ = rc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close did not interrupt the backoff")
	}
	assert.NoError(t, rc.Err())
	assert.Equal(t, int32(1), finished.Load())
}

func TestResilientClient_ConnectsAndReconnects(t *testing.T) {
	established := make(chan *session.Session, 4)
	announced := make(chan protocol.ProcessCreated, 4)

	router := session.NewRouter()
	router.Handle(protocol.CmdProcessCreated, func(_ *session.Session, cmd protocol.Command) error {
		var pc protocol.ProcessCreated
		if err := protocol.DecodeJSON(cmd, &pc); err != nil {
			return err
		}
		announced <- pc
		return nil
	})
	d := startDaemon(t, router)
	d.OnConnectionEstablished(func(s *session.Session) { established <- s })

	var connects, disconnects, finished atomic.Int32
	cfg := DefaultResilientClientConfig()
	cfg.Addr = d.Addr().String()
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.Session.Process = &protocol.ProcessCreated{PID: 777, Instance: "demo", Role: "client"}
	cfg.OnConnect = func(*session.Session) { connects.Add(1) }
	cfg.OnDisconnect = func(error) { disconnects.Add(1) }
	cfg.OnFinished = func(error) { finished.Add(1) }

	rc := NewResilientClient(cfg)
	rc.Start(context.Background())

	first := <-established
	pc := <-announced
	assert.Equal(t, 777, pc.PID)
	require.Eventually(t, rc.IsConnected, waitFor, 5*time.Millisecond)
	assert.Equal(t, session.StateActive, rc.State())

	// Inspector drops the connection; the client redials and re-announces.
	require.NoError(t, first.Close())

	second := <-established
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 777, (<-announced).PID)
	require.Eventually(t, func() bool { return connects.Load() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, int64(1), rc.Stats().Reconnects)

	require.NoError(t, rc.Send(protocol.Command{ID: protocol.CmdQtPatchSuccess, Payload: "777"}))

	require.NoError(t, rc.Close())
	assert.Equal(t, session.StateClosed, rc.State())
	assert.Equal(t, int32(1), finished.Load())
	assert.False(t, rc.IsConnected())
}

func TestResilientClient_RemoteExitFinishes(t *testing.T) {
	established := make(chan *session.Session, 1)
	d := startDaemon(t, nil)
	d.OnConnectionEstablished(func(s *session.Session) { established <- s })

	agentRouter := session.NewRouter()
	agentRouter.Handle(protocol.CmdExit, func(s *session.Session, _ protocol.Command) error {
		s.Shutdown()
		return nil
	})

	cfg := DefaultResilientClientConfig()
	cfg.Addr = d.Addr().String()
	cfg.Session.Router = agentRouter
	rc := NewResilientClient(cfg)
	rc.Start(context.Background())

	target := <-established
	require.NoError(t, target.Send(target.Factory().Exit()))

	select {
	case <-rc.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not finish after EXIT")
	}
	assert.NoError(t, rc.Err())
	assert.Equal(t, session.StateClosed, rc.State())
}
