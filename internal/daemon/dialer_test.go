package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

func TestDialer_ReachesListeningAgent(t *testing.T) {
	agentRouter := session.NewRouter()
	agentRouter.Handle(protocol.CmdExecCode, func(s *session.Session, cmd protocol.Command) error {
		return s.Reply(cmd, s.Factory().ExecCodeResult("ran "+cmd.Payload))
	})
	acfg := DefaultDaemonConfig()
	acfg.Port = 0
	acfg.Role = protocol.RoleClient
	acfg.Router = agentRouter
	acfg.Process = &protocol.ProcessCreated{PID: 77, Role: "server"}
	agentSide := New(acfg)
	require.NoError(t, agentSide.Start())

	greetings := make(chan protocol.ProcessCreated, 1)
	router := session.NewRouter()
	router.Handle(protocol.CmdProcessCreated, func(_ *session.Session, cmd protocol.Command) error {
		var pc protocol.ProcessCreated
		if err := protocol.DecodeJSON(cmd, &pc); err != nil {
			return err
		}
		greetings <- pc
		return nil
	})

	cfg := DefaultResilientClientConfig()
	cfg.Addr = agentSide.Addr().String()
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	cfg.Session.Router = router
	dl := NewDialer(cfg)

	established := make(chan *session.Session, 1)
	lost := make(chan int64, 1)
	dl.OnConnectionEstablished(func(s *session.Session) {
		assert.Equal(t, session.StateConnecting, s.State(), "observers run before the session starts")
		established <- s
	})
	dl.OnConnectionLost(func(s *session.Session, _ error) { lost <- s.ID() })
	dl.Start(context.Background())
	defer dl.Close()

	var s *session.Session
	select {
	case s = <-established:
	case <-time.After(waitFor):
		t.Fatal("dialer never connected")
	}
	select {
	case pc := <-greetings:
		assert.Equal(t, 77, pc.PID)
	case <-time.After(waitFor):
		t.Fatal("listening agent did not announce itself")
	}
	require.Eventually(t, func() bool { return len(dl.Sessions()) == 1 }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	reply, err := dl.Request(ctx, s.ID(), s.Factory().ExecCode("x"))
	require.NoError(t, err)
	assert.Equal(t, "ran x", reply.Payload)
	assert.Zero(t, reply.Sequence%2, "the dialing inspector keeps even sequences")

	n, err := dl.Broadcast(s.Factory().DisableInspect())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, dl.Send(s.ID()+1, s.Factory().Exit()), ErrUnknownSession)

	info := dl.Info()
	assert.Equal(t, "dial", info.Mode)
	assert.Equal(t, cfg.Addr, info.Addr)
	assert.Equal(t, 1, info.SessionCount)
	assert.Equal(t, int64(1), info.TotalSessions)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), waitFor)
	defer stopCancel()
	require.NoError(t, agentSide.Stop(stopCtx))

	select {
	case id := <-lost:
		assert.Equal(t, s.ID(), id)
	case <-time.After(waitFor):
		t.Fatal("OnConnectionLost did not fire")
	}
	select {
	case <-dl.Done():
	case <-time.After(waitFor):
		t.Fatal("dialer did not give up after the agent went away")
	}
	n, err = dl.Broadcast(s.Factory().DisableInspect())
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, dl.Client().Err(), ErrGaveUp)
}
