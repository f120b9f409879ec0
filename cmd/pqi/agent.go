package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/pqi/internal/agent"
	"github.com/standardbeagle/pqi/internal/config"
	"github.com/standardbeagle/pqi/internal/daemon"
	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a demo agent",
	Long: `Run an agent backed by a simulated widget tree. It dials the inspector,
or with --role server listens for inspectors to dial it.

While the inspector has inspect mode on, the agent moves a simulated pointer
over its widgets every --hover-interval and, after --pick-after hovers, clicks
the widget under it.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().Duration("hover-interval", time.Second, "Time between simulated hovers")
	agentCmd.Flags().Int("pick-after", 3, "Hovers before a simulated click (0 = never click)")
	agentCmd.Flags().String("instance", "", "Instance name announced to the inspector (default: random)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	role := cfg.TransportRole(protocol.RoleClient)
	interval, _ := cmd.Flags().GetDuration("hover-interval")
	pickAfter, _ := cmd.Flags().GetInt("pick-after")
	instance, _ := cmd.Flags().GetString("instance")
	if instance == "" {
		instance = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tree := agent.DemoTree()
	ag := agent.New(agent.SimToolkit{})
	// Toolkit calls happen on this loop only, as they would on a GUI thread.
	loop := session.NewMainLoop(256)

	router := session.NewRouter()
	ag.Routes(router)

	process := &protocol.ProcessCreated{
		PID:      os.Getpid(),
		Instance: instance,
		Role:     string(role),
	}

	var shutdown func() error
	if role == protocol.RoleServer {
		shutdown, err = listenForInspectors(cfg, ag, router, loop, process)
		if err != nil {
			return err
		}
	} else {
		shutdown = dialInspector(ctx, cancel, cfg, ag, router, loop, process)
	}

	go simulatePointer(ctx, loop, ag, tree, interval, pickAfter)
	loop.Run(ctx)

	return shutdown()
}

// dialInspector connects the agent to a listening inspector, redialing as
// configured. The returned func says goodbye and disconnects.
func dialInspector(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, ag *agent.Agent, router *session.Router, loop *session.MainLoop, process *protocol.ProcessCreated) func() error {
	ccfg := cfg.Client()
	ccfg.Session.Router = router
	ccfg.Session.Executor = loop
	ccfg.Session.Process = process
	ccfg.OnConnect = func(*session.Session) {
		loop.Execute(ag.NotifyPatchSuccess)
	}
	ccfg.OnDisconnect = func(err error) {
		log.Printf("[Agent] connection lost: %v", err)
	}
	ccfg.OnFinished = func(error) { cancel() }

	client := daemon.NewResilientClient(ccfg)
	ag.Attach(client)
	client.Start(ctx)
	log.Printf("[Agent] %s instance %s connecting to %s", appName, process.Instance, ccfg.Addr)

	return func() error {
		if s := client.Session(); s != nil && client.IsConnected() {
			ag.Exiting()
			drain(s, 500*time.Millisecond)
		}
		_ = client.Close()

		if err := client.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// listenForInspectors serves the agent on the configured address so
// inspectors can dial in. Notifications go to every connected inspector.
func listenForInspectors(cfg *config.Config, ag *agent.Agent, router *session.Router, loop *session.MainLoop, process *protocol.ProcessCreated) (func() error, error) {
	dcfg := cfg.Daemon()
	dcfg.Role = protocol.RoleClient
	dcfg.Router = router
	dcfg.Executor = loop
	dcfg.Process = process

	d := daemon.New(dcfg)
	d.OnConnectionEstablished(func(s *session.Session) {
		// Queued behind the session's PROCESS_CREATED.
		if err := s.Send(s.Factory().QtPatchSuccess(process.PID)); err != nil {
			log.Printf("[Agent] inspector %d: %v", s.ID(), err)
		}
	})
	d.OnConnectionLost(func(s *session.Session, err error) {
		log.Printf("[Agent] inspector %d disconnected: %v", s.ID(), err)
	})
	ag.Attach(agent.SenderFunc(func(cmd protocol.Command) error {
		_, err := d.Broadcast(cmd)
		return err
	}))

	if err := d.Start(); err != nil {
		return nil, err
	}
	log.Printf("[Agent] %s instance %s waiting for inspectors on %s", appName, process.Instance, d.Addr())

	return func() error {
		ag.Exiting()
		for _, s := range d.Sessions() {
			drain(s, 500*time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.Stop(ctx)
	}, nil
}

// simulatePointer hovers the demo widgets in turn while inspecting.
func simulatePointer(ctx context.Context, loop *session.MainLoop, ag *agent.Agent, tree *agent.Widget, interval time.Duration, pickAfter int) {
	var widgets []*agent.Widget
	tree.Walk(func(w *agent.Widget) { widgets = append(widgets, w) })

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next, hovers := 0, 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loop.Execute(func() {
				if !ag.InspectEnabled() {
					hovers = 0
					return
				}
				w := widgets[next%len(widgets)]
				next++
				ag.NotifyHover(w)
				hovers++
				if pickAfter > 0 && hovers >= pickAfter {
					ag.NotifyInspectFinished(w)
					hovers = 0
				}
			})
		}
	}
}

// drain waits until s has no queued commands or timeout passes.
func drain(s *session.Session, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
