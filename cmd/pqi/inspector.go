package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/pqi/internal/config"
	"github.com/standardbeagle/pqi/internal/daemon"
	"github.com/standardbeagle/pqi/internal/eventlog"
	"github.com/standardbeagle/pqi/internal/feed"
	"github.com/standardbeagle/pqi/internal/inspector"
	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/tools"
)

var inspectorCmd = &cobra.Command{
	Use:   "inspector",
	Short: "Run the inspector",
	Long: `Run the inspector: listen for agents (or with --role client dial a
listening agent), track every connected target and the current selection,
and echo events to stdout.

With --mcp the inspector is driven over MCP on stdio instead, and events are
only sent to the feed and the event log.`,
	RunE: runInspector,
}

func init() {
	inspectorCmd.Flags().Bool("mcp", false, "Serve MCP tools over stdio")
	inspectorCmd.Flags().String("feed", "", "Serve the WebSocket event feed on this address")
	inspectorCmd.Flags().String("event-log", "", "Journal events to this SQLite file")
	inspectorCmd.Flags().Bool("reuse-port", false, "Set SO_REUSEPORT on the listener")
	inspectorCmd.Flags().Bool("no-auto-disable", false, "Keep inspect mode on after a widget is picked")
	rootCmd.AddCommand(inspectorCmd)
}

func runInspector(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("feed") {
		cfg.Feed.Addr, _ = flags.GetString("feed")
	}
	if flags.Changed("event-log") {
		cfg.EventLog.Path, _ = flags.GetString("event-log")
	}
	if flags.Changed("reuse-port") {
		cfg.Inspector.ReusePort, _ = flags.GetBool("reuse-port")
	}
	if noAuto, _ := flags.GetBool("no-auto-disable"); noAuto {
		cfg.Inspector.AutoDisable = false
	}
	serveMCP, _ := flags.GetBool("mcp")
	if err := cfg.Validate(); err != nil {
		return err
	}

	if serveMCP {
		// stdout belongs to the MCP transport.
		log.SetOutput(os.Stderr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	link := newInspectorLink(ctx, cancel, cfg)
	in := inspector.New(link.transport, inspector.Config{AutoDisableOnFinish: cfg.Inspector.AutoDisable})
	if !serveMCP {
		in.AddDisplay(newConsoleDisplay(os.Stdout))
	}

	var journal *eventlog.Log
	if cfg.EventLog.Path != "" {
		journal, err = eventlog.Open(cfg.EventLog.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		in.AddDisplay(journal)
	}

	var feedSrv *feed.Server
	if cfg.Feed.Addr != "" {
		hub := feed.NewHub()
		feedSrv = feed.NewServer(hub)
		if err := feedSrv.Start(cfg.Feed.Addr); err != nil {
			return err
		}
		in.AddDisplay(hub)
	}

	if err := link.start(); err != nil {
		return err
	}

	if serveMCP {
		server := mcp.NewServer(
			&mcp.Implementation{Name: appName, Version: appVersion},
			&mcp.ServerOptions{
				HasTools: true,
				Instructions: `Remote GUI inspector. Agents embedded in GUI processes connect to this inspector.

Typical flow:
- targets: list connected processes
- inspect {enable: true}: the user hovers and clicks a widget in the target app
- targets: shows the picked widget as the selection
- widget_info / children: explore the widget tree
- exec: run code against the selected widget`,
			},
		)
		tools.RegisterInspectorTools(server, tools.NewInspectorTools(in, journal))
		if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			log.Printf("[Inspector] MCP server: %v", err)
		}
		cancel()
	}

	<-ctx.Done()
	log.Printf("[Inspector] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if feedSrv != nil {
		if err := feedSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Inspector] feed shutdown: %v", err)
		}
	}
	if err := link.stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// inspectorLink is the inspector's transport with its lifecycle.
type inspectorLink struct {
	transport inspector.Transport
	start     func() error
	stop      func(context.Context) error
}

// newInspectorLink listens for agents, or with role "client" dials an agent
// that listens.
func newInspectorLink(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) inspectorLink {
	if cfg.TransportRole(protocol.RoleServer) == protocol.RoleServer {
		d := daemon.New(cfg.Daemon())
		return inspectorLink{
			transport: d,
			start: func() error {
				if err := d.Start(); err != nil {
					return err
				}
				log.Printf("[Inspector] %s v%s listening on %s", appName, appVersion, d.Addr())
				return nil
			},
			stop: d.Stop,
		}
	}

	ccfg := cfg.Client()
	ccfg.OnDisconnect = func(err error) {
		log.Printf("[Inspector] agent connection lost: %v", err)
	}
	ccfg.OnFinished = func(error) { cancel() }
	dl := daemon.NewDialer(ccfg)
	return inspectorLink{
		transport: dl,
		start: func() error {
			dl.Start(ctx)
			log.Printf("[Inspector] %s v%s dialing agent at %s", appName, appVersion, ccfg.Addr)
			return nil
		},
		stop: func(context.Context) error { return dl.Close() },
	}
}
