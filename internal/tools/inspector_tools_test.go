package tools

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/pqi/internal/agent"
	"github.com/standardbeagle/pqi/internal/daemon"
	"github.com/standardbeagle/pqi/internal/eventlog"
	"github.com/standardbeagle/pqi/internal/inspector"
	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

type fixture struct {
	tools *InspectorTools
	in    *inspector.Inspector
	agent *agent.Agent
	tree  *agent.Widget
	log   *eventlog.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	journal, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	dcfg := daemon.DefaultDaemonConfig()
	dcfg.Port = 0
	d := daemon.New(dcfg)
	in := inspector.New(d, inspector.Config{})
	in.AddDisplay(journal)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	tree := agent.DemoTree()
	ag := agent.New(agent.SimToolkit{})
	router := session.NewRouter()
	ag.Routes(router)

	ccfg := daemon.DefaultResilientClientConfig()
	ccfg.Addr = d.Addr().String()
	ccfg.Session.Router = router
	ccfg.Session.Process = &protocol.ProcessCreated{PID: 1234, Instance: "tools-test"}
	client := daemon.NewResilientClient(ccfg)
	ag.Attach(client)
	client.Start(context.Background())
	t.Cleanup(func() { _ = client.Close() })

	require.Eventually(t, func() bool {
		targets := in.Targets()
		return len(targets) == 1 && targets[0].PID == 1234
	}, 2*time.Second, 5*time.Millisecond)

	return &fixture{
		tools: NewInspectorTools(in, journal),
		in:    in,
		agent: ag,
		tree:  tree,
		log:   journal,
	}
}

// pick runs a full hover-and-click through the agent.
func (f *fixture) pick(t *testing.T, name string) int64 {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.tools.makeInspectHandler()(ctx, nil, InspectInput{Enable: true})
	require.NoError(t, err)
	require.Eventually(t, f.agent.InspectEnabled, 2*time.Second, 5*time.Millisecond)

	w := f.tree.Find(name)
	f.agent.NotifyHover(w)
	f.agent.NotifyInspectFinished(w)
	require.Eventually(t, func() bool {
		sel, ok := f.in.Selection()
		return ok && sel.Widget != nil && sel.Widget.ObjectName == name
	}, 2*time.Second, 5*time.Millisecond)
	sel, _ := f.in.Selection()
	return int64(sel.WidgetID)
}

func TestRegisterInspectorTools(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "pqi", Version: "test"}, nil)
	assert.NotPanics(t, func() {
		RegisterInspectorTools(server, NewInspectorTools(nil, nil))
	})
}

func TestTargetsTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, out, err := f.tools.makeTargetsHandler()(ctx, nil, TargetsInput{})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, 1234, out.Targets[0].PID)
	assert.Equal(t, "tools-test", out.Targets[0].Instance)
	assert.Nil(t, out.Selection)
	assert.Equal(t, "listen", out.Transport.Mode)
	assert.NotEmpty(t, out.Transport.Addr)
	assert.Equal(t, daemon.Version, out.Transport.Version)
	assert.Equal(t, 1, out.Transport.SessionCount)
	assert.Equal(t, int64(1), out.Transport.TotalSessions)

	f.pick(t, "okButton")
	_, out, err = f.tools.makeTargetsHandler()(ctx, nil, TargetsInput{})
	require.NoError(t, err)
	require.NotNil(t, out.Selection)
	assert.Contains(t, out.Selection.Widget, `"okButton"`)
	assert.Contains(t, out.Targets[0].LastHover, "QPushButton")
}

func TestWidgetAndChildrenTools_DefaultToSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _, err := f.tools.makeWidgetInfoHandler()(ctx, nil, WidgetInput{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError, "nothing selected yet")

	formID := f.pick(t, "loginForm")

	res, wout, err := f.tools.makeWidgetInfoHandler()(ctx, nil, WidgetInput{})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.NotNil(t, wout.Widget)
	assert.Equal(t, "QGroupBox", wout.Widget.ClassName)
	assert.Equal(t, []string{"centralWidget", "mainWindow"}, wout.Widget.ParentObjectNames)

	res, cout, err := f.tools.makeChildrenHandler()(ctx, nil, WidgetInput{})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.NotNil(t, cout.Children)
	assert.Equal(t, protocol.ObjectID(formID), cout.Children.WidgetID)
	assert.Equal(t, []string{"nameLabel", "nameEdit", "passwordLabel", "passwordEdit", "okButton"}, cout.Children.ChildObjectNames)
}

func TestExecTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _, err := f.tools.makeExecHandler()(ctx, nil, ExecInput{})
	require.NoError(t, err)
	assert.True(t, res.IsError, "code required")

	res, _, err = f.tools.makeExecHandler()(ctx, nil, ExecInput{Code: "get name"})
	require.NoError(t, err)
	assert.True(t, res.IsError, "nothing selected")

	f.pick(t, "nameEdit")
	res, out, err := f.tools.makeExecHandler()(ctx, nil, ExecInput{Code: "set name userEdit\nget name"})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, out.Failed)
	assert.Equal(t, "userEdit\n", out.Output)

	res, out, err = f.tools.makeExecHandler()(ctx, nil, ExecInput{Code: "get colour"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.True(t, out.Failed)
}

func TestHighlightAndSelectTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	targetID := f.in.Targets()[0].ID

	res, _, err := f.tools.makeHighlightHandler()(ctx, nil, HighlightInput{})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	formID := f.pick(t, "loginForm")
	_, cout, err := f.tools.makeChildrenHandler()(ctx, nil, WidgetInput{})
	require.NoError(t, err)
	require.NotNil(t, cout.Children)
	okID := int64(cout.Children.ChildIDs[4])

	res, _, err = f.tools.makeHighlightHandler()(ctx, nil, HighlightInput{TargetID: targetID, WidgetID: okID, On: true})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Eventually(t, f.tree.Find("okButton").Highlighted, 2*time.Second, 5*time.Millisecond)

	res, _, err = f.tools.makeSelectHandler()(ctx, nil, SelectInput{TargetID: targetID, WidgetID: okID})
	require.NoError(t, err)
	assert.Nil(t, res)
	sel, ok := f.in.Selection()
	require.True(t, ok)
	assert.Equal(t, protocol.ObjectID(okID), sel.WidgetID)
	assert.NotEqual(t, formID, okID)

	res, _, err = f.tools.makeSelectHandler()(ctx, nil, SelectInput{TargetID: 999, WidgetID: okID})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestEventsTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		n, err := f.log.Count()
		return err == nil && n >= 2
	}, 2*time.Second, 10*time.Millisecond)

	res, out, err := f.tools.makeEventsHandler()(ctx, nil, EventsInput{Limit: 10})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.GreaterOrEqual(t, out.Count, 2)

	types := make([]string, 0, out.Count)
	for _, e := range out.Events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, string(inspector.EventConnected))
	assert.Contains(t, types, string(inspector.EventProcessCreated))

	_, out, err = f.tools.makeEventsHandler()(ctx, nil, EventsInput{TargetID: 999})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)
	assert.NotNil(t, out.Events)

	res, out, err = f.tools.makeEventsHandler()(ctx, nil, EventsInput{Command: "PROCESS_CREATED"})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, string(inspector.EventProcessCreated), out.Events[0].Type)
	assert.Equal(t, "PROCESS_CREATED", out.Events[0].Command)

	_, byNumber, err := f.tools.makeEventsHandler()(ctx, nil, EventsInput{Command: "149"})
	require.NoError(t, err)
	assert.Equal(t, out.Count, byNumber.Count)

	for _, bad := range []string{"NOT_A_COMMAND", "4242"} {
		res, out, err = f.tools.makeEventsHandler()(ctx, nil, EventsInput{Command: bad})
		require.NoError(t, err)
		require.NotNil(t, res, bad)
		assert.True(t, res.IsError, bad)
		assert.NotNil(t, out.Events)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	targetID := f.in.Targets()[0].ID

	_, _, err := f.tools.resolve(0, 5)
	assert.Error(t, err)

	tid, wid, err := f.tools.resolve(targetID, 5)
	require.NoError(t, err)
	assert.Equal(t, targetID, tid)
	assert.Equal(t, protocol.ObjectID(5), wid)

	widgetID := f.pick(t, "statusBar")
	tid, wid, err = f.tools.resolve(0, 0)
	require.NoError(t, err)
	assert.Equal(t, targetID, tid)
	assert.Equal(t, protocol.ObjectID(widgetID), wid)

	_, _, err = f.tools.resolve(targetID+1, 0)
	assert.Error(t, err)
}
