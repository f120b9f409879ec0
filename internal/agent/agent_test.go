package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu   sync.Mutex
	cmds []protocol.Command
	err  error
}

func (r *recorder) Send(cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recorder) all() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Command(nil), r.cmds...)
}

// link connects a as the agent side of a pipe and returns the inspector side.
func link(t *testing.T, a *Agent) (inspector, agentSide *session.Session) {
	t.Helper()
	router := session.NewRouter()
	a.Routes(router)

	x, y := net.Pipe()
	agentSide = session.New(x, session.Config{ID: 1, Role: protocol.RoleClient, Router: router})
	inspector = session.New(y, session.Config{ID: 1, Role: protocol.RoleServer})
	t.Cleanup(func() {
		_ = inspector.Close()
		_ = agentSide.Close()
	})
	require.NoError(t, inspector.Start())
	require.NoError(t, agentSide.Start())
	a.Attach(agentSide)
	return inspector, agentSide
}

func request(t *testing.T, s *session.Session, cmd protocol.Command, err error) protocol.Command {
	t.Helper()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	reply, err := s.Request(ctx, cmd)
	require.NoError(t, err)
	return reply
}

func TestAgent_InspectToggle(t *testing.T) {
	a := New(SimToolkit{})
	inspector, _ := link(t, a)

	enable, err := inspector.Factory().EnableInspect(&protocol.InspectOptions{MockRightClickAsLeftClick: true})
	require.NoError(t, err)
	require.NoError(t, inspector.Send(enable))
	require.Eventually(t, a.InspectEnabled, waitFor, 5*time.Millisecond)
	assert.True(t, a.Options().MockRightClickAsLeftClick)

	require.NoError(t, inspector.Send(inspector.Factory().DisableInspect()))
	require.Eventually(t, func() bool { return !a.InspectEnabled() }, waitFor, 5*time.Millisecond)
}

func TestAgent_NotifyHover(t *testing.T) {
	tree := DemoTree()
	button := tree.Find("okButton")
	require.NotNil(t, button)

	rec := &recorder{}
	a := New(SimToolkit{})
	a.Attach(rec)

	a.NotifyHover(button)
	assert.Empty(t, rec.all(), "no hover reports while inspect is disabled")

	a.inspecting.Store(true)
	a.NotifyHover(button)

	cmds := rec.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.CmdWidgetInfo, cmds[0].ID)
	assert.True(t, cmds[0].IsNotification())

	var info protocol.WidgetInfo
	require.NoError(t, protocol.DecodeJSON(cmds[0], &info))
	assert.Equal(t, "QPushButton", info.ClassName)
	assert.Equal(t, "okButton", info.ObjectName)
	assert.Equal(t, [2]int{120, 32}, info.Size)
	assert.Contains(t, info.Stylesheet, "#0a84ff")
	assert.Equal(t, []string{"QGroupBox", "QWidget", "QMainWindow"}, info.ParentClasses)
	assert.Equal(t, []string{"loginForm", "centralWidget", "mainWindow"}, info.ParentObjectNames)
	assert.NotEmpty(t, info.StacksWhenCreate)

	for i, pid := range info.ParentIDs {
		obj, ok := a.Registry().Lookup(pid)
		require.True(t, ok, "parent %d registered", i)
		assert.Equal(t, info.ParentObjectNames[i], obj.(*Widget).ObjectName())
	}
	id, ok := a.Registry().ID(button)
	require.True(t, ok)
	assert.Equal(t, id, info.ID)
}

func TestAgent_NotifyWithoutSenderOrFailing(t *testing.T) {
	a := New(SimToolkit{})
	a.inspecting.Store(true)
	w := NewWidget(nil, "QDialog", "dlg", [2]int{1, 1}, [2]int{0, 0})

	assert.NotPanics(t, func() {
		a.NotifyHover(w)
		a.NotifyPatchSuccess()
	})

	a.Attach(&recorder{err: errors.New("queue full")})
	assert.NotPanics(t, func() {
		a.NotifyInspectFinished(w)
		a.Exiting()
	})
	assert.NotPanics(t, func() { a.NotifyHover("not a widget") })
}

func TestAgent_HostNotifications(t *testing.T) {
	rec := &recorder{}
	a := New(SimToolkit{})
	a.Attach(rec)
	w := NewWidget(nil, "QDialog", "dlg", [2]int{1, 1}, [2]int{0, 0})

	a.NotifyInspectFinished(w)
	assert.Empty(t, rec.all(), "selection is only reported while inspecting")
	a.inspecting.Store(true)

	a.NotifyInspectFinished(w)
	a.NotifyPatchSuccess()
	a.Exiting()

	cmds := rec.all()
	require.Len(t, cmds, 3)

	assert.Equal(t, protocol.CmdInspectFinished, cmds[0].ID)
	var ref protocol.ObjectRef
	require.NoError(t, protocol.DecodeJSON(cmds[0], &ref))
	obj, id, ok := a.Selected()
	require.True(t, ok)
	assert.Same(t, w, obj.(*Widget))
	assert.Equal(t, id, ref.ID)

	assert.Equal(t, protocol.CmdQtPatchSuccess, cmds[1].ID)
	assert.NotEmpty(t, cmds[1].Payload)
	assert.Equal(t, protocol.CmdExit, cmds[2].ID)
}

func TestAgent_RequestWidgetInfo(t *testing.T) {
	tree := DemoTree()
	a := New(SimToolkit{})
	id := a.Registry().Register(tree.Find("nameEdit"))
	inspector, _ := link(t, a)

	req, err := inspector.Factory().RequestWidgetInfo(id, map[string]any{"reason": "refresh"})
	reply := request(t, inspector, req, err)

	assert.Equal(t, protocol.CmdWidgetInfo, reply.ID)
	var info protocol.WidgetInfo
	require.NoError(t, protocol.DecodeJSON(reply, &info))
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "QLineEdit", info.ClassName)
	assert.Equal(t, "refresh", info.Extra["reason"])
}

func TestAgent_RequestChildrenInfo(t *testing.T) {
	tree := DemoTree()
	a := New(SimToolkit{})
	form := tree.Find("loginForm")
	id := a.Registry().Register(form)
	inspector, _ := link(t, a)

	req, err := inspector.Factory().RequestChildrenInfo(id, nil)
	reply := request(t, inspector, req, err)

	var info protocol.ChildrenInfo
	require.NoError(t, protocol.DecodeJSON(reply, &info))
	assert.Equal(t, id, info.WidgetID)
	assert.Equal(t, []string{"QLabel", "QLineEdit", "QLabel", "QLineEdit", "QPushButton"}, info.ChildClasses)
	assert.Equal(t, "okButton", info.ChildObjectNames[4])
	require.Len(t, info.ChildIDs, 5)

	child, ok := a.Registry().Lookup(info.ChildIDs[4])
	require.True(t, ok)
	assert.Same(t, tree.Find("okButton"), child.(*Widget))
}

func TestAgent_SelectAndExec(t *testing.T) {
	tree := DemoTree()
	a := New(SimToolkit{})
	button := tree.Find("okButton")
	id := a.Registry().Register(button)
	inspector, _ := link(t, a)

	reply := request(t, inspector, inspector.Factory().ExecCode("get name"), nil)
	assert.Equal(t, protocol.CmdExecCodeError, reply.ID)
	assert.Equal(t, ErrNoSelection.Error(), reply.Payload)

	sel, err := inspector.Factory().SelectWidget(id)
	require.NoError(t, err)
	require.NoError(t, inspector.Send(sel))
	require.Eventually(t, func() bool {
		_, got, ok := a.Selected()
		return ok && got == id
	}, waitFor, 5*time.Millisecond)

	reply = request(t, inspector, inspector.Factory().ExecCode("get class\nset name submitButton\nget name"), nil)
	assert.Equal(t, protocol.CmdExecCodeResult, reply.ID)
	assert.Equal(t, "QPushButton\nsubmitButton\n", reply.Payload)
	assert.Equal(t, "submitButton", button.ObjectName())

	reply = request(t, inspector, inspector.Factory().ExecCode("explode"), nil)
	assert.Equal(t, protocol.CmdExecCodeError, reply.ID)
	assert.Contains(t, reply.Payload, "unsupported statement")
}

func TestAgent_SetHighlight(t *testing.T) {
	tree := DemoTree()
	a := New(SimToolkit{})
	label := tree.Find("nameLabel")
	id := a.Registry().Register(label)
	inspector, _ := link(t, a)

	on, err := inspector.Factory().SetWidgetHighlight(id, true)
	require.NoError(t, err)
	require.NoError(t, inspector.Send(on))
	require.Eventually(t, label.Highlighted, waitFor, 5*time.Millisecond)

	off, err := inspector.Factory().SetWidgetHighlight(id, false)
	require.NoError(t, err)
	require.NoError(t, inspector.Send(off))
	require.Eventually(t, func() bool { return !label.Highlighted() }, waitFor, 5*time.Millisecond)
}

func TestAgent_UnknownObjectKeepsSession(t *testing.T) {
	a := New(SimToolkit{})
	inspector, agentSide := link(t, a)

	hl, err := inspector.Factory().SetWidgetHighlight(404, true)
	require.NoError(t, err)
	require.NoError(t, inspector.Send(hl))
	sel, err := inspector.Factory().SelectWidget(404)
	require.NoError(t, err)
	require.NoError(t, inspector.Send(sel))

	require.Eventually(t, func() bool { return agentSide.Stats().HandlerErrors == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, session.StateActive, agentSide.State())
	_, _, ok := a.Selected()
	assert.False(t, ok)
}

func TestAgent_UnknownObjectRequestGetsErrorReply(t *testing.T) {
	a := New(SimToolkit{})
	inspector, agentSide := link(t, a)

	info, err := inspector.Factory().RequestWidgetInfo(404, nil)
	reply := request(t, inspector, info, err)
	assert.Equal(t, protocol.CmdRequestError, reply.ID)
	assert.Contains(t, reply.Payload, ErrUnknownObject.Error())

	children, err := inspector.Factory().RequestChildrenInfo(404, nil)
	reply = request(t, inspector, children, err)
	assert.Equal(t, protocol.CmdRequestError, reply.ID)

	assert.Equal(t, session.StateActive, agentSide.State())
}

// panickyToolkit fails the way a toolkit binding touching a destroyed object
// might.
type panickyToolkit struct{ SimToolkit }

func (panickyToolkit) Describe(Object) (Description, error) {
	panic("wrapped C/C++ object has been deleted")
}

func TestAgent_HostCallsNeverPanic(t *testing.T) {
	rec := &recorder{}

	t.Run("unhashable handle", func(t *testing.T) {
		a := New(SimToolkit{})
		a.Attach(rec)
		a.inspecting.Store(true)

		handle := []int{1}
		assert.NotPanics(t, func() { a.NotifyHover(handle) })
		assert.NotPanics(t, func() { a.NotifyInspectFinished(handle) })

		var id protocol.ObjectID
		assert.NotPanics(t, func() { id = a.Select(handle) })
		assert.Zero(t, id)
		_, _, ok := a.Selected()
		assert.False(t, ok)
	})

	t.Run("toolkit panics", func(t *testing.T) {
		a := New(panickyToolkit{})
		a.Attach(rec)
		a.inspecting.Store(true)

		w := NewWidget(nil, "QWidget", "w", [2]int{}, [2]int{})
		assert.NotPanics(t, func() { a.NotifyHover(w) })
	})

	t.Run("sender panics", func(t *testing.T) {
		a := New(SimToolkit{})
		a.Attach(SenderFunc(func(protocol.Command) error { panic("sender") }))
		assert.NotPanics(t, a.NotifyPatchSuccess)
		assert.NotPanics(t, a.Exiting)
	})

	assert.Empty(t, rec.all())
}

func TestAgent_Exit(t *testing.T) {
	a := New(SimToolkit{})
	inspector, agentSide := link(t, a)
	a.inspecting.Store(true)

	require.NoError(t, inspector.Send(inspector.Factory().Exit()))
	select {
	case <-agentSide.Done():
	case <-time.After(waitFor):
		t.Fatal("agent session did not close on EXIT")
	}
	assert.False(t, a.InspectEnabled())
}

func TestObjectRegistry(t *testing.T) {
	r := NewObjectRegistry()
	w1 := NewWidget(nil, "QWidget", "a", [2]int{}, [2]int{})
	w2 := NewWidget(nil, "QWidget", "b", [2]int{}, [2]int{})

	id1 := r.Register(w1)
	id2 := r.Register(w2)
	assert.Equal(t, protocol.ObjectID(1), id1)
	assert.Equal(t, protocol.ObjectID(2), id2)
	assert.Equal(t, id1, r.Register(w1), "registration is stable")
	assert.Equal(t, 2, r.Len())

	r.Forget(w1)
	_, ok := r.Lookup(id1)
	assert.False(t, ok)
	assert.Equal(t, protocol.ObjectID(3), r.Register(w1), "ids are never reused")
}

func TestSimToolkit_Errors(t *testing.T) {
	tk := SimToolkit{}
	_, err := tk.Describe(42)
	assert.ErrorIs(t, err, ErrNotWidget)

	w := NewWidget(nil, "QWidget", "w", [2]int{3, 4}, [2]int{5, 6})
	out, err := tk.Exec(w, "# comment\nget size\nget pos\nprint hi")
	require.NoError(t, err)
	assert.Equal(t, "3x4\n5,6\nhi\n", out)

	_, err = tk.Exec(w, "set class QLabel")
	assert.Error(t, err)
	_, err = tk.Exec(w, "get colour")
	assert.Error(t, err)
}
