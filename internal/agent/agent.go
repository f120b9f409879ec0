// Package agent is the in-process side of the inspector protocol: it answers
// inspector commands against a GUI toolkit and reports hover and selection
// events back.
//
// Host-facing methods never return errors. Failures are logged and the call
// degrades to a no-op so a broken inspector link never disturbs the host.
package agent

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

// ErrUnknownObject is returned by handlers addressing an unregistered id.
var ErrUnknownObject = errors.New("unknown object id")

// ErrNoSelection is reported when code is executed with nothing selected.
var ErrNoSelection = errors.New("no widget selected")

// Sender delivers commands to the inspector. *daemon.ResilientClient and
// *session.Session both satisfy it.
type Sender interface {
	Send(cmd protocol.Command) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(cmd protocol.Command) error

// Send calls f(cmd).
func (f SenderFunc) Send(cmd protocol.Command) error { return f(cmd) }

// Agent answers inspector commands for one host process.
type Agent struct {
	toolkit  Toolkit
	registry *ObjectRegistry
	factory  *protocol.Factory
	pid      int

	senderMu sync.RWMutex
	sender   Sender

	inspecting atomic.Bool
	options    atomic.Pointer[protocol.InspectOptions]

	selMu       sync.Mutex
	selected    Object
	selectedID  protocol.ObjectID
	hasSelected bool
}

// New creates an agent for toolkit.
func New(toolkit Toolkit) *Agent {
	a := &Agent{
		toolkit:  toolkit,
		registry: NewObjectRegistry(),
		factory:  protocol.NewFactory(protocol.RoleClient),
		pid:      os.Getpid(),
	}
	a.options.Store(&protocol.InspectOptions{})
	return a
}

// Registry returns the agent's object table.
func (a *Agent) Registry() *ObjectRegistry {
	return a.registry
}

// Attach sets where host-initiated notifications go.
func (a *Agent) Attach(s Sender) {
	a.senderMu.Lock()
	a.sender = s
	a.senderMu.Unlock()
}

// Routes registers the agent's command handlers on r.
func (a *Agent) Routes(r *session.Router) {
	r.Handle(protocol.CmdEnableInspect, a.handleEnableInspect)
	r.Handle(protocol.CmdDisableInspect, a.handleDisableInspect)
	r.Handle(protocol.CmdSelectWidget, a.handleSelectWidget)
	r.Handle(protocol.CmdExecCode, a.handleExecCode)
	r.Handle(protocol.CmdSetWidgetHighlight, a.handleSetHighlight)
	r.Handle(protocol.CmdRequestWidgetInfo, a.handleRequestWidgetInfo)
	r.Handle(protocol.CmdRequestChildrenInfo, a.handleRequestChildrenInfo)
	r.Handle(protocol.CmdExit, a.handleExit)
}

// InspectEnabled reports whether hover reporting is on.
func (a *Agent) InspectEnabled() bool {
	return a.inspecting.Load()
}

// Options returns the options of the current inspect session.
func (a *Agent) Options() protocol.InspectOptions {
	return *a.options.Load()
}

// Selected returns the currently selected object.
func (a *Agent) Selected() (Object, protocol.ObjectID, bool) {
	a.selMu.Lock()
	defer a.selMu.Unlock()
	return a.selected, a.selectedID, a.hasSelected
}

// Select makes obj the target of EXEC_CODE. It returns 0 when obj cannot be
// tracked.
func (a *Agent) Select(obj Object) (id protocol.ObjectID) {
	defer a.contain("Select", func() { id = 0 })
	return a.selectObject(obj)
}

func (a *Agent) selectObject(obj Object) protocol.ObjectID {
	id := a.registry.Register(obj)
	a.selMu.Lock()
	a.selected, a.selectedID, a.hasSelected = obj, id, true
	a.selMu.Unlock()
	return id
}

// NotifyHover reports obj under the pointer while inspecting.
func (a *Agent) NotifyHover(obj Object) {
	if !a.InspectEnabled() {
		return
	}
	defer a.contain("NotifyHover", nil)
	id := a.registry.Register(obj)
	info, err := a.widgetInfo(obj, id, nil)
	if err != nil {
		log.Printf("[Agent] describe object %d: %v", id, err)
		return
	}
	cmd, err := a.factory.WidgetInfo(info)
	if err != nil {
		log.Printf("[Agent] %v", err)
		return
	}
	a.send(cmd)
}

// NotifyInspectFinished selects obj and tells the inspector the user picked
// it. Ignored unless inspecting.
func (a *Agent) NotifyInspectFinished(obj Object) {
	if !a.InspectEnabled() {
		return
	}
	defer a.contain("NotifyInspectFinished", nil)
	id := a.selectObject(obj)
	cmd, err := a.factory.InspectFinished(id)
	if err != nil {
		log.Printf("[Agent] %v", err)
		return
	}
	a.send(cmd)
}

// NotifyPatchSuccess reports that the toolkit hooks are installed.
func (a *Agent) NotifyPatchSuccess() {
	defer a.contain("NotifyPatchSuccess", nil)
	a.send(a.factory.QtPatchSuccess(a.pid))
}

// Exiting tells the inspector the host is going away.
func (a *Agent) Exiting() {
	defer a.contain("Exiting", nil)
	a.send(a.factory.Exit())
}

// contain stops a panic raised by the toolkit, the registry or a sender from
// reaching host code. It must be deferred directly.
func (a *Agent) contain(op string, onPanic func()) {
	if r := recover(); r != nil {
		log.Printf("[Agent] %s: recovered from panic: %v", op, r)
		if onPanic != nil {
			onPanic()
		}
	}
}

func (a *Agent) send(cmd protocol.Command) {
	a.senderMu.RLock()
	s := a.sender
	a.senderMu.RUnlock()
	if s == nil {
		return
	}
	if err := s.Send(cmd); err != nil {
		log.Printf("[Agent] send %s: %v", cmd, err)
	}
}

// widgetInfo builds the WIDGET_INFO payload, registering every ancestor so
// the inspector can address it later.
func (a *Agent) widgetInfo(obj Object, id protocol.ObjectID, extra map[string]any) (protocol.WidgetInfo, error) {
	d, err := a.toolkit.Describe(obj)
	if err != nil {
		return protocol.WidgetInfo{}, err
	}
	info := protocol.WidgetInfo{
		ClassName:         d.ClassName,
		ObjectName:        d.ObjectName,
		ID:                id,
		StacksWhenCreate:  d.CreationStack,
		Size:              d.Size,
		Pos:               d.Pos,
		ParentClasses:     make([]string, 0, len(d.Parents)),
		ParentIDs:         make([]protocol.ObjectID, 0, len(d.Parents)),
		ParentObjectNames: make([]string, 0, len(d.Parents)),
		Stylesheet:        d.Stylesheet,
		Extra:             extra,
	}
	if info.StacksWhenCreate == nil {
		info.StacksWhenCreate = []protocol.StackFrame{}
	}
	for _, p := range d.Parents {
		pd, err := a.toolkit.Describe(p)
		if err != nil {
			return protocol.WidgetInfo{}, fmt.Errorf("describe parent: %w", err)
		}
		info.ParentClasses = append(info.ParentClasses, pd.ClassName)
		info.ParentIDs = append(info.ParentIDs, a.registry.Register(p))
		info.ParentObjectNames = append(info.ParentObjectNames, pd.ObjectName)
	}
	return info, nil
}

func (a *Agent) childrenInfo(obj Object, id protocol.ObjectID) (protocol.ChildrenInfo, error) {
	children, err := a.toolkit.Children(obj)
	if err != nil {
		return protocol.ChildrenInfo{}, err
	}
	info := protocol.ChildrenInfo{
		WidgetID:         id,
		ChildClasses:     make([]string, 0, len(children)),
		ChildIDs:         make([]protocol.ObjectID, 0, len(children)),
		ChildObjectNames: make([]string, 0, len(children)),
	}
	for _, c := range children {
		cd, err := a.toolkit.Describe(c)
		if err != nil {
			return protocol.ChildrenInfo{}, fmt.Errorf("describe child: %w", err)
		}
		info.ChildClasses = append(info.ChildClasses, cd.ClassName)
		info.ChildIDs = append(info.ChildIDs, a.registry.Register(c))
		info.ChildObjectNames = append(info.ChildObjectNames, cd.ObjectName)
	}
	return info, nil
}

func (a *Agent) lookup(id protocol.ObjectID) (Object, error) {
	obj, ok := a.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	return obj, nil
}
