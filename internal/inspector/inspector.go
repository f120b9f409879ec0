// Package inspector is the controlling side of the protocol: it tracks every
// connected target process, keeps the single current selection and drives
// inspect, highlight, select and exec operations against targets.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/standardbeagle/pqi/internal/daemon"
	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

// ErrNoSelection is returned by operations on the selection when it is empty.
var ErrNoSelection = errors.New("nothing selected")

// ErrUnexpectedReply is returned when a target answers with the wrong kind.
var ErrUnexpectedReply = errors.New("unexpected reply")

// ErrRequestFailed is returned when a target answers with REQUEST_ERROR.
var ErrRequestFailed = errors.New("target could not answer")

// Transport is the connection layer an Inspector drives: a *daemon.Daemon
// when it listens for agents, a *daemon.Dialer when it dials a listening one.
type Transport interface {
	Router() *session.Router
	OnConnectionEstablished(fn func(*session.Session))
	OnConnectionLost(fn func(*session.Session, error))
	Send(id int64, cmd protocol.Command) error
	Request(ctx context.Context, id int64, cmd protocol.Command) (protocol.Command, error)
	Broadcast(cmd protocol.Command) (int, error)
	Info() daemon.DaemonInfo
}

// Config configures an Inspector.
type Config struct {
	// AutoDisableOnFinish turns inspect mode off on every target once a
	// widget has been picked.
	AutoDisableOnFinish bool
}

// Target is a snapshot of one connected process.
type Target struct {
	ID          int64                  `json:"id"`
	Addr        string                 `json:"addr"`
	PID         int                    `json:"pid,omitempty"`
	Instance    string                 `json:"instance,omitempty"`
	Role        string                 `json:"role,omitempty"`
	Patched     bool                   `json:"patched"`
	Inspecting  bool                   `json:"inspecting"`
	ConnectedAt time.Time              `json:"connected_at"`
	LastHover   *protocol.WidgetInfo   `json:"last_hover,omitempty"`
	Children    *protocol.ChildrenInfo `json:"children,omitempty"`
	LastExec    *ExecResult            `json:"last_exec,omitempty"`
}

// Selection is the single "currently selected remote object" slot.
type Selection struct {
	TargetID int64                `json:"target_id"`
	WidgetID protocol.ObjectID    `json:"widget_id"`
	Widget   *protocol.WidgetInfo `json:"widget,omitempty"`
	At       time.Time            `json:"at"`
}

// ExecResult is the outcome of EXEC_CODE on a target.
type ExecResult struct {
	Output string `json:"output"`
	Failed bool   `json:"failed"`
}

// Inspector multiplexes inspector operations over a transport's sessions.
type Inspector struct {
	d        Transport
	cfg      Config
	factory  *protocol.Factory
	displays MultiDisplay

	mu        sync.RWMutex
	targets   map[int64]*Target
	selection *Selection
}

// New attaches an inspector to d: it registers handlers on d's router and
// observes d's connections. Call before d starts.
func New(d Transport, cfg Config) *Inspector {
	in := &Inspector{
		d:       d,
		cfg:     cfg,
		factory: protocol.NewFactory(protocol.RoleServer),
		targets: make(map[int64]*Target),
	}
	in.routes(d.Router())
	d.OnConnectionEstablished(in.connected)
	d.OnConnectionLost(in.disconnected)
	return in
}

// AddDisplay registers a display for inspector events.
func (in *Inspector) AddDisplay(d Display) {
	in.displays.Add(d)
}

// Info describes the transport.
func (in *Inspector) Info() daemon.DaemonInfo {
	return in.d.Info()
}

// Targets returns snapshots of all connected targets ordered by id.
func (in *Inspector) Targets() []Target {
	in.mu.RLock()
	out := make([]Target, 0, len(in.targets))
	for _, t := range in.targets {
		out = append(out, *t)
	}
	in.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Target returns a snapshot of one target.
func (in *Inspector) Target(id int64) (Target, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	t, ok := in.targets[id]
	if !ok {
		return Target{}, false
	}
	return *t, true
}

// Selection returns the current selection.
func (in *Inspector) Selection() (Selection, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.selection == nil {
		return Selection{}, false
	}
	return *in.selection, true
}

// SetInspect turns inspect mode on or off for one target, or for every
// target when targetID is 0.
func (in *Inspector) SetInspect(targetID int64, on bool, opts *protocol.InspectOptions) error {
	var cmd protocol.Command
	if on {
		c, err := in.factory.EnableInspect(opts)
		if err != nil {
			return err
		}
		cmd = c
	} else {
		cmd = in.factory.DisableInspect()
	}

	if targetID == 0 {
		_, err := in.d.Broadcast(cmd)
		in.mu.Lock()
		for _, t := range in.targets {
			t.Inspecting = on
		}
		in.mu.Unlock()
		return err
	}

	if err := in.d.Send(targetID, cmd); err != nil {
		return err
	}
	in.update(targetID, func(t *Target) { t.Inspecting = on })
	return nil
}

// Highlight toggles the highlight overlay on a remote widget.
func (in *Inspector) Highlight(targetID int64, widgetID protocol.ObjectID, on bool) error {
	cmd, err := in.factory.SetWidgetHighlight(widgetID, on)
	if err != nil {
		return err
	}
	return in.d.Send(targetID, cmd)
}

// Select makes widgetID the target's exec target and fills the selection slot.
func (in *Inspector) Select(targetID int64, widgetID protocol.ObjectID) error {
	cmd, err := in.factory.SelectWidget(widgetID)
	if err != nil {
		return err
	}
	if err := in.d.Send(targetID, cmd); err != nil {
		return err
	}
	in.setSelection(targetID, widgetID)
	return nil
}

// WidgetInfo fetches a fresh description of a remote widget.
func (in *Inspector) WidgetInfo(ctx context.Context, targetID int64, widgetID protocol.ObjectID, extra map[string]any) (protocol.WidgetInfo, error) {
	cmd, err := in.factory.RequestWidgetInfo(widgetID, extra)
	if err != nil {
		return protocol.WidgetInfo{}, err
	}
	reply, err := in.request(ctx, targetID, cmd)
	if err != nil {
		return protocol.WidgetInfo{}, err
	}
	var info protocol.WidgetInfo
	if err := protocol.DecodeJSON(reply, &info); err != nil {
		return protocol.WidgetInfo{}, err
	}
	return info, nil
}

// Children lists a remote widget's children.
func (in *Inspector) Children(ctx context.Context, targetID int64, widgetID protocol.ObjectID) (protocol.ChildrenInfo, error) {
	cmd, err := in.factory.RequestChildrenInfo(widgetID, nil)
	if err != nil {
		return protocol.ChildrenInfo{}, err
	}
	reply, err := in.request(ctx, targetID, cmd)
	if err != nil {
		return protocol.ChildrenInfo{}, err
	}
	var info protocol.ChildrenInfo
	if err := protocol.DecodeJSON(reply, &info); err != nil {
		return protocol.ChildrenInfo{}, err
	}
	return info, nil
}

// Exec runs source against the target's selected widget.
func (in *Inspector) Exec(ctx context.Context, targetID int64, source string) (ExecResult, error) {
	reply, err := in.request(ctx, targetID, in.factory.ExecCode(source))
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Output: reply.Payload, Failed: reply.ID == protocol.CmdExecCodeError}, nil
}

// ExecOnSelected runs source against the current selection.
func (in *Inspector) ExecOnSelected(ctx context.Context, source string) (ExecResult, error) {
	sel, ok := in.Selection()
	if !ok {
		return ExecResult{}, ErrNoSelection
	}
	return in.Exec(ctx, sel.TargetID, source)
}

// Exit asks a target to drop its connection.
func (in *Inspector) Exit(targetID int64) error {
	return in.d.Send(targetID, in.factory.Exit())
}

// request sends cmd and accepts only the reply kinds it can be answered with.
func (in *Inspector) request(ctx context.Context, targetID int64, cmd protocol.Command) (protocol.Command, error) {
	reply, err := in.d.Request(ctx, targetID, cmd)
	if err != nil {
		return protocol.Command{}, err
	}
	if !slices.Contains(protocol.ReplyKinds(cmd.ID), reply.ID) {
		return protocol.Command{}, fmt.Errorf("%w: %s to %s", ErrUnexpectedReply, reply.ID, cmd.ID)
	}
	if reply.ID == protocol.CmdRequestError {
		return protocol.Command{}, fmt.Errorf("%w: %s: %s", ErrRequestFailed, cmd.ID, reply.Payload)
	}
	return reply, nil
}

func (in *Inspector) update(id int64, fn func(*Target)) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	t, ok := in.targets[id]
	if ok {
		fn(t)
	}
	return ok
}

func (in *Inspector) setSelection(targetID int64, widgetID protocol.ObjectID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	sel := &Selection{TargetID: targetID, WidgetID: widgetID, At: time.Now()}
	if t, ok := in.targets[targetID]; ok && t.LastHover != nil && t.LastHover.ID == widgetID {
		w := *t.LastHover
		sel.Widget = &w
	}
	in.selection = sel
}

func (in *Inspector) emit(ev Event) {
	in.displays.OnEvent(ev)
}

func (in *Inspector) connected(s *session.Session) {
	in.mu.Lock()
	in.targets[s.ID()] = &Target{
		ID:          s.ID(),
		Addr:        s.RemoteAddr().String(),
		ConnectedAt: s.StartedAt(),
	}
	in.mu.Unlock()
	in.emit(newEvent(EventConnected, s.ID(), nil))
}

func (in *Inspector) disconnected(s *session.Session, err error) {
	in.mu.Lock()
	delete(in.targets, s.ID())
	if in.selection != nil && in.selection.TargetID == s.ID() {
		in.selection = nil
	}
	in.mu.Unlock()
	if err != nil {
		log.Printf("[Inspector] target %d lost: %v", s.ID(), err)
	}
	in.emit(newEvent(EventDisconnected, s.ID(), nil))
}

func (in *Inspector) routes(r *session.Router) {
	r.Handle(protocol.CmdProcessCreated, in.handleProcessCreated)
	r.Handle(protocol.CmdQtPatchSuccess, in.handlePatchSuccess)
	r.Handle(protocol.CmdWidgetInfo, in.handleWidgetInfo)
	r.Handle(protocol.CmdInspectFinished, in.handleInspectFinished)
	r.Handle(protocol.CmdChildrenInfo, in.handleChildrenInfo)
	r.Handle(protocol.CmdExecCodeResult, in.handleExecOutcome)
	r.Handle(protocol.CmdExecCodeError, in.handleExecOutcome)
	r.Handle(protocol.CmdRequestError, in.handleRequestError)
	r.Handle(protocol.CmdExit, in.handleExit)
}

func (in *Inspector) handleProcessCreated(s *session.Session, cmd protocol.Command) error {
	var pc protocol.ProcessCreated
	if err := protocol.DecodeJSON(cmd, &pc); err != nil {
		return err
	}
	in.update(s.ID(), func(t *Target) {
		t.PID, t.Instance, t.Role = pc.PID, pc.Instance, pc.Role
	})
	log.Printf("[Inspector] target %d is pid %d", s.ID(), pc.PID)
	in.emit(newEvent(EventProcessCreated, s.ID(), &cmd))
	return nil
}

func (in *Inspector) handlePatchSuccess(s *session.Session, cmd protocol.Command) error {
	pid, err := strconv.Atoi(cmd.Payload)
	if err != nil {
		return fmt.Errorf("bad pid %q: %w", cmd.Payload, err)
	}
	in.update(s.ID(), func(t *Target) {
		t.Patched = true
		if t.PID == 0 {
			t.PID = pid
		}
	})
	in.emit(newEvent(EventPatched, s.ID(), &cmd))
	return nil
}

func (in *Inspector) handleWidgetInfo(s *session.Session, cmd protocol.Command) error {
	var info protocol.WidgetInfo
	if err := protocol.DecodeJSON(cmd, &info); err != nil {
		return err
	}
	in.update(s.ID(), func(t *Target) { t.LastHover = &info })
	in.emit(newEvent(EventWidgetInfo, s.ID(), &cmd))
	return nil
}

func (in *Inspector) handleInspectFinished(s *session.Session, cmd protocol.Command) error {
	var ref protocol.ObjectRef
	if err := protocol.DecodeJSON(cmd, &ref); err != nil {
		return err
	}
	if ref.ID == 0 {
		// Older agents send no id: the last hovered widget is the pick.
		if t, ok := in.Target(s.ID()); ok && t.LastHover != nil {
			ref.ID = t.LastHover.ID
		}
	}
	in.setSelection(s.ID(), ref.ID)
	in.emit(newEvent(EventInspectFinished, s.ID(), &cmd))

	if in.cfg.AutoDisableOnFinish {
		if err := in.SetInspect(0, false, nil); err != nil {
			log.Printf("[Inspector] disable inspect: %v", err)
		}
	}
	return nil
}

func (in *Inspector) handleChildrenInfo(s *session.Session, cmd protocol.Command) error {
	var info protocol.ChildrenInfo
	if err := protocol.DecodeJSON(cmd, &info); err != nil {
		return err
	}
	in.update(s.ID(), func(t *Target) { t.Children = &info })
	in.emit(newEvent(EventChildrenInfo, s.ID(), &cmd))
	return nil
}

func (in *Inspector) handleExecOutcome(s *session.Session, cmd protocol.Command) error {
	res := &ExecResult{Output: cmd.Payload, Failed: cmd.ID == protocol.CmdExecCodeError}
	in.update(s.ID(), func(t *Target) { t.LastExec = res })
	typ := EventExecResult
	if res.Failed {
		typ = EventExecError
	}
	in.emit(newEvent(typ, s.ID(), &cmd))
	return nil
}

func (in *Inspector) handleRequestError(s *session.Session, cmd protocol.Command) error {
	in.emit(newEvent(EventRequestError, s.ID(), &cmd))
	return nil
}

func (in *Inspector) handleExit(s *session.Session, cmd protocol.Command) error {
	log.Printf("[Inspector] target %d is exiting", s.ID())
	in.emit(newEvent(EventExit, s.ID(), &cmd))
	return nil
}
