package protocol

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Role is the transport role an endpoint plays.
type Role string

const (
	// RoleServer accepts connections (the inspector).
	RoleServer Role = "server"
	// RoleClient initiates the connection (the agent).
	RoleClient Role = "client"
)

// Factory builds outbound commands for one endpoint.
//
// It owns the endpoint's sequence counter: request sequences strictly increase
// and are never reused. Client-role factories issue odd sequences and
// server-role factories even ones, so an echoed reply can never be mistaken
// for a request from the peer. Building a command never touches the network.
type Factory struct {
	next atomic.Uint64
}

// NewFactory returns a factory for the given role.
func NewFactory(role Role) *Factory {
	f := &Factory{}
	if role == RoleServer {
		f.next.Store(2)
	} else {
		f.next.Store(1)
	}
	return f
}

// NextSequence reserves the next request sequence number.
func (f *Factory) NextSequence() uint64 {
	return f.next.Add(2) - 2
}

// Notification builds a fire-and-forget command (sequence 0).
func (f *Factory) Notification(id CommandID, payload string) Command {
	return Command{ID: id, Payload: payload}
}

// Request builds a command carrying a fresh sequence number.
func (f *Factory) Request(id CommandID, payload string) Command {
	return Command{ID: id, Sequence: f.NextSequence(), Payload: payload}
}

// Reply builds the answer to req, echoing its sequence.
// Answering a notification yields another notification.
func (f *Factory) Reply(req Command, id CommandID, payload string) Command {
	return Command{ID: id, Sequence: req.Sequence, Payload: payload}
}

// Typed builders below produce notifications. Session.Request and
// Session.Reply retag them with a sequence when correlation is needed.

// ProcessCreated builds PROCESS_CREATED.
func (f *Factory) ProcessCreated(p ProcessCreated) (Command, error) {
	return f.jsonNotification(CmdProcessCreated, p)
}

// QtPatchSuccess builds QT_PATCH_SUCCESS carrying the process id.
func (f *Factory) QtPatchSuccess(pid int) Command {
	return f.Notification(CmdQtPatchSuccess, strconv.Itoa(pid))
}

// WidgetInfo builds WIDGET_INFO.
func (f *Factory) WidgetInfo(info WidgetInfo) (Command, error) {
	return f.jsonNotification(CmdWidgetInfo, info)
}

// ChildrenInfo builds CHILDREN_INFO.
func (f *Factory) ChildrenInfo(info ChildrenInfo) (Command, error) {
	return f.jsonNotification(CmdChildrenInfo, info)
}

// InspectFinished builds INSPECT_FINISHED for the selected object.
func (f *Factory) InspectFinished(id ObjectID) (Command, error) {
	return f.jsonNotification(CmdInspectFinished, ObjectRef{ID: id})
}

// ExecCodeResult builds EXEC_CODE_RESULT.
func (f *Factory) ExecCodeResult(output string) Command {
	return f.Notification(CmdExecCodeResult, output)
}

// ExecCodeError builds EXEC_CODE_ERROR.
func (f *Factory) ExecCodeError(msg string) Command {
	return f.Notification(CmdExecCodeError, msg)
}

// RequestError builds REQUEST_ERROR.
func (f *Factory) RequestError(msg string) Command {
	return f.Notification(CmdRequestError, msg)
}

// EnableInspect builds ENABLE_INSPECT. A nil opts sends an empty payload.
func (f *Factory) EnableInspect(opts *InspectOptions) (Command, error) {
	if opts == nil {
		return f.Notification(CmdEnableInspect, ""), nil
	}
	return f.jsonNotification(CmdEnableInspect, opts)
}

// DisableInspect builds DISABLE_INSPECT.
func (f *Factory) DisableInspect() Command {
	return f.Notification(CmdDisableInspect, "")
}

// ExecCode builds EXEC_CODE.
func (f *Factory) ExecCode(source string) Command {
	return f.Notification(CmdExecCode, source)
}

// SetWidgetHighlight builds SET_WIDGET_HIGHLIGHT.
func (f *Factory) SetWidgetHighlight(id ObjectID, on bool) (Command, error) {
	return f.jsonNotification(CmdSetWidgetHighlight, HighlightRequest{ID: id, IsHighlight: on})
}

// SelectWidget builds SELECT_WIDGET.
func (f *Factory) SelectWidget(id ObjectID) (Command, error) {
	return f.jsonNotification(CmdSelectWidget, ObjectRef{ID: id})
}

// RequestWidgetInfo builds REQUEST_WIDGET_INFO.
func (f *Factory) RequestWidgetInfo(id ObjectID, extra map[string]any) (Command, error) {
	return f.jsonNotification(CmdRequestWidgetInfo, InfoRequest{ID: id, Extra: extra})
}

// RequestChildrenInfo builds REQUEST_CHILDREN_INFO.
func (f *Factory) RequestChildrenInfo(id ObjectID, extra map[string]any) (Command, error) {
	return f.jsonNotification(CmdRequestChildrenInfo, InfoRequest{ID: id, Extra: extra})
}

// Exit builds EXIT.
func (f *Factory) Exit() Command {
	return f.Notification(CmdExit, "")
}

func (f *Factory) jsonNotification(id CommandID, v any) (Command, error) {
	payload, err := encodeJSON(v)
	if err != nil {
		return Command{}, fmt.Errorf("build %s: %w", id, err)
	}
	return f.Notification(id, payload), nil
}
