// Package protocol defines the line-based command protocol spoken between an
// inspected process (the agent) and the inspector.
package protocol

import "strconv"

// CommandID identifies a command kind on the wire.
// Values are part of the agent/inspector contract and must never be renumbered.
type CommandID int

// Commands shared by both peers.
const (
	CmdExit           CommandID = 129
	CmdProcessCreated CommandID = 149
)

// Agent -> inspector notifications.
const (
	CmdWidgetInfo      CommandID = 1001
	CmdInspectFinished CommandID = 1002
	CmdExecCodeResult  CommandID = 1003
	CmdExecCodeError   CommandID = 1004
	CmdChildrenInfo    CommandID = 1005
	CmdQtPatchSuccess  CommandID = 1006

	// CmdRequestError answers a request the agent could not serve, such as
	// REQUEST_WIDGET_INFO for an id it does not know. The payload is the reason.
	CmdRequestError CommandID = 1007
)

// Inspector -> agent commands.
const (
	CmdEnableInspect       CommandID = 2001
	CmdDisableInspect      CommandID = 2002
	CmdExecCode            CommandID = 2003
	CmdSetWidgetHighlight  CommandID = 2004
	CmdSelectWidget        CommandID = 2005
	CmdRequestWidgetInfo   CommandID = 2006
	CmdRequestChildrenInfo CommandID = 2007
)

var commandNames = map[CommandID]string{
	CmdExit:                "EXIT",
	CmdProcessCreated:      "PROCESS_CREATED",
	CmdWidgetInfo:          "WIDGET_INFO",
	CmdInspectFinished:     "INSPECT_FINISHED",
	CmdExecCodeResult:      "EXEC_CODE_RESULT",
	CmdExecCodeError:       "EXEC_CODE_ERROR",
	CmdChildrenInfo:        "CHILDREN_INFO",
	CmdQtPatchSuccess:      "QT_PATCH_SUCCESS",
	CmdRequestError:        "REQUEST_ERROR",
	CmdEnableInspect:       "ENABLE_INSPECT",
	CmdDisableInspect:      "DISABLE_INSPECT",
	CmdExecCode:            "EXEC_CODE",
	CmdSetWidgetHighlight:  "SET_WIDGET_HIGHLIGHT",
	CmdSelectWidget:        "SELECT_WIDGET",
	CmdRequestWidgetInfo:   "REQUEST_WIDGET_INFO",
	CmdRequestChildrenInfo: "REQUEST_CHILDREN_INFO",
}

// String returns the symbolic name, or the decimal value for unknown kinds.
func (id CommandID) String() string {
	if name, ok := commandNames[id]; ok {
		return name
	}
	return strconv.Itoa(int(id))
}

// Known reports whether id is one of the kinds this build understands.
func (id CommandID) Known() bool {
	_, ok := commandNames[id]
	return ok
}

// ParseCommandID resolves a symbolic name (e.g. "EXEC_CODE") or a decimal value.
func ParseCommandID(s string) (CommandID, bool) {
	for id, name := range commandNames {
		if name == s {
			return id, true
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return CommandID(n), true
}

// ReplyKinds returns the command kinds an agent may answer a request with.
// It is empty for commands that get no answer.
func ReplyKinds(id CommandID) []CommandID {
	switch id {
	case CmdRequestWidgetInfo:
		return []CommandID{CmdWidgetInfo, CmdRequestError}
	case CmdRequestChildrenInfo:
		return []CommandID{CmdChildrenInfo, CmdRequestError}
	case CmdExecCode:
		return []CommandID{CmdExecCodeResult, CmdExecCodeError}
	}
	return nil
}

// Command is one framed protocol message.
//
// Sequence 0 marks a fire-and-forget notification. Any other value either
// identifies a request awaiting a reply, or echoes the sequence of the request
// being answered.
type Command struct {
	ID       CommandID
	Sequence uint64
	Payload  string
}

// IsNotification reports whether the command expects no correlation.
func (c Command) IsNotification() bool {
	return c.Sequence == 0
}

func (c Command) String() string {
	return c.ID.String() + "#" + strconv.FormatUint(c.Sequence, 10)
}
