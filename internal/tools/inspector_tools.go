package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/pqi/internal/eventlog"
	"github.com/standardbeagle/pqi/internal/inspector"
	"github.com/standardbeagle/pqi/internal/protocol"
)

// DefaultRequestTimeout bounds tools that wait for a target's reply.
const DefaultRequestTimeout = 5 * time.Second

// InspectorTools exposes an Inspector as MCP tools.
type InspectorTools struct {
	in      *inspector.Inspector
	journal *eventlog.Log
	timeout time.Duration
}

// NewInspectorTools creates the tool set. journal may be nil.
func NewInspectorTools(in *inspector.Inspector, journal *eventlog.Log) *InspectorTools {
	return &InspectorTools{in: in, journal: journal, timeout: DefaultRequestTimeout}
}

// TargetEntry is one connected process in tool output.
type TargetEntry struct {
	ID          int64  `json:"id"`
	Addr        string `json:"addr"`
	PID         int    `json:"pid,omitempty"`
	Instance    string `json:"instance,omitempty"`
	Patched     bool   `json:"patched"`
	Inspecting  bool   `json:"inspecting"`
	ConnectedAt string `json:"connected_at"`
	LastHover   string `json:"last_hover,omitempty"`
}

// SelectionEntry is the selection slot in tool output.
type SelectionEntry struct {
	TargetID int64  `json:"target_id"`
	WidgetID int64  `json:"widget_id"`
	Widget   string `json:"widget,omitempty"`
	At       string `json:"at"`
}

// TransportEntry describes how the inspector reaches its targets.
type TransportEntry struct {
	Mode          string `json:"mode"`
	Addr          string `json:"addr,omitempty"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	SessionCount  int    `json:"session_count"`
	TotalSessions int64  `json:"total_sessions"`
}

// TargetsInput defines input for the targets tool.
type TargetsInput struct{}

// TargetsOutput defines output for targets.
type TargetsOutput struct {
	Count     int             `json:"count"`
	Targets   []TargetEntry   `json:"targets"`
	Selection *SelectionEntry `json:"selection,omitempty"`
	Transport TransportEntry  `json:"transport"`
}

// InspectInput defines input for the inspect tool.
type InspectInput struct {
	TargetID         int64 `json:"target_id,omitempty" jsonschema:"Target id from targets (0 = every target)"`
	Enable           bool  `json:"enable" jsonschema:"true to start hover reporting, false to stop"`
	RightClickAsLeft bool  `json:"right_click_as_left,omitempty" jsonschema:"Let a right click finish the pick"`
}

// HighlightInput defines input for the highlight tool.
type HighlightInput struct {
	TargetID int64 `json:"target_id" jsonschema:"Target id from targets"`
	WidgetID int64 `json:"widget_id" jsonschema:"Widget id from widget_info or children"`
	On       bool  `json:"on" jsonschema:"true to draw the highlight, false to remove it"`
}

// SelectInput defines input for the select tool.
type SelectInput struct {
	TargetID int64 `json:"target_id" jsonschema:"Target id from targets"`
	WidgetID int64 `json:"widget_id" jsonschema:"Widget id to make the exec target"`
}

// WidgetInput defines input for the widget_info and children tools.
type WidgetInput struct {
	TargetID int64 `json:"target_id,omitempty" jsonschema:"Target id (defaults to the selection's target)"`
	WidgetID int64 `json:"widget_id,omitempty" jsonschema:"Widget id (defaults to the selected widget)"`
}

// ExecInput defines input for the exec tool.
type ExecInput struct {
	TargetID int64  `json:"target_id,omitempty" jsonschema:"Target id (defaults to the selection's target)"`
	Code     string `json:"code" jsonschema:"Code to run against the target's selected widget"`
}

// EventsInput defines input for the events tool.
type EventsInput struct {
	TargetID int64  `json:"target_id,omitempty" jsonschema:"Only events from this target"`
	Command  string `json:"command,omitempty" jsonschema:"Only events carrying this command, by name (e.g. EXEC_CODE_RESULT) or number"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum entries (default 50)"`
}

// ActionOutput is returned by tools that only acknowledge.
type ActionOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// WidgetOutput defines output for widget_info.
type WidgetOutput struct {
	Widget *protocol.WidgetInfo `json:"widget,omitempty"`
}

// ChildrenOutput defines output for children.
type ChildrenOutput struct {
	Children *protocol.ChildrenInfo `json:"children,omitempty"`
}

// ExecOutput defines output for exec.
type ExecOutput struct {
	TargetID int64  `json:"target_id"`
	Output   string `json:"output"`
	Failed   bool   `json:"failed"`
}

// EventEntry is one journaled event in tool output.
type EventEntry struct {
	ID       int64  `json:"id"`
	TargetID int64  `json:"target_id"`
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	Sequence uint64 `json:"seq,omitempty"`
	Data     string `json:"data,omitempty"`
	Time     string `json:"time"`
}

// EventsOutput defines output for events.
type EventsOutput struct {
	Count  int          `json:"count"`
	Events []EventEntry `json:"events"`
}

// RegisterInspectorTools adds the inspector tools to server.
func RegisterInspectorTools(server *mcp.Server, it *InspectorTools) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "targets",
		Description: `List connected target processes, the current selection and how the inspector reaches its targets.`,
	}, it.makeTargetsHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name: "inspect",
		Description: `Turn inspect mode on or off. While on, targets report the widget under the pointer and a click picks it as the selection.
Examples:
  inspect {enable: true}
  inspect {target_id: 2, enable: false}`,
	}, it.makeInspectHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "highlight",
		Description: `Draw or remove the highlight overlay on a remote widget.`,
	}, it.makeHighlightHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "select",
		Description: `Make a remote widget the selection and the target of exec.`,
	}, it.makeSelectHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name: "widget_info",
		Description: `Fetch a fresh description of a remote widget: class, object name, geometry, stylesheet, parents and creation stack.
Defaults to the selected widget.`,
	}, it.makeWidgetInfoHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "children",
		Description: `List the children of a remote widget. Defaults to the selected widget.`,
	}, it.makeChildrenHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name: "exec",
		Description: `Run code against a target's selected widget and return its output.
Examples:
  exec {code: "get class"}
  exec {target_id: 1, code: "set stylesheet color: red"}`,
	}, it.makeExecHandler())

	if it.journal != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "events",
			Description: `Show recent events from the event log, newest first. Filter by target_id or by command name.`,
		}, it.makeEventsHandler())
	}
}

func (it *InspectorTools) makeTargetsHandler() func(context.Context, *mcp.CallToolRequest, TargetsInput) (*mcp.CallToolResult, TargetsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input TargetsInput) (*mcp.CallToolResult, TargetsOutput, error) {
		targets := it.in.Targets()
		info := it.in.Info()
		out := TargetsOutput{
			Count:   len(targets),
			Targets: make([]TargetEntry, 0, len(targets)),
			Transport: TransportEntry{
				Mode:          info.Mode,
				Addr:          info.Addr,
				Version:       info.Version,
				Uptime:        info.Uptime.Round(time.Second).String(),
				SessionCount:  info.SessionCount,
				TotalSessions: info.TotalSessions,
			},
		}
		for _, t := range targets {
			entry := TargetEntry{
				ID:          t.ID,
				Addr:        t.Addr,
				PID:         t.PID,
				Instance:    t.Instance,
				Patched:     t.Patched,
				Inspecting:  t.Inspecting,
				ConnectedAt: t.ConnectedAt.Format(time.RFC3339),
			}
			if t.LastHover != nil {
				entry.LastHover = describe(t.LastHover)
			}
			out.Targets = append(out.Targets, entry)
		}
		if sel, ok := it.in.Selection(); ok {
			entry := &SelectionEntry{
				TargetID: sel.TargetID,
				WidgetID: int64(sel.WidgetID),
				At:       sel.At.Format(time.RFC3339),
			}
			if sel.Widget != nil {
				entry.Widget = describe(sel.Widget)
			}
			out.Selection = entry
		}
		return nil, out, nil
	}
}

func (it *InspectorTools) makeInspectHandler() func(context.Context, *mcp.CallToolRequest, InspectInput) (*mcp.CallToolResult, ActionOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input InspectInput) (*mcp.CallToolResult, ActionOutput, error) {
		var opts *protocol.InspectOptions
		if input.RightClickAsLeft {
			opts = &protocol.InspectOptions{MockRightClickAsLeftClick: true}
		}
		if err := it.in.SetInspect(input.TargetID, input.Enable, opts); err != nil {
			return errorResult(err.Error()), ActionOutput{}, nil
		}
		state := "off"
		if input.Enable {
			state = "on"
		}
		scope := "all targets"
		if input.TargetID != 0 {
			scope = fmt.Sprintf("target %d", input.TargetID)
		}
		return nil, ActionOutput{Success: true, Message: fmt.Sprintf("inspect %s for %s", state, scope)}, nil
	}
}

func (it *InspectorTools) makeHighlightHandler() func(context.Context, *mcp.CallToolRequest, HighlightInput) (*mcp.CallToolResult, ActionOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input HighlightInput) (*mcp.CallToolResult, ActionOutput, error) {
		if input.TargetID == 0 || input.WidgetID == 0 {
			return errorResult("target_id and widget_id required"), ActionOutput{}, nil
		}
		if err := it.in.Highlight(input.TargetID, protocol.ObjectID(input.WidgetID), input.On); err != nil {
			return errorResult(err.Error()), ActionOutput{}, nil
		}
		return nil, ActionOutput{Success: true}, nil
	}
}

func (it *InspectorTools) makeSelectHandler() func(context.Context, *mcp.CallToolRequest, SelectInput) (*mcp.CallToolResult, ActionOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SelectInput) (*mcp.CallToolResult, ActionOutput, error) {
		if input.TargetID == 0 || input.WidgetID == 0 {
			return errorResult("target_id and widget_id required"), ActionOutput{}, nil
		}
		if err := it.in.Select(input.TargetID, protocol.ObjectID(input.WidgetID)); err != nil {
			return errorResult(err.Error()), ActionOutput{}, nil
		}
		return nil, ActionOutput{Success: true}, nil
	}
}

func (it *InspectorTools) makeWidgetInfoHandler() func(context.Context, *mcp.CallToolRequest, WidgetInput) (*mcp.CallToolResult, WidgetOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input WidgetInput) (*mcp.CallToolResult, WidgetOutput, error) {
		targetID, widgetID, err := it.resolve(input.TargetID, input.WidgetID)
		if err != nil {
			return errorResult(err.Error()), WidgetOutput{}, nil
		}
		ctx, cancel := context.WithTimeout(ctx, it.timeout)
		defer cancel()
		info, err := it.in.WidgetInfo(ctx, targetID, widgetID, nil)
		if err != nil {
			return errorResult(err.Error()), WidgetOutput{}, nil
		}
		return nil, WidgetOutput{Widget: &info}, nil
	}
}

func (it *InspectorTools) makeChildrenHandler() func(context.Context, *mcp.CallToolRequest, WidgetInput) (*mcp.CallToolResult, ChildrenOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input WidgetInput) (*mcp.CallToolResult, ChildrenOutput, error) {
		targetID, widgetID, err := it.resolve(input.TargetID, input.WidgetID)
		if err != nil {
			return errorResult(err.Error()), ChildrenOutput{}, nil
		}
		ctx, cancel := context.WithTimeout(ctx, it.timeout)
		defer cancel()
		info, err := it.in.Children(ctx, targetID, widgetID)
		if err != nil {
			return errorResult(err.Error()), ChildrenOutput{}, nil
		}
		return nil, ChildrenOutput{Children: &info}, nil
	}
}

func (it *InspectorTools) makeExecHandler() func(context.Context, *mcp.CallToolRequest, ExecInput) (*mcp.CallToolResult, ExecOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ExecInput) (*mcp.CallToolResult, ExecOutput, error) {
		if input.Code == "" {
			return errorResult("code required"), ExecOutput{}, nil
		}
		targetID := input.TargetID
		if targetID == 0 {
			sel, ok := it.in.Selection()
			if !ok {
				return errorResult(inspector.ErrNoSelection.Error()), ExecOutput{}, nil
			}
			targetID = sel.TargetID
		}
		ctx, cancel := context.WithTimeout(ctx, it.timeout)
		defer cancel()
		res, err := it.in.Exec(ctx, targetID, input.Code)
		if err != nil {
			return errorResult(err.Error()), ExecOutput{}, nil
		}
		out := ExecOutput{TargetID: targetID, Output: res.Output, Failed: res.Failed}
		if res.Failed {
			return errorResult(res.Output), out, nil
		}
		return nil, out, nil
	}
}

func (it *InspectorTools) makeEventsHandler() func(context.Context, *mcp.CallToolRequest, EventsInput) (*mcp.CallToolResult, EventsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input EventsInput) (*mcp.CallToolResult, EventsOutput, error) {
		empty := EventsOutput{Events: []EventEntry{}}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		filter := eventlog.Filter{TargetID: input.TargetID, Limit: limit}
		if input.Command != "" {
			id, ok := protocol.ParseCommandID(input.Command)
			if !ok || !id.Known() {
				return errorResult(fmt.Sprintf("unknown command %q", input.Command)), empty, nil
			}
			filter.Command = id
		}
		entries, err := it.journal.Find(filter)
		if err != nil {
			return errorResult(err.Error()), empty, nil
		}
		out := EventsOutput{Count: len(entries), Events: make([]EventEntry, 0, len(entries))}
		for _, e := range entries {
			entry := EventEntry{
				ID:       e.ID,
				TargetID: e.TargetID,
				Type:     string(e.Type),
				Sequence: e.Sequence,
				Data:     string(e.Data),
				Time:     e.Time.Format(time.RFC3339Nano),
			}
			if e.Command != 0 {
				entry.Command = e.Command.String()
			}
			out.Events = append(out.Events, entry)
		}
		return nil, out, nil
	}
}

// resolve fills unset ids from the selection.
func (it *InspectorTools) resolve(targetID, widgetID int64) (int64, protocol.ObjectID, error) {
	if targetID != 0 && widgetID != 0 {
		return targetID, protocol.ObjectID(widgetID), nil
	}
	sel, ok := it.in.Selection()
	if !ok {
		return 0, 0, errors.New("target_id and widget_id required when nothing is selected")
	}
	if targetID == 0 {
		targetID = sel.TargetID
	}
	if widgetID == 0 {
		if targetID != sel.TargetID {
			return 0, 0, errors.New("widget_id required for a target other than the selection's")
		}
		widgetID = int64(sel.WidgetID)
	}
	return targetID, protocol.ObjectID(widgetID), nil
}

func describe(w *protocol.WidgetInfo) string {
	if w.ObjectName == "" {
		return fmt.Sprintf("%s #%d", w.ClassName, w.ID)
	}
	return fmt.Sprintf("%s %q #%d", w.ClassName, w.ObjectName, w.ID)
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
