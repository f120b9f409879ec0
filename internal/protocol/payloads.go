package protocol

import (
	"encoding/json"
	"fmt"
)

// ObjectID is the opaque handle an agent assigns to a GUI object so the
// inspector can refer back to it. The protocol never interprets it.
type ObjectID int64

// ProcessCreated is the PROCESS_CREATED payload.
type ProcessCreated struct {
	PID      int    `json:"pid"`
	Instance string `json:"instance,omitempty"`
	Role     string `json:"role,omitempty"`
}

// StackFrame is one frame of an object's creation stack.
type StackFrame struct {
	Filename string `json:"filename"`
	Lineno   int    `json:"lineno"`
	Function string `json:"function"`
}

// WidgetInfo is the WIDGET_INFO payload describing one object.
//
// Parent data is split into parallel lists to keep the JSON small.
type WidgetInfo struct {
	ClassName         string         `json:"class_name"`
	ObjectName        string         `json:"object_name"`
	ID                ObjectID       `json:"id"`
	StacksWhenCreate  []StackFrame   `json:"stacks_when_create"`
	Size              [2]int         `json:"size"`
	Pos               [2]int         `json:"pos"`
	ParentClasses     []string       `json:"parent_classes"`
	ParentIDs         []ObjectID     `json:"parent_ids"`
	ParentObjectNames []string       `json:"parent_object_names"`
	Stylesheet        string         `json:"stylesheet"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ChildrenInfo is the CHILDREN_INFO payload.
type ChildrenInfo struct {
	WidgetID         ObjectID   `json:"widget_id"`
	ChildClasses     []string   `json:"child_classes"`
	ChildIDs         []ObjectID `json:"child_ids"`
	ChildObjectNames []string   `json:"child_object_names"`
}

// InspectOptions is the optional ENABLE_INSPECT payload.
type InspectOptions struct {
	// MockRightClickAsLeftClick lets a right click finish a selection.
	MockRightClickAsLeftClick bool `json:"mock_right_click_as_left_click,omitempty"`
}

// HighlightRequest is the SET_WIDGET_HIGHLIGHT payload.
type HighlightRequest struct {
	ID          ObjectID `json:"id"`
	IsHighlight bool     `json:"is_highlight"`
}

// ObjectRef is the SELECT_WIDGET and INSPECT_FINISHED payload.
type ObjectRef struct {
	ID ObjectID `json:"id"`
}

// InfoRequest is the REQUEST_WIDGET_INFO / REQUEST_CHILDREN_INFO payload.
type InfoRequest struct {
	ID    ObjectID       `json:"id"`
	Extra map[string]any `json:"extra,omitempty"`
}

// DecodeJSON unmarshals a command's payload into dst.
// An empty payload leaves dst untouched.
func DecodeJSON(cmd Command, dst any) error {
	if cmd.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(cmd.Payload), dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", cmd.ID, err)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
