package inspector

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/standardbeagle/pqi/internal/protocol"
)

// EventType classifies inspector events.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventProcessCreated  EventType = "process_created"
	EventPatched         EventType = "patched"
	EventWidgetInfo      EventType = "widget_info"
	EventInspectFinished EventType = "inspect_finished"
	EventChildrenInfo    EventType = "children_info"
	EventExecResult      EventType = "exec_result"
	EventExecError       EventType = "exec_error"
	EventRequestError    EventType = "request_error"
	EventExit            EventType = "exit"
)

// Event is something a display should reflect.
type Event struct {
	Type     EventType          `json:"type"`
	TargetID int64              `json:"target_id"`
	Command  protocol.CommandID `json:"command,omitempty"`
	Sequence uint64             `json:"seq,omitempty"`
	Time     time.Time          `json:"time"`

	// Data is the decoded payload: a JSON document or a JSON string for
	// plain-text payloads.
	Data json.RawMessage `json:"data,omitempty"`
}

func newEvent(typ EventType, targetID int64, cmd *protocol.Command) Event {
	ev := Event{Type: typ, TargetID: targetID, Time: time.Now()}
	if cmd == nil {
		return ev
	}
	ev.Command = cmd.ID
	ev.Sequence = cmd.Sequence
	if cmd.Payload == "" {
		return ev
	}
	if json.Valid([]byte(cmd.Payload)) {
		ev.Data = json.RawMessage(cmd.Payload)
	} else {
		ev.Data, _ = json.Marshal(cmd.Payload)
	}
	return ev
}

// Display observes inspector events. OnEvent is called on a session read
// loop and must not block.
type Display interface {
	OnEvent(ev Event)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(Event)

// OnEvent calls f(ev).
func (f DisplayFunc) OnEvent(ev Event) { f(ev) }

// MultiDisplay fans events out to every added display.
type MultiDisplay struct {
	mu       sync.RWMutex
	displays []Display
}

// Add registers d.
func (m *MultiDisplay) Add(d Display) {
	m.mu.Lock()
	m.displays = append(m.displays, d)
	m.mu.Unlock()
}

// OnEvent implements Display.
func (m *MultiDisplay) OnEvent(ev Event) {
	m.mu.RLock()
	displays := m.displays
	m.mu.RUnlock()
	for _, d := range displays {
		d.OnEvent(ev)
	}
}
