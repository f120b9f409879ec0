package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/standardbeagle/pqi/internal/inspector"
	"github.com/standardbeagle/pqi/internal/protocol"
)

// consoleDisplay echoes inspector events: readable lines on a terminal, JSON
// lines otherwise.
type consoleDisplay struct {
	mu    sync.Mutex
	w     io.Writer
	human bool
}

func newConsoleDisplay(f *os.File) *consoleDisplay {
	return &consoleDisplay{w: f, human: term.IsTerminal(int(f.Fd()))}
}

func (c *consoleDisplay) OnEvent(ev inspector.Event) {
	var line string
	if c.human {
		line = formatEvent(ev)
	} else {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		line = string(data)
	}
	c.mu.Lock()
	fmt.Fprintln(c.w, line)
	c.mu.Unlock()
}

func formatEvent(ev inspector.Event) string {
	prefix := fmt.Sprintf("%s [target %d] %s", ev.Time.Format("15:04:05"), ev.TargetID, ev.Type)
	detail := eventDetail(ev)
	if detail == "" {
		return prefix
	}
	return prefix + " " + detail
}

func eventDetail(ev inspector.Event) string {
	if len(ev.Data) == 0 {
		return ""
	}
	switch ev.Type {
	case inspector.EventProcessCreated:
		var pc protocol.ProcessCreated
		if json.Unmarshal(ev.Data, &pc) == nil {
			return fmt.Sprintf("pid=%d instance=%s", pc.PID, pc.Instance)
		}
	case inspector.EventWidgetInfo:
		var info protocol.WidgetInfo
		if json.Unmarshal(ev.Data, &info) == nil {
			return fmt.Sprintf("%s %q #%d %dx%d", info.ClassName, info.ObjectName, info.ID, info.Size[0], info.Size[1])
		}
	case inspector.EventInspectFinished:
		var ref protocol.ObjectRef
		if json.Unmarshal(ev.Data, &ref) == nil {
			return fmt.Sprintf("picked #%d", ref.ID)
		}
	case inspector.EventChildrenInfo:
		var info protocol.ChildrenInfo
		if json.Unmarshal(ev.Data, &info) == nil {
			return fmt.Sprintf("#%d has %d children: %s", info.WidgetID, len(info.ChildIDs), strings.Join(info.ChildObjectNames, ", "))
		}
	case inspector.EventExecResult, inspector.EventExecError, inspector.EventRequestError, inspector.EventPatched:
		var s string
		if json.Unmarshal(ev.Data, &s) == nil {
			return strings.TrimRight(s, "\n")
		}
	}
	return string(ev.Data)
}
