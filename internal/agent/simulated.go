package agent

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/standardbeagle/pqi/internal/protocol"
)

// ErrNotWidget is returned when a SimToolkit is handed a foreign object.
var ErrNotWidget = errors.New("object is not a simulated widget")

const maxCreationFrames = 8

// Widget is a node of a simulated widget tree. It stands in for a real GUI
// toolkit in the demo agent and in tests.
type Widget struct {
	mu          sync.Mutex
	class       string
	name        string
	size        [2]int
	pos         [2]int
	stylesheet  string
	highlighted bool

	parent   *Widget
	children []*Widget
	stack    []protocol.StackFrame
}

// NewWidget creates a widget under parent (nil for a top-level window) and
// records the creating call stack.
func NewWidget(parent *Widget, class, name string, size, pos [2]int) *Widget {
	w := &Widget{
		class:  class,
		name:   name,
		size:   size,
		pos:    pos,
		parent: parent,
		stack:  callerFrames(2),
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, w)
		parent.mu.Unlock()
	}
	return w
}

func callerFrames(skip int) []protocol.StackFrame {
	pcs := make([]uintptr, maxCreationFrames)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]protocol.StackFrame, 0, n)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			out = append(out, protocol.StackFrame{Filename: f.File, Lineno: f.Line, Function: f.Function})
		}
		if !more {
			break
		}
	}
	return out
}

// ClassName returns the widget class.
func (w *Widget) ClassName() string { return w.class }

// ObjectName returns the widget's object name.
func (w *Widget) ObjectName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.name
}

// SetStylesheet replaces the widget stylesheet.
func (w *Widget) SetStylesheet(css string) {
	w.mu.Lock()
	w.stylesheet = css
	w.mu.Unlock()
}

// Highlighted reports whether the highlight overlay is on.
func (w *Widget) Highlighted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highlighted
}

// Parent returns the parent widget, nil at the top.
func (w *Widget) Parent() *Widget { return w.parent }

// Children returns a copy of the child list.
func (w *Widget) Children() []*Widget {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Widget(nil), w.children...)
}

// Walk visits w and its descendants depth-first.
func (w *Widget) Walk(fn func(*Widget)) {
	fn(w)
	for _, c := range w.Children() {
		c.Walk(fn)
	}
}

// Find returns the first descendant (or w itself) with the given object name.
func (w *Widget) Find(name string) *Widget {
	var found *Widget
	w.Walk(func(c *Widget) {
		if found == nil && c.ObjectName() == name {
			found = c
		}
	})
	return found
}

// SimToolkit implements Toolkit over Widget trees.
//
// Exec understands one statement per line:
//
//	get class|name|stylesheet|size|pos
//	set name|stylesheet <value>
//	print <text>
type SimToolkit struct{}

func asWidget(obj Object) (*Widget, error) {
	w, ok := obj.(*Widget)
	if !ok || w == nil {
		return nil, fmt.Errorf("%w: %T", ErrNotWidget, obj)
	}
	return w, nil
}

// Describe implements Toolkit.
func (SimToolkit) Describe(obj Object) (Description, error) {
	w, err := asWidget(obj)
	if err != nil {
		return Description{}, err
	}
	w.mu.Lock()
	d := Description{
		ClassName:     w.class,
		ObjectName:    w.name,
		Size:          w.size,
		Pos:           w.pos,
		Stylesheet:    w.stylesheet,
		CreationStack: w.stack,
	}
	w.mu.Unlock()
	for p := w.parent; p != nil; p = p.parent {
		d.Parents = append(d.Parents, p)
	}
	return d, nil
}

// Children implements Toolkit.
func (SimToolkit) Children(obj Object) ([]Object, error) {
	w, err := asWidget(obj)
	if err != nil {
		return nil, err
	}
	children := w.Children()
	out := make([]Object, len(children))
	for i, c := range children {
		out[i] = c
	}
	return out, nil
}

// SetHighlight implements Toolkit.
func (SimToolkit) SetHighlight(obj Object, on bool) error {
	w, err := asWidget(obj)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.highlighted = on
	w.mu.Unlock()
	return nil
}

// Exec implements Toolkit.
func (SimToolkit) Exec(obj Object, source string) (string, error) {
	w, err := asWidget(obj)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for n, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "print":
			out.WriteString(rest)
			out.WriteByte('\n')
		case "get":
			v, err := w.get(rest)
			if err != nil {
				return out.String(), fmt.Errorf("line %d: %w", n+1, err)
			}
			out.WriteString(v)
			out.WriteByte('\n')
		case "set":
			prop, value, _ := strings.Cut(rest, " ")
			if err := w.set(prop, value); err != nil {
				return out.String(), fmt.Errorf("line %d: %w", n+1, err)
			}
		default:
			return out.String(), fmt.Errorf("line %d: unsupported statement %q", n+1, verb)
		}
	}
	return out.String(), nil
}

func (w *Widget) get(prop string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch prop {
	case "class":
		return w.class, nil
	case "name":
		return w.name, nil
	case "stylesheet":
		return w.stylesheet, nil
	case "size":
		return fmt.Sprintf("%dx%d", w.size[0], w.size[1]), nil
	case "pos":
		return fmt.Sprintf("%d,%d", w.pos[0], w.pos[1]), nil
	default:
		return "", fmt.Errorf("unknown property %q", prop)
	}
}

func (w *Widget) set(prop, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch prop {
	case "name":
		w.name = value
	case "stylesheet":
		w.stylesheet = value
	default:
		return fmt.Errorf("property %q is read-only or unknown", prop)
	}
	return nil
}

// DemoTree builds a small main window for the demo agent.
func DemoTree() *Widget {
	win := NewWidget(nil, "QMainWindow", "mainWindow", [2]int{800, 600}, [2]int{100, 100})
	central := NewWidget(win, "QWidget", "centralWidget", [2]int{800, 560}, [2]int{0, 40})
	form := NewWidget(central, "QGroupBox", "loginForm", [2]int{400, 200}, [2]int{200, 150})
	NewWidget(form, "QLabel", "nameLabel", [2]int{80, 24}, [2]int{10, 20})
	NewWidget(form, "QLineEdit", "nameEdit", [2]int{280, 24}, [2]int{100, 20})
	NewWidget(form, "QLabel", "passwordLabel", [2]int{80, 24}, [2]int{10, 60})
	NewWidget(form, "QLineEdit", "passwordEdit", [2]int{280, 24}, [2]int{100, 60})
	ok := NewWidget(form, "QPushButton", "okButton", [2]int{120, 32}, [2]int{260, 150})
	ok.SetStylesheet("QPushButton { color: white; background: #0a84ff; }")
	NewWidget(win, "QStatusBar", "statusBar", [2]int{800, 24}, [2]int{0, 576})
	return win
}
