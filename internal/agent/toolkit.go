package agent

import "github.com/standardbeagle/pqi/internal/protocol"

// Object is an opaque GUI toolkit handle.
type Object any

// Description is what a toolkit reports about one object.
type Description struct {
	ClassName     string
	ObjectName    string
	Size          [2]int
	Pos           [2]int
	Stylesheet    string
	CreationStack []protocol.StackFrame

	// Parents lists ancestors, nearest first.
	Parents []Object
}

// Toolkit is the GUI toolkit behind the agent. Its methods are called from
// handlers, which run on the session's executor; hosts that require a UI
// thread supply an executor that posts there.
type Toolkit interface {
	Describe(obj Object) (Description, error)
	Children(obj Object) ([]Object, error)
	SetHighlight(obj Object, on bool) error

	// Exec runs source with obj bound as the target and returns captured output.
	Exec(obj Object, source string) (string, error)
}
