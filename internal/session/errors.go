package session

import (
	"errors"
	"fmt"

	"github.com/standardbeagle/pqi/internal/protocol"
)

var (
	// ErrClosed is returned when operating on a session that is closing or closed.
	ErrClosed = errors.New("session closed")

	// ErrQueueFull is returned when the bounded outbound queue has no room.
	// Enqueueing never blocks the caller.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("session already started")
)

// TransportError wraps a socket-level failure. It is fatal to the connection.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError records a command handler that failed or panicked.
// It is logged at the dispatch boundary and never tears down the session.
type HandlerError struct {
	Command protocol.Command
	Err     error
	Panic   any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s panicked: %v", e.Command, e.Panic)
	}
	return fmt.Sprintf("handler for %s: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
