package protocol

import (
	"errors"
	"fmt"
)

// Decode failure reasons. Every one of them is fatal to the connection.
var (
	// ErrMalformedRecord indicates a record whose id or sequence is not an integer,
	// or which lacks the expected field separators.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrRecordTooLarge indicates no record terminator within the size ceiling.
	ErrRecordTooLarge = errors.New("record exceeds size limit")

	// ErrIncompleteRecord indicates the stream ended in the middle of a record.
	ErrIncompleteRecord = errors.New("stream ended mid-record")

	// ErrInvalidEncoding indicates a payload that cannot be percent-decoded or
	// is not valid UTF-8 once decoded.
	ErrInvalidEncoding = errors.New("invalid payload encoding")
)

// ProtocolError describes a record that could not be decoded.
// The owning session is torn down; no resynchronization is attempted.
type ProtocolError struct {
	Err    error  // one of the Err* reasons above
	Record string // offending record, truncated for logging
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Record != "" {
		msg += fmt.Sprintf(" (record %q)", e.Record)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

const maxRecordSnippet = 64

func newProtocolError(reason error, record []byte, detail string) *ProtocolError {
	snippet := record
	if len(snippet) > maxRecordSnippet {
		snippet = snippet[:maxRecordSnippet]
	}
	return &ProtocolError{Err: reason, Record: string(snippet), Detail: detail}
}
