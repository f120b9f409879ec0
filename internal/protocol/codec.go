package protocol

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"unicode/utf8"
)

// Wire format constants.
//
// A record is three tab-separated fields terminated by a newline:
//
//	<id>\t<sequence>\t<percent-encoded payload>\n
//
// id and sequence are decimal integers, and the payload is escaped so it can
// never contain a raw tab or newline. Every byte of an encoded record is ASCII.
//
// Examples:
//
//	149\t0\t%7B%22pid%22:4242%7D\n
//	2003\t7\tprint%281%29\n
//	2002\t0\t\n
const (
	FieldSeparator   = '\t'
	RecordTerminator = '\n'

	// DefaultMaxRecordSize is the record ceiling (terminator excluded) applied
	// when none is configured. It comfortably fits creation stack traces and
	// widget property dumps.
	DefaultMaxRecordSize = 1 << 20
)

// Encode formats cmd as one complete wire record.
// It either returns the full record or an error, never a partial record.
func Encode(cmd Command) ([]byte, error) {
	if !utf8.ValidString(cmd.Payload) {
		return nil, fmt.Errorf("encode %s: %w", cmd, ErrInvalidEncoding)
	}
	escaped := url.PathEscape(cmd.Payload)

	var buf bytes.Buffer
	buf.Grow(len(escaped) + 24)
	buf.WriteString(strconv.Itoa(int(cmd.ID)))
	buf.WriteByte(FieldSeparator)
	buf.WriteString(strconv.FormatUint(cmd.Sequence, 10))
	buf.WriteByte(FieldSeparator)
	buf.WriteString(escaped)
	buf.WriteByte(RecordTerminator)
	return buf.Bytes(), nil
}

// DecodeRecord parses a single record with its terminator already stripped.
func DecodeRecord(record []byte) (Command, error) {
	first := bytes.IndexByte(record, FieldSeparator)
	if first < 0 {
		return Command{}, newProtocolError(ErrMalformedRecord, record, "missing field separator")
	}
	rest := record[first+1:]
	second := bytes.IndexByte(rest, FieldSeparator)
	if second < 0 {
		return Command{}, newProtocolError(ErrMalformedRecord, record, "missing payload separator")
	}

	id, err := strconv.Atoi(string(record[:first]))
	if err != nil {
		return Command{}, newProtocolError(ErrMalformedRecord, record, "id is not an integer")
	}
	seq, err := strconv.ParseUint(string(rest[:second]), 10, 64)
	if err != nil {
		return Command{}, newProtocolError(ErrMalformedRecord, record, "sequence is not an integer")
	}

	payload, err := url.PathUnescape(string(rest[second+1:]))
	if err != nil {
		return Command{}, newProtocolError(ErrInvalidEncoding, record, err.Error())
	}
	if !utf8.ValidString(payload) {
		return Command{}, newProtocolError(ErrInvalidEncoding, record, "payload is not valid UTF-8")
	}

	return Command{ID: CommandID(id), Sequence: seq, Payload: payload}, nil
}

// Decoder incrementally extracts records from a byte stream.
//
// Bytes may be fed at arbitrary boundaries (as partial TCP reads arrive); the
// sequence of decoded commands does not depend on how the stream was split.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	max int
	err error

	// scanned is how much of buf is known to hold no terminator, so a large
	// record arriving in many reads is scanned once.
	scanned int
}

// NewDecoder returns a decoder enforcing maxRecord bytes per record.
// A non-positive maxRecord selects DefaultMaxRecordSize.
func NewDecoder(maxRecord int) *Decoder {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecordSize
	}
	return &Decoder{max: maxRecord}
}

// Feed appends p to the stream and returns every command completed by it.
//
// Commands decoded before a failing record are returned together with the
// error. Once Feed fails, the decoder stays failed.
func (d *Decoder) Feed(p []byte) ([]Command, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var cmds []Command
	start := 0
	for {
		from := max(start, d.scanned)
		idx := bytes.IndexByte(d.buf[from:], RecordTerminator)
		if idx < 0 {
			break
		}
		end := from + idx
		record := d.buf[start:end]
		if len(record) > d.max {
			d.err = newProtocolError(ErrRecordTooLarge, record, fmt.Sprintf("limit %d bytes", d.max))
			return cmds, d.err
		}
		cmd, err := DecodeRecord(record)
		if err != nil {
			d.err = err
			return cmds, err
		}
		cmds = append(cmds, cmd)
		start = end + 1
	}

	remaining := len(d.buf) - start
	if remaining > d.max {
		d.err = newProtocolError(ErrRecordTooLarge, d.buf[start:], fmt.Sprintf("limit %d bytes", d.max))
		return cmds, d.err
	}
	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}
	d.scanned = len(d.buf)
	return cmds, nil
}

// Finish signals end of stream. It returns ErrIncompleteRecord (wrapped in a
// *ProtocolError) when a partial record is still buffered.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		d.err = newProtocolError(ErrIncompleteRecord, d.buf, fmt.Sprintf("%d bytes without terminator", len(d.buf)))
		return d.err
	}
	return nil
}
