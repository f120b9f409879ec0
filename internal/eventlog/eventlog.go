// Package eventlog journals inspector events to SQLite.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/standardbeagle/pqi/internal/inspector"
	"github.com/standardbeagle/pqi/internal/protocol"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event log closed")

const backlog = 1024

// Entry is one journaled event.
type Entry struct {
	ID       int64               `json:"id"`
	TargetID int64               `json:"target_id"`
	Type     inspector.EventType `json:"type"`
	Command  protocol.CommandID  `json:"command"`
	Sequence uint64              `json:"seq"`
	Data     json.RawMessage     `json:"data,omitempty"`
	Time     time.Time           `json:"time"`
}

// Log is an append-only event journal. As an inspector.Display it queues
// events and writes them on its own goroutine.
type Log struct {
	db *sql.DB

	queue   chan inspector.Event
	done    chan struct{}
	written chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// Open opens or creates the journal at path. ":memory:" is accepted.
func Open(path string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("event log path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event log schema: %w", err)
	}
	l := &Log{
		db:      db,
		queue:   make(chan inspector.Event, backlog),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
	go l.writer()
	return l, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  target_id INTEGER NOT NULL,
  type TEXT NOT NULL,
  command INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  data TEXT NOT NULL,
  at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_id);
`)
	return err
}

// OnEvent implements inspector.Display. Events arriving while the queue is
// full are dropped.
func (l *Log) OnEvent(ev inspector.Event) {
	if l.closed.Load() {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many events OnEvent could not queue.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Log) writer() {
	defer close(l.written)
	for {
		select {
		case ev := <-l.queue:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) write(ev inspector.Event) {
	if err := l.insert(ev); err != nil {
		log.Printf("[EventLog] insert %s: %v", ev.Type, err)
	}
}

// Record writes ev synchronously.
func (l *Log) Record(ev inspector.Event) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.insert(ev)
}

func (l *Log) insert(ev inspector.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.Exec(
		`INSERT INTO events (target_id, type, command, seq, data, at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TargetID,
		string(ev.Type),
		int(ev.Command),
		int64(ev.Sequence),
		string(ev.Data),
		at.UnixMilli(),
	)
	return err
}

// Filter narrows a journal query. Zero fields match everything.
type Filter struct {
	TargetID int64
	Command  protocol.CommandID
	Limit    int
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	return l.Find(Filter{Limit: n})
}

// ForTarget returns up to n entries for one target, newest first.
func (l *Log) ForTarget(targetID int64, n int) ([]Entry, error) {
	return l.Find(Filter{TargetID: targetID, Limit: n})
}

// Find returns the entries matching f, newest first.
func (l *Log) Find(f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.TargetID != 0 {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Command != 0 {
		where = append(where, "command = ?")
		args = append(args, int(f.Command))
	}
	q := `SELECT id, target_id, type, command, seq, data, at_ms FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return l.query(q, args...)
}

// Count returns the number of journaled events.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func (l *Log) query(q string, args ...any) ([]Entry, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			typ  string
			cmd  int
			seq  int64
			data string
			atMS int64
		)
		if err := rows.Scan(&e.ID, &e.TargetID, &typ, &cmd, &seq, &data, &atMS); err != nil {
			return nil, err
		}
		e.Type = inspector.EventType(typ)
		e.Command = protocol.CommandID(cmd)
		e.Sequence = uint64(seq)
		if data != "" {
			e.Data = json.RawMessage(data)
		}
		e.Time = time.UnixMilli(atMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes queued events and closes the database.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		<-l.written
		err = l.db.Close()
	})
	return err
}
