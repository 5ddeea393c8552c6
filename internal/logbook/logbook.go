// Package logbook keeps the human-readable run journal at meta/logbook.log.
// Each line is one Entry: a timestamp, a level, and optionally the phase and
// the subject (producer, category, finding or report) it concerns.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lattice-audit/internal/workflow"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one journal line.
type Entry struct {
	At      time.Time
	Level   Level
	Phase   workflow.PhaseState
	Subject string
	Message string
}

// String renders e as
//
//	2026-05-06T07:08:09Z WARN  [recon-running] <documentation> producer failed
//
// The phase and subject parts are omitted when empty.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", e.At.UTC().Format(time.RFC3339), string(e.Level))
	if e.Phase != "" {
		fmt.Fprintf(&b, " [%s]", e.Phase)
	}
	if e.Subject != "" {
		fmt.Fprintf(&b, " <%s>", e.Subject)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	return b.String()
}

// ParseEntry reads a line written by String. Lines in any other shape come
// back as a message-only entry and false.
func ParseEntry(line string) (Entry, bool) {
	raw := Entry{Message: line}
	stamp, rest, ok := strings.Cut(line, " ")
	if !ok {
		return raw, false
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return raw, false
	}
	level, rest, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	switch Level(level) {
	case LevelInfo, LevelWarn, LevelError:
	default:
		return raw, false
	}
	e := Entry{At: at, Level: Level(level)}
	rest = strings.TrimLeft(rest, " ")
	if strings.HasPrefix(rest, "[") {
		if end := strings.Index(rest, "] "); end > 0 {
			e.Phase = workflow.PhaseState(rest[1:end])
			rest = rest[end+2:]
		}
	}
	if strings.HasPrefix(rest, "<") {
		if end := strings.Index(rest, "> "); end > 0 {
			e.Subject = rest[1:end]
			rest = rest[end+2:]
		}
	}
	e.Message = rest
	return e, true
}

// Logbook appends entries to a file shared by the engine, the CLI and the
// progress view.
type Logbook struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// SetClock replaces the timestamp source.
func (l *Logbook) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.mu.Lock()
	l.now = clock
	l.mu.Unlock()
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record writes e. A zero At is stamped with the logbook clock.
func (l *Logbook) Record(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.At.IsZero() {
		e.At = l.now()
	}
	e.Message = strings.Join(strings.Fields(e.Message), " ")
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(e.String() + "\n")
}

// Tail returns up to maxEntries of the most recent entries and the total
// number of entries in the logbook.
func (l *Logbook) Tail(maxEntries int) ([]Entry, int) {
	if l == nil || maxEntries <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxEntries {
		lines = lines[total-maxEntries:]
	}
	entries := make([]Entry, len(lines))
	for i, line := range lines {
		entries[i], _ = ParseEntry(line)
	}
	return entries, total
}

// For returns a scope whose entries carry phase and subject.
func (l *Logbook) For(phase workflow.PhaseState, subject string) Scope {
	return Scope{book: l, phase: phase, subject: subject}
}

// Info appends an informational entry with no phase or subject.
func (l *Logbook) Info(format string, args ...any) {
	l.For("", "").Info(format, args...)
}

// Warn appends a warning entry with no phase or subject.
func (l *Logbook) Warn(format string, args ...any) {
	l.For("", "").Warn(format, args...)
}

// Error appends an error entry with no phase or subject.
func (l *Logbook) Error(format string, args ...any) {
	l.For("", "").Error(format, args...)
}

// Scope writes entries tagged with one phase and subject.
type Scope struct {
	book    *Logbook
	phase   workflow.PhaseState
	subject string
}

func (s Scope) Info(format string, args ...any) {
	s.record(LevelInfo, format, args)
}

func (s Scope) Warn(format string, args ...any) {
	s.record(LevelWarn, format, args)
}

func (s Scope) Error(format string, args ...any) {
	s.record(LevelError, format, args)
}

func (s Scope) record(level Level, format string, args []any) {
	s.book.Record(Entry{Level: level, Phase: s.phase, Subject: s.subject, Message: fmt.Sprintf(format, args...)})
}
