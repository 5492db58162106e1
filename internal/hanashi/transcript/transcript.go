// Package transcript appends every conversation turn to a plain-text log,
// one line per message:
//
//	2026-10-19T09:00:00Z | !room:example.org | user      | hello there
//
// The file is rotated by size with lumberjack.
package transcript

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the rotating transcript file.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Writer formats and appends transcript lines. A nil *Writer discards
// everything.
type Writer struct {
	mu    sync.Mutex
	out   io.Writer
	close func() error
	now   func() time.Time
}

// Open returns a Writer backed by a rotating file at cfg.Path.
func Open(cfg Config) *Writer {
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	w := New(lj)
	w.close = lj.Close
	return w
}

// New returns a Writer appending to out.
func New(out io.Writer) *Writer {
	return &Writer{out: out, now: time.Now}
}

// Log appends one line for a message sent in conversation by role.
func (w *Writer) Log(conversation, role, text string) error {
	if w == nil {
		return nil
	}
	line := Format(w.now(), conversation, role, text)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.out, line); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (w *Writer) Close() error {
	if w == nil || w.close == nil {
		return nil
	}
	return w.close()
}

// Format renders one transcript line, newline included. Line breaks inside
// text are flattened to spaces so every message stays on one line.
func Format(at time.Time, conversation, role, text string) string {
	flat := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return fmt.Sprintf("%s | %s | %-9s | %s\n",
		at.UTC().Format("2006-01-02T15:04:05Z"), conversation, role, flat)
}
