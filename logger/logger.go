// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package logger defines the leveled logger used across the storage layer.
// Libraries default to NopLogger; binaries install a real one.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger is the shared logging interface. Printf logs at info level, which
// also makes a Logger usable wherever a plain printf-style logger is
// expected.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
	// WithPrefix returns a Logger with the same configuration whose lines
	// all carry the given prefix.
	WithPrefix(prefix string) Logger
}

// Level orders log severities; a line is emitted when its level is at or
// above the logger's threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelPanic:
		return "PANIC"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// timeFormat is UTC with microsecond resolution and constant width.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

// StderrLogger is the default logger for code with no better destination.
var StderrLogger = NewStandardLogger(os.Stderr)

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
func (nopLogger) Debugf(format string, v ...interface{}) {}
func (nopLogger) Infof(format string, v ...interface{})  {}
func (nopLogger) Warnf(format string, v ...interface{})  {}
func (nopLogger) Errorf(format string, v ...interface{}) {}
func (nopLogger) Panicf(format string, v ...interface{}) {}

func (n nopLogger) WithPrefix(prefix string) Logger { return n }

// writeLogger writes timestamped, level-tagged lines to one writer. The
// mutex keeps concurrent participants from interleaving partial lines.
type writeLogger struct {
	mu        *sync.Mutex
	w         io.Writer
	threshold Level
	prefix    string
}

// NewStandardLogger returns a Logger writing info and above to w.
func NewStandardLogger(w io.Writer) Logger {
	return &writeLogger{mu: &sync.Mutex{}, w: w, threshold: LevelInfo}
}

// NewVerboseLogger returns a Logger writing debug and above to w.
func NewVerboseLogger(w io.Writer) Logger {
	return &writeLogger{mu: &sync.Mutex{}, w: w, threshold: LevelDebug}
}

func (l *writeLogger) logf(level Level, format string, v ...interface{}) {
	if level < l.threshold {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s: %s%s\n",
		time.Now().UTC().Format(timeFormat), level, l.prefix, fmt.Sprintf(format, v...))
}

func (l *writeLogger) Printf(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *writeLogger) Debugf(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

func (l *writeLogger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *writeLogger) Warnf(format string, v ...interface{}) {
	l.logf(LevelWarn, format, v...)
}

func (l *writeLogger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

func (l *writeLogger) Panicf(format string, v ...interface{}) {
	l.logf(LevelPanic, format, v...)
	panic(fmt.Sprintf(format, v...))
}

func (l *writeLogger) WithPrefix(prefix string) Logger {
	return &writeLogger{mu: l.mu, w: l.w, threshold: l.threshold, prefix: prefix}
}

// Logfer is anything with testing.T's Logf method.
type Logfer interface {
	Logf(format string, v ...interface{})
}

// LogfLogger adapts a Logfer, typically a testing.T or testing.B, so test
// logs land in the test output.
type LogfLogger struct {
	wrapped Logfer
}

// NewLogfLogger returns a Logger forwarding every level to l.Logf.
func NewLogfLogger(l Logfer) *LogfLogger {
	return &LogfLogger{wrapped: l}
}

func (ll *LogfLogger) Printf(format string, v ...interface{}) { ll.wrapped.Logf(format, v...) }
func (ll *LogfLogger) Debugf(format string, v ...interface{}) { ll.wrapped.Logf(format, v...) }
func (ll *LogfLogger) Infof(format string, v ...interface{})  { ll.wrapped.Logf(format, v...) }
func (ll *LogfLogger) Warnf(format string, v ...interface{})  { ll.wrapped.Logf(format, v...) }
func (ll *LogfLogger) Errorf(format string, v ...interface{}) { ll.wrapped.Logf(format, v...) }
func (ll *LogfLogger) Panicf(format string, v ...interface{}) { ll.wrapped.Logf(format, v...) }

func (ll *LogfLogger) WithPrefix(prefix string) Logger { return ll }

// BufferLogger collects every line, debug included, in memory so tests can
// inspect what was logged.
type BufferLogger struct {
	Logger

	mu  *sync.Mutex
	buf *bytes.Buffer
}

// NewBufferLogger returns a buffering Logger.
func NewBufferLogger() *BufferLogger {
	buf := &bytes.Buffer{}
	wl := &writeLogger{mu: &sync.Mutex{}, w: buf, threshold: LevelDebug}
	return &BufferLogger{Logger: wl, mu: wl.mu, buf: buf}
}

// String returns everything logged so far.
func (b *BufferLogger) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
