// Package obslog centralizes terse log.Printf-style logging so call sites
// share one prefix/level convention instead of each inventing its own.
package obslog

import (
	"io"
	"log"
	"os"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
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
	default:
		return "?"
	}
}

// Logger is a leveled wrapper around the stdlib logger, tagged with a
// component name carried as a field instead of a repeated string literal
// per call site.
type Logger struct {
	component string
	min       Level
	out       *log.Logger
}

func New(component string, min Level) *Logger {
	return &Logger{component: component, min: min, out: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewSilent returns a Logger writing to io.Discard, for tests that want the
// default logger wiring without stderr noise.
func NewSilent(component string) *Logger {
	l := New(component, LevelError+1)
	l.out = log.New(io.Discard, "", 0)
	return l
}

func (l *Logger) With(component string) *Logger {
	return &Logger{component: l.component + "." + component, min: l.min, out: l.out}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.out.Printf("%s %s: "+format, append([]any{level, l.component}, args...)...)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }
