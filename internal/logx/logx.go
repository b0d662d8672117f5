// Package logx is the embedded engine's diagnostic logging: one shared
// sink with a minimum level, fanned out to per-component scoped loggers so
// a line always says which subsystem (root, collection, coordinator) emitted
// it. Loggers are injected at construction; nothing in the engine reaches
// for a package-level singleton.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level orders log verbosity, lowest first.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(lv))
	}
}

// core is the shared sink behind a family of scoped loggers: one writer,
// one minimum level, one mutex, so lines from different components never
// interleave and a single SetLevel governs the whole family.
type core struct {
	mu  sync.Mutex
	min Level
	out io.Writer
}

// Logger emits leveled, component-scoped lines to its family's shared
// sink. The zero value is not usable; construct with New or Scoped.
type Logger struct {
	core  *core
	scope string
}

// New builds the root Logger of a new family, writing to out at the given
// minimum level. scope names the root component on every line.
func New(out io.Writer, min Level, scope string) *Logger {
	return &Logger{core: &core{min: min, out: out}, scope: scope}
}

// Default returns a root Logger writing to stderr at LevelInfo.
func Default() *Logger {
	return New(os.Stderr, LevelInfo, "blobdoc")
}

// Scoped derives a child logger for a sub-component. The child shares the
// family's sink and level; only the scope on each line changes.
func (l *Logger) Scoped(component string) *Logger {
	return &Logger{core: l.core, scope: l.scope + "/" + component}
}

// SetLevel changes the minimum emitted level for the whole family.
func (l *Logger) SetLevel(min Level) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.min = min
}

func (l *Logger) emit(lv Level, format string, args ...any) {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if lv < c.min {
		return
	}
	fmt.Fprintf(c.out, "%s %-5s %s: %s\n",
		time.Now().UTC().Format("2006/01/02 15:04:05"),
		lv, l.scope, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.emit(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.emit(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }
