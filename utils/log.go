package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// sink is shared by a logger and all of its named children
type sink struct {
	mu       sync.Mutex
	minLevel LogLevel
	file     *os.File
	out      []io.Writer
}

type Logger struct {
	s    *sink
	name string
}

// NewFileLogger appends to filePath and optionally mirrors to stdout
func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	out := []io.Writer{f}
	if alsoStdout {
		out = append(out, os.Stdout)
	}
	return &Logger{s: &sink{minLevel: minLevel, file: f, out: out}}, nil
}

// NewLogger writes to w only
func NewLogger(w io.Writer, minLevel LogLevel) *Logger {
	return &Logger{s: &sink{minLevel: minLevel, out: []io.Writer{w}}}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLogger(io.Discard, CRITICAL+1)
}

// Named returns a child logger that prefixes lines with name
func (l *Logger) Named(name string) *Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return &Logger{s: l.s, name: name}
}

func (l *Logger) Close() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.file != nil {
		err := l.s.file.Close()
		l.s.file = nil
		l.s.out = nil
		return err
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.minLevel = level
}

func (l *Logger) Enabled(level LogLevel) bool {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return level >= l.s.minLevel
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if level < l.s.minLevel {
		return
	}

	ts := time.Now().Format(time.RFC3339Nano)
	var line string
	if l.name != "" {
		line = fmt.Sprintf("%s [%s] %s: %s\n", ts, level.String(), l.name, fmt.Sprintf(msg, args...))
	} else {
		line = fmt.Sprintf("%s [%s] %s\n", ts, level.String(), fmt.Sprintf(msg, args...))
	}

	for _, w := range l.s.out {
		_, _ = io.WriteString(w, line)
	}
	if l.s.file != nil && level >= WARN {
		_ = l.s.file.Sync()
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }
