// Package logging defines the logging contract consumed by the session engine.
// Any logger that satisfies Logger can be plugged in via Conn.UseLogger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota + 1
	INFO
	WARN
	ERROR
)

// Logger is the interface the engine logs through.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
}

// QueryLog is the structured entry emitted for every statement the engine runs.
type QueryLog struct {
	Type     string `json:"type"`
	Query    string `json:"query"`
	Duration int64  `json:"duration"`
	Async    bool   `json:"async,omitempty"`
}

var collapseSpace = regexp.MustCompile(`\s+`)

func clean(query string) string {
	return strings.TrimSpace(collapseSpace.ReplaceAllString(query, " "))
}

// PrettyPrint writes a human-readable representation of the entry.
func (l *QueryLog) PrettyPrint(writer io.Writer) {
	mode := "SYNC"
	if l.Async {
		mode = "ASYNC"
	}

	fmt.Fprintf(writer, "\u001B[38;5;8m%-24s \u001B[38;5;24m%-5s\u001B[0m %8d\u001B[38;5;8mµs\u001B[0m %s\n",
		l.Type, mode, l.Duration, clean(l.Query))
}

type stdLogger struct {
	level Level
	out   *log.Logger
}

// NewStdLogger returns a Logger writing to stderr at the given level.
func NewStdLogger(level Level) Logger {
	return &stdLogger{level: level, out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *stdLogger) logf(level Level, prefix, format string, args ...any) {
	if level < l.level {
		return
	}

	if format == "" {
		l.out.Println(append([]any{prefix}, args...)...)
	} else {
		l.out.Printf(prefix+" "+format, args...)
	}
}

func (l *stdLogger) Debug(args ...any)                 { l.logf(DEBUG, "DEBU", "", args...) }
func (l *stdLogger) Debugf(format string, args ...any) { l.logf(DEBUG, "DEBU", format, args...) }
func (l *stdLogger) Info(args ...any)                  { l.logf(INFO, "INFO", "", args...) }
func (l *stdLogger) Infof(format string, args ...any)  { l.logf(INFO, "INFO", format, args...) }
func (l *stdLogger) Warn(args ...any)                  { l.logf(WARN, "WARN", "", args...) }
func (l *stdLogger) Warnf(format string, args ...any)  { l.logf(WARN, "WARN", format, args...) }
func (l *stdLogger) Error(args ...any)                 { l.logf(ERROR, "ERRO", "", args...) }
func (l *stdLogger) Errorf(format string, args ...any) { l.logf(ERROR, "ERRO", format, args...) }

// NopLogger discards everything. Useful as a default and in tests.
type NopLogger struct{}

func (NopLogger) Debug(...any)          {}
func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Info(...any)           {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warn(...any)           {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Error(...any)          {}
func (NopLogger) Errorf(string, ...any) {}
