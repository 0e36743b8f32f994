// Package logx provides structured logging with agent-scoped loggers and an
// in-memory ring buffer that feeds the server_log stream on client channels.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level identifies the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes leveled, agent-scoped log lines to stderr and mirrors them
// into the global ring buffer.
type Logger struct {
	source string
	logger *log.Logger
}

// Entry is a structured log record kept in the ring buffer for streaming to
// connected clients.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Sink receives every entry appended to the ring buffer. Used by the web
// layer to forward server logs to subscribed clients.
type Sink func(Entry)

type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	sinks   []Sink
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

var (
	buffer = &ringBuffer{maxSize: 1000}

	debugMu sync.RWMutex
	debug   = debugSettingsFromEnv()
)

func debugSettingsFromEnv() debugSettings {
	s := debugSettings{}
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		s.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		s.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			s.domains[strings.TrimSpace(d)] = true
		}
	}
	return s
}

// SetDebug enables or disables debug logging at runtime.
func SetDebug(enabled bool) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debug.enabled = enabled
}

func debugEnabledFor(source string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debug.enabled {
		return false
	}
	if debug.domains == nil {
		return true
	}
	return debug.domains[source]
}

// NewLogger creates a logger scoped to the given source (agent id, package
// name, or subsystem).
func NewLogger(source string) *Logger {
	return &Logger{
		source: source,
		logger: log.New(os.Stderr, "", 0),
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC()
	l.logger.Printf("%s [%s] %-5s %s", ts.Format(time.RFC3339), l.source, level, msg)
	buffer.append(Entry{Timestamp: ts, Source: l.source, Level: level, Message: msg})
}

// Source returns the name this logger stamps on its entries.
func (l *Logger) Source() string {
	return l.source
}

// Debug logs at DEBUG level when debug logging is enabled for this source.
func (l *Logger) Debug(format string, args ...any) {
	if !debugEnabledFor(l.source) {
		return
	}
	l.log(LevelDebug, format, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (rb *ringBuffer) append(e Entry) {
	rb.mu.Lock()
	rb.entries = append(rb.entries, e)
	if len(rb.entries) > rb.maxSize {
		rb.entries = rb.entries[len(rb.entries)-rb.maxSize:]
	}
	sinks := make([]Sink, len(rb.sinks))
	copy(sinks, rb.sinks)
	rb.mu.Unlock()

	for _, sink := range sinks {
		sink(e)
	}
}

// RecentEntries returns up to n most recent log entries, oldest first.
func RecentEntries(n int) []Entry {
	buffer.mu.RLock()
	defer buffer.mu.RUnlock()

	entries := buffer.entries
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// AddSink registers a sink that receives every subsequent entry. Sinks must
// not block; slow consumers should buffer internally.
func AddSink(sink Sink) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	buffer.sinks = append(buffer.sinks, sink)
}
