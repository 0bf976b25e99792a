// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/syncrunner/internal/progress"
)

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// RecordingSink keeps every published progress event in order
type RecordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Publish(_ context.Context, evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

// Events returns the events published for jobID, or every event when jobID
// is empty.
func (s *RecordingSink) Events(jobID string) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]progress.Event, 0, len(s.events))
	for _, evt := range s.events {
		if jobID == "" || evt.JobID == jobID {
			result = append(result, evt)
		}
	}
	return result
}

// Statuses returns the status of each event published for jobID
func (s *RecordingSink) Statuses(jobID string) []progress.Status {
	events := s.Events(jobID)
	out := make([]progress.Status, len(events))
	for i, evt := range events {
		out[i] = evt.Status
	}
	return out
}

// CountTerminal returns how many COMPLETED or FAILED events jobID received
func (s *RecordingSink) CountTerminal(jobID string) int {
	n := 0
	for _, evt := range s.Events(jobID) {
		if evt.Status.Terminal() {
			n++
		}
	}
	return n
}

// TestLogger captures log records for assertions
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{entries: make([]LogEntry, 0)}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}
	for i := 0; i+1 < len(fields); i += 2 {
		entry.Fields[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	result := make([]LogEntry, 0)
	for _, entry := range l.GetEntries() {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// HasMessage reports whether any record at level carries msg
func (l *TestLogger) HasMessage(level, msg string) bool {
	for _, entry := range l.GetEntriesByLevel(level) {
		if entry.Message == msg {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasError() bool {
	return len(l.GetEntriesByLevel("ERROR")) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("WARN")) > 0
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &testLogHandler{logger: h.logger, attrs: newAttrs}
}

// Groups are flattened; no test depends on them.
func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
}
