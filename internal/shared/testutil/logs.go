package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// LogRecord is one captured log line. Attrs include those bound with
// Logger.With.
type LogRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// LogSink collects records from every logger derived from it.
type LogSink struct {
	mu      sync.Mutex
	records []LogRecord
}

// NewTestLogger returns a logger writing into a fresh sink. Records are
// echoed to t.Log when t is non-nil.
func NewTestLogger(t testing.TB) (*slog.Logger, *LogSink) {
	sink := &LogSink{}
	return slog.New(&sinkHandler{sink: sink, t: t}), sink
}

// Records returns a snapshot of everything captured so far.
func (s *LogSink) Records() []LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogRecord(nil), s.records...)
}

// Find returns the records at level whose message contains substr.
func (s *LogSink) Find(level slog.Level, substr string) []LogRecord {
	var out []LogRecord
	for _, r := range s.Records() {
		if r.Level == level && strings.Contains(r.Message, substr) {
			out = append(out, r)
		}
	}
	return out
}

// Contains reports whether any record at level mentions substr.
func (s *LogSink) Contains(level slog.Level, substr string) bool {
	return len(s.Find(level, substr)) > 0
}

func (s *LogSink) add(r LogRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

type sinkHandler struct {
	sink  *LogSink
	t     testing.TB
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.sink.add(LogRecord{Level: r.Level, Message: r.Message, Attrs: attrs})
	if h.t != nil {
		h.t.Logf("[%s] %s %v", r.Level, r.Message, attrs)
	}
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &sinkHandler{sink: h.sink, t: h.t, attrs: merged}
}

// Groups are flattened.
func (h *sinkHandler) WithGroup(string) slog.Handler { return h }
