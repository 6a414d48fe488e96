package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Sink accepts audit records. Implementations must be safe for concurrent use
// and must never mutate the record after Append returns.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// NopSink drops every record. Used when auditing is disabled in tooling runs.
type NopSink struct{}

// Append discards the record.
func (NopSink) Append(_ context.Context, _ Record) error { return nil }

// MemorySink retains records in memory for tests and the one-shot CLI.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the record.
func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByCategory returns the appended records matching the category, in order.
func (s *MemorySink) ByCategory(c Category) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Category == c {
			out = append(out, rec)
		}
	}
	return out
}

// ByException returns the appended records for one exception id, in order.
func (s *MemorySink) ByException(exceptionID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.ExceptionID == exceptionID {
			out = append(out, rec)
		}
	}
	return out
}

// FanOut writes each record to every sink. A failing sink is logged and does
// not stop the others; the first error is returned after all sinks ran.
type FanOut struct {
	sinks []Sink
	log   *slog.Logger
}

// NewFanOut composes sinks into one. Nil sinks are skipped.
func NewFanOut(sinks ...Sink) *FanOut {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanOut{sinks: kept, log: slog.With("component", "audit_fanout")}
}

// Append delivers the record to every sink.
func (f *FanOut) Append(ctx context.Context, rec Record) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Append(ctx, rec); err != nil {
			f.log.Warn("Audit sink append failed",
				"category", string(rec.Category),
				"exception_id", rec.ExceptionID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
