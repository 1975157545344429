package audit

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pitabwire/signet/model"
)

// MemorySink keeps activity logs in memory. It implements Sink and Reader.
type MemorySink struct {
	mu   sync.RWMutex
	logs []model.ActivityLog
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends a log. Writing an ID twice is a no-op so retries are safe.
func (s *MemorySink) Write(_ context.Context, log model.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.ID == log.ID {
			return nil
		}
	}
	s.logs = append(s.logs, log)
	return nil
}

// List returns the logs of a request ordered by ID.
func (s *MemorySink) List(_ context.Context, requestID string) ([]model.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ActivityLog
	for _, l := range s.logs {
		if l.RequestID == requestID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// All returns every stored log in insertion order.
func (s *MemorySink) All() []model.ActivityLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ActivityLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// MultiSink writes every log to all of its sinks. Reads go to the first sink
// that implements Reader.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink fans writes out to sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write writes to every sink and joins their errors.
func (m *MultiSink) Write(ctx context.Context, log model.ActivityLog) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List reads from the first readable sink.
func (m *MultiSink) List(ctx context.Context, requestID string) ([]model.ActivityLog, error) {
	for _, s := range m.sinks {
		if r, ok := s.(Reader); ok {
			return r.List(ctx, requestID)
		}
	}
	return nil, model.NewInvalidStateError("no readable audit sink configured")
}
