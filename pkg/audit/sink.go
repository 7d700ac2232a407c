package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// WriterSink writes each record as a JSON line prefixed with "AUDIT: " so
// it can be filtered out of mixed process output.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to w, or stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Write(_ context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// MemorySink keeps every record, without the trail's retention bound.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Records returns a copy of what the sink has seen.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
