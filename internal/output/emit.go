package output

import (
	"fmt"
	"io"
	"sync"
)

// EmitSink writes machine-readable output.
//
// Formats:
//   - json: collects events and writes a single JSON array on Close
//   - ndjson: streams one JSON object per line
type EmitSink struct {
	writer io.Writer
	format string // "json" | "ndjson"
	mu     sync.Mutex
	events []Event
}

func NewEmitSink(w io.Writer, format string) (*EmitSink, error) {
	if w == nil {
		return nil, fmt.Errorf("emit sink writer must not be nil")
	}
	if format != "json" && format != "ndjson" {
		return nil, fmt.Errorf("unsupported emit format: %s", format)
	}
	return &EmitSink{writer: w, format: format}, nil
}

func (s *EmitSink) Write(v any) error {
	e, ok := asEvent(v)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "json" {
		s.events = append(s.events, e)
		return nil
	}
	return writeLine(s.writer, e)
}

func (s *EmitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "json" {
		return writeArray(s.writer, s.events)
	}
	return nil
}
