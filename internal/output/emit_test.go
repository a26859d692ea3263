package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"jobflow/internal/model"
)

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() error {
	f.flushes++
	return nil
}

func TestEmitSink(t *testing.T) {
	t.Run("rejects nil writer and bad format", func(t *testing.T) {
		if _, err := NewEmitSink(nil, "ndjson"); err == nil {
			t.Fatalf("expected error for nil writer")
		}
		if _, err := NewEmitSink(&bytes.Buffer{}, "xml"); err == nil {
			t.Fatalf("expected error for xml")
		}
	})

	t.Run("ndjson streams and flushes each line", func(t *testing.T) {
		w := &flushRecorder{}
		s, err := NewEmitSink(w, "ndjson")
		if err != nil {
			t.Fatal(err)
		}
		_ = s.Write(Event{Type: EventEngineStarted, Jobs: 3, At: at})
		if w.flushes != 1 || !strings.Contains(w.String(), `"jobs":3`) {
			t.Fatalf("first line not streamed: %q (flushes=%d)", w.String(), w.flushes)
		}
		_ = s.Write(model.Notification{Event: model.EventFlowChanged, JobID: "etl", At: at})
		_ = s.Write(42)
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if n := strings.Count(w.String(), "\n"); n != 2 {
			t.Fatalf("lines = %d, want 2: %q", n, w.String())
		}
	})

	t.Run("json aggregates on close", func(t *testing.T) {
		var buf bytes.Buffer
		s, _ := NewEmitSink(&buf, "json")
		_ = s.Write(model.Notification{Event: model.EventJobFailing, JobID: "a", At: at})
		_ = s.Write(model.Notification{Event: model.EventJobFailing, JobID: "b", At: at})
		if buf.Len() != 0 {
			t.Fatalf("json mode wrote before Close")
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		var got []Event
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid json %q: %v", buf.String(), err)
		}
		if len(got) != 2 || got[1].Job != "b" {
			t.Fatalf("events = %+v", got)
		}
	})

	t.Run("json with no events is an empty array", func(t *testing.T) {
		var buf bytes.Buffer
		s, _ := NewEmitSink(&buf, "json")
		_ = s.Close()
		if strings.TrimSpace(buf.String()) != "[]" {
			t.Fatalf("got %q", buf.String())
		}
	})
}
