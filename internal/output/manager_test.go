package output

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"jobflow/internal/model"
)

type fakeSink struct {
	writes   []any
	writeErr error
	closeErr error
}

func (s *fakeSink) Write(v any) error {
	s.writes = append(s.writes, v)
	return s.writeErr
}

func (s *fakeSink) Close() error {
	return s.closeErr
}

func TestManager(t *testing.T) {
	t.Run("writes to all sinks", func(t *testing.T) {
		a, b := &fakeSink{}, &fakeSink{}
		mgr := NewManager(nil)
		for _, s := range []*fakeSink{a, b} {
			if err := mgr.AddSink(s); err != nil {
				t.Fatalf("AddSink: %v", err)
			}
		}
		if err := mgr.Write("v1"); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := mgr.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if len(a.writes) != 1 || len(b.writes) != 1 {
			t.Fatalf("writes a=%v b=%v", a.writes, b.writes)
		}
	})

	t.Run("aggregates write and close errors", func(t *testing.T) {
		a := &fakeSink{writeErr: errors.New("disk full"), closeErr: errors.New("close a")}
		b := &fakeSink{closeErr: errors.New("close b")}
		mgr := NewManager(nil)
		_ = mgr.AddSink(a)
		_ = mgr.AddSink(b)

		err := mgr.Write("v")
		if err == nil || !strings.Contains(err.Error(), "disk full") {
			t.Fatalf("Write error = %v", err)
		}
		if len(b.writes) != 1 {
			t.Fatalf("a failing sink stopped delivery to the next one")
		}
		err = mgr.Close()
		if err == nil || !strings.Contains(err.Error(), "close a") || !strings.Contains(err.Error(), "close b") {
			t.Fatalf("Close error = %v", err)
		}
	})

	t.Run("nil sink rejected", func(t *testing.T) {
		if err := NewManager(nil).AddSink(nil); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("nil manager", func(t *testing.T) {
		var mgr *Manager
		if err := mgr.Write("v"); err == nil {
			t.Fatalf("expected error")
		}
		mgr.Notify(model.Notification{})
	})
}

func TestManager_NotifyLogsFailures(t *testing.T) {
	var logs bytes.Buffer
	mgr := NewManager(slog.New(slog.NewTextHandler(&logs, nil)))
	sink := &fakeSink{writeErr: errors.New("smtp down")}
	_ = mgr.AddSink(sink)

	mgr.Notify(model.Notification{Event: model.EventJobFailing, JobID: "etl", At: at})

	if len(sink.writes) != 1 {
		t.Fatalf("notification not delivered")
	}
	if _, ok := sink.writes[0].(model.Notification); !ok {
		t.Fatalf("delivered %T", sink.writes[0])
	}
	if !strings.Contains(logs.String(), "notification delivery failed") || !strings.Contains(logs.String(), "smtp down") {
		t.Fatalf("failure not logged: %q", logs.String())
	}
}
