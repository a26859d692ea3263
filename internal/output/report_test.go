package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobflow/internal/model"
)

func TestReportSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")
	s, err := NewReportSink(path)
	if err != nil {
		t.Fatalf("NewReportSink: %v", err)
	}

	n := func(event, job, msg string, offset time.Duration) model.Notification {
		return model.Notification{Event: event, JobID: job, Message: msg, At: at.Add(offset)}
	}
	writes := []any{
		Event{Type: EventEngineStarted, Jobs: 3, At: at},
		n(model.EventBuildSubmitted, "extract", "cron", time.Minute),
		n(model.EventJobFailing, "extract", "build #1 FAILURE", 2*time.Minute),
		n(model.EventRetriesExhausted, "extract", "2 attempts", 3*time.Minute),
		n(model.EventFlowChanged, "load", "NORMAL -> BLOCKED", 3*time.Minute),
		n(model.EventCheckupFailed, "report", "rows | 50 <= 100", 4*time.Minute),
		n(model.EventApprovalRequested, "report", "", 5*time.Minute),
		n(model.EventApprovalRequested, "audit", "", 5*time.Minute),
		n(model.EventApprovalResolved, "audit", "approved", 6*time.Minute),
	}
	for _, w := range writes {
		if err := s.Write(w); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	for _, want := range []string{
		"# jobflow session report",
		"- Events: 9",
		"- Jobs with activity: 4",
		"- Jobs needing attention: 2",
		"- Open approvals: 1",
		"- **extract**: retries exhausted, flagged failing 1x",
		"- **report**: 1 failed checkups, awaiting approval",
		"| load | 0 | 1 | 0 | 0 | NORMAL -> BLOCKED |",
		`rows \| 50 <= 100`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "**extract**") > strings.Index(out, "**report**") {
		t.Errorf("exhausted job should be listed first")
	}
	if strings.Contains(out, "## Open approvals\n\n- audit") {
		t.Errorf("resolved approval still listed as open")
	}
}

func TestReportSink_RequiresPath(t *testing.T) {
	if _, err := NewReportSink(""); err == nil {
		t.Fatalf("expected error")
	}
}
