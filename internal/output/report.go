package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"jobflow/internal/model"
)

// ReportSink writes a Markdown summary of everything it saw when closed:
// which jobs failed, which approvals are still open and per-job activity.
type ReportSink struct {
	path  string
	file  *os.File
	mu    sync.Mutex
	jobs  map[string]*jobActivity
	first time.Time
	last  time.Time
	total int
}

type jobActivity struct {
	Job          string
	Failing      int
	CheckupFails int
	FlowChanges  int
	Submitted    int
	Exhausted    bool
	// OpenApproval is set by approval.requested and cleared by
	// approval.resolved.
	OpenApproval bool
	LastMessage  string
	LastAt       time.Time
}

func (a *jobActivity) needsAttention() bool {
	return a.Failing > 0 || a.CheckupFails > 0 || a.Exhausted || a.OpenApproval
}

func NewReportSink(path string) (*ReportSink, error) {
	if path == "" {
		return nil, fmt.Errorf("report path required")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}
	return &ReportSink{path: path, file: f, jobs: make(map[string]*jobActivity)}, nil
}

func (s *ReportSink) Write(v any) error {
	e, ok := asEvent(v)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if s.first.IsZero() || e.At.Before(s.first) {
		s.first = e.At
	}
	if e.At.After(s.last) {
		s.last = e.At
	}
	if e.Job == "" {
		return nil
	}

	a, ok := s.jobs[e.Job]
	if !ok {
		a = &jobActivity{Job: e.Job}
		s.jobs[e.Job] = a
	}
	switch e.Type {
	case model.EventJobFailing:
		a.Failing++
	case model.EventCheckupFailed:
		a.CheckupFails++
	case model.EventFlowChanged:
		a.FlowChanges++
	case model.EventBuildSubmitted:
		a.Submitted++
	case model.EventRetriesExhausted:
		a.Exhausted = true
	case model.EventApprovalRequested:
		a.OpenApproval = true
	case model.EventApprovalResolved:
		a.OpenApproval = false
	}
	if e.Message != "" && !e.At.Before(a.LastAt) {
		a.LastMessage = e.Message
		a.LastAt = e.At
	}
	return nil
}

func (s *ReportSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.file.WriteString(s.render())
	if closeErr := s.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (s *ReportSink) render() string {
	all := make([]*jobActivity, 0, len(s.jobs))
	for _, a := range s.jobs {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Job < all[j].Job })

	var attention, approvals []*jobActivity
	for _, a := range all {
		if a.needsAttention() {
			attention = append(attention, a)
		}
		if a.OpenApproval {
			approvals = append(approvals, a)
		}
	}
	// Worst first: exhausted retries, then the most failure flags.
	sort.SliceStable(attention, func(i, j int) bool {
		if attention[i].Exhausted != attention[j].Exhausted {
			return attention[i].Exhausted
		}
		return attention[i].Failing+attention[i].CheckupFails > attention[j].Failing+attention[j].CheckupFails
	})

	var b strings.Builder
	b.WriteString("# jobflow session report\n\n")
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Events: %d\n", s.total)
	fmt.Fprintf(&b, "- Jobs with activity: %d\n", len(all))
	fmt.Fprintf(&b, "- Jobs needing attention: %d\n", len(attention))
	fmt.Fprintf(&b, "- Open approvals: %d\n", len(approvals))
	if !s.first.IsZero() {
		fmt.Fprintf(&b, "- Window: %s to %s\n", s.first.UTC().Format(time.RFC3339), s.last.UTC().Format(time.RFC3339))
	}

	b.WriteString("\n## Jobs needing attention\n\n")
	if len(attention) == 0 {
		b.WriteString("None.\n")
	}
	for _, a := range attention {
		var why []string
		if a.Exhausted {
			why = append(why, "retries exhausted")
		}
		if a.Failing > 0 {
			why = append(why, fmt.Sprintf("flagged failing %dx", a.Failing))
		}
		if a.CheckupFails > 0 {
			why = append(why, fmt.Sprintf("%d failed checkups", a.CheckupFails))
		}
		if a.OpenApproval {
			why = append(why, "awaiting approval")
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", a.Job, strings.Join(why, ", "))
	}

	b.WriteString("\n## Open approvals\n\n")
	if len(approvals) == 0 {
		b.WriteString("None.\n")
	}
	for _, a := range approvals {
		fmt.Fprintf(&b, "- %s\n", a.Job)
	}

	b.WriteString("\n## Per-job activity\n\n")
	b.WriteString("| Job | Submitted | Flow changes | Failing | Checkup failures | Last message |\n")
	b.WriteString("|---|---:|---:|---:|---:|---|\n")
	for _, a := range all {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %s |\n", a.Job, a.Submitted, a.FlowChanges, a.Failing, a.CheckupFails, escapeCell(a.LastMessage))
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
