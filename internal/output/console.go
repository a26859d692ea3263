package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"jobflow/internal/model"
)

// ConsoleSink prints events for an operator: coloured text lines, or NDJSON
// when stdout is piped into another tool.
type ConsoleSink struct {
	writer        io.Writer
	format        string // "text", "ndjson"
	mu            sync.Mutex
	allowedEvents map[string]bool
}

var (
	colorBad  = color.New(color.FgRed, color.Bold)
	colorWarn = color.New(color.FgYellow)
	colorGood = color.New(color.FgGreen)
	colorInfo = color.New(color.FgCyan)
)

// NewConsoleSink writes to w (stdout when nil). filterEvents limits output
// to the named event types.
func NewConsoleSink(w io.Writer, format string, filterEvents []string) (*ConsoleSink, error) {
	if w == nil {
		w = os.Stdout
	}
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "ndjson" {
		return nil, fmt.Errorf("unsupported console format: %s", format)
	}

	s := &ConsoleSink{writer: w, format: format}
	if len(filterEvents) > 0 {
		s.allowedEvents = make(map[string]bool)
		for _, ev := range filterEvents {
			s.allowedEvents[strings.ToLower(strings.TrimSpace(ev))] = true
		}
	}
	return s, nil
}

func (s *ConsoleSink) Write(v any) error {
	e, ok := asEvent(v)
	if !ok {
		return nil
	}
	if len(s.allowedEvents) > 0 && !s.allowedEvents[e.Type] {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == "ndjson" {
		return writeLine(s.writer, e)
	}

	label := paint(e.Type).Sprintf("%-20s", e.Type)
	line := label
	if e.Job != "" {
		line += " " + e.Job
	}
	if e.Message != "" {
		line += ": " + e.Message
	}
	_, err := fmt.Fprintf(s.writer, "%s %s\n", e.At.Format("15:04:05"), line)
	return err
}

func paint(eventType string) *color.Color {
	switch eventType {
	case model.EventJobFailing, model.EventCheckupFailed, model.EventRetriesExhausted:
		return colorBad
	case model.EventFlowChanged, model.EventApprovalRequested:
		return colorWarn
	case model.EventApprovalResolved, EventEngineStarted:
		return colorGood
	default:
		return colorInfo
	}
}

func (s *ConsoleSink) Close() error {
	return nil
}
