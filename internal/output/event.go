package output

import (
	"encoding/json"
	"io"
	"time"

	"jobflow/internal/model"
)

// Lifecycle event types. Notifications keep their own event names
// (flow.changed, job.failing, ...).
const (
	EventEngineStarted = "engine.started"
	EventEngineStopped = "engine.stopped"
	EventTickFinished  = "tick.finished"
)

// Event is one line of NDJSON output.
type Event struct {
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	Job        string    `json:"job,omitempty"`
	Message    string    `json:"message,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	// Jobs is set on engine.started; Submitted on tick.finished.
	Jobs      int `json:"jobs,omitempty"`
	Submitted int `json:"submitted,omitempty"`
}

func EventFromNotification(n model.Notification) Event {
	return Event{Type: n.Event, At: n.At, Job: n.JobID, Message: n.Message, Recipients: n.Recipients}
}

// asEvent accepts the values sinks understand.
func asEvent(v any) (Event, bool) {
	switch t := v.(type) {
	case Event:
		return t, true
	case model.Notification:
		return EventFromNotification(t), true
	default:
		return Event{}, false
	}
}

type flusher interface {
	Flush() error
}

// writeLine encodes e as one JSON line and flushes w if it buffers.
func writeLine(w io.Writer, e Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// writeArray writes events as one indented JSON array.
func writeArray(w io.Writer, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
