package model

import "time"

// MaxLoggedValueLen bounds the observed value, threshold and command output
// stored in logs.
const MaxLoggedValueLen = 250

// Connection is a named data store checkups query.
type Connection struct {
	Name   string `json:"name" yaml:"name"`
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"-" yaml:"dsn"`
}

// CommandWhen places a remediation command relative to the checkup query.
type CommandWhen string

const (
	// CommandBefore runs before the query; a failure fails the checkup.
	CommandBefore CommandWhen = "before"
	// CommandAfter runs after a failed evaluation.
	CommandAfter CommandWhen = "after"
)

type Command struct {
	Name    string        `json:"name"`
	Run     string        `json:"run"`
	When    CommandWhen   `json:"when"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Checkup is an ordered validation rule attached to a job.
type Checkup struct {
	ID            string      `json:"id"`
	JobID         string      `json:"job_id"`
	Name          string      `json:"name,omitempty"`
	Connection    string      `json:"connection"`
	Query         string      `json:"query"`
	Conditional   Conditional `json:"conditional"`
	Threshold     string      `json:"threshold"`
	Action        Action      `json:"action"`
	Scope         Scope       `json:"scope"`
	Enabled       bool        `json:"enabled"`
	PreValidation bool        `json:"pre_validation"`
	// Retry is the budget for transient connection/query errors.
	Retry    int       `json:"retry"`
	Commands []Command `json:"commands,omitempty"`
}

// CommandLog records one remediation command run.
type CommandLog struct {
	Name       string    `json:"name"`
	Run        string    `json:"run"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Success    bool      `json:"success"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// CheckupLog is the immutable record of one checkup evaluation.
type CheckupLog struct {
	ID            string       `json:"id"`
	CheckupID     string       `json:"checkup_id"`
	JobID         string       `json:"job_id"`
	BuildNumber   int          `json:"build_number"`
	Query         string       `json:"query"`
	Conditional   Conditional  `json:"conditional"`
	Threshold     string       `json:"threshold"`
	Observed      string       `json:"observed"`
	Action        Action       `json:"action"`
	Scope         Scope        `json:"scope"`
	PreValidation bool         `json:"pre_validation"`
	Success       bool         `json:"success"`
	Error         string       `json:"error,omitempty"`
	Commands      []CommandLog `json:"commands,omitempty"`
	At            time.Time    `json:"at"`
}

// Truncate cuts s to at most MaxLoggedValueLen runes.
func Truncate(s string) string {
	if len(s) <= MaxLoggedValueLen {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxLoggedValueLen {
		return s
	}
	return string(r[:MaxLoggedValueLen])
}

// Verdict summarizes a job's own checkup outcome for one build.
type Verdict struct {
	// FullFailed is set when a FULL-scoped blocking checkup failed.
	FullFailed bool
	// PartialFailed is set when a PARTIAL-scoped blocking checkup failed.
	PartialFailed bool
}

func (v Verdict) Passed() bool {
	return !v.FullFailed && !v.PartialFailed
}

// LogQuery filters checkup logs. Zero fields match everything; results are
// newest first.
type LogQuery struct {
	JobID     string
	CheckupID string
	// BuildNumber matches logs of one build when positive.
	BuildNumber int
	Limit       int
}

// Match reports whether l passes the filter, ignoring Limit.
func (q LogQuery) Match(l CheckupLog) bool {
	if q.JobID != "" && l.JobID != q.JobID {
		return false
	}
	if q.CheckupID != "" && l.CheckupID != q.CheckupID {
		return false
	}
	if q.BuildNumber > 0 && l.BuildNumber != q.BuildNumber {
		return false
	}
	return true
}
