package model

import "time"

// Approval is a pending human decision tied to a job and a build.
type Approval struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	BuildNumber int           `json:"build_number"`
	State       ApprovalState `json:"state"`
	// Superseded is set when a newer approval for the same job was requested
	// while this one was pending. Superseded approvals are not actionable.
	Superseded bool      `json:"superseded,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Approver   string    `json:"approver,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

func (a Approval) Actionable() bool {
	return a.State == ApprovalPending && !a.Superseded
}

// Trigger is a named cron schedule bound to jobs.
type Trigger struct {
	Name        string       `json:"name"`
	Cron        string       `json:"cron"`
	Description string       `json:"description,omitempty"`
	Jobs        []JobTrigger `json:"jobs"`
}

// JobTrigger binds a job to a trigger with a submission priority; higher runs
// first.
type JobTrigger struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}
