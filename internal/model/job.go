package model

import "time"

// Job is a named unit of work bound to one build server.
type Job struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Server string `json:"server"`

	// Retry is how many times a FAILURE build is resubmitted automatically.
	Retry int `json:"retry"`
	// Tolerance is the window after a failure during which repeated failures
	// are not flagged again.
	Tolerance time.Duration `json:"tolerance"`
	// Wait is the delay between retry attempts.
	Wait time.Duration `json:"wait"`

	Enabled bool `json:"enabled"`
	// Rebuild resubmits this job when it is BLOCKED and its upstream recovers.
	Rebuild bool `json:"rebuild"`
	// RebuildBlocked suppresses every automatic resubmission until cleared.
	RebuildBlocked bool `json:"rebuild_blocked"`

	Approver   string   `json:"approver,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

func (j Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// ParentEdge is a directed edge from Child to Parent.
type ParentEdge struct {
	Child  string `json:"child"`
	Parent string `json:"parent"`
	Scope  Scope  `json:"scope"`
}

// JobStatus is the current derived health snapshot of a job. There is exactly
// one live JobStatus per job; a recompute replaces it.
type JobStatus struct {
	JobID       string `json:"job_id"`
	BuildNumber int    `json:"build_number,omitempty"`
	Flow        Flow   `json:"flow"`
	Scope       Scope  `json:"scope"`
	// FailedAt is the first time Flow left NORMAL; zero while NORMAL.
	FailedAt time.Time `json:"failed_at,omitzero"`
	// FlaggedAt is the last time the job was flagged as newly failing.
	FlaggedAt time.Time `json:"flagged_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// InitialStatus is the status of a job that has never been recomputed.
func InitialStatus(jobID string) JobStatus {
	return JobStatus{JobID: jobID, Flow: FlowNormal, Scope: ScopeFull}
}

// Notification is handed to the notification collaborator.
type Notification struct {
	JobID      string    `json:"job_id"`
	Event      string    `json:"event"`
	Recipients []string  `json:"recipients,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Notification event names.
const (
	EventFlowChanged       = "flow.changed"
	EventJobFailing        = "job.failing"
	EventCheckupFailed     = "checkup.failed"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventBuildSubmitted    = "build.submitted"
	EventRetriesExhausted  = "build.retries_exhausted"
)
