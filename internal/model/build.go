package model

import "time"

// Build is one execution attempt of a Job.
type Build struct {
	JobID  string      `json:"job_id"`
	Number int         `json:"number"`
	Phase  Phase       `json:"phase"`
	Status BuildStatus `json:"status,omitempty"`
	Cause  BuildCause  `json:"cause,omitempty"`

	QueuedAt    time.Time `json:"queued_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinalizedAt time.Time `json:"finalized_at,omitzero"`
}

func (b Build) Finalized() bool {
	return b.Phase == PhaseFinalized
}

// Active reports whether the build is queued or running.
func (b Build) Active() bool {
	return b.Phase == PhaseQueued || b.Phase == PhaseStarted
}

// Elapsed is the time from start (or queueing, if the start was never seen)
// to finalization. An unfinished build measures up to now.
func (b Build) Elapsed(now time.Time) time.Duration {
	from := b.StartedAt
	if from.IsZero() {
		from = b.QueuedAt
	}
	if from.IsZero() {
		return 0
	}
	to := b.FinalizedAt
	if to.IsZero() {
		to = now
	}
	if to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// BuildEvent is emitted by a build server when a build changes phase.
type BuildEvent struct {
	JobID       string      `json:"job_id"`
	BuildNumber int         `json:"build_number"`
	Phase       Phase       `json:"phase"`
	Status      BuildStatus `json:"status,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
