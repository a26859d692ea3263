package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"jobflow/internal/model"
)

// ErrTickInProgress is returned when a tick starts while another is running.
var ErrTickInProgress = errors.New("trigger tick already in progress")

// Submitter hands a build request to the execution side.
type Submitter interface {
	Submit(ctx context.Context, jobID string, cause model.BuildCause) (model.Build, error)
}

type Jobs interface {
	Job(id string) (model.Job, error)
}

// Activity reports whether a job has a build queued or running.
type Activity interface {
	Active(jobID string) bool
}

type Notifier interface {
	Notify(n model.Notification)
}

type Options struct {
	Notifier Notifier
	// OnTick is called after every tick Run starts.
	OnTick func(*TickReport)
	Logger *slog.Logger
}

type compiledTrigger struct {
	model.Trigger
	schedule *Schedule
}

// Candidate is a job due at a tick.
type Candidate struct {
	JobID    string
	Priority int
	Trigger  string
}

// Scheduler turns cron ticks into build submissions and owns the automatic
// resubmission budget of every job.
type Scheduler struct {
	tickMu sync.Mutex

	mu       sync.Mutex
	triggers []compiledTrigger
	attempts map[string]int
	pending  map[string]pendingRetry

	jobs      Jobs
	activity  Activity
	submitter Submitter
	notifier  Notifier
	onTick    func(*TickReport)
	log       *slog.Logger
	now       func() time.Time
}

type pendingRetry struct {
	at    time.Time
	cause model.BuildCause
}

func NewScheduler(jobs Jobs, activity Activity, submitter Submitter, opts Options) (*Scheduler, error) {
	if jobs == nil || activity == nil || submitter == nil {
		return nil, errors.New("scheduler: jobs, activity and submitter are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		attempts:  make(map[string]int),
		pending:   make(map[string]pendingRetry),
		jobs:      jobs,
		activity:  activity,
		submitter: submitter,
		notifier:  opts.Notifier,
		onTick:    opts.OnTick,
		log:       opts.Logger,
		now:       time.Now,
	}, nil
}

// AddTrigger compiles and registers a trigger.
func (s *Scheduler) AddTrigger(t model.Trigger) error {
	sched, err := ParseCron(t.Cron)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.triggers {
		if existing.Name == t.Name {
			return fmt.Errorf("trigger %s: duplicate name", t.Name)
		}
	}
	s.triggers = append(s.triggers, compiledTrigger{Trigger: t, schedule: sched})
	return nil
}

func (s *Scheduler) Triggers() []model.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t.Trigger)
	}
	return out
}

// Due lists the enabled bindings of every trigger firing at t. A job bound by
// several due triggers appears once with its highest priority. Candidates are
// ordered by priority, highest first, then by job ID.
func (s *Scheduler) Due(t time.Time) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := make(map[string]Candidate)
	for _, tr := range s.triggers {
		if !tr.schedule.Due(t) {
			continue
		}
		for _, jt := range tr.Jobs {
			if !jt.Enabled {
				continue
			}
			if cur, ok := best[jt.JobID]; ok && cur.Priority >= jt.Priority {
				continue
			}
			best[jt.JobID] = Candidate{JobID: jt.JobID, Priority: jt.Priority, Trigger: tr.Name}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

// TickReport describes one tick.
type TickReport struct {
	At        time.Time
	Submitted []model.Build
	// Skipped maps a job to the reason it was not submitted.
	Skipped map[string]string
	Errors  map[string]error
}

// Tick submits every job due at t in priority order. Ticks never overlap; a
// tick that finds another in progress returns ErrTickInProgress.
func (s *Scheduler) Tick(ctx context.Context, t time.Time) (*TickReport, error) {
	if !s.tickMu.TryLock() {
		return nil, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	rep := &TickReport{At: t, Skipped: make(map[string]string), Errors: make(map[string]error)}
	for _, c := range s.Due(t) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		job, err := s.jobs.Job(c.JobID)
		if err != nil {
			rep.Errors[c.JobID] = err
			continue
		}
		if !job.Enabled {
			rep.Skipped[c.JobID] = "disabled"
			continue
		}
		if s.activity.Active(c.JobID) {
			rep.Skipped[c.JobID] = "already queued or running"
			continue
		}
		// A scheduled build opens a new failure episode with a full budget.
		s.Reset(c.JobID)
		b, err := s.submitter.Submit(ctx, c.JobID, model.CauseCron)
		if err != nil {
			rep.Errors[c.JobID] = err
			s.log.Warn("triggered submission failed", "job", c.JobID, "trigger", c.Trigger, "error", err)
			continue
		}
		s.log.Info("triggered build", "job", c.JobID, "trigger", c.Trigger, "priority", c.Priority, "build", b.Number)
		rep.Submitted = append(rep.Submitted, b)
	}
	return rep, nil
}

// RetryDecision is what the scheduler did with a failed build.
type RetryDecision struct {
	Scheduled bool
	At        time.Time
	Attempt   int
	// Reason is set when no retry was scheduled.
	Reason string
}

// OnFailure is called when a build of job finalizes as FAILURE. It schedules a
// resubmission Wait from now while the job's retry budget lasts.
func (s *Scheduler) OnFailure(job model.Job) RetryDecision {
	return s.schedule(job, model.CauseRetry)
}

// RequestRebuild schedules a resubmission of jobID from the same budget as
// automatic retries.
func (s *Scheduler) RequestRebuild(_ context.Context, jobID string, reason string) error {
	job, err := s.jobs.Job(jobID)
	if err != nil {
		return err
	}
	d := s.schedule(job, model.CauseRebuild)
	if !d.Scheduled {
		s.log.Info("rebuild not scheduled", "job", jobID, "reason", d.Reason, "requested_for", reason)
	}
	return nil
}

func (s *Scheduler) schedule(job model.Job, cause model.BuildCause) RetryDecision {
	if job.RebuildBlocked {
		return RetryDecision{Reason: "automatic resubmission is blocked"}
	}
	if !job.Enabled {
		return RetryDecision{Reason: "job is disabled"}
	}

	s.mu.Lock()
	if p, ok := s.pending[job.ID]; ok {
		attempt := s.attempts[job.ID]
		s.mu.Unlock()
		return RetryDecision{Scheduled: true, At: p.at, Attempt: attempt}
	}
	if s.attempts[job.ID] >= job.Retry {
		used := s.attempts[job.ID]
		s.mu.Unlock()
		s.log.Warn("retries exhausted", "job", job.ID, "retry", job.Retry)
		s.notify(model.Notification{
			JobID:      job.ID,
			Event:      model.EventRetriesExhausted,
			Recipients: job.Recipients,
			Message:    fmt.Sprintf("%s failed after %d retries", job.DisplayName(), used),
			At:         s.now(),
		})
		return RetryDecision{Reason: "retries exhausted", Attempt: used}
	}
	s.attempts[job.ID]++
	attempt := s.attempts[job.ID]
	at := s.now().Add(job.Wait)
	s.pending[job.ID] = pendingRetry{at: at, cause: cause}
	s.mu.Unlock()

	s.log.Info("resubmission scheduled", "job", job.ID, "attempt", attempt, "of", job.Retry, "at", at, "cause", cause)
	return RetryDecision{Scheduled: true, At: at, Attempt: attempt}
}

// Reset clears a job's retry budget and pending resubmission. It runs after
// a clean build and before every build that starts a new failure episode.
func (s *Scheduler) Reset(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, jobID)
	delete(s.pending, jobID)
}

// Attempts is the number of resubmissions used since the last clean build.
func (s *Scheduler) Attempts(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[jobID]
}

// PendingRetry reports when the job's next resubmission is due.
func (s *Scheduler) PendingRetry(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[jobID]
	return p.at, ok
}

// FireRetries submits every resubmission due at or before now. A job still
// active keeps its slot for the next call.
func (s *Scheduler) FireRetries(ctx context.Context, now time.Time) []model.Build {
	s.mu.Lock()
	var due []string
	for id, p := range s.pending {
		if !p.at.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	var out []model.Build
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		job, err := s.jobs.Job(id)
		if err != nil || !job.Enabled || job.RebuildBlocked {
			s.dropPending(id)
			continue
		}
		if s.activity.Active(id) {
			continue
		}
		cause := s.takePending(id)
		b, err := s.submitter.Submit(ctx, id, cause)
		if err != nil {
			s.log.Warn("resubmission failed", "job", id, "error", err)
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *Scheduler) takePending(id string) model.BuildCause {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	return p.cause
}

func (s *Scheduler) dropPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Run ticks at every minute boundary and checks pending resubmissions every
// poll interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastMinute := s.now().Truncate(time.Minute)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := s.now()
		if minute := now.Truncate(time.Minute); minute.After(lastMinute) {
			lastMinute = minute
			go func() {
				rep, err := s.Tick(ctx, minute)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.log.Warn("trigger tick", "at", minute, "error", err)
				}
				if rep != nil && s.onTick != nil {
					s.onTick(rep)
				}
			}()
		}
		s.FireRetries(ctx, now)
	}
}

func (s *Scheduler) notify(n model.Notification) {
	if s.notifier != nil {
		s.notifier.Notify(n)
	}
}
