// Package engine wires the graph, ledger, propagator, checkup engine,
// approval gate and trigger scheduler into one process. It applies build
// events, submits builds and answers the queries behind the HTTP API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobflow/internal/approval"
	"jobflow/internal/checkup"
	"jobflow/internal/fleet"
	"jobflow/internal/graph"
	"jobflow/internal/health"
	"jobflow/internal/ledger"
	"jobflow/internal/model"
	"jobflow/internal/store"
	"jobflow/internal/trigger"
)

var (
	ErrJobDisabled = errors.New("job is disabled")
	ErrJobActive   = errors.New("job already has a build queued or running")
	// ErrSubmissionBlocked is returned when a pre-validation checkup vetoes a
	// submission.
	ErrSubmissionBlocked = errors.New("submission blocked by pre-validation")
)

// Submitter hands a queued build to the server that runs it.
type Submitter interface {
	Submit(ctx context.Context, job model.Job, build model.Build) error
}

type Notifier interface {
	Notify(n model.Notification)
}

type Options struct {
	Policy      health.Policy
	Concurrency int
	// QueryTimeout bounds one checkup query.
	QueryTimeout time.Duration
	Runner       checkup.Runner
	Notifier     Notifier
	// OnTick observes every scheduled trigger tick.
	OnTick func(*trigger.TickReport)
	Logger *slog.Logger
}

// Engine is the running jobflow process.
type Engine struct {
	graph      *graph.Store
	ledger     *ledger.Ledger
	store      store.Store
	servers    Submitter
	set        *checkup.Set
	checkups   *checkup.Engine
	gate       *approval.Gate
	propagator *health.Propagator
	scheduler  *trigger.Scheduler
	notifier   Notifier
	log        *slog.Logger
	lanes      *lanes
	now        func() time.Time

	// submitMu makes the active check and the queueing of a build atomic.
	submitMu sync.Mutex
}

// New builds an engine for fleet f. Checkup queries go through q; builds
// are handed to servers.
func New(f *fleet.Fleet, st store.Store, servers Submitter, q checkup.Querier, opts Options) (*Engine, error) {
	if f == nil || st == nil || servers == nil || q == nil {
		return nil, errors.New("engine: fleet, store, servers and querier are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = discard{}
	}

	e := &Engine{
		graph:    f.Graph,
		ledger:   ledger.New(),
		store:    st,
		servers:  servers,
		set:      checkup.NewSet(),
		notifier: opts.Notifier,
		log:      opts.Logger,
		now:      time.Now,
	}
	for _, c := range f.Checkups {
		if err := e.set.Add(c); err != nil {
			return nil, err
		}
	}

	e.gate = approval.NewGate(st, opts.Notifier, opts.Logger.With("component", "approval"))

	var err error
	e.scheduler, err = trigger.NewScheduler(e.graph, e.ledger, e, trigger.Options{
		Notifier: opts.Notifier,
		OnTick:   opts.OnTick,
		Logger:   opts.Logger.With("component", "trigger"),
	})
	if err != nil {
		return nil, err
	}
	for _, t := range f.Triggers {
		if err := e.scheduler.AddTrigger(t); err != nil {
			return nil, err
		}
	}

	e.checkups, err = checkup.NewEngine(e.set, q, st, checkup.Options{
		Runner:       opts.Runner,
		Approvals:    e.gate,
		Rebuilder:    e.scheduler,
		Notifier:     opts.Notifier,
		QueryTimeout: opts.QueryTimeout,
		Logger:       opts.Logger.With("component", "checkup"),
	})
	if err != nil {
		return nil, err
	}

	e.propagator, err = health.NewPropagator(e.graph, e.ledger, st, e.checkups, health.Options{
		Policy:      opts.Policy,
		Concurrency: opts.Concurrency,
		Overrides:   e.gate,
		Notifier:    opts.Notifier,
		Logger:      opts.Logger.With("component", "health"),
	})
	if err != nil {
		return nil, err
	}

	e.lanes = newLanes(e.apply)
	return e, nil
}

type discard struct{}

func (discard) Notify(model.Notification) {}

// Restore reloads builds and approvals from the store and recomputes every
// job from the roots down.
func (e *Engine) Restore(ctx context.Context) error {
	builds, err := e.store.Builds(ctx)
	if err != nil {
		return fmt.Errorf("restore builds: %w", err)
	}
	for _, b := range builds {
		if _, err := e.graph.Job(b.JobID); err != nil {
			continue
		}
		e.ledger.Restore(b)
		if b.Active() {
			// Retry budgets are not persisted; the build's own events settle it.
			e.log.Warn("restored in-flight build, waiting for its server", "job", b.JobID, "build", b.Number, "phase", b.Phase)
		}
	}

	approvals, err := e.store.Approvals(ctx)
	if err != nil {
		return fmt.Errorf("restore approvals: %w", err)
	}
	for _, a := range approvals {
		e.gate.Restore(a)
	}

	for _, job := range e.graph.Jobs() {
		parents, err := e.graph.Parents(job.ID)
		if err != nil || len(parents) > 0 {
			continue
		}
		rep, err := e.propagator.Propagate(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("restore: propagate from %s: %w", job.ID, err)
		}
		for id, err := range rep.Errors {
			e.log.Warn("restore: recompute failed", "job", id, "error", err)
		}
	}
	e.log.Info("state restored", "builds", len(builds), "approvals", len(approvals))
	return nil
}

// HandleEvent applies a build-server event after every earlier event of the
// same job. Events for unknown jobs are rejected. A *ledger.StaleEventError
// is returned for events older than the applied state.
func (e *Engine) HandleEvent(ctx context.Context, ev model.BuildEvent) error {
	if _, err := e.graph.Job(ev.JobID); err != nil {
		return err
	}
	return e.lanes.do(ctx, ev)
}

// Submit queues a new build of jobID and hands it to the job's build server.
// Pre-validation checkups run first and may veto the submission.
func (e *Engine) Submit(ctx context.Context, jobID string, cause model.BuildCause) (model.Build, error) {
	job, err := e.graph.Job(jobID)
	if err != nil {
		return model.Build{}, err
	}
	if !job.Enabled {
		return model.Build{}, fmt.Errorf("%w: %s", ErrJobDisabled, jobID)
	}

	e.submitMu.Lock()
	if e.ledger.Active(jobID) {
		e.submitMu.Unlock()
		return model.Build{}, fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}
	b := e.ledger.Queue(jobID, cause)
	e.submitMu.Unlock()

	out, err := e.checkups.Evaluate(ctx, job, b.Number, true)
	if err != nil {
		e.log.Warn("pre-validation incomplete", "job", jobID, "build", b.Number, "error", err)
	}
	if out.Blocked {
		e.ledger.Discard(jobID, b.Number)
		return b, fmt.Errorf("%w: %s#%d", ErrSubmissionBlocked, jobID, b.Number)
	}

	if err := e.servers.Submit(ctx, job, b); err != nil {
		e.ledger.Discard(jobID, b.Number)
		return b, err
	}
	if err := e.store.SaveBuild(ctx, b); err != nil {
		// The server already has the build; its events will persist it.
		e.log.Warn("save queued build", "job", jobID, "build", b.Number, "error", err)
	}

	e.log.Info("build submitted", "job", jobID, "build", b.Number, "cause", cause, "server", job.Server)
	e.notifier.Notify(model.Notification{
		JobID:      jobID,
		Event:      model.EventBuildSubmitted,
		Recipients: job.Recipients,
		Message:    fmt.Sprintf("%s#%d submitted (%s)", job.DisplayName(), b.Number, cause),
		At:         e.now(),
	})
	return b, nil
}

// Rebuild is an operator-forced submission. It ignores RebuildBlocked, which
// only applies to automatic resubmissions, and starts a fresh retry budget.
func (e *Engine) Rebuild(ctx context.Context, jobID string) (model.Build, error) {
	if e.ledger.Active(jobID) {
		return model.Build{}, fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}
	e.scheduler.Reset(jobID)
	return e.Submit(ctx, jobID, model.CauseManual)
}

// SetEnabled enables or disables a job and recomputes it and everything
// downstream.
func (e *Engine) SetEnabled(ctx context.Context, jobID string, enabled bool) (model.Job, error) {
	job, err := e.graph.UpdateJob(jobID, func(j *model.Job) { j.Enabled = enabled })
	if err != nil {
		return model.Job{}, err
	}
	e.log.Info("job updated", "job", jobID, "enabled", enabled)
	if err := e.propagate(ctx, jobID, ""); err != nil {
		return job, err
	}
	return job, nil
}

// SetRebuildBlocked sets or clears the suppression of automatic
// resubmissions for a job.
func (e *Engine) SetRebuildBlocked(jobID string, blocked bool) (model.Job, error) {
	job, err := e.graph.UpdateJob(jobID, func(j *model.Job) { j.RebuildBlocked = blocked })
	if err != nil {
		return model.Job{}, err
	}
	e.log.Info("job updated", "job", jobID, "rebuild_blocked", blocked)
	return job, nil
}

// SetCheckupEnabled takes effect from the next evaluation.
func (e *Engine) SetCheckupEnabled(id string, enabled bool) (model.Checkup, error) {
	if err := e.set.SetEnabled(id, enabled); err != nil {
		return model.Checkup{}, err
	}
	c, _ := e.set.Get(id)
	e.log.Info("checkup updated", "checkup", id, "job", c.JobID, "enabled", enabled)
	return c, nil
}

// ResolveApproval approves or rejects an approval. An approval overrides the
// job's failure for one recompute, which runs immediately.
func (e *Engine) ResolveApproval(ctx context.Context, id string, approve bool, by string) (model.Approval, error) {
	a, err := e.gate.Resolve(ctx, id, approve, by)
	if err != nil {
		return a, err
	}
	if a.State != model.ApprovalApproved {
		return a, nil
	}
	return a, e.propagate(ctx, a.JobID, "")
}

// Run drives the trigger scheduler until ctx is done.
func (e *Engine) Run(ctx context.Context, poll time.Duration) error {
	return e.scheduler.Run(ctx, poll)
}

// Tick runs the triggers due at t once.
func (e *Engine) Tick(ctx context.Context, t time.Time) (*trigger.TickReport, error) {
	return e.scheduler.Tick(ctx, t)
}

// FireRetries submits the resubmissions due at now.
func (e *Engine) FireRetries(ctx context.Context, now time.Time) []model.Build {
	return e.scheduler.FireRetries(ctx, now)
}

// Close stops the event workers.
func (e *Engine) Close() {
	e.lanes.close()
}

// JobView is a job with its current health and build state.
type JobView struct {
	model.Job
	Status       model.JobStatus `json:"status"`
	LastBuild    *model.Build    `json:"last_build,omitempty"`
	Attempts     int             `json:"retry_attempts"`
	PendingRetry *time.Time      `json:"pending_retry,omitempty"`
	Approval     *model.Approval `json:"pending_approval,omitempty"`
}

// Job returns one job's view.
func (e *Engine) Job(ctx context.Context, jobID string) (JobView, error) {
	job, err := e.graph.Job(jobID)
	if err != nil {
		return JobView{}, err
	}
	return e.view(ctx, job)
}

// Jobs returns every job's view, sorted by ID.
func (e *Engine) Jobs(ctx context.Context) ([]JobView, error) {
	jobs := e.graph.Jobs()
	out := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		v, err := e.view(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) view(ctx context.Context, job model.Job) (JobView, error) {
	st, ok, err := e.store.GetStatus(ctx, job.ID)
	if err != nil {
		return JobView{}, fmt.Errorf("status of %s: %w", job.ID, err)
	}
	if !ok {
		st = model.InitialStatus(job.ID)
	}
	v := JobView{Job: job, Status: st, Attempts: e.scheduler.Attempts(job.ID)}
	if b, ok := e.ledger.Latest(job.ID); ok {
		v.LastBuild = &b
	}
	if at, ok := e.scheduler.PendingRetry(job.ID); ok {
		v.PendingRetry = &at
	}
	for _, a := range e.gate.ForJob(job.ID) {
		if a.Actionable() {
			v.Approval = &a
			break
		}
	}
	return v, nil
}

// Builds lists a job's builds, newest first.
func (e *Engine) Builds(jobID string) ([]model.Build, error) {
	if _, err := e.graph.Job(jobID); err != nil {
		return nil, err
	}
	return e.ledger.Builds(jobID), nil
}

// Checkups lists a job's checkups in evaluation order.
func (e *Engine) Checkups(jobID string) ([]model.Checkup, error) {
	if _, err := e.graph.Job(jobID); err != nil {
		return nil, err
	}
	return e.set.ForJob(jobID), nil
}

func (e *Engine) CheckupLogs(ctx context.Context, q model.LogQuery) ([]model.CheckupLog, error) {
	return e.store.CheckupLogs(ctx, q)
}

// Approvals lists the actionable approvals.
func (e *Engine) Approvals() []model.Approval {
	return e.gate.Pending()
}

func (e *Engine) Approval(id string) (model.Approval, bool) {
	return e.gate.Get(id)
}

func (e *Engine) Triggers() []model.Trigger {
	return e.scheduler.Triggers()
}

// Due lists the jobs the triggers would submit at t.
func (e *Engine) Due(t time.Time) []trigger.Candidate {
	return e.scheduler.Due(t)
}
