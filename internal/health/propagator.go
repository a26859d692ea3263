package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobflow/internal/model"
)

// Policy decides how PARTIAL-scoped checkup failures count toward a job's own
// health.
type Policy string

const (
	// PolicyStrict fails the job on any failing blocking checkup.
	PolicyStrict Policy = "strict"
	// PolicyFullScope fails the job only on FULL-scoped checkups; PARTIAL
	// failures downgrade Status.Scope to PARTIAL and leave Flow alone.
	PolicyFullScope Policy = "full-scope"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyFullScope:
		return p, nil
	default:
		return "", fmt.Errorf("unknown own-failure policy %q (must be one of: strict, full-scope)", raw)
	}
}

type Graph interface {
	Job(id string) (model.Job, error)
	Parents(id string) ([]model.ParentEdge, error)
	Children(id string) ([]string, error)
}

type Builds interface {
	LatestFinalized(jobID string) (model.Build, bool)
}

type StatusStore interface {
	GetStatus(ctx context.Context, jobID string) (model.JobStatus, bool, error)
	PutStatus(ctx context.Context, st model.JobStatus) error
}

// Verdicts reports the outcome of a job's own post-validation checkups for a
// build.
type Verdicts interface {
	Verdict(ctx context.Context, jobID string, buildNumber int) (model.Verdict, error)
}

// Overrides hands out one-cycle approval overrides.
type Overrides interface {
	ConsumeOverride(jobID string) bool
}

type Notifier interface {
	Notify(n model.Notification)
}

type Options struct {
	Policy Policy
	// Concurrency bounds the recomputes running inside one wave.
	Concurrency int
	Overrides   Overrides
	Notifier    Notifier
	Logger      *slog.Logger
}

// Propagator derives job health and pushes changes downstream.
type Propagator struct {
	graph    Graph
	builds   Builds
	statuses StatusStore
	verdicts Verdicts

	policy      Policy
	concurrency int
	overrides   Overrides
	notifier    Notifier
	log         *slog.Logger
	locks       *jobLocks
	now         func() time.Time
}

func NewPropagator(g Graph, b Builds, s StatusStore, v Verdicts, opts Options) (*Propagator, error) {
	if g == nil || b == nil || s == nil {
		return nil, errors.New("propagator: graph, builds and status store are required")
	}
	if opts.Policy == "" {
		opts.Policy = PolicyStrict
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Propagator{
		graph:       g,
		builds:      b,
		statuses:    s,
		verdicts:    v,
		policy:      opts.Policy,
		concurrency: opts.Concurrency,
		overrides:   opts.Overrides,
		notifier:    opts.Notifier,
		log:         opts.Logger,
		locks:       newJobLocks(),
		now:         time.Now,
	}, nil
}

// Result is the outcome of one recompute.
type Result struct {
	JobID    string
	Previous model.JobStatus
	Status   model.JobStatus
	Changed  bool
	// Skipped is set for disabled jobs, which keep their status.
	Skipped bool
	// Flagged is set when the job was reported as newly failing.
	Flagged bool
}

// Recovered reports a transition back to NORMAL.
func (r Result) Recovered() bool {
	return r.Changed && r.Previous.Flow != model.FlowNormal && r.Status.Flow == model.FlowNormal
}

// Recompute derives the job's status from its latest finalized build, its own
// checkup verdict and its parents' statuses, and stores it. Any lookup failure
// aborts without touching the stored status.
func (p *Propagator) Recompute(ctx context.Context, jobID string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{JobID: jobID}, err
	}

	lock := p.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := p.graph.Job(jobID)
	if err != nil {
		return Result{JobID: jobID}, fmt.Errorf("recompute %s: %w", jobID, err)
	}

	prev, ok, err := p.statuses.GetStatus(ctx, jobID)
	if err != nil {
		return Result{JobID: jobID}, fmt.Errorf("recompute %s: read status: %w", jobID, err)
	}
	if !ok {
		prev = model.InitialStatus(jobID)
	}
	res := Result{JobID: jobID, Previous: prev, Status: prev}

	if !job.Enabled {
		res.Skipped = true
		return res, nil
	}

	ownFailed, scope, buildNumber, err := p.ownOutcome(ctx, jobID)
	if err != nil {
		return res, err
	}

	parentsHealthy, err := p.parentsHealthy(ctx, jobID)
	if err != nil {
		return res, err
	}

	if p.overrides != nil && p.overrides.ConsumeOverride(jobID) && (ownFailed || !parentsHealthy) {
		p.log.Info("approval override applied", "job", jobID)
		ownFailed = false
		parentsHealthy = true
	}

	next := prev
	next.JobID = jobID
	next.BuildNumber = buildNumber
	next.Scope = scope
	switch {
	case ownFailed:
		next.Flow = model.FlowUnhealthy
	case !parentsHealthy:
		next.Flow = model.FlowBlocked
	default:
		next.Flow = model.FlowNormal
	}

	now := p.now()
	if next.Flow == model.FlowNormal {
		next.FailedAt = time.Time{}
	} else if next.FailedAt.IsZero() {
		next.FailedAt = now
	}

	newlyFailing := next.Flow == model.FlowUnhealthy &&
		(prev.Flow != model.FlowUnhealthy || prev.BuildNumber != next.BuildNumber)
	if newlyFailing && !p.withinTolerance(job, prev, now) {
		next.FlaggedAt = now
		res.Flagged = true
	}

	res.Changed = next.Flow != prev.Flow ||
		next.Scope != prev.Scope ||
		next.BuildNumber != prev.BuildNumber ||
		!next.FailedAt.Equal(prev.FailedAt) ||
		res.Flagged
	if !res.Changed {
		return res, nil
	}

	next.UpdatedAt = now
	if err := p.statuses.PutStatus(ctx, next); err != nil {
		return res, fmt.Errorf("recompute %s: write status: %w", jobID, err)
	}
	res.Status = next

	p.announce(job, res)
	return res, nil
}

// withinTolerance reports whether a failure of a job that is already
// UNHEALTHY falls inside its tolerance window.
func (p *Propagator) withinTolerance(job model.Job, prev model.JobStatus, now time.Time) bool {
	if prev.Flow != model.FlowUnhealthy || prev.FailedAt.IsZero() || job.Tolerance <= 0 {
		return false
	}
	return now.Sub(prev.FailedAt) < job.Tolerance
}

func (p *Propagator) ownOutcome(ctx context.Context, jobID string) (failed bool, scope model.Scope, buildNumber int, err error) {
	scope = model.ScopeFull
	build, ok := p.builds.LatestFinalized(jobID)
	if !ok {
		return false, scope, 0, nil
	}
	buildNumber = build.Number
	if build.Status == model.BuildFailure {
		failed = true
	}
	if p.verdicts == nil {
		return failed, scope, buildNumber, nil
	}

	v, err := p.verdicts.Verdict(ctx, jobID, build.Number)
	if err != nil {
		return false, scope, buildNumber, fmt.Errorf("recompute %s: checkup verdict: %w", jobID, err)
	}
	if !v.Passed() {
		scope = model.ScopePartial
	}
	if v.FullFailed {
		failed = true
	}
	if v.PartialFailed && p.policy == PolicyStrict {
		failed = true
	}
	return failed, scope, buildNumber, nil
}

// parentsHealthy applies AND over FULL parents and OR over PARTIAL parents.
// Disabled parents are ignored.
func (p *Propagator) parentsHealthy(ctx context.Context, jobID string) (bool, error) {
	edges, err := p.graph.Parents(jobID)
	if err != nil {
		return false, fmt.Errorf("recompute %s: parents: %w", jobID, err)
	}

	fullOK := true
	partialSeen, partialOK := false, false
	for _, e := range edges {
		parent, err := p.graph.Job(e.Parent)
		if err != nil {
			return false, fmt.Errorf("recompute %s: parent %s: %w", jobID, e.Parent, err)
		}
		if !parent.Enabled {
			continue
		}
		flow, err := p.parentFlow(ctx, e.Parent)
		if err != nil {
			return false, fmt.Errorf("recompute %s: parent %s status: %w", jobID, e.Parent, err)
		}
		healthy := flow == model.FlowNormal
		switch e.Scope {
		case model.ScopePartial:
			partialSeen = true
			partialOK = partialOK || healthy
		default:
			fullOK = fullOK && healthy
		}
	}
	return fullOK && (!partialSeen || partialOK), nil
}

func (p *Propagator) parentFlow(ctx context.Context, parentID string) (model.Flow, error) {
	lock := p.locks.get(parentID)
	lock.RLock()
	defer lock.RUnlock()
	st, ok, err := p.statuses.GetStatus(ctx, parentID)
	if err != nil {
		return "", err
	}
	if !ok {
		return model.FlowNormal, nil
	}
	return st.Flow, nil
}

func (p *Propagator) announce(job model.Job, res Result) {
	if res.Previous.Flow != res.Status.Flow {
		p.log.Info("flow changed", "job", job.ID, "from", res.Previous.Flow, "to", res.Status.Flow, "build", res.Status.BuildNumber)
		p.notify(model.Notification{
			JobID:      job.ID,
			Event:      model.EventFlowChanged,
			Recipients: job.Recipients,
			Message:    fmt.Sprintf("%s: %s -> %s", job.DisplayName(), res.Previous.Flow, res.Status.Flow),
			At:         res.Status.UpdatedAt,
		})
	}
	if res.Flagged {
		p.notify(model.Notification{
			JobID:      job.ID,
			Event:      model.EventJobFailing,
			Recipients: job.Recipients,
			Message:    fmt.Sprintf("%s is failing (build #%d)", job.DisplayName(), res.Status.BuildNumber),
			At:         res.Status.UpdatedAt,
		})
	}
}

func (p *Propagator) notify(n model.Notification) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(n)
}

// Report is the outcome of one propagation.
type Report struct {
	Plan    *WavePlan
	Results map[string]Result
	Errors  map[string]error
}

// Recovered lists the jobs that returned to NORMAL, sorted by wave order.
func (r *Report) Recovered() []string {
	var out []string
	for _, wave := range r.Plan.Waves {
		for _, id := range wave {
			if res, ok := r.Results[id]; ok && res.Recovered() {
				out = append(out, id)
			}
		}
	}
	return out
}

// Propagate recomputes origin and then every reachable descendant exactly
// once, one wave at a time. Jobs inside a wave run in parallel; a wave starts
// only after the previous wave's writes are done. Per-job failures are
// collected in the report and do not stop the propagation.
func (p *Propagator) Propagate(ctx context.Context, origin string) (*Report, error) {
	plan, err := PlanWaves(origin, p.graph.Children)
	if err != nil {
		return nil, err
	}

	rep := &Report{Plan: plan, Results: make(map[string]Result), Errors: make(map[string]error)}
	for id, err := range plan.Errors {
		rep.Errors[id] = err
	}

	var mu sync.Mutex
	for _, wave := range plan.Waves {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency)
		for _, id := range wave {
			g.Go(func() error {
				res, err := p.Recompute(gctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					rep.Errors[id] = err
					p.log.Warn("recompute failed; keeping previous status", "job", id, "error", err)
					return nil
				}
				rep.Results[id] = res
				return nil
			})
		}
		_ = g.Wait()
	}

	return rep, nil
}
