package engine

import (
	"context"
	"errors"
	"fmt"

	"jobflow/internal/checkup"
	"jobflow/internal/health"
	"jobflow/internal/ledger"
	"jobflow/internal/model"
)

// apply runs on the job's lane.
func (e *Engine) apply(ctx context.Context, ev model.BuildEvent) error {
	b, changed, err := e.ledger.Apply(ev)
	if err != nil {
		var stale *ledger.StaleEventError
		if errors.As(err, &stale) {
			e.log.Debug("stale build event discarded", "job", ev.JobID, "build", ev.BuildNumber, "phase", ev.Phase, "current", stale.Current)
		}
		return err
	}
	if !changed {
		return nil
	}
	if err := e.store.SaveBuild(ctx, b); err != nil {
		return fmt.Errorf("save build %s#%d: %w", b.JobID, b.Number, err)
	}
	e.log.Debug("build event applied", "job", b.JobID, "build", b.Number, "phase", b.Phase, "status", b.Status)
	if !b.Finalized() {
		return nil
	}
	return e.finalize(ctx, b)
}

// finalize evaluates a finished build's checkups, propagates the result and
// settles the job's retry budget.
func (e *Engine) finalize(ctx context.Context, b model.Build) error {
	job, err := e.graph.Job(b.JobID)
	if err != nil {
		return err
	}
	e.log.Info("build finalized", "job", job.ID, "build", b.Number, "status", b.Status, "elapsed", b.Elapsed(e.now()))

	var out checkup.Outcome
	if b.Status == model.BuildSuccess || b.Status == model.BuildUnstable {
		out, err = e.checkups.Evaluate(ctx, job, b.Number, false)
		if err != nil {
			e.log.Warn("post-validation incomplete", "job", job.ID, "build", b.Number, "error", err)
		}
	}

	if err := e.propagate(ctx, job.ID, job.ID); err != nil {
		return err
	}

	switch {
	case b.Status == model.BuildFailure:
		e.scheduler.OnFailure(job)
	case b.Status == model.BuildAborted:
	case out.Approval != nil || out.Rebuilds > 0:
		// A checkup asked for a decision or another build; the budget stays.
	default:
		v, err := e.checkups.Verdict(ctx, job.ID, b.Number)
		if err == nil && v.Passed() {
			e.scheduler.Reset(job.ID)
		}
	}
	return nil
}

// propagate recomputes origin and its descendants and then acts on the
// changes. skip names a job that must not be rebuilt by this pass.
func (e *Engine) propagate(ctx context.Context, origin, skip string) error {
	rep, err := e.propagator.Propagate(ctx, origin)
	if err != nil {
		return fmt.Errorf("propagate from %s: %w", origin, err)
	}
	e.afterPropagate(ctx, rep, skip)
	return nil
}

// afterPropagate resubmits BLOCKED jobs whose upstream recovered and asks
// the approver of a newly BLOCKED job for a decision.
func (e *Engine) afterPropagate(ctx context.Context, rep *health.Report, skip string) {
	for id, err := range rep.Errors {
		e.log.Warn("recompute failed", "job", id, "origin", rep.Plan.Origin, "error", err)
	}

	for _, wave := range rep.Plan.Waves {
		for _, id := range wave {
			res, ok := rep.Results[id]
			if !ok || !res.Changed {
				continue
			}
			job, err := e.graph.Job(id)
			if err != nil {
				continue
			}

			switch {
			case res.Recovered() && res.Previous.Flow == model.FlowBlocked && id != skip:
				e.recoveryRebuild(ctx, job)
			case res.Status.Flow == model.FlowBlocked && res.Previous.Flow != model.FlowBlocked:
				e.requestUnblock(ctx, job, res.Status)
			}
		}
	}
}

func (e *Engine) recoveryRebuild(ctx context.Context, job model.Job) {
	if !job.Rebuild || job.RebuildBlocked || !job.Enabled || e.ledger.Active(job.ID) {
		return
	}
	e.scheduler.Reset(job.ID)
	b, err := e.Submit(ctx, job.ID, model.CauseRebuild)
	if err != nil {
		e.log.Warn("recovery rebuild failed", "job", job.ID, "error", err)
		return
	}
	e.log.Info("recovery rebuild submitted", "job", job.ID, "build", b.Number)
}

func (e *Engine) requestUnblock(ctx context.Context, job model.Job, st model.JobStatus) {
	if job.Approver == "" || e.gate.HasPending(job.ID) {
		return
	}
	if _, err := e.gate.Request(ctx, job.ID, st.BuildNumber, job.Approver, "blocked by upstream failure"); err != nil {
		e.log.Warn("approval request failed", "job", job.ID, "error", err)
	}
}
