package checkup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"jobflow/internal/datasource"
	"jobflow/internal/model"
)

const DefaultQueryTimeout = 30 * time.Second

// Querier returns the scalar result of a query against a named connection.
type Querier interface {
	Query(ctx context.Context, connection, query string) (string, error)
}

type LogStore interface {
	AppendCheckupLog(ctx context.Context, l model.CheckupLog) error
	CheckupLogs(ctx context.Context, q model.LogQuery) ([]model.CheckupLog, error)
}

type Approvals interface {
	Request(ctx context.Context, jobID string, buildNumber int, approver, reason string) (model.Approval, error)
}

// Rebuilder schedules a new build of a job, honouring its retry budget.
type Rebuilder interface {
	RequestRebuild(ctx context.Context, jobID string, reason string) error
}

type Notifier interface {
	Notify(n model.Notification)
}

type Options struct {
	Runner       Runner
	Approvals    Approvals
	Rebuilder    Rebuilder
	Notifier     Notifier
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

// Engine evaluates checkups and carries out their failure actions.
type Engine struct {
	set     *Set
	querier Querier
	logs    LogStore

	runner    Runner
	approvals Approvals
	rebuilder Rebuilder
	notifier  Notifier
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time
}

func NewEngine(set *Set, q Querier, logs LogStore, opts Options) (*Engine, error) {
	if set == nil || q == nil || logs == nil {
		return nil, errors.New("checkup engine: set, querier and log store are required")
	}
	if opts.Runner == nil {
		opts.Runner = ShellRunner{}
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		set:       set,
		querier:   q,
		logs:      logs,
		runner:    opts.Runner,
		approvals: opts.Approvals,
		rebuilder: opts.Rebuilder,
		notifier:  opts.Notifier,
		timeout:   opts.QueryTimeout,
		log:       opts.Logger,
		now:       time.Now,
	}, nil
}

// Outcome is the result of one evaluation pass over a job's checkups.
type Outcome struct {
	Logs []model.CheckupLog
	// Blocked is set when a failing pre-validation checkup vetoes the build.
	Blocked bool
	// Approval is the approval requested during the pass, if any. Once set,
	// later REBUILD and APPROVAL actions of the pass are suppressed.
	Approval *model.Approval
	// Rebuilds counts rebuild requests made during the pass.
	Rebuilds int
}

// Failed returns the logs of failed evaluations.
func (o Outcome) Failed() []model.CheckupLog {
	var out []model.CheckupLog
	for _, l := range o.Logs {
		if !l.Success {
			out = append(out, l)
		}
	}
	return out
}

// Evaluate runs the job's enabled checkups of one kind (pre-validation or
// post-validation) against build buildNumber, in declaration order. A failed
// checkup never skips its siblings. Every evaluation is logged; a failure to
// persist a log is returned after the pass completes.
func (e *Engine) Evaluate(ctx context.Context, job model.Job, buildNumber int, pre bool) (Outcome, error) {
	var out Outcome
	var errs []error

	for _, c := range e.set.ForJob(job.ID) {
		if !c.Enabled || c.PreValidation != pre {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		l := e.evaluateOne(ctx, c, buildNumber)
		out.Logs = append(out.Logs, l)
		if err := e.logs.AppendCheckupLog(ctx, l); err != nil {
			errs = append(errs, fmt.Errorf("checkup %s: append log: %w", c.ID, err))
		}

		if l.Success {
			e.log.Debug("checkup passed", "job", job.ID, "checkup", c.ID, "build", buildNumber, "observed", l.Observed)
			continue
		}
		e.log.Warn("checkup failed", "job", job.ID, "checkup", c.ID, "build", buildNumber, "action", c.Action,
			"observed", l.Observed, "conditional", c.Conditional, "threshold", l.Threshold, "error", l.Error)
		if err := e.act(ctx, job, c, l, pre, &out); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (e *Engine) evaluateOne(ctx context.Context, c model.Checkup, buildNumber int) model.CheckupLog {
	l := model.CheckupLog{
		ID:            uuid.NewString(),
		CheckupID:     c.ID,
		JobID:         c.JobID,
		BuildNumber:   buildNumber,
		Query:         c.Query,
		Conditional:   c.Conditional,
		Threshold:     model.Truncate(c.Threshold),
		Action:        c.Action,
		Scope:         c.Scope,
		PreValidation: c.PreValidation,
		At:            e.now(),
	}

	for _, cmd := range commandsFor(c, model.CommandBefore) {
		cl := e.runner.Run(ctx, cmd)
		l.Commands = append(l.Commands, cl)
		if !cl.Success {
			l.Error = fmt.Sprintf("command %s exited %d", commandName(cmd), cl.ExitCode)
			return l
		}
	}

	observed, err := e.query(ctx, c)
	if err != nil {
		l.Error = model.Truncate(err.Error())
	} else {
		l.Observed = model.Truncate(observed)
		ok, err := Compare(c.Conditional, observed, c.Threshold)
		if err != nil {
			l.Error = err.Error()
		}
		l.Success = ok
	}

	if !l.Success {
		for _, cmd := range commandsFor(c, model.CommandAfter) {
			cl := e.runner.Run(ctx, cmd)
			l.Commands = append(l.Commands, cl)
			if !cl.Success {
				break
			}
		}
	}
	return l
}

// query retries transient failures up to the checkup's own budget.
func (e *Engine) query(ctx context.Context, c model.Checkup) (string, error) {
	attempts := c.Retry + 1
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		qctx, cancel := context.WithTimeout(ctx, e.timeout)
		var v string
		v, err = e.querier.Query(qctx, c.Connection, c.Query)
		cancel()
		if err == nil {
			return v, nil
		}
		if !datasource.IsTransient(err) || ctx.Err() != nil {
			return "", err
		}
		if i < attempts {
			e.log.Warn("checkup query failed; retrying", "checkup", c.ID, "attempt", i, "of", attempts, "error", err)
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", attempts, err)
}

func (e *Engine) act(ctx context.Context, job model.Job, c model.Checkup, l model.CheckupLog, pre bool, out *Outcome) error {
	switch c.Action {
	case model.ActionBlock:
		if pre {
			out.Blocked = true
		}
	case model.ActionNotify:
		e.notify(model.Notification{
			JobID:      job.ID,
			Event:      model.EventCheckupFailed,
			Recipients: job.Recipients,
			Message:    failureMessage(job, c, l),
			At:         l.At,
		})
	case model.ActionRebuild:
		if pre || out.Approval != nil || e.rebuilder == nil {
			e.log.Info("rebuild action skipped", "job", job.ID, "checkup", c.ID, "pre_validation", pre, "awaiting_approval", out.Approval != nil)
			return nil
		}
		if err := e.rebuilder.RequestRebuild(ctx, job.ID, "checkup "+c.ID+" failed"); err != nil {
			return fmt.Errorf("checkup %s: rebuild: %w", c.ID, err)
		}
		out.Rebuilds++
	case model.ActionApproval:
		if pre {
			out.Blocked = true
		}
		if out.Approval != nil || e.approvals == nil {
			return nil
		}
		a, err := e.approvals.Request(ctx, job.ID, l.BuildNumber, job.Approver, failureMessage(job, c, l))
		if err != nil {
			return fmt.Errorf("checkup %s: request approval: %w", c.ID, err)
		}
		out.Approval = &a
	default:
		return fmt.Errorf("checkup %s: unknown action %q", c.ID, c.Action)
	}
	return nil
}

// Verdict folds the latest post-validation results of a build into the job's
// own health input. Only enabled blocking checkups count; checkups without a
// result for the build pass.
func (e *Engine) Verdict(ctx context.Context, jobID string, buildNumber int) (model.Verdict, error) {
	var v model.Verdict
	if buildNumber <= 0 {
		return v, nil
	}
	logs, err := e.logs.CheckupLogs(ctx, model.LogQuery{JobID: jobID, BuildNumber: buildNumber})
	if err != nil {
		return v, err
	}
	latest := make(map[string]model.CheckupLog, len(logs))
	for _, l := range logs {
		if l.PreValidation {
			continue
		}
		if _, seen := latest[l.CheckupID]; !seen {
			latest[l.CheckupID] = l
		}
	}

	for _, c := range e.set.ForJob(jobID) {
		if !c.Enabled || c.PreValidation || !c.Action.Blocking() {
			continue
		}
		l, ok := latest[c.ID]
		if !ok || l.Success {
			continue
		}
		if c.Scope == model.ScopePartial {
			v.PartialFailed = true
		} else {
			v.FullFailed = true
		}
	}
	return v, nil
}

func (e *Engine) notify(n model.Notification) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

func failureMessage(job model.Job, c model.Checkup, l model.CheckupLog) string {
	if l.Error != "" {
		return fmt.Sprintf("%s: checkup %s failed: %s", job.DisplayName(), c.ID, l.Error)
	}
	return fmt.Sprintf("%s: checkup %s failed: observed %q, want %s %q", job.DisplayName(), c.ID, l.Observed, c.Conditional, l.Threshold)
}

func commandsFor(c model.Checkup, when model.CommandWhen) []model.Command {
	var out []model.Command
	for _, cmd := range c.Commands {
		if cmd.When == when {
			out = append(out, cmd)
		}
	}
	return out
}

func commandName(cmd model.Command) string {
	if cmd.Name != "" {
		return cmd.Name
	}
	return cmd.Run
}
