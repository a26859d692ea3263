package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobflow/internal/approval"
	"jobflow/internal/fleet"
	"jobflow/internal/graph"
	"jobflow/internal/ledger"
	"jobflow/internal/model"
	"jobflow/internal/store"
)

type fakeServers struct {
	mu     sync.Mutex
	builds []model.Build
	err    error
}

func (f *fakeServers) Submit(_ context.Context, _ model.Job, b model.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.builds = append(f.builds, b)
	return nil
}

func (f *fakeServers) submitted() []model.Build {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Build(nil), f.builds...)
}

// fakeQuerier answers every query with the value set for it.
type fakeQuerier struct {
	mu     sync.Mutex
	values map[string]string
}

func (q *fakeQuerier) Query(_ context.Context, _ string, query string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.values[query]
	if !ok {
		return "", errors.New("no answer for " + query)
	}
	return v, nil
}

func (q *fakeQuerier) set(query, value string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values[query] = value
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []model.Notification
}

func (r *recordingNotifier) Notify(n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) count(event, job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.got {
		if x.Event == event && x.JobID == job {
			n++
		}
	}
	return n
}

const header = `
servers:
  - name: ci
    url: http://ci.invalid/submit
connections:
  - name: wh
    driver: http
    dsn: http://wh.invalid/query
`

type fixture struct {
	*Engine
	store    *store.Memory
	servers  *fakeServers
	querier  *fakeQuerier
	notifier *recordingNotifier
}

func newFixture(t *testing.T, jobs string) *fixture {
	t.Helper()
	return newFixtureWithStore(t, jobs, store.NewMemory())
}

func newFixtureWithStore(t *testing.T, jobs string, st *store.Memory) *fixture {
	t.Helper()
	f, err := fleet.Parse(strings.NewReader(header + jobs))
	if err != nil {
		t.Fatalf("fleet: %v", err)
	}
	fx := &fixture{
		store:    st,
		servers:  &fakeServers{},
		querier:  &fakeQuerier{values: make(map[string]string)},
		notifier: &recordingNotifier{},
	}
	fx.Engine, err = New(f, st, fx.servers, fx.querier, Options{Notifier: fx.notifier, Concurrency: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(fx.Close)
	return fx
}

func (fx *fixture) submit(t *testing.T, job string, cause model.BuildCause) model.Build {
	t.Helper()
	b, err := fx.Submit(context.Background(), job, cause)
	if err != nil {
		t.Fatalf("Submit(%s): %v", job, err)
	}
	return b
}

// finish reports a build as started and finalized with status.
func (fx *fixture) finish(t *testing.T, b model.Build, status model.BuildStatus) {
	t.Helper()
	ctx := context.Background()
	if err := fx.HandleEvent(ctx, model.BuildEvent{JobID: b.JobID, BuildNumber: b.Number, Phase: model.PhaseStarted}); err != nil {
		t.Fatalf("start %s#%d: %v", b.JobID, b.Number, err)
	}
	if err := fx.HandleEvent(ctx, model.BuildEvent{JobID: b.JobID, BuildNumber: b.Number, Phase: model.PhaseFinalized, Status: status}); err != nil {
		t.Fatalf("finalize %s#%d: %v", b.JobID, b.Number, err)
	}
}

func (fx *fixture) flow(t *testing.T, job string) model.Flow {
	t.Helper()
	v, err := fx.Job(context.Background(), job)
	if err != nil {
		t.Fatalf("Job(%s): %v", job, err)
	}
	return v.Status.Flow
}

func (fx *fixture) fireRetries(t *testing.T) model.Build {
	t.Helper()
	builds := fx.FireRetries(context.Background(), time.Now().Add(time.Minute))
	if len(builds) != 1 {
		t.Fatalf("FireRetries submitted %d builds, want 1", len(builds))
	}
	return builds[0]
}

func TestEngine_RetriesUntilSuccess(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: etl
    server: ci
    retry: 2
`)

	b1 := fx.submit(t, "etl", model.CauseCron)
	fx.finish(t, b1, model.BuildFailure)
	if got := fx.flow(t, "etl"); got != model.FlowUnhealthy {
		t.Fatalf("after #1 flow = %s, want UNHEALTHY", got)
	}

	b2 := fx.fireRetries(t)
	if b2.Number != 2 || b2.Cause != model.CauseRetry {
		t.Fatalf("retry build = %+v", b2)
	}
	fx.finish(t, b2, model.BuildFailure)

	b3 := fx.fireRetries(t)
	fx.finish(t, b3, model.BuildSuccess)

	v, err := fx.Job(context.Background(), "etl")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status.Flow != model.FlowNormal || v.Attempts != 0 || v.PendingRetry != nil {
		t.Fatalf("after #3 view = %+v", v)
	}

	builds, err := fx.store.Builds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	failures := 0
	for _, b := range builds {
		if b.Status == model.BuildFailure {
			failures++
		}
	}
	if len(builds) != 3 || failures != 2 {
		t.Fatalf("stored builds = %+v", builds)
	}
	if n := fx.notifier.count(model.EventBuildSubmitted, "etl"); n != 3 {
		t.Fatalf("build.submitted notifications = %d, want 3", n)
	}
}

func TestEngine_RetriesExhausted(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: etl
    server: ci
    retry: 1
`)
	fx.finish(t, fx.submit(t, "etl", model.CauseCron), model.BuildFailure)
	fx.finish(t, fx.fireRetries(t), model.BuildFailure)

	if builds := fx.FireRetries(context.Background(), time.Now().Add(time.Hour)); len(builds) != 0 {
		t.Fatalf("retried past budget: %+v", builds)
	}
	if fx.flow(t, "etl") != model.FlowUnhealthy {
		t.Fatalf("job should stay UNHEALTHY")
	}
	if fx.notifier.count(model.EventRetriesExhausted, "etl") != 1 {
		t.Fatalf("missing retries-exhausted notification: %+v", fx.notifier.got)
	}
}

func TestEngine_ScheduledBuildStartsFreshRetryBudget(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: etl
    server: ci
    retry: 1
triggers:
  - name: nightly
    cron: "0 2 * * *"
    jobs: [{job: etl}]
`)
	ctx := context.Background()
	fx.finish(t, fx.submit(t, "etl", model.CauseCron), model.BuildFailure)
	fx.finish(t, fx.fireRetries(t), model.BuildFailure)
	if builds := fx.FireRetries(ctx, time.Now().Add(time.Hour)); len(builds) != 0 {
		t.Fatalf("retried past budget: %+v", builds)
	}

	rep, err := fx.Tick(ctx, time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Submitted) != 1 || rep.Submitted[0].Number != 3 {
		t.Fatalf("tick = %+v", rep)
	}
	fx.finish(t, rep.Submitted[0], model.BuildFailure)

	retry := fx.fireRetries(t)
	if retry.Number != 4 || retry.Cause != model.CauseRetry {
		t.Fatalf("retry after scheduled failure = %+v", retry)
	}
	fx.finish(t, retry, model.BuildFailure)
	if builds := fx.FireRetries(ctx, time.Now().Add(time.Hour)); len(builds) != 0 {
		t.Fatalf("second episode retried past budget: %+v", builds)
	}
	if n := fx.notifier.count(model.EventRetriesExhausted, "etl"); n != 2 {
		t.Fatalf("retries-exhausted notifications = %d, want one per episode", n)
	}
}

func TestEngine_RebuildKeepsBudgetOfActiveBuild(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: etl
    server: ci
    retry: 2
`)
	fx.finish(t, fx.submit(t, "etl", model.CauseCron), model.BuildFailure)
	fx.fireRetries(t)

	if _, err := fx.Rebuild(context.Background(), "etl"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("Rebuild while retry runs = %v, want ErrJobActive", err)
	}
	v, err := fx.Job(context.Background(), "etl")
	if err != nil {
		t.Fatal(err)
	}
	if v.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", v.Attempts)
	}
}

const chain = `
jobs:
  - id: extract
    server: ci
  - id: load
    server: ci
    rebuild: %s
    approver: ops
    parents: [{job: extract}]
`

func chainFixture(t *testing.T, rebuild bool) *fixture {
	t.Helper()
	r := "false"
	if rebuild {
		r = "true"
	}
	return newFixture(t, strings.Replace(chain, "%s", r, 1))
}

func TestEngine_RecoveryRebuildsBlockedChild(t *testing.T) {
	fx := chainFixture(t, true)

	fx.finish(t, fx.submit(t, "extract", model.CauseCron), model.BuildFailure)
	if got := fx.flow(t, "load"); got != model.FlowBlocked {
		t.Fatalf("load flow = %s, want BLOCKED", got)
	}
	if len(fx.servers.submitted()) != 1 {
		t.Fatalf("nothing but extract#1 should be submitted: %+v", fx.servers.submitted())
	}

	b, err := fx.Rebuild(context.Background(), "extract")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if b.Cause != model.CauseManual {
		t.Fatalf("cause = %s", b.Cause)
	}
	fx.finish(t, b, model.BuildSuccess)

	if got := fx.flow(t, "load"); got != model.FlowNormal {
		t.Fatalf("load flow = %s, want NORMAL", got)
	}
	subs := fx.servers.submitted()
	last := subs[len(subs)-1]
	if last.JobID != "load" || last.Cause != model.CauseRebuild {
		t.Fatalf("expected a recovery rebuild of load, got %+v", subs)
	}
}

func TestEngine_RebuildBlockedSuppressesRecoveryRebuild(t *testing.T) {
	fx := chainFixture(t, true)
	if _, err := fx.SetRebuildBlocked("load", true); err != nil {
		t.Fatal(err)
	}
	fx.finish(t, fx.submit(t, "extract", model.CauseCron), model.BuildFailure)
	fx.finish(t, fx.submit(t, "extract", model.CauseManual), model.BuildSuccess)

	for _, b := range fx.servers.submitted() {
		if b.JobID == "load" {
			t.Fatalf("load was resubmitted while rebuild-blocked: %+v", b)
		}
	}
}

func TestEngine_ApprovalOverridesBlockForOneCycle(t *testing.T) {
	fx := chainFixture(t, false)
	ctx := context.Background()

	fx.finish(t, fx.submit(t, "extract", model.CauseCron), model.BuildFailure)
	pending := fx.Approvals()
	if len(pending) != 1 || pending[0].JobID != "load" || pending[0].Approver != "ops" {
		t.Fatalf("pending approvals = %+v", pending)
	}

	a, err := fx.ResolveApproval(ctx, pending[0].ID, true, "alice")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if a.State != model.ApprovalApproved {
		t.Fatalf("state = %s", a.State)
	}
	if got := fx.flow(t, "load"); got != model.FlowNormal {
		t.Fatalf("approved load flow = %s, want NORMAL", got)
	}

	_, err = fx.ResolveApproval(ctx, pending[0].ID, false, "bob")
	var conflict *approval.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second resolve: expected ConflictError, got %v", err)
	}

	// The override is spent; the next recompute sees the failed parent again.
	if _, err := fx.SetEnabled(ctx, "load", true); err != nil {
		t.Fatal(err)
	}
	if got := fx.flow(t, "load"); got != model.FlowBlocked {
		t.Fatalf("load flow after override = %s, want BLOCKED", got)
	}
}

func TestEngine_RejectedApprovalLeavesFlow(t *testing.T) {
	fx := chainFixture(t, false)
	fx.finish(t, fx.submit(t, "extract", model.CauseCron), model.BuildFailure)

	id := fx.Approvals()[0].ID
	if _, err := fx.ResolveApproval(context.Background(), id, false, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := fx.flow(t, "load"); got != model.FlowBlocked {
		t.Fatalf("load flow = %s, want BLOCKED", got)
	}
	if len(fx.Approvals()) != 0 {
		t.Fatalf("rejected approval still pending")
	}
}

func TestEngine_PreValidationVetoesSubmission(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: load
    server: ci
    checkups:
      - id: source-ready
        connection: wh
        query: rows_ready
        conditional: ">"
        threshold: "0"
        action: block
        pre_validation: true
`)
	fx.querier.set("rows_ready", "0")

	_, err := fx.Submit(context.Background(), "load", model.CauseCron)
	if !errors.Is(err, ErrSubmissionBlocked) {
		t.Fatalf("Submit = %v, want ErrSubmissionBlocked", err)
	}
	if len(fx.servers.submitted()) != 0 {
		t.Fatalf("vetoed build reached the server")
	}
	if builds, _ := fx.Builds("load"); len(builds) != 0 {
		t.Fatalf("vetoed build kept in ledger: %+v", builds)
	}

	fx.querier.set("rows_ready", "12")
	b := fx.submit(t, "load", model.CauseCron)
	if b.Number != 1 {
		t.Fatalf("build number = %d, want 1", b.Number)
	}

	logs, err := fx.CheckupLogs(context.Background(), model.LogQuery{JobID: "load"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || !logs[0].Success || logs[1].Success {
		t.Fatalf("checkup logs = %+v", logs)
	}
}

func TestEngine_PostValidationFailureMarksUnhealthy(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: load
    server: ci
    retry: 3
    checkups:
      - id: rows
        connection: wh
        query: row_count
        conditional: ">="
        threshold: "100"
        action: block
  - id: report
    server: ci
    parents: [{job: load}]
`)
	fx.querier.set("row_count", "7")

	fx.finish(t, fx.submit(t, "load", model.CauseCron), model.BuildSuccess)
	if got := fx.flow(t, "load"); got != model.FlowUnhealthy {
		t.Fatalf("load flow = %s, want UNHEALTHY", got)
	}
	if got := fx.flow(t, "report"); got != model.FlowBlocked {
		t.Fatalf("report flow = %s, want BLOCKED", got)
	}

	fx.querier.set("row_count", "250")
	fx.finish(t, fx.submit(t, "load", model.CauseManual), model.BuildSuccess)
	if fx.flow(t, "load") != model.FlowNormal || fx.flow(t, "report") != model.FlowNormal {
		t.Fatalf("chain did not recover")
	}
}

func TestEngine_SubmitRejectsActiveAndDisabledJobs(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: etl
    server: ci
  - id: off
    server: ci
    enabled: false
`)
	ctx := context.Background()

	fx.submit(t, "etl", model.CauseCron)
	if _, err := fx.Submit(ctx, "etl", model.CauseManual); !errors.Is(err, ErrJobActive) {
		t.Fatalf("second Submit = %v, want ErrJobActive", err)
	}
	if _, err := fx.Submit(ctx, "off", model.CauseManual); !errors.Is(err, ErrJobDisabled) {
		t.Fatalf("Submit(off) = %v, want ErrJobDisabled", err)
	}
	if _, err := fx.Submit(ctx, "ghost", model.CauseManual); !errors.Is(err, graph.ErrUnknownJob) {
		t.Fatalf("Submit(ghost) = %v, want ErrUnknownJob", err)
	}

	fx.servers.err = errors.New("runner offline")
	if _, err := fx.SetEnabled(ctx, "off", true); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.Submit(ctx, "off", model.CauseManual); err == nil {
		t.Fatalf("server failure not returned")
	}
	if builds, _ := fx.Builds("off"); len(builds) != 0 {
		t.Fatalf("failed submission kept in ledger: %+v", builds)
	}
}

func TestEngine_HandleEventEdgeCases(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: etl
    server: ci
`)
	ctx := context.Background()

	if err := fx.HandleEvent(ctx, model.BuildEvent{JobID: "ghost", BuildNumber: 1, Phase: model.PhaseStarted}); !errors.Is(err, graph.ErrUnknownJob) {
		t.Fatalf("unknown job: %v", err)
	}

	// A build started by hand on the server is adopted.
	remote := model.Build{JobID: "etl", Number: 4}
	fx.finish(t, remote, model.BuildSuccess)
	v, err := fx.Job(ctx, "etl")
	if err != nil {
		t.Fatal(err)
	}
	if v.LastBuild == nil || v.LastBuild.Number != 4 || v.LastBuild.Cause != model.CauseRemote {
		t.Fatalf("last build = %+v", v.LastBuild)
	}

	fin := model.BuildEvent{JobID: "etl", BuildNumber: 4, Phase: model.PhaseFinalized, Status: model.BuildSuccess}
	if err := fx.HandleEvent(ctx, fin); err != nil {
		t.Fatalf("duplicate FINALIZED should be a no-op: %v", err)
	}

	err = fx.HandleEvent(ctx, model.BuildEvent{JobID: "etl", BuildNumber: 4, Phase: model.PhaseStarted})
	var stale *ledger.StaleEventError
	if !errors.As(err, &stale) {
		t.Fatalf("regressing event: expected StaleEventError, got %v", err)
	}
}

func TestEngine_RestoreRebuildsState(t *testing.T) {
	const jobs = `
jobs:
  - id: extract
    server: ci
  - id: load
    server: ci
    approver: ops
    parents: [{job: extract}]
`
	st := store.NewMemory()
	first := newFixtureWithStore(t, jobs, st)
	first.finish(t, first.submit(t, "extract", model.CauseCron), model.BuildFailure)
	first.Close()

	second := newFixtureWithStore(t, jobs, st)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v, err := second.Job(context.Background(), "extract")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status.Flow != model.FlowUnhealthy || v.LastBuild == nil || v.LastBuild.Status != model.BuildFailure {
		t.Fatalf("restored extract = %+v", v)
	}
	if len(second.Approvals()) != 1 {
		t.Fatalf("pending approval not restored")
	}

	// The next build continues the sequence.
	if b := second.submit(t, "extract", model.CauseManual); b.Number != 2 {
		t.Fatalf("next build number = %d, want 2", b.Number)
	}
}

func TestEngine_RestoredInFlightBuildSettlesFromItsEvents(t *testing.T) {
	const jobs = `
jobs:
  - id: etl
    server: ci
    retry: 1
`
	st := store.NewMemory()
	first := newFixtureWithStore(t, jobs, st)
	b := first.submit(t, "etl", model.CauseCron)
	first.Close()

	second := newFixtureWithStore(t, jobs, st)
	ctx := context.Background()
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := second.Rebuild(ctx, "etl"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("Rebuild over restored queued build = %v, want ErrJobActive", err)
	}

	// The server reports the build after the restart; the budget starts empty.
	second.finish(t, b, model.BuildFailure)
	retry := second.fireRetries(t)
	if retry.Number != 2 || retry.Cause != model.CauseRetry {
		t.Fatalf("retry after restore = %+v", retry)
	}
}

func TestEngine_SetCheckupEnabled(t *testing.T) {
	fx := newFixture(t, `
jobs:
  - id: load
    server: ci
    checkups:
      - id: rows
        connection: wh
        query: row_count
        conditional: ">"
        threshold: "0"
`)
	c, err := fx.SetCheckupEnabled("rows", false)
	if err != nil || c.Enabled || c.JobID != "load" {
		t.Fatalf("SetCheckupEnabled = %+v, %v", c, err)
	}
	// Disabled: no query is made, so the missing answer does not matter.
	fx.finish(t, fx.submit(t, "load", model.CauseCron), model.BuildSuccess)
	if fx.flow(t, "load") != model.FlowNormal {
		t.Fatalf("disabled checkup affected health")
	}
	if _, err := fx.SetCheckupEnabled("nope", true); err == nil {
		t.Fatalf("unknown checkup accepted")
	}
}

func TestLanes_SerialPerJobParallelAcrossJobs(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	l := newLanes(func(_ context.Context, ev model.BuildEvent) error {
		if ev.JobID == "a" && ev.BuildNumber == 1 {
			<-release
		}
		mu.Lock()
		order = append(order, ev.JobID)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	done := make(chan error, 2)
	go func() { done <- l.do(ctx, model.BuildEvent{JobID: "a", BuildNumber: 1}) }()

	// Job b is not held up by job a.
	if err := l.do(ctx, model.BuildEvent{JobID: "b", BuildNumber: 1}); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := l.do(ctx, model.BuildEvent{JobID: "a", BuildNumber: 2}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "b,a,a" {
		t.Fatalf("order = %s", got)
	}

	l.close()
	if err := l.do(ctx, model.BuildEvent{JobID: "a", BuildNumber: 3}); !errors.Is(err, ErrClosed) {
		t.Fatalf("do after close = %v, want ErrClosed", err)
	}
}
