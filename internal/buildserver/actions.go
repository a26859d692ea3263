package buildserver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"

	"jobflow/internal/model"
)

const DefaultPollInterval = 30 * time.Second

// ActionsServer runs builds as GitHub Actions workflow_dispatch runs. The
// workflow must accept `job` and `build` inputs and name its runs after them:
//
//	on:
//	  workflow_dispatch:
//	    inputs:
//	      job: {required: true}
//	      build: {required: true}
//	run-name: ${{ inputs.job }}#${{ inputs.build }}
//
// Run progress is read back by a Poller.
type ActionsServer struct {
	name     string
	owner    string
	repo     string
	workflow string
	ref      string
	client   *github.Client
}

func NewActionsServer(cfg Config, client *github.Client) *ActionsServer {
	return &ActionsServer{
		name:     cfg.Name,
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		workflow: cfg.Workflow,
		ref:      cfg.Ref,
		client:   client,
	}
}

func (a *ActionsServer) Name() string { return a.name }

func (a *ActionsServer) Submit(ctx context.Context, job model.Job, build model.Build) error {
	path := fmt.Sprintf("repos/%s/%s/actions/workflows/%s/dispatches", a.owner, a.repo, a.workflow)
	req, err := a.client.NewRequest("POST", path, &github.CreateWorkflowDispatchEventRequest{
		Ref: a.ref,
		Inputs: map[string]interface{}{
			"job":   job.ID,
			"build": strconv.Itoa(build.Number),
		},
	})
	if err != nil {
		return err
	}
	_, err = a.client.Do(ctx, req, nil)
	return err
}

// RunName is the run-name a dispatched workflow run carries.
func RunName(jobID string, buildNumber int) string {
	return jobID + "#" + strconv.Itoa(buildNumber)
}

// ParseRunName splits "<job>#<build>". Job IDs may themselves contain '#'.
func ParseRunName(name string) (jobID string, buildNumber int, ok bool) {
	i := strings.LastIndexByte(name, '#')
	if i <= 0 || i == len(name)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return name[:i], n, true
}

// runEvent maps a workflow run to the build event it represents.
func runEvent(run *github.WorkflowRun) (model.BuildEvent, bool) {
	jobID, number, ok := ParseRunName(run.GetDisplayTitle())
	if !ok {
		return model.BuildEvent{}, false
	}
	ev := model.BuildEvent{JobID: jobID, BuildNumber: number}
	switch run.GetStatus() {
	case "queued", "requested", "waiting", "pending":
		ev.Phase = model.PhaseQueued
		ev.Timestamp = run.GetCreatedAt().Time
	case "in_progress":
		ev.Phase = model.PhaseStarted
		ev.Timestamp = run.GetRunStartedAt().Time
	case "completed":
		ev.Phase = model.PhaseFinalized
		ev.Status = conclusionStatus(run.GetConclusion())
		ev.Timestamp = run.GetUpdatedAt().Time
	default:
		return model.BuildEvent{}, false
	}
	return ev, true
}

func conclusionStatus(conclusion string) model.BuildStatus {
	switch conclusion {
	case "success":
		return model.BuildSuccess
	case "neutral":
		return model.BuildUnstable
	case "cancelled", "skipped", "stale":
		return model.BuildAborted
	default:
		return model.BuildFailure
	}
}

// Poller reads recent workflow_dispatch runs of an ActionsServer's workflow
// and forwards phase changes to a sink.
type Poller struct {
	server   *ActionsServer
	sink     EventSink
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[int64]model.Phase
}

func NewPoller(server *ActionsServer, sink EventSink, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		server:   server,
		sink:     sink,
		interval: interval,
		logger:   logger.With("server", server.Name()),
		seen:     make(map[int64]model.Phase),
	}
}

// Poll makes one pass and returns how many events were forwarded. Runs whose
// name does not parse are ignored; they were not started by jobflow.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	runs, _, err := p.server.client.Actions.ListWorkflowRunsByFileName(ctx, p.server.owner, p.server.repo, p.server.workflow,
		&github.ListWorkflowRunsOptions{Event: "workflow_dispatch", ListOptions: github.ListOptions{PerPage: 50}})
	if err != nil {
		return 0, fmt.Errorf("list workflow runs: %w", err)
	}

	// Oldest first so a job's events reach the sink in order.
	list := runs.WorkflowRuns
	forwarded := 0
	for i := len(list) - 1; i >= 0; i-- {
		run := list[i]
		ev, ok := runEvent(run)
		if !ok {
			continue
		}
		p.mu.Lock()
		prev := p.seen[run.GetID()]
		p.mu.Unlock()
		if prev.Rank() >= ev.Phase.Rank() {
			continue
		}
		if err := p.sink.HandleEvent(ctx, ev); err != nil {
			p.logger.Warn("build event rejected", "job", ev.JobID, "build", ev.BuildNumber, "phase", ev.Phase, "error", err)
		}
		// Rejected events are stale or malformed; retrying them cannot help.
		p.mu.Lock()
		p.seen[run.GetID()] = ev.Phase
		p.mu.Unlock()
		forwarded++
	}
	return forwarded, nil
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
