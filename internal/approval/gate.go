package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobflow/internal/model"
)

var ErrNotFound = errors.New("approval not found")

// ConflictError is returned when resolving an approval that is no longer
// actionable. Nothing changes.
type ConflictError struct {
	Approval model.Approval
}

func (e *ConflictError) Error() string {
	if e.Approval.Superseded {
		return fmt.Sprintf("approval %s was superseded by a newer request for %s", e.Approval.ID, e.Approval.JobID)
	}
	return fmt.Sprintf("approval %s is already %s", e.Approval.ID, e.Approval.State)
}

// Saver persists approvals.
type Saver interface {
	SaveApproval(ctx context.Context, a model.Approval) error
}

type Notifier interface {
	Notify(n model.Notification)
}

// Gate tracks approvals. Only the newest pending approval of a job is
// actionable; approving it grants the job a one-cycle override.
type Gate struct {
	mu        sync.Mutex
	byID      map[string]*model.Approval
	byJob     map[string][]string
	overrides map[string]bool

	saver    Saver
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewGate(saver Saver, notifier Notifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		byID:      make(map[string]*model.Approval),
		byJob:     make(map[string][]string),
		overrides: make(map[string]bool),
		saver:     saver,
		notifier:  notifier,
		log:       logger,
		now:       time.Now,
	}
}

// Request opens a new approval for jobID, superseding any pending one.
func (g *Gate) Request(ctx context.Context, jobID string, buildNumber int, approver, reason string) (model.Approval, error) {
	if jobID == "" {
		return model.Approval{}, fmt.Errorf("approval: job is required")
	}

	g.mu.Lock()
	a := model.Approval{
		ID:          uuid.NewString(),
		JobID:       jobID,
		BuildNumber: buildNumber,
		State:       model.ApprovalPending,
		Reason:      model.Truncate(reason),
		Approver:    approver,
		CreatedAt:   g.now(),
	}
	var changed []model.Approval
	for _, id := range g.byJob[jobID] {
		old := g.byID[id]
		if old.Actionable() {
			old.Superseded = true
			changed = append(changed, *old)
		}
	}
	g.byID[a.ID] = &a
	g.byJob[jobID] = append(g.byJob[jobID], a.ID)
	changed = append(changed, a)
	g.mu.Unlock()

	if err := g.save(ctx, changed...); err != nil {
		return a, err
	}
	g.log.Info("approval requested", "job", jobID, "approval", a.ID, "build", buildNumber, "superseded", len(changed)-1)
	g.notify(model.Notification{
		JobID:      jobID,
		Event:      model.EventApprovalRequested,
		Recipients: recipients(approver),
		Message:    a.Reason,
		At:         a.CreatedAt,
	})
	return a, nil
}

// Resolve approves or rejects a pending approval.
func (g *Gate) Resolve(ctx context.Context, id string, approve bool, by string) (model.Approval, error) {
	g.mu.Lock()
	a, ok := g.byID[id]
	if !ok {
		g.mu.Unlock()
		return model.Approval{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !a.Actionable() {
		cur := *a
		g.mu.Unlock()
		return cur, &ConflictError{Approval: cur}
	}
	if approve {
		a.State = model.ApprovalApproved
		g.overrides[a.JobID] = true
	} else {
		a.State = model.ApprovalRejected
	}
	a.ResolvedBy = by
	a.ResolvedAt = g.now()
	cur := *a
	g.mu.Unlock()

	if err := g.save(ctx, cur); err != nil {
		return cur, err
	}
	g.log.Info("approval resolved", "job", cur.JobID, "approval", cur.ID, "state", cur.State, "by", by)
	g.notify(model.Notification{
		JobID:      cur.JobID,
		Event:      model.EventApprovalResolved,
		Recipients: recipients(cur.Approver),
		Message:    fmt.Sprintf("approval %s %s by %s", cur.ID, cur.State, by),
		At:         cur.ResolvedAt,
	})
	return cur, nil
}

// ConsumeOverride reports and clears the job's pending override.
func (g *Gate) ConsumeOverride(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.overrides[jobID] {
		return false
	}
	delete(g.overrides, jobID)
	return true
}

func (g *Gate) Get(id string) (model.Approval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.byID[id]
	if !ok {
		return model.Approval{}, false
	}
	return *a, true
}

// HasPending reports whether the job has an actionable approval.
func (g *Gate) HasPending(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.byJob[jobID] {
		if g.byID[id].Actionable() {
			return true
		}
	}
	return false
}

// Pending lists actionable approvals, oldest first.
func (g *Gate) Pending() []model.Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Approval
	for _, a := range g.byID {
		if a.Actionable() {
			out = append(out, *a)
		}
	}
	sortApprovals(out)
	return out
}

// ForJob lists every approval of a job, oldest first.
func (g *Gate) ForJob(jobID string) []model.Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Approval, 0, len(g.byJob[jobID]))
	for _, id := range g.byJob[jobID] {
		out = append(out, *g.byID[id])
	}
	return out
}

// Restore loads a persisted approval.
func (g *Gate) Restore(a model.Approval) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byID[a.ID]; ok {
		return
	}
	cp := a
	g.byID[a.ID] = &cp
	g.byJob[a.JobID] = append(g.byJob[a.JobID], a.ID)
	sort.SliceStable(g.byJob[a.JobID], func(i, j int) bool {
		return g.byID[g.byJob[a.JobID][i]].CreatedAt.Before(g.byID[g.byJob[a.JobID][j]].CreatedAt)
	})
}

func (g *Gate) save(ctx context.Context, as ...model.Approval) error {
	if g.saver == nil {
		return nil
	}
	var errs []error
	for _, a := range as {
		if err := g.saver.SaveApproval(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("save approval %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gate) notify(n model.Notification) {
	if g.notifier != nil {
		g.notifier.Notify(n)
	}
}

func recipients(approver string) []string {
	if approver == "" {
		return nil
	}
	return []string{approver}
}

func sortApprovals(as []model.Approval) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}
