package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobflow/internal/model"
)

// ErrInvalidEvent marks a build event that can never be applied.
var ErrInvalidEvent = errors.New("invalid build event")

// StaleEventError reports a build event older than the state already applied.
// Callers discard it.
type StaleEventError struct {
	Event   model.BuildEvent
	Current model.Phase
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale build event for %s#%d: %s after %s", e.Event.JobID, e.Event.BuildNumber, e.Event.Phase, e.Current)
}

// Ledger is the append-only record of build attempts per job.
type Ledger struct {
	mu     sync.RWMutex
	builds map[string]map[int]*model.Build
	latest map[string]int
	now    func() time.Time
}

func New() *Ledger {
	return &Ledger{
		builds: make(map[string]map[int]*model.Build),
		latest: make(map[string]int),
		now:    time.Now,
	}
}

// Queue records a new QUEUED build for job with the next sequence number.
func (l *Ledger) Queue(jobID string, cause model.BuildCause) model.Build {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.latest[jobID] + 1
	b := &model.Build{
		JobID:    jobID,
		Number:   n,
		Phase:    model.PhaseQueued,
		Cause:    cause,
		QueuedAt: l.now(),
	}
	l.putLocked(b)
	return *b
}

// Discard removes a QUEUED build that was never handed to a build server.
func (l *Ledger) Discard(jobID string, number int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.builds[jobID][number]
	if !ok || b.Phase != model.PhaseQueued {
		return
	}
	delete(l.builds[jobID], number)
	if l.latest[jobID] == number {
		l.latest[jobID] = 0
		for n := range l.builds[jobID] {
			if n > l.latest[jobID] {
				l.latest[jobID] = n
			}
		}
	}
}

func (l *Ledger) putLocked(b *model.Build) {
	byNum, ok := l.builds[b.JobID]
	if !ok {
		byNum = make(map[int]*model.Build)
		l.builds[b.JobID] = byNum
	}
	byNum[b.Number] = b
	if b.Number > l.latest[b.JobID] {
		l.latest[b.JobID] = b.Number
	}
}

// Apply applies a build-server event. It returns the resulting build and
// whether anything changed. A repeated (build, phase) pair is a no-op; a phase
// regression or a change to a FINALIZED build returns *StaleEventError.
func (l *Ledger) Apply(ev model.BuildEvent) (model.Build, bool, error) {
	if ev.JobID == "" {
		return model.Build{}, false, fmt.Errorf("%w: job id is required", ErrInvalidEvent)
	}
	if ev.BuildNumber <= 0 {
		return model.Build{}, false, fmt.Errorf("%w: build number must be > 0, got %d", ErrInvalidEvent, ev.BuildNumber)
	}
	if ev.Phase.Rank() == 0 {
		return model.Build{}, false, fmt.Errorf("%w: unknown phase %q", ErrInvalidEvent, ev.Phase)
	}
	if ev.Phase == model.PhaseFinalized && ev.Status == "" {
		return model.Build{}, false, fmt.Errorf("%w: FINALIZED requires a status", ErrInvalidEvent)
	}
	if ev.Phase != model.PhaseFinalized && ev.Status != "" {
		return model.Build{}, false, fmt.Errorf("%w: status %s is only valid at FINALIZED", ErrInvalidEvent, ev.Status)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.builds[ev.JobID][ev.BuildNumber]
	if !ok {
		// First sight of a build the engine did not queue (e.g. started by hand
		// on the build server).
		b = &model.Build{JobID: ev.JobID, Number: ev.BuildNumber, Cause: model.CauseRemote}
		stampPhase(b, ev.Phase, ev.Status, ts)
		l.putLocked(b)
		return *b, true, nil
	}

	cur := b.Phase
	switch {
	case ev.Phase == cur:
		return *b, false, nil
	case ev.Phase.Rank() < cur.Rank():
		return *b, false, &StaleEventError{Event: ev, Current: cur}
	}

	stampPhase(b, ev.Phase, ev.Status, ts)
	return *b, true, nil
}

func stampPhase(b *model.Build, phase model.Phase, status model.BuildStatus, ts time.Time) {
	b.Phase = phase
	switch phase {
	case model.PhaseQueued:
		b.QueuedAt = ts
	case model.PhaseStarted:
		b.StartedAt = ts
	case model.PhaseFinalized:
		b.FinalizedAt = ts
		b.Status = status
	}
}

// Latest returns the highest-numbered build of job.
func (l *Ledger) Latest(jobID string) (model.Build, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.latest[jobID]
	if !ok || n == 0 {
		return model.Build{}, false
	}
	return *l.builds[jobID][n], true
}

// LatestFinalized returns the highest-numbered FINALIZED build of job.
func (l *Ledger) LatestFinalized(jobID string) (model.Build, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best *model.Build
	for _, b := range l.builds[jobID] {
		if !b.Finalized() {
			continue
		}
		if best == nil || b.Number > best.Number {
			best = b
		}
	}
	if best == nil {
		return model.Build{}, false
	}
	return *best, true
}

func (l *Ledger) Build(jobID string, number int) (model.Build, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.builds[jobID][number]
	if !ok {
		return model.Build{}, false
	}
	return *b, true
}

// Active reports whether job has a QUEUED or STARTED build.
func (l *Ledger) Active(jobID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.builds[jobID] {
		if b.Active() {
			return true
		}
	}
	return false
}

// Builds returns the builds of job, newest first.
func (l *Ledger) Builds(jobID string) []model.Build {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Build, 0, len(l.builds[jobID]))
	for _, b := range l.builds[jobID] {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out
}

// Restore loads a previously persisted build, keeping the highest phase when
// the build is already known.
func (l *Ledger) Restore(b model.Build) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.builds[b.JobID][b.Number]; ok && cur.Phase.Rank() >= b.Phase.Rank() {
		return
	}
	cp := b
	l.putLocked(&cp)
}
