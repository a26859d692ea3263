// Package store persists job statuses, builds, checkup logs and approvals.
package store

import (
	"context"
	"sort"
	"sync"

	"jobflow/internal/model"
)

// Store is the durable side of the engine.
type Store interface {
	GetStatus(ctx context.Context, jobID string) (model.JobStatus, bool, error)
	PutStatus(ctx context.Context, st model.JobStatus) error
	Statuses(ctx context.Context) ([]model.JobStatus, error)

	SaveBuild(ctx context.Context, b model.Build) error
	Builds(ctx context.Context) ([]model.Build, error)

	AppendCheckupLog(ctx context.Context, l model.CheckupLog) error
	CheckupLogs(ctx context.Context, q model.LogQuery) ([]model.CheckupLog, error)

	SaveApproval(ctx context.Context, a model.Approval) error
	Approvals(ctx context.Context) ([]model.Approval, error)

	Close() error
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu        sync.RWMutex
	statuses  map[string]model.JobStatus
	builds    map[string]map[int]model.Build
	logs      []model.CheckupLog
	logIDs    map[string]struct{}
	approvals map[string]model.Approval
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		statuses:  make(map[string]model.JobStatus),
		builds:    make(map[string]map[int]model.Build),
		logIDs:    make(map[string]struct{}),
		approvals: make(map[string]model.Approval),
	}
}

func (m *Memory) GetStatus(_ context.Context, jobID string) (model.JobStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[jobID]
	return st, ok, nil
}

func (m *Memory) PutStatus(_ context.Context, st model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.JobID] = st
	return nil
}

func (m *Memory) Statuses(_ context.Context) ([]model.JobStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.JobStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (m *Memory) SaveBuild(_ context.Context, b model.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.builds[b.JobID] == nil {
		m.builds[b.JobID] = make(map[int]model.Build)
	}
	m.builds[b.JobID][b.Number] = b
	return nil
}

func (m *Memory) Builds(_ context.Context) ([]model.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Build
	for _, byNum := range m.builds {
		for _, b := range byNum {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// AppendCheckupLog stores l. Logs are immutable; a repeated ID is ignored.
func (m *Memory) AppendCheckupLog(_ context.Context, l model.CheckupLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.logIDs[l.ID]; seen {
		return nil
	}
	m.logIDs[l.ID] = struct{}{}
	m.logs = append(m.logs, l)
	return nil
}

// CheckupLogs returns matching logs, newest first.
func (m *Memory) CheckupLogs(_ context.Context, q model.LogQuery) ([]model.CheckupLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CheckupLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		l := m.logs[i]
		if !q.Match(l) {
			continue
		}
		out = append(out, l)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SaveApproval(_ context.Context, a model.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

func (m *Memory) Approvals(_ context.Context) ([]model.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Approval, 0, len(m.approvals))
	for _, a := range m.approvals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
