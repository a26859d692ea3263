package checkup

import (
	"errors"
	"fmt"
	"sync"

	"jobflow/internal/model"
)

var ErrNotFound = errors.New("checkup not found")

// Set holds every job's checkups in declaration order.
type Set struct {
	mu    sync.RWMutex
	byJob map[string][]*model.Checkup
	byID  map[string]*model.Checkup
}

func NewSet() *Set {
	return &Set{
		byJob: make(map[string][]*model.Checkup),
		byID:  make(map[string]*model.Checkup),
	}
}

// Add appends c to its job's list.
func (s *Set) Add(c model.Checkup) error {
	if c.ID == "" || c.JobID == "" {
		return fmt.Errorf("checkup: id and job are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return fmt.Errorf("checkup %s: duplicate id", c.ID)
	}
	cp := c
	s.byID[c.ID] = &cp
	s.byJob[c.JobID] = append(s.byJob[c.JobID], &cp)
	return nil
}

// ForJob returns a snapshot of job's checkups, in order.
func (s *Set) ForJob(jobID string) []model.Checkup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byJob[jobID]
	out := make([]model.Checkup, 0, len(list))
	for _, c := range list {
		out = append(out, *c)
	}
	return out
}

func (s *Set) Get(id string) (model.Checkup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return model.Checkup{}, false
	}
	return *c, true
}

// SetEnabled toggles a checkup. Evaluations already running keep their
// snapshot.
func (s *Set) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Enabled = enabled
	return nil
}

// All returns every checkup grouped by job, in declaration order per job.
func (s *Set) All() map[string][]model.Checkup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.Checkup, len(s.byJob))
	for job, list := range s.byJob {
		for _, c := range list {
			out[job] = append(out[job], *c)
		}
	}
	return out
}
