package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobflow/internal/model"
)

var ErrUnknownJob = errors.New("unknown job")

// IntegrityError is returned when an edge would break the graph: a cycle, a
// self edge or a dangling endpoint. It is only ever returned at edge creation.
type IntegrityError struct {
	Child  string
	Parent string
	Reason string
	// Path is the existing parent chain that would close the cycle, if any.
	Path []string
}

func (e *IntegrityError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("graph integrity: edge %s -> %s: %s (%s)", e.Child, e.Parent, e.Reason, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("graph integrity: edge %s -> %s: %s", e.Child, e.Parent, e.Reason)
}

// Store holds jobs and their parent edges as an index-addressed adjacency
// structure: job ID -> edge list, plus the reverse child index.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]model.Job
	parents  map[string][]model.ParentEdge
	children map[string][]string
}

func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]model.Job),
		parents:  make(map[string][]model.ParentEdge),
		children: make(map[string][]string),
	}
}

// PutJob registers a job or replaces its attributes. Edges are kept.
func (s *Store) PutJob(job model.Job) error {
	if s == nil {
		return fmt.Errorf("graph store is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) Job(id string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j, nil
}

// Jobs returns every job sorted by ID.
func (s *Store) Jobs() []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateJob applies fn to the stored job under the write lock.
func (s *Store) UpdateJob(id string, fn func(*model.Job)) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	fn(&j)
	j.ID = id
	s.jobs[id] = j
	return j, nil
}

// AddEdge adds child -> parent. Adding an edge that already exists updates its
// scope.
func (s *Store) AddEdge(child, parent string, scope model.Scope) error {
	if scope != model.ScopeFull && scope != model.ScopePartial {
		return &IntegrityError{Child: child, Parent: parent, Reason: fmt.Sprintf("invalid scope %q", scope)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if child == parent {
		return &IntegrityError{Child: child, Parent: parent, Reason: "self edge"}
	}
	if _, ok := s.jobs[child]; !ok {
		return &IntegrityError{Child: child, Parent: parent, Reason: "dangling edge: unknown child"}
	}
	if _, ok := s.jobs[parent]; !ok {
		return &IntegrityError{Child: child, Parent: parent, Reason: "dangling edge: unknown parent"}
	}

	for i, e := range s.parents[child] {
		if e.Parent == parent {
			s.parents[child][i].Scope = scope
			return nil
		}
	}

	// child -> parent closes a cycle iff child is already an ancestor of parent.
	if path := s.ancestorPathLocked(parent, child); path != nil {
		return &IntegrityError{Child: child, Parent: parent, Reason: "cycle detected", Path: path}
	}

	s.parents[child] = append(s.parents[child], model.ParentEdge{Child: child, Parent: parent, Scope: scope})
	s.children[parent] = append(s.children[parent], child)
	return nil
}

func (s *Store) RemoveEdge(child, parent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	edges := s.parents[child]
	idx := -1
	for i, e := range edges {
		if e.Parent == parent {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	s.parents[child] = append(edges[:idx:idx], edges[idx+1:]...)

	kids := s.children[parent]
	for i, c := range kids {
		if c == child {
			s.children[parent] = append(kids[:i:i], kids[i+1:]...)
			break
		}
	}
	return true
}

// ancestorPathLocked walks parent edges from `from` and returns the chain
// ending at `target`, or nil if target is not an ancestor.
func (s *Store) ancestorPathLocked(from, target string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			var path []string
			for n := cur; n != ""; n = prev[n] {
				path = append(path, n)
			}
			// path runs target ... from; report it from `from` upwards.
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, e := range s.parents[cur] {
			if _, seen := prev[e.Parent]; seen {
				continue
			}
			prev[e.Parent] = cur
			queue = append(queue, e.Parent)
		}
	}
	return nil
}

// Parents returns the parent edges of id.
func (s *Store) Parents(id string) ([]model.ParentEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	out := make([]model.ParentEdge, len(s.parents[id]))
	copy(out, s.parents[id])
	return out, nil
}

// Children returns the IDs of the direct children of id, sorted.
func (s *Store) Children(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	out := make([]string, len(s.children[id]))
	copy(out, s.children[id])
	sort.Strings(out)
	return out, nil
}

// Edges returns every edge sorted by child then parent.
func (s *Store) Edges() []model.ParentEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ParentEdge
	for _, edges := range s.parents {
		out = append(out, edges...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Child != out[j].Child {
			return out[i].Child < out[j].Child
		}
		return out[i].Parent < out[j].Parent
	})
	return out
}
