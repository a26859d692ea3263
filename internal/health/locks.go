package health

import "sync"

// jobLocks hands out one RWMutex per job. A recompute write-locks its own job
// and read-locks each parent while reading its status; since the graph is
// acyclic the lock order follows the edges and cannot deadlock.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*sync.RWMutex)}
}

func (l *jobLocks) get(id string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[id] = m
	}
	return m
}
