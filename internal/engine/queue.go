package engine

import (
	"context"
	"errors"
	"sync"

	"jobflow/internal/model"
)

// ErrClosed is returned for events offered after Close.
var ErrClosed = errors.New("engine closed")

const laneDepth = 64

type workItem struct {
	ctx  context.Context
	ev   model.BuildEvent
	done chan error
}

// lanes applies build events one at a time per job, in arrival order. Each
// job gets a worker the first time an event for it arrives; different jobs
// proceed in parallel.
type lanes struct {
	handle func(context.Context, model.BuildEvent) error

	mu     sync.Mutex
	byJob  map[string]chan workItem
	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func newLanes(handle func(context.Context, model.BuildEvent) error) *lanes {
	return &lanes{
		handle: handle,
		byJob:  make(map[string]chan workItem),
		stop:   make(chan struct{}),
	}
}

// do queues ev behind the job's earlier events and waits for its result. The
// event is applied even if ctx ends while it waits; only the wait is cut short.
func (l *lanes) do(ctx context.Context, ev model.BuildEvent) error {
	lane, err := l.lane(ev.JobID)
	if err != nil {
		return err
	}
	item := workItem{ctx: context.WithoutCancel(ctx), ev: ev, done: make(chan error, 1)}
	select {
	case lane <- item:
	case <-l.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.done:
		return err
	case <-l.stop:
		select {
		case err := <-item.done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lanes) lane(jobID string) (chan workItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	lane, ok := l.byJob[jobID]
	if !ok {
		lane = make(chan workItem, laneDepth)
		l.byJob[jobID] = lane
		l.wg.Add(1)
		go l.work(lane)
	}
	return lane, nil
}

func (l *lanes) work(lane chan workItem) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case item := <-lane:
			item.done <- l.handle(item.ctx, item.ev)
		}
	}
}

// close stops the workers after their current event. Events still queued are
// dropped and their callers get ErrClosed.
func (l *lanes) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.stop)
	l.mu.Unlock()
	l.wg.Wait()
}
