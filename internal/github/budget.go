package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RequestBudget paces API calls against GitHub's rate limit headers. The
// Actions poller shares one budget with dispatch so a busy fleet cannot
// starve submissions of requests.
type RequestBudget struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	// cooldown is set from Retry-After (secondary rate limits).
	cooldown time.Time
	// probed is set once a single request was let through after reset
	// without fresh headers.
	probed bool
	// changed is closed and replaced whenever headers move the budget.
	changed chan struct{}
	now     func() time.Time
}

func NewRequestBudget() *RequestBudget {
	return &RequestBudget{
		remaining: 5000,
		reset:     time.Now().Add(time.Hour),
		changed:   make(chan struct{}),
		now:       time.Now,
	}
}

func (b *RequestBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Acquire blocks until n requests may be made or ctx ends.
func (b *RequestBudget) Acquire(ctx context.Context, n int) error {
	switch {
	case ctx == nil:
		return fmt.Errorf("acquire: nil context")
	case n <= 0:
		return fmt.Errorf("acquire: n must be > 0 (got %d)", n)
	case b == nil:
		return fmt.Errorf("acquire: nil RequestBudget")
	case b.now == nil || b.changed == nil:
		return fmt.Errorf("acquire: RequestBudget not initialized (use NewRequestBudget)")
	}
	for range n {
		if err := b.take(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *RequestBudget) take(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		changed := b.changed

		var until time.Time
		switch {
		case now.Before(b.cooldown):
			until = b.cooldown
		case b.remaining > 0:
			b.remaining--
			b.mu.Unlock()
			return nil
		case !now.Before(b.reset) && !b.probed:
			b.probed = true
			b.mu.Unlock()
			return nil
		case !now.Before(b.reset):
			// Reset passed and the probe is out; wait for its headers.
		default:
			until = b.reset
		}
		b.mu.Unlock()

		if err := wait(ctx, changed, until, now); err != nil {
			return err
		}
	}
}

// wait returns when changed is closed, when until passes (if set) or with
// ctx's error.
func wait(ctx context.Context, changed <-chan struct{}, until, now time.Time) error {
	var timeout <-chan time.Time
	if !until.IsZero() {
		timer := time.NewTimer(max(until.Sub(now), 0))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timeout:
	}
	return nil
}

// UpdateFromResponse reads Retry-After and X-RateLimit-* headers.
func (b *RequestBudget) UpdateFromResponse(resp *http.Response) {
	if b == nil || resp == nil || b.now == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	moved := false
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		if until := b.now().Add(time.Duration(secs) * time.Second); until.After(b.cooldown) {
			b.cooldown = until
			moved = true
		}
	}
	if rem, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil && rem >= 0 && rem != b.remaining {
		b.remaining = rem
		moved = true
	}
	if unix, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && unix > 0 {
		if reset := time.Unix(unix, 0); !reset.Equal(b.reset) {
			b.reset = reset
			moved = true
		}
	}

	if moved {
		b.probed = false
		close(b.changed)
		b.changed = make(chan struct{})
	}
}
