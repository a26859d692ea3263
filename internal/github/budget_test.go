package github

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestRequestBudget(t *testing.T) {
	fixedNow := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	newBudget := func(remaining int, reset time.Time) *RequestBudget {
		b := NewRequestBudget()
		b.now = func() time.Time { return fixedNow }
		b.remaining = remaining
		b.reset = reset
		return b
	}
	headers := func(kv ...string) *http.Response {
		resp := &http.Response{Header: make(http.Header)}
		for i := 0; i+1 < len(kv); i += 2 {
			resp.Header.Set(kv[i], kv[i+1])
		}
		return resp
	}
	shortCtx := func(t *testing.T) context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}

	t.Run("acquire decrements", func(t *testing.T) {
		b := newBudget(3, fixedNow.Add(time.Hour))
		if err := b.Acquire(context.Background(), 2); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if got := b.Remaining(); got != 1 {
			t.Fatalf("Remaining = %d, want 1", got)
		}
	})

	t.Run("headers set remaining and reset", func(t *testing.T) {
		b := newBudget(5000, fixedNow.Add(time.Hour))
		b.UpdateFromResponse(headers("X-RateLimit-Remaining", "10", "X-RateLimit-Reset", "1700000000"))
		if b.Remaining() != 10 {
			t.Fatalf("Remaining = %d, want 10", b.Remaining())
		}
		if !b.reset.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("reset = %v", b.reset)
		}
	})

	t.Run("invalid headers ignored", func(t *testing.T) {
		b := newBudget(7, time.Unix(123, 0))
		b.UpdateFromResponse(headers("X-RateLimit-Remaining", "nope", "X-RateLimit-Reset", "not-a-time"))
		if b.Remaining() != 7 || !b.reset.Equal(time.Unix(123, 0)) {
			t.Fatalf("budget moved on invalid headers: %d %v", b.remaining, b.reset)
		}
	})

	t.Run("retry-after blocks and only extends", func(t *testing.T) {
		b := newBudget(5000, fixedNow.Add(-time.Hour))
		b.UpdateFromResponse(headers("Retry-After", "60"))
		b.UpdateFromResponse(headers("Retry-After", "10"))
		if !b.cooldown.Equal(fixedNow.Add(60 * time.Second)) {
			t.Fatalf("cooldown = %v, want +60s", b.cooldown)
		}
		if err := b.Acquire(shortCtx(t), 1); err == nil {
			t.Fatalf("expected Acquire to block during cooldown")
		}
	})

	t.Run("exhausted before reset blocks", func(t *testing.T) {
		b := newBudget(0, fixedNow.Add(time.Hour))
		if err := b.Acquire(shortCtx(t), 1); err == nil {
			t.Fatalf("expected Acquire to block")
		}
	})

	t.Run("one probe after reset", func(t *testing.T) {
		b := newBudget(0, fixedNow.Add(-time.Second))
		if err := b.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("probe Acquire: %v", err)
		}
		if err := b.Acquire(shortCtx(t), 1); err == nil {
			t.Fatalf("second Acquire should wait for fresh headers")
		}
	})

	t.Run("update wakes waiters", func(t *testing.T) {
		b := newBudget(0, fixedNow.Add(time.Hour))
		errCh := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errCh <- b.Acquire(ctx, 1)
		}()
		time.Sleep(10 * time.Millisecond)
		b.UpdateFromResponse(headers("X-RateLimit-Remaining", "1"))
		if err := <-errCh; err != nil {
			t.Fatalf("Acquire after update: %v", err)
		}
	})

	t.Run("invalid inputs fail fast", func(t *testing.T) {
		b := newBudget(10, fixedNow.Add(time.Hour))
		tests := []struct {
			name string
			ctx  context.Context
			n    int
		}{
			{name: "nil ctx", ctx: nil, n: 1},
			{name: "n=0", ctx: context.Background(), n: 0},
			{name: "n<0", ctx: context.Background(), n: -1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := b.Acquire(tt.ctx, tt.n); err == nil {
					t.Fatalf("expected error")
				}
			})
		}
	})
}
