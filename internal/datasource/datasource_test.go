package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobflow/internal/model"
)

func TestDriverRegistry_ResolvesBuiltins(t *testing.T) {
	for _, name := range []string{"postgres", "http"} {
		t.Run(name, func(t *testing.T) {
			if _, ok := ResolveDriver(name); !ok {
				t.Fatalf("expected driver %q registered", name)
			}
		})
	}
}

func TestPool_RejectsUnknownDriverAndConnection(t *testing.T) {
	p := NewPool(time.Second, nil)
	if err := p.Add(model.Connection{Name: "x", Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	_, err := p.Query(context.Background(), "missing", "select 1")
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestPool_HTTPQuery(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "json_number", body: `{"value": 42}`, want: "42"},
		{name: "json_string", body: `{"value": "ok"}`, want: "ok"},
		{name: "plain", body: " 17\n", want: "17"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q, _ := io.ReadAll(r.Body)
				if string(q) != "count rows" {
					t.Errorf("query body = %q", q)
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := NewPool(time.Second, nil)
			if err := p.Add(model.Connection{Name: "api", Driver: "http", DSN: srv.URL}); err != nil {
				t.Fatal(err)
			}
			got, err := p.Query(context.Background(), "api", "count rows")
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Query = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPool_HTTPErrorsClassified(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewPool(time.Second, nil)
	_ = p.Add(model.Connection{Name: "api", Driver: "http", DSN: srv.URL})

	_, err := p.Query(context.Background(), "api", "q")
	if !IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = p.Query(context.Background(), "api", "q")
	if err == nil || IsTransient(err) {
		t.Fatalf("400 should be a permanent error, got %v", err)
	}
}

func TestPool_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewPool(50*time.Millisecond, nil)
	_ = p.Add(model.Connection{Name: "slow", Driver: "http", DSN: srv.URL})

	_, err := p.Query(context.Background(), "slow", "q")
	var te *TransientExternalError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientExternalError, got %v", err)
	}
}

func TestPool_CoalescesIdenticalQueries(t *testing.T) {
	var calls int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-gate
		fmt.Fprint(w, "1")
	}))
	defer srv.Close()

	p := NewPool(5*time.Second, nil)
	_ = p.Add(model.Connection{Name: "api", Driver: "http", DSN: srv.URL})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := p.Query(context.Background(), "api", "same"); err != nil || v != "1" {
				t.Errorf("Query = %q, %v", v, err)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("server saw %d requests, want 1", n)
	}
}

func TestPool_CancelledCallerDoesNotFailOthers(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		fmt.Fprint(w, "7")
	}))
	defer srv.Close()

	p := NewPool(5*time.Second, nil)
	_ = p.Add(model.Connection{Name: "api", Driver: "http", DSN: srv.URL})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Query(first, "api", "same")
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan string, 1)
	go func() {
		v, err := p.Query(context.Background(), "api", "same")
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		second <- v
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller = %v, want context.Canceled", err)
	}
	close(gate)
	if v := <-second; v != "7" {
		t.Fatalf("second caller = %q, want 7", v)
	}
}

func TestScalarString(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{[]byte("abc"), "abc"},
		{int64(12), "12"},
		{float64(1.5), "1.5"},
		{true, "true"},
		{ts, "2025-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		if got := scalarString(tt.in); got != tt.want {
			t.Errorf("scalarString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
