package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jobflow/internal/model"
)

const DefaultTimeout = 30 * time.Second

// ErrUnknownConnection is returned for queries against a connection that was
// never registered.
var ErrUnknownConnection = errors.New("unknown connection")

// Pool routes checkup queries to their connection's driver. Sources are opened
// lazily and reused; identical queries in flight against the same connection
// share one round trip.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]model.Connection
	sources map[string]Source
	group   singleflight.Group
	timeout time.Duration
	log     *slog.Logger
}

func NewPool(timeout time.Duration, logger *slog.Logger) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		conns:   make(map[string]model.Connection),
		sources: make(map[string]Source),
		timeout: timeout,
		log:     logger,
	}
}

// Add registers a connection. Its driver must be registered.
func (p *Pool) Add(conn model.Connection) error {
	if conn.Name == "" {
		return fmt.Errorf("connection name is required")
	}
	if _, ok := ResolveDriver(conn.Driver); !ok {
		return fmt.Errorf("connection %s: unsupported driver %q (known: %v)", conn.Name, conn.Driver, ListDrivers())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn.Name]; ok {
		return fmt.Errorf("connection %s: already registered", conn.Name)
	}
	p.conns[conn.Name] = conn
	return nil
}

func (p *Pool) Connections() []model.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Query runs query against the named connection within the pool timeout and
// returns the scalar result.
func (p *Pool) Query(ctx context.Context, connection, query string) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("Query: nil context")
	}
	if query == "" {
		return "", fmt.Errorf("Query: empty query")
	}

	src, err := p.source(connection)
	if err != nil {
		return "", err
	}

	// The shared call outlives any one caller; each caller stops waiting on
	// its own ctx.
	key := connection + "\x00" + query
	ch := p.group.DoChan(key, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		val, err := src.Query(qctx, query)
		if err != nil && errors.Is(qctx.Err(), context.DeadlineExceeded) {
			return "", transient(connection, fmt.Errorf("query timed out after %s: %w", p.timeout, err))
		}
		return val, err
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			p.log.Debug("coalesced checkup query", "connection", connection)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *Pool) source(name string) (Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if src, ok := p.sources[name]; ok {
		return src, nil
	}
	conn, ok := p.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	d, ok := ResolveDriver(conn.Driver)
	if !ok {
		return nil, fmt.Errorf("connection %s: unsupported driver %q", name, conn.Driver)
	}
	src, err := d.Open(conn)
	if err != nil {
		return nil, transient(name, fmt.Errorf("open: %w", err))
	}
	p.sources[name] = src
	return src, nil
}

// Close releases every opened source.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, src := range p.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(p.sources, name)
	}
	return errors.Join(errs...)
}
