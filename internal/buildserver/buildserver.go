// Package buildserver hands builds to the remote systems that execute jobs
// and turns what those systems report back into model.BuildEvents.
package buildserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"jobflow/internal/model"
)

var ErrUnknownServer = errors.New("unknown build server")

// Server starts a queued build of job on a remote build server. Submit
// returns once the server accepted the build; progress arrives later as
// BuildEvents.
type Server interface {
	Name() string
	Submit(ctx context.Context, job model.Job, build model.Build) error
}

// EventSink receives build events from pollers and webhooks.
type EventSink interface {
	HandleEvent(ctx context.Context, ev model.BuildEvent) error
}

// Server kinds accepted in the fleet file.
const (
	KindWebhook = "webhook"
	KindActions = "github-actions"
)

// Config declares one build server.
type Config struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// webhook
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// github-actions
	Owner        string        `yaml:"owner,omitempty"`
	Repo         string        `yaml:"repo,omitempty"`
	Workflow     string        `yaml:"workflow,omitempty"`
	Ref          string        `yaml:"ref,omitempty"`
	BaseURL      string        `yaml:"base_url,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// Validate normalizes the kind and checks the fields it needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("build server: name is required")
	}
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	switch c.Kind {
	case "", KindWebhook:
		c.Kind = KindWebhook
		if c.URL == "" {
			return fmt.Errorf("build server %q: url is required for %s", c.Name, KindWebhook)
		}
	case KindActions:
		var missing []string
		for _, f := range []struct{ name, value string }{
			{"owner", c.Owner}, {"repo", c.Repo}, {"workflow", c.Workflow},
		} {
			if f.value == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("build server %q: %s required for %s", c.Name, strings.Join(missing, ", "), KindActions)
		}
		if c.Ref == "" {
			c.Ref = "main"
		}
		if c.PollInterval <= 0 {
			c.PollInterval = DefaultPollInterval
		}
	default:
		return fmt.Errorf("build server %q: unknown kind %q (must be one of: %s, %s)", c.Name, c.Kind, KindWebhook, KindActions)
	}
	return nil
}

// Registry routes submissions to the server a job is bound to.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]Server
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]Server)}
}

func (r *Registry) Register(s Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.servers[s.Name()]; dup {
		return fmt.Errorf("build server %q registered twice", s.Name())
	}
	r.servers[s.Name()] = s
	return nil
}

func (r *Registry) Lookup(name string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Submit hands build to the server job is bound to.
func (r *Registry) Submit(ctx context.Context, job model.Job, build model.Build) error {
	s, err := r.Lookup(job.Server)
	if err != nil {
		return err
	}
	if err := s.Submit(ctx, job, build); err != nil {
		return fmt.Errorf("submit %s#%d to %s: %w", job.ID, build.Number, s.Name(), err)
	}
	return nil
}
