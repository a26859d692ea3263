// Package fleet loads the YAML document that declares jobs, their parent
// edges, checkups, data connections, build servers and triggers.
package fleet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jobflow/internal/buildserver"
	"jobflow/internal/datasource"
	"jobflow/internal/graph"
	"jobflow/internal/model"
	"jobflow/internal/trigger"
)

// File is the fleet document as written.
type File struct {
	Servers     []buildserver.Config `yaml:"servers"`
	Connections []model.Connection   `yaml:"connections"`
	Jobs        []Job                `yaml:"jobs"`
	Triggers    []Trigger            `yaml:"triggers"`
}

type Job struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Server         string        `yaml:"server"`
	Retry          int           `yaml:"retry"`
	Tolerance      time.Duration `yaml:"tolerance"`
	Wait           time.Duration `yaml:"wait"`
	Enabled        *bool         `yaml:"enabled"`
	Rebuild        bool          `yaml:"rebuild"`
	RebuildBlocked bool          `yaml:"rebuild_blocked"`
	Approver       string        `yaml:"approver"`
	Recipients     []string      `yaml:"recipients"`
	Parents        []Parent      `yaml:"parents"`
	Checkups       []Checkup     `yaml:"checkups"`
}

type Parent struct {
	Job   string `yaml:"job"`
	Scope string `yaml:"scope"`
}

type Checkup struct {
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	Connection    string    `yaml:"connection"`
	Query         string    `yaml:"query"`
	Conditional   string    `yaml:"conditional"`
	Threshold     string    `yaml:"threshold"`
	Action        string    `yaml:"action"`
	Scope         string    `yaml:"scope"`
	Enabled       *bool     `yaml:"enabled"`
	PreValidation bool      `yaml:"pre_validation"`
	Retry         int       `yaml:"retry"`
	Commands      []Command `yaml:"commands"`
}

type Command struct {
	Name    string        `yaml:"name"`
	Run     string        `yaml:"run"`
	When    string        `yaml:"when"`
	Timeout time.Duration `yaml:"timeout"`
}

type Trigger struct {
	Name        string       `yaml:"name"`
	Cron        string       `yaml:"cron"`
	Description string       `yaml:"description"`
	Jobs        []JobBinding `yaml:"jobs"`
}

type JobBinding struct {
	Job      string `yaml:"job"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`
}

// Fleet is a validated File in model types.
type Fleet struct {
	Servers     []buildserver.Config
	Connections []model.Connection
	Jobs        []model.Job
	Edges       []model.ParentEdge
	Checkups    []model.Checkup
	Triggers    []model.Trigger
	// Graph holds Jobs and Edges; building it is how cycles are found.
	Graph *graph.Store
}

// ValidationError lists every problem found in a fleet file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid fleet: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid fleet: %d problems:\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Load reads path, expanding ${VAR} references so DSNs and tokens can stay
// in the environment.
func Load(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet: %w", err)
	}
	return Parse(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
}

// Parse decodes and validates a fleet document. Unknown keys are errors.
func Parse(r io.Reader) (*Fleet, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse fleet: %w", err)
	}
	return f.Resolve()
}

// Resolve converts f to model types, collecting every problem instead of
// stopping at the first one.
func (f *File) Resolve() (*Fleet, error) {
	v := &resolver{
		out:     &Fleet{Graph: graph.NewStore()},
		servers: make(map[string]bool),
		conns:   make(map[string]bool),
		jobs:    make(map[string]bool),
	}
	v.buildServers(f.Servers)
	v.connections(f.Connections)
	v.jobsAndCheckups(f.Jobs)
	v.edges(f.Jobs)
	v.triggers(f.Triggers)

	if len(v.problems) > 0 {
		return nil, &ValidationError{Problems: v.problems}
	}
	return v.out, nil
}

type resolver struct {
	out      *Fleet
	problems []string
	servers  map[string]bool
	conns    map[string]bool
	jobs     map[string]bool
}

func (v *resolver) problem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *resolver) buildServers(in []buildserver.Config) {
	for _, s := range in {
		if err := s.Validate(); err != nil {
			v.problem("%v", err)
			continue
		}
		if v.servers[s.Name] {
			v.problem("build server %q declared twice", s.Name)
			continue
		}
		v.servers[s.Name] = true
		v.out.Servers = append(v.out.Servers, s)
	}
}

func (v *resolver) connections(in []model.Connection) {
	for _, c := range in {
		switch {
		case c.Name == "":
			v.problem("connection: name is required")
		case v.conns[c.Name]:
			v.problem("connection %q declared twice", c.Name)
		default:
			if _, ok := datasource.ResolveDriver(c.Driver); !ok {
				v.problem("connection %q: unknown driver %q (must be one of: %s)", c.Name, c.Driver, strings.Join(datasource.ListDrivers(), ", "))
				continue
			}
			v.conns[c.Name] = true
			v.out.Connections = append(v.out.Connections, c)
		}
	}
}

func (v *resolver) jobsAndCheckups(in []Job) {
	checkupIDs := make(map[string]bool)
	for _, j := range in {
		if strings.TrimSpace(j.ID) == "" {
			v.problem("job: id is required")
			continue
		}
		if v.jobs[j.ID] {
			v.problem("job %q declared twice", j.ID)
			continue
		}
		v.jobs[j.ID] = true
		if !v.servers[j.Server] {
			v.problem("job %q: unknown build server %q", j.ID, j.Server)
		}
		if j.Retry < 0 || j.Tolerance < 0 || j.Wait < 0 {
			v.problem("job %q: retry, tolerance and wait must not be negative", j.ID)
		}

		job := model.Job{
			ID:             j.ID,
			Name:           j.Name,
			Server:         j.Server,
			Retry:          j.Retry,
			Tolerance:      j.Tolerance,
			Wait:           j.Wait,
			Enabled:        enabled(j.Enabled),
			Rebuild:        j.Rebuild,
			RebuildBlocked: j.RebuildBlocked,
			Approver:       j.Approver,
			Recipients:     j.Recipients,
		}
		v.out.Jobs = append(v.out.Jobs, job)
		if err := v.out.Graph.PutJob(job); err != nil {
			v.problem("job %q: %v", j.ID, err)
		}

		for _, c := range j.Checkups {
			if c.ID == "" {
				v.problem("job %q: checkup id is required", j.ID)
				continue
			}
			if checkupIDs[c.ID] {
				v.problem("checkup %q declared twice", c.ID)
				continue
			}
			checkupIDs[c.ID] = true
			if mc, ok := v.checkup(j, c); ok {
				v.out.Checkups = append(v.out.Checkups, mc)
			}
		}
	}
}

func (v *resolver) checkup(j Job, c Checkup) (model.Checkup, bool) {
	at := fmt.Sprintf("job %q checkup %q", j.ID, c.ID)
	ok := true
	fail := func(format string, args ...any) {
		v.problem(at+": "+format, args...)
		ok = false
	}

	if !v.conns[c.Connection] {
		fail("unknown connection %q", c.Connection)
	}
	if strings.TrimSpace(c.Query) == "" {
		fail("query is required")
	}
	cond, err := model.ParseConditional(c.Conditional)
	if err != nil {
		fail("%v", err)
	}
	action, err := model.ParseAction(c.Action)
	if err != nil {
		fail("%v", err)
	}
	scope, err := model.ParseScope(c.Scope)
	if err != nil {
		fail("%v", err)
	}
	if c.Retry < 0 {
		fail("retry must not be negative")
	}

	mc := model.Checkup{
		ID:            c.ID,
		JobID:         j.ID,
		Name:          c.Name,
		Connection:    c.Connection,
		Query:         c.Query,
		Conditional:   cond,
		Threshold:     c.Threshold,
		Action:        action,
		Scope:         scope,
		Enabled:       enabled(c.Enabled),
		PreValidation: c.PreValidation,
		Retry:         c.Retry,
	}
	for i, cmd := range c.Commands {
		when := model.CommandWhen(strings.ToLower(strings.TrimSpace(cmd.When)))
		switch when {
		case "":
			when = model.CommandAfter
		case model.CommandBefore, model.CommandAfter:
		default:
			fail("command %d: when must be %q or %q, got %q", i, model.CommandBefore, model.CommandAfter, cmd.When)
		}
		if strings.TrimSpace(cmd.Run) == "" {
			fail("command %d: run is required", i)
		}
		mc.Commands = append(mc.Commands, model.Command{Name: cmd.Name, Run: cmd.Run, When: when, Timeout: cmd.Timeout})
	}
	return mc, ok
}

func (v *resolver) edges(in []Job) {
	for _, j := range in {
		if !v.jobs[j.ID] {
			continue
		}
		for _, p := range j.Parents {
			scope, err := model.ParseScope(p.Scope)
			if err != nil {
				v.problem("job %q parent %q: %v", j.ID, p.Job, err)
				continue
			}
			if err := v.out.Graph.AddEdge(j.ID, p.Job, scope); err != nil {
				v.problem("job %q: %v", j.ID, err)
				continue
			}
			v.out.Edges = append(v.out.Edges, model.ParentEdge{Child: j.ID, Parent: p.Job, Scope: scope})
		}
	}
}

func (v *resolver) triggers(in []Trigger) {
	names := make(map[string]bool)
	for _, t := range in {
		if t.Name == "" {
			v.problem("trigger: name is required")
			continue
		}
		if names[t.Name] {
			v.problem("trigger %q declared twice", t.Name)
			continue
		}
		names[t.Name] = true
		if _, err := trigger.ParseCron(t.Cron); err != nil {
			v.problem("trigger %q: %v", t.Name, err)
		}
		mt := model.Trigger{Name: t.Name, Cron: t.Cron, Description: t.Description}
		for _, b := range t.Jobs {
			if !v.jobs[b.Job] {
				v.problem("trigger %q: unknown job %q", t.Name, b.Job)
				continue
			}
			mt.Jobs = append(mt.Jobs, model.JobTrigger{JobID: b.Job, Priority: b.Priority, Enabled: enabled(b.Enabled)})
		}
		v.out.Triggers = append(v.out.Triggers, mt)
	}
}

// enabled defaults an omitted flag to true.
func enabled(b *bool) bool {
	return b == nil || *b
}
